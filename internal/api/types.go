package api

import "encoding/json"

// Challenge is issued by the start endpoints. Commitment is set only for
// login.
type Challenge struct {
	Challenge  string `json:"challenge"`
	Nonce      string `json:"nonce"`
	OriginHash string `json:"origin_hash"`
	Timestamp  uint64 `json:"timestamp"`
	Tau        int    `json:"tau"`
	Commitment string `json:"commitment,omitempty"`
}

// PublicInputs are the public circuit values sent with a proof. Nonce and
// OriginHash are the raw challenge strings the backend looks its nonce
// record up by; C and Sig are decimal field elements.
type PublicInputs struct {
	Nonce      string `json:"nonce"`
	OriginHash string `json:"origin_hash"`
	Tau        int    `json:"tau"`
	Timestamp  uint64 `json:"timestamp"`
	C          string `json:"C"`
	Sig        string `json:"sig"`
}

// EnrollFinishRequest completes an enrollment.
type EnrollFinishRequest struct {
	Commitment   string          `json:"commitment"`
	PublicInputs PublicInputs    `json:"public_inputs"`
	Proof        json.RawMessage `json:"proof"`
}

// EnrollFinishResponse carries the id of the newly created user.
type EnrollFinishResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id"`
}

// LoginFinishRequest completes a login.
type LoginFinishRequest struct {
	PublicInputs PublicInputs    `json:"public_inputs"`
	Proof        json.RawMessage `json:"proof"`
}

// LoginFinishResponse carries the session token on success.
type LoginFinishResponse struct {
	Success bool    `json:"success"`
	Token   *string `json:"token"`
}

// TokenValue returns the token or "".
func (r *LoginFinishResponse) TokenValue() string {
	if r == nil || r.Token == nil {
		return ""
	}
	return *r.Token
}

// LogoutResponse reports whether the token was revoked.
type LogoutResponse struct {
	Success bool `json:"success"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}
