package protocol

import (
	"fmt"
	"time"

	"huproof/internal/api"
	"huproof/internal/keystroke"
	"huproof/internal/logging"
)

// State is the position of an attempt in the protocol.
type State uint8

const (
	Idle State = iota
	ChallengeIssued
	Capturing
	Folding
	ProofRequested
	Submitted
	Accepted
	Rejected
)

var stateNames = [...]string{
	Idle:            "idle",
	ChallengeIssued: "challenge_issued",
	Capturing:       "capturing",
	Folding:         "folding",
	ProofRequested:  "proof_requested",
	Submitted:       "submitted",
	Accepted:        "accepted",
	Rejected:        "rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further step is possible.
func (s State) Terminal() bool {
	return s == Accepted || s == Rejected
}

// next lists the forward edges. Any non-terminal state may also move to
// Rejected, and Cancel returns any state to Idle.
var next = map[State]State{
	Idle:            ChallengeIssued,
	ChallengeIssued: Capturing,
	Capturing:       Folding,
	Folding:         ProofRequested,
	ProofRequested:  Submitted,
	Submitted:       Accepted,
}

// Purpose is what an attempt is for.
type Purpose uint8

const (
	PurposeNone Purpose = iota
	PurposeEnroll
	PurposeLogin
)

func (p Purpose) String() string {
	switch p {
	case PurposeEnroll:
		return "enroll"
	case PurposeLogin:
		return "login"
	default:
		return "none"
	}
}

// Session is one enrollment or login attempt. It is a value: every step
// takes the current session and returns the next one.
type Session struct {
	AttemptID string
	Purpose   Purpose
	UserID    string
	State     State
	StartedAt time.Time

	// Challenge is set once the backend has issued one.
	Challenge *api.Challenge
	// Capture is the handle input events are recorded into while the
	// session is Capturing.
	Capture *keystroke.Handle

	// Err is the reason a Rejected session failed.
	Err error

	recorder *keystroke.Recorder
}

// NewSession returns an Idle session with a fresh attempt id.
func NewSession() Session {
	return Session{
		AttemptID: logging.NewAttemptID(),
		State:     Idle,
	}
}

// Reset returns a fresh Idle session for the next attempt.
func (s Session) Reset() Session {
	return NewSession()
}

// advance moves s one step forward along the protocol.
func (s Session) advance(to State) (Session, error) {
	if n, ok := next[s.State]; !ok || n != to {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return s, nil
}

// expect checks the session is at state for purpose.
func (s Session) expect(state State, purpose Purpose) error {
	if s.State != state || (purpose != PurposeNone && s.Purpose != purpose) {
		return fmt.Errorf("%w: %s %s session cannot perform this step (want %s %s)",
			ErrInvalidTransition, s.State, s.Purpose, state, purpose)
	}
	return nil
}
