// Package protocol runs the enrollment and login flows.
//
// Enrollment fetches a challenge, captures the user typing it, folds the
// resulting feature vector into a salted commitment, proves knowledge of
// the template, and stores the template locally once the backend accepts.
// Login repeats the capture against the stored template and proves the
// fresh sample lies within tau of it. Templates and salts never leave the
// device; only the commitment, a challenge-bound signature, and the proof
// are sent.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"huproof/internal/api"
	"huproof/internal/calibration"
	"huproof/internal/commitment"
	"huproof/internal/field"
	"huproof/internal/keystroke"
	"huproof/internal/logging"
	"huproof/internal/metrics"
	"huproof/internal/prover"
	"huproof/internal/store"
)

var (
	ErrInvalidTransition    = errors.New("protocol: invalid state transition")
	ErrMissingLocalTemplate = errors.New("protocol: no local template for user; enroll on this device first")
	ErrCommitmentMismatch   = errors.New("protocol: server commitment does not match local template")
	ErrProofGeneration      = errors.New("protocol: proof generation failed")
	ErrMalformedChallenge   = errors.New("protocol: malformed challenge")
	ErrRejected             = errors.New("protocol: rejected by server")
	ErrEmptyCapture         = errors.New("protocol: no keystrokes captured")
)

// Issuer is the backend: it issues challenges and judges proofs.
// *api.Client implements it.
type Issuer interface {
	EnrollStart(ctx context.Context) (*api.Challenge, error)
	LoginStart(ctx context.Context, userID string) (*api.Challenge, error)
	EnrollFinish(ctx context.Context, req *api.EnrollFinishRequest) (*api.EnrollFinishResponse, error)
	LoginFinish(ctx context.Context, req *api.LoginFinishRequest) (*api.LoginFinishResponse, error)
	Logout(ctx context.Context, token string) (*api.LogoutResponse, error)
}

// TemplateStore keeps enrolled templates. *store.Store implements it.
type TemplateStore interface {
	Put(ctx context.Context, rec *store.Record) error
	Get(ctx context.Context, userID string) (*store.Record, error)
}

// Options tunes a Client.
type Options struct {
	Features    keystroke.Options
	Calibration calibration.Params

	// AllowPlaceholderProof submits the empty proof when proving fails.
	// Only backends running with verification bypassed accept it.
	AllowPlaceholderProof bool
	// ProofTimeout bounds proof generation. Zero means no bound beyond ctx.
	ProofTimeout time.Duration

	// Rand is the source for salts. Nil uses crypto/rand.
	Rand io.Reader

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Audit   *logging.AuditLogger
}

// DefaultOptions returns the circuit's feature layout and the backend's
// calibration constants.
func DefaultOptions() Options {
	return Options{
		Features:     keystroke.DefaultOptions(),
		Calibration:  calibration.DefaultParams(),
		ProofTimeout: 2 * time.Minute,
	}
}

// EnrollmentResult describes an accepted enrollment.
type EnrollmentResult struct {
	UserID     string
	Commitment string
	// Tau is the threshold the backend issued with the challenge.
	Tau int
	// Calibration is set when extra samples were supplied. Its tau and
	// quality are advisory; the backend's tau is what the proof uses.
	Calibration      *calibration.Result
	PlaceholderProof bool
}

// LoginResult describes an accepted login.
type LoginResult struct {
	UserID string
	Token  string
	// Distance is the L1 distance between the fresh sample and the stored
	// template.
	Distance         int64
	Tau              int
	PlaceholderProof bool
}

// Client drives sessions against an issuer.
type Client struct {
	issuer Issuer
	prover prover.Prover
	store  TemplateStore
	scheme *commitment.Scheme
	opts   Options
	logger *logging.Logger
}

// NewClient creates a client.
func NewClient(issuer Issuer, p prover.Prover, st TemplateStore, h field.FixedArityHash, opts Options) (*Client, error) {
	if issuer == nil || p == nil || st == nil {
		return nil, errors.New("protocol: issuer, prover and store are required")
	}
	scheme, err := commitment.New(h)
	if err != nil {
		return nil, err
	}
	if opts.Features.Length == 0 {
		opts.Features = keystroke.DefaultOptions()
	}
	if opts.Calibration == (calibration.Params{}) {
		opts.Calibration = calibration.DefaultParams()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		issuer: issuer,
		prover: p,
		store:  st,
		scheme: scheme,
		opts:   opts,
		logger: logger.WithComponent("protocol"),
	}, nil
}

// RequestEnrollment asks the backend for an enrollment challenge.
func (c *Client) RequestEnrollment(ctx context.Context, sess Session) (Session, error) {
	if err := sess.expect(Idle, PurposeNone); err != nil {
		return sess, err
	}
	sess.Purpose = PurposeEnroll
	sess.StartedAt = time.Now()
	ctx = logging.ContextWithAttemptID(ctx, sess.AttemptID)

	ch, err := c.issuer.EnrollStart(ctx)
	if err != nil {
		return c.fail(ctx, sess, err)
	}
	if ch.Commitment != "" {
		return c.fail(ctx, sess, fmt.Errorf("%w: enrollment challenge carries a commitment", ErrMalformedChallenge))
	}
	return c.issued(ctx, sess, ch)
}

// RequestLogin asks the backend for a login challenge for userID.
func (c *Client) RequestLogin(ctx context.Context, sess Session, userID string) (Session, error) {
	if err := sess.expect(Idle, PurposeNone); err != nil {
		return sess, err
	}
	sess.Purpose = PurposeLogin
	sess.UserID = userID
	sess.StartedAt = time.Now()
	ctx = logging.ContextWithAttemptID(ctx, sess.AttemptID)

	ch, err := c.issuer.LoginStart(ctx, userID)
	if err != nil {
		return c.fail(ctx, sess, err)
	}
	if ch.Commitment == "" {
		return c.fail(ctx, sess, fmt.Errorf("%w: login challenge has no commitment", ErrMalformedChallenge))
	}
	return c.issued(ctx, sess, ch)
}

func (c *Client) issued(ctx context.Context, sess Session, ch *api.Challenge) (Session, error) {
	if ch.Challenge == "" {
		return c.fail(ctx, sess, fmt.Errorf("%w: empty challenge text", ErrMalformedChallenge))
	}
	sess.Challenge = ch
	sess, err := sess.advance(ChallengeIssued)
	if err != nil {
		return sess, err
	}
	c.log(sess).Info("challenge issued", "tau", ch.Tau, "timestamp", ch.Timestamp)
	return sess, nil
}

// BeginCapture starts recording keystrokes for the challenge. Any capture
// already running on rec is superseded. Feed events to sess.Capture.
func (c *Client) BeginCapture(sess Session, rec *keystroke.Recorder) (Session, error) {
	if err := sess.expect(ChallengeIssued, PurposeNone); err != nil {
		return sess, err
	}
	if rec == nil {
		return sess, errors.New("protocol: nil recorder")
	}
	sess, err := sess.advance(Capturing)
	if err != nil {
		return sess, err
	}
	sess.recorder = rec
	sess.Capture = rec.Begin(sess.Challenge.Challenge)
	return sess, nil
}

// CompleteEnrollment ends the capture and runs the enrollment to its end.
// With extra samples the template is their average together with the
// captured sample.
func (c *Client) CompleteEnrollment(ctx context.Context, sess Session, extra ...keystroke.FeatureVector) (Session, *EnrollmentResult, error) {
	if err := sess.expect(Capturing, PurposeEnroll); err != nil {
		return sess, nil, err
	}
	ctx = logging.ContextWithAttemptID(ctx, sess.AttemptID)

	features, sess, err := c.endCapture(sess)
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}

	result := &EnrollmentResult{Tau: sess.Challenge.Tau}
	template := []uint32(features)
	if len(extra) > 0 {
		samples := make([][]uint32, 0, len(extra)+1)
		samples = append(samples, features)
		for _, fv := range extra {
			samples = append(samples, fv)
		}
		cal, err := calibration.Calibrate(samples, c.opts.Calibration)
		if err != nil {
			sess, err = c.fail(ctx, sess, fmt.Errorf("calibrate: %w", err))
			return sess, nil, err
		}
		template = cal.Template
		result.Calibration = cal
		c.opts.Metrics.SetCalibratedTau(cal.Tau)
		c.log(sess).Info("calibrated template",
			"samples", cal.Samples, "advisory_tau", cal.Tau, "consistency", cal.Quality.ConsistencyScore)
	}

	secrets, err := c.scheme.NewSecrets(c.opts.Rand)
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}
	commit, err := c.scheme.Commit(template, secrets.Salt)
	if err != nil {
		sess, err = c.fail(ctx, sess, fmt.Errorf("commit: %w", err))
		return sess, nil, err
	}
	keyHash, err := c.scheme.KeyHash(template, secrets.SaltKey)
	if err != nil {
		sess, err = c.fail(ctx, sess, fmt.Errorf("key hash: %w", err))
		return sess, nil, err
	}

	in, pub, err := c.witness(sess.Challenge, commit, keyHash, template, features, secrets)
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}

	sess, proof, placeholder, err := c.prove(ctx, sess, in)
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}
	result.PlaceholderProof = placeholder

	if sess, err = sess.advance(Submitted); err != nil {
		return sess, nil, err
	}
	resp, err := c.issuer.EnrollFinish(ctx, &api.EnrollFinishRequest{
		Commitment:   pub.C,
		PublicInputs: pub,
		Proof:        proof.Proof,
	})
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}
	if !resp.Success || resp.UserID == "" {
		sess, err = c.fail(ctx, sess, ErrRejected)
		return sess, nil, err
	}

	rec := &store.Record{
		UserID:     resp.UserID,
		Template:   append([]uint32(nil), template...),
		Salt:       field.ToDecimal(secrets.Salt),
		SaltKey:    field.ToDecimal(secrets.SaltKey),
		Commitment: pub.C,
		HashName:   c.scheme.Hash().Name(),
	}
	sess.UserID = resp.UserID
	if err := c.store.Put(ctx, rec); err != nil {
		c.log(sess).Error("enrollment accepted but template not saved", "user_id", resp.UserID, "error", err)
		sess, err = c.fail(ctx, sess, fmt.Errorf("save template: %w", err))
		return sess, nil, err
	}

	result.UserID = resp.UserID
	result.Commitment = pub.C
	sess, err = c.accept(ctx, sess, map[string]any{"placeholder_proof": placeholder})
	return sess, result, err
}

// CompleteLogin ends the capture and runs the login to its end.
func (c *Client) CompleteLogin(ctx context.Context, sess Session) (Session, *LoginResult, error) {
	if err := sess.expect(Capturing, PurposeLogin); err != nil {
		return sess, nil, err
	}
	ctx = logging.ContextWithAttemptID(ctx, sess.AttemptID)

	features, sess, err := c.endCapture(sess)
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}

	rec, err := c.store.Get(ctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		sess, err = c.fail(ctx, sess, fmt.Errorf("%w: %s", ErrMissingLocalTemplate, sess.UserID))
		return sess, nil, err
	}
	if err != nil {
		sess, err = c.fail(ctx, sess, fmt.Errorf("load template: %w", err))
		return sess, nil, err
	}

	secrets, stored, err := c.parseRecord(rec)
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}
	offered, err := field.FromDecimal(sess.Challenge.Commitment, c.scheme.Hash().Modulus())
	if err != nil || offered.Cmp(stored) != 0 {
		sess, err = c.fail(ctx, sess, ErrCommitmentMismatch)
		return sess, nil, err
	}

	distance, err := calibration.L1(features, rec.Template)
	if err != nil {
		sess, err = c.fail(ctx, sess, fmt.Errorf("compare with template: %w", err))
		return sess, nil, err
	}
	c.log(sess).Debug("sample distance", "distance", distance, "tau", sess.Challenge.Tau)

	keyHash, err := c.scheme.KeyHash(rec.Template, secrets.SaltKey)
	if err != nil {
		sess, err = c.fail(ctx, sess, fmt.Errorf("key hash: %w", err))
		return sess, nil, err
	}
	in, pub, err := c.witness(sess.Challenge, stored, keyHash, rec.Template, features, secrets)
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}

	sess, proof, placeholder, err := c.prove(ctx, sess, in)
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}

	if sess, err = sess.advance(Submitted); err != nil {
		return sess, nil, err
	}
	resp, err := c.issuer.LoginFinish(ctx, &api.LoginFinishRequest{PublicInputs: pub, Proof: proof.Proof})
	if err != nil {
		sess, err = c.fail(ctx, sess, err)
		return sess, nil, err
	}
	if !resp.Success || resp.TokenValue() == "" {
		sess, err = c.fail(ctx, sess, ErrRejected)
		return sess, nil, err
	}

	result := &LoginResult{
		UserID:           sess.UserID,
		Token:            resp.TokenValue(),
		Distance:         distance,
		Tau:              sess.Challenge.Tau,
		PlaceholderProof: placeholder,
	}
	sess, err = c.accept(ctx, sess, map[string]any{"placeholder_proof": placeholder})
	return sess, result, err
}

// Cancel abandons the attempt. A running capture is aborted and nothing is
// persisted. The returned session is a fresh Idle one.
func (c *Client) Cancel(sess Session) Session {
	if sess.recorder != nil && sess.Capture != nil && sess.recorder.Active() == sess.Capture {
		sess.recorder.Abort()
	}
	if sess.State != Idle && !sess.State.Terminal() {
		c.opts.Metrics.RecordAttempt(sess.Purpose.String(), metrics.OutcomeCanceled)
		c.log(sess).Info("attempt canceled", "state", sess.State)
	}
	return sess.Reset()
}

// Logout revokes a session token issued by a successful login.
func (c *Client) Logout(ctx context.Context, token string) error {
	resp, err := c.issuer.Logout(ctx, token)
	ev := logging.AuditEvent{EventType: logging.AuditLogout, Result: logging.AuditAccepted}
	switch {
	case err != nil:
		ev.Result, ev.Error = auditResult(err), err.Error()
	case !resp.Success:
		err = ErrRejected
		ev.Result, ev.Error = logging.AuditRejected, err.Error()
	}
	if aerr := c.opts.Audit.Log(ctx, ev); aerr != nil {
		c.logger.Warn("audit write failed", "error", aerr)
	}
	return err
}

// endCapture stops recording and extracts the feature vector, moving the
// session to Folding.
func (c *Client) endCapture(sess Session) (keystroke.FeatureVector, Session, error) {
	events, err := sess.Capture.End()
	if err != nil {
		return nil, sess, fmt.Errorf("end capture: %w", err)
	}
	if len(events) == 0 {
		return nil, sess, ErrEmptyCapture
	}
	sess.Capture = nil
	sess, err = sess.advance(Folding)
	if err != nil {
		return nil, sess, err
	}
	fv := keystroke.ExtractWithOptions(sess.Challenge.Challenge, events, c.opts.Features)
	c.log(sess).Debug("features extracted", "events", len(events), "components", len(fv))
	return fv, sess, nil
}

// witness binds the challenge and builds the prover input along with the
// public inputs sent to the backend.
func (c *Client) witness(ch *api.Challenge, commit, keyHash *big.Int, template, features []uint32, secrets commitment.Secrets) (prover.Input, api.PublicInputs, error) {
	b, err := c.scheme.BindChallenge(ch.Nonce, ch.OriginHash, ch.Timestamp)
	if err != nil {
		return prover.Input{}, api.PublicInputs{}, fmt.Errorf("%w: %w", ErrMalformedChallenge, err)
	}
	sig, err := c.scheme.SignChallenge(b, keyHash)
	if err != nil {
		return prover.Input{}, api.PublicInputs{}, fmt.Errorf("sign challenge: %w", err)
	}
	if len(template) != len(features) {
		return prover.Input{}, api.PublicInputs{}, fmt.Errorf("%w: template has %d components, sample %d",
			calibration.ErrDimensionMismatch, len(template), len(features))
	}

	in := prover.Input{
		C:          field.ToDecimal(commit),
		Nonce:      field.ToDecimal(b.Nonce),
		OriginHash: field.ToDecimal(b.OriginHash),
		Timestamp:  field.ToDecimal(b.Timestamp),
		Tau:        strconv.Itoa(ch.Tau),
		Sig:        field.ToDecimal(sig),
		Tmpl:       decimals(template),
		Features:   decimals(features),
		Salt:       field.ToDecimal(secrets.Salt),
		SaltKey:    field.ToDecimal(secrets.SaltKey),
	}
	pub := api.PublicInputs{
		Nonce:      ch.Nonce,
		OriginHash: ch.OriginHash,
		Tau:        ch.Tau,
		Timestamp:  ch.Timestamp,
		C:          in.C,
		Sig:        in.Sig,
	}
	return in, pub, nil
}

// prove runs the prover under ProofTimeout, moving the session to
// ProofRequested. When proving fails and placeholders are allowed the
// placeholder proof is returned instead.
func (c *Client) prove(ctx context.Context, sess Session, in prover.Input) (Session, *prover.Result, bool, error) {
	sess, err := sess.advance(ProofRequested)
	if err != nil {
		return sess, nil, false, err
	}

	pctx := ctx
	if c.opts.ProofTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.opts.ProofTimeout)
		defer cancel()
	}

	purpose := sess.Purpose.String()
	timer := c.opts.Metrics.ProofTimer(purpose)
	job := prover.Start(pctx, c.prover, in)
	res, err := job.Wait(pctx)
	if timer != nil {
		timer.ObserveDuration()
	}
	if err == nil && res == nil {
		err = errors.New("prover returned no proof")
	}
	if err == nil {
		c.log(sess).Debug("proof generated", "elapsed", job.Elapsed())
		return sess, res, false, nil
	}

	job.Cancel()
	if ctx.Err() != nil {
		return sess, nil, false, fmt.Errorf("%w: %w", ErrProofGeneration, ctx.Err())
	}
	if !c.opts.AllowPlaceholderProof {
		return sess, nil, false, fmt.Errorf("%w: %w", ErrProofGeneration, err)
	}
	c.log(sess).Warn("proof generation failed; submitting placeholder proof", "error", err)
	c.opts.Metrics.RecordPlaceholderProof(purpose)
	return sess, prover.PlaceholderProof(), true, nil
}

func (c *Client) parseRecord(rec *store.Record) (commitment.Secrets, *big.Int, error) {
	if rec.HashName != "" && rec.HashName != c.scheme.Hash().Name() {
		return commitment.Secrets{}, nil, fmt.Errorf("%w: template was enrolled with %s, client uses %s",
			ErrCommitmentMismatch, rec.HashName, c.scheme.Hash().Name())
	}
	q := c.scheme.Hash().Modulus()
	salt, err := field.FromDecimal(rec.Salt, q)
	if err != nil {
		return commitment.Secrets{}, nil, fmt.Errorf("stored salt: %w", err)
	}
	saltKey, err := field.FromDecimal(rec.SaltKey, q)
	if err != nil {
		return commitment.Secrets{}, nil, fmt.Errorf("stored salt key: %w", err)
	}
	commit, err := field.FromDecimal(rec.Commitment, q)
	if err != nil {
		return commitment.Secrets{}, nil, fmt.Errorf("stored commitment: %w", err)
	}
	return commitment.Secrets{Salt: salt, SaltKey: saltKey}, commit, nil
}

func (c *Client) accept(ctx context.Context, sess Session, details map[string]any) (Session, error) {
	sess, err := sess.advance(Accepted)
	if err != nil {
		return sess, err
	}
	c.opts.Metrics.RecordAttempt(sess.Purpose.String(), metrics.OutcomeAccepted)
	c.audit(ctx, sess, logging.AuditAccepted, nil, details)
	c.log(sess).Info("attempt accepted", "user_id", sess.UserID, "elapsed", time.Since(sess.StartedAt))
	return sess, nil
}

// fail ends the attempt as Rejected with err.
func (c *Client) fail(ctx context.Context, sess Session, err error) (Session, error) {
	if sess.recorder != nil && sess.Capture != nil && sess.recorder.Active() == sess.Capture {
		sess.recorder.Abort()
	}
	from := sess.State
	sess.State = Rejected
	sess.Err = err

	result := auditResult(err)
	outcome := metrics.OutcomeFailed
	if result == logging.AuditRejected {
		outcome = metrics.OutcomeRejected
	}
	c.opts.Metrics.RecordAttempt(sess.Purpose.String(), outcome)
	c.audit(ctx, sess, result, err, map[string]any{"state": from.String()})
	c.log(sess).Warn("attempt failed", "state", from, "error", err)
	return sess, err
}

func (c *Client) audit(ctx context.Context, sess Session, result string, err error, details map[string]any) {
	ev := logging.AuditEvent{
		EventType: logging.AuditLogin,
		AttemptID: sess.AttemptID,
		UserID:    sess.UserID,
		Result:    result,
		Details:   details,
	}
	if sess.Purpose == PurposeEnroll {
		ev.EventType = logging.AuditEnrollment
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if aerr := c.opts.Audit.Log(ctx, ev); aerr != nil {
		c.logger.Warn("audit write failed", "error", aerr)
	}
}

func (c *Client) log(sess Session) *slog.Logger {
	return c.logger.WithAttempt(sess.AttemptID).With("purpose", sess.Purpose.String())
}

// auditResult classifies err: the server refusing the attempt is a
// rejection, anything else is a failure.
func auditResult(err error) string {
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrCommitmentMismatch) {
		return logging.AuditRejected
	}
	var re *api.RemoteError
	if errors.As(err, &re) && re.Status >= http.StatusBadRequest && re.Status < http.StatusInternalServerError {
		return logging.AuditRejected
	}
	return logging.AuditFailed
}

func decimals(v []uint32) []string {
	out := make([]string, len(v))
	for i, x := range v {
		out[i] = strconv.FormatUint(uint64(x), 10)
	}
	return out
}
