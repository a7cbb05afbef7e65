// Package api is the client for the huproof authentication backend.
//
// Every response is checked against an embedded JSON schema before it is
// decoded, and requests are paced to stay under the backend's per-client
// rate limits. Requests are never retried.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"huproof/internal/logging"
	"huproof/internal/metrics"
)

// Endpoint paths.
const (
	PathEnrollStart  = "/api/enroll/start"
	PathEnrollFinish = "/api/enroll/finish"
	PathLoginStart   = "/api/login/start"
	PathLoginFinish  = "/api/login/finish"
	PathLogout       = "/api/logout"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20
)

// Errors returned by the client.
var (
	ErrRemoteRequest   = errors.New("api: remote request failed")
	ErrInvalidResponse = errors.New("api: invalid response")
	ErrRateLimited     = errors.New("api: client rate limit")
	ErrInvalidArgument = errors.New("api: invalid argument")
)

// RemoteError is a non-2xx answer from the backend.
type RemoteError struct {
	Endpoint string
	Status   int
	Detail   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("api: %s returned %d: %s", e.Endpoint, e.Status, e.Detail)
}

// Unwrap lets errors.Is match ErrRemoteRequest.
func (e *RemoteError) Unwrap() error {
	return ErrRemoteRequest
}

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root, e.g. https://auth.example.com.
	BaseURL string
	// Origin is sent as the Origin header on every request.
	Origin string
	// Timeout bounds each request. Zero uses 30s.
	Timeout time.Duration
	// HTTPClient overrides the transport. Its Timeout is replaced by
	// Timeout when that is set.
	HTTPClient *http.Client

	// Requests per minute allowed for each endpoint group. Zero disables
	// pacing for that group.
	EnrollStartPerMin int
	LoginStartPerMin  int
	FinishPerMin      int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Client talks to the backend.
type Client struct {
	base    *url.URL
	origin  string
	http    *http.Client
	logger  *logging.Logger
	metrics *metrics.Metrics

	enrollStart *rate.Limiter
	loginStart  *rate.Limiter
	finish      *rate.Limiter
}

// New creates a client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: base URL %q", ErrInvalidArgument, opts.BaseURL)
	}
	if _, err := loadSchemas(); err != nil {
		return nil, err
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	} else {
		cp := *hc
		hc = &cp
	}
	switch {
	case opts.Timeout > 0:
		hc.Timeout = opts.Timeout
	case hc.Timeout == 0:
		hc.Timeout = defaultTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Client{
		base:        base,
		origin:      opts.Origin,
		http:        hc,
		logger:      logger.WithComponent("api"),
		metrics:     opts.Metrics,
		enrollStart: perMinute(opts.EnrollStartPerMin),
		loginStart:  perMinute(opts.LoginStartPerMin),
		finish:      perMinute(opts.FinishPerMin),
	}, nil
}

// perMinute spaces requests evenly at n per minute.
func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
}

// EnrollStart fetches an enrollment challenge.
func (c *Client) EnrollStart(ctx context.Context) (*Challenge, error) {
	var ch Challenge
	if err := c.do(ctx, c.enrollStart, http.MethodGet, PathEnrollStart, nil, nil, "", schemaEnrollStart, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// LoginStart fetches a login challenge for userID. The challenge carries
// the commitment the backend holds for that user.
func (c *Client) LoginStart(ctx context.Context, userID string) (*Challenge, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	q := url.Values{"user_id": {userID}}
	var ch Challenge
	if err := c.do(ctx, c.loginStart, http.MethodGet, PathLoginStart, q, nil, "", schemaLoginStart, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// EnrollFinish submits the commitment and proof.
func (c *Client) EnrollFinish(ctx context.Context, req *EnrollFinishRequest) (*EnrollFinishResponse, error) {
	var resp EnrollFinishResponse
	if err := c.do(ctx, c.finish, http.MethodPost, PathEnrollFinish, nil, req, "", schemaEnrollFinish, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LoginFinish submits a login proof.
func (c *Client) LoginFinish(ctx context.Context, req *LoginFinishRequest) (*LoginFinishResponse, error) {
	var resp LoginFinishResponse
	if err := c.do(ctx, c.finish, http.MethodPost, PathLoginFinish, nil, req, "", schemaLoginFinish, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout revokes token.
func (c *Client) Logout(ctx context.Context, token string) (*LogoutResponse, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidArgument)
	}
	var resp LogoutResponse
	if err := c.do(ctx, c.finish, http.MethodPost, PathLogout, nil, nil, token, schemaLogout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, lim *rate.Limiter, method, path string, query url.Values, body any, bearer, schema string, out any) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRateLimited, path, err)
		}
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRemoteError(path)
		c.logger.Warn("request failed", "endpoint", path, "error", err)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", ErrRemoteRequest, path, ctx.Err())
		}
		return fmt.Errorf("%w: %s: server unreachable", ErrRemoteRequest, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.metrics.RecordRemoteError(path)
		return fmt.Errorf("%w: %s: read response: %v", ErrRemoteRequest, path, err)
	}

	c.logger.Debug("request complete", "endpoint", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.RecordRemoteError(path)
		return &RemoteError{Endpoint: path, Status: resp.StatusCode, Detail: detail(resp.StatusCode, data)}
	}

	if err := decodeStrict(schema, data, out); err != nil {
		c.metrics.RecordRemoteError(path)
		return fmt.Errorf("%w: %w: %s: %v", ErrRemoteRequest, ErrInvalidResponse, path, err)
	}
	return nil
}

// detail extracts the backend's {"detail": ...} message. Validation errors
// carry a structured detail, which is returned as compact JSON.
func detail(status int, body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && len(eb.Detail) > 0 {
		var s string
		if json.Unmarshal(eb.Detail, &s) == nil {
			return s
		}
		var buf bytes.Buffer
		if json.Compact(&buf, eb.Detail) == nil {
			return buf.String()
		}
	}
	return http.StatusText(status)
}
