package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType names an authentication event.
type AuditEventType string

const (
	AuditEnrollment AuditEventType = "enrollment"
	AuditLogin      AuditEventType = "login"
	AuditLogout     AuditEventType = "logout"
)

// Audit results.
const (
	AuditAccepted = "accepted"
	AuditRejected = "rejected"
	AuditFailed   = "failed"
)

// AuditEvent is one line of the audit trail. It records outcomes only and
// never carries templates, salts, or credentials.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	AttemptID string         `json:"attempt_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends AuditEvents as JSON lines.
type AuditLogger struct {
	mu      sync.Mutex
	w       io.Writer
	rotator *FileRotator
}

// NewAuditLogger writes audit events to a rotated file at path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return &AuditLogger{w: rotator, rotator: rotator}, nil
}

// NewAuditWriter writes audit events to w.
func NewAuditWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{w: w}
}

// Log writes an event, filling the timestamp and the attempt id from ctx
// when unset.
func (a *AuditLogger) Log(ctx context.Context, ev AuditEvent) error {
	if a == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.AttemptID == "" {
		ev.AttemptID = AttemptIDFromContext(ctx)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the audit file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}
