package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"huproof/internal/field"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// warningFields are problems that do not stop the client from starting.
// Circuit artifacts may be installed after the config is written, and the
// placeholder path works without them.
var warningFields = []string{"prover.wasm_path", "prover.zkey_path"}

// IsWarning reports whether the issue is non-fatal.
func (e *ValidationError) IsWarning() bool {
	for _, f := range warningFields {
		if e.Field == f {
			return true
		}
	}
	return false
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && e.HasErrors()
}

// Warnings returns only warning-level issues.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for i := range e {
		if e[i].IsWarning() {
			out = append(out, e[i])
		}
	}
	return out
}

// Errors returns only error-level issues.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for i := range e {
		if !e[i].IsWarning() {
			out = append(out, e[i])
		}
	}
	return out
}

// HasErrors reports whether any issue is fatal.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig checks every section. It returns nil when there are no
// issues, and ValidationErrors otherwise (possibly warnings only; check
// HasErrors).
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateFeatures(&c.Features)...)
	errs = append(errs, validateCalibration(&c.Calibration)...)
	errs = append(errs, validateHash(&c.Hash)...)
	errs = append(errs, validateProver(&c.Prover)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors
	if !isValidURL(s.URL) {
		errs = append(errs, ValidationError{Field: "server.url", Message: fmt.Sprintf("invalid URL: %q", s.URL)})
	}
	if s.Origin != "" && !isValidURL(s.Origin) {
		errs = append(errs, ValidationError{Field: "server.origin", Message: fmt.Sprintf("invalid origin: %q", s.Origin)})
	}
	if s.TimeoutSec < 1 {
		errs = append(errs, ValidationError{Field: "server.timeout_sec", Message: "timeout must be at least 1 second"})
	}
	for name, v := range map[string]int{
		"server.enroll_start_per_min": s.EnrollStartPerMin,
		"server.login_start_per_min":  s.LoginStartPerMin,
		"server.finish_per_min":       s.FinishPerMin,
	} {
		if v < 0 {
			errs = append(errs, ValidationError{Field: name, Message: "rate cannot be negative (0 disables pacing)"})
		}
	}
	return errs
}

func validateFeatures(f *FeaturesConfig) ValidationErrors {
	var errs ValidationErrors
	if f.Length < 1 {
		errs = append(errs, ValidationError{Field: "features.length", Message: "length must be at least 1"})
	}
	if f.Bits < 1 || f.Bits > 31 {
		errs = append(errs, ValidationError{Field: "features.bits", Message: "bits must be between 1 and 31"})
	}
	if f.MaxMs <= 0 {
		errs = append(errs, ValidationError{Field: "features.max_ms", Message: "max_ms must be positive"})
	}
	return errs
}

func validateCalibration(c *CalibrationConfig) ValidationErrors {
	var errs ValidationErrors
	if c.BaseTau < 0 {
		errs = append(errs, ValidationError{Field: "calibration.base_tau", Message: "base tau cannot be negative"})
	}
	if c.Multiplier < 0 {
		errs = append(errs, ValidationError{Field: "calibration.multiplier", Message: "multiplier cannot be negative"})
	}
	return errs
}

func validateHash(h *HashConfig) ValidationErrors {
	if _, err := field.ByName(h.Name); err != nil {
		return ValidationErrors{{Field: "hash.name", Message: fmt.Sprintf("unknown hash %q (valid: poseidon, blake2b)", h.Name)}}
	}
	return nil
}

func validateProver(p *ProverConfig) ValidationErrors {
	var errs ValidationErrors
	if p.Snarkjs == "" {
		errs = append(errs, ValidationError{Field: "prover.snarkjs", Message: "required field is missing"})
	}
	if p.WasmPath == "" {
		errs = append(errs, ValidationError{Field: "prover.wasm_path", Message: "circuit wasm not configured"})
	}
	if p.ZkeyPath == "" {
		errs = append(errs, ValidationError{Field: "prover.zkey_path", Message: "proving key not configured"})
	}
	if p.TimeoutSec < 1 {
		errs = append(errs, ValidationError{Field: "prover.timeout_sec", Message: "timeout must be at least 1 second"})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "required field is missing"})
	}
	if s.SecretPath == "" {
		errs = append(errs, ValidationError{Field: "storage.secret_path", Message: "required field is missing"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output writes to a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_age_days", Message: "max age cannot be negative"})
	}
	return errs
}

func isValidURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
