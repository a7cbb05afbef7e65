// Package config handles configuration loading, validation, and management
// for huproof.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"huproof/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete client configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Server      ServerConfig      `toml:"server" json:"server" yaml:"server"`
	Features    FeaturesConfig    `toml:"features" json:"features" yaml:"features"`
	Calibration CalibrationConfig `toml:"calibration" json:"calibration" yaml:"calibration"`
	Hash        HashConfig        `toml:"hash" json:"hash" yaml:"hash"`
	Prover      ProverConfig      `toml:"prover" json:"prover" yaml:"prover"`
	Storage     StorageConfig     `toml:"storage" json:"storage" yaml:"storage"`
	Metrics     MetricsConfig     `toml:"metrics" json:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig describes the authentication backend.
type ServerConfig struct {
	// URL is the backend base URL, e.g. https://auth.example.com.
	URL string `toml:"url" json:"url" yaml:"url"`

	// Origin is sent as the Origin header. Empty derives it from URL.
	Origin string `toml:"origin" json:"origin" yaml:"origin"`

	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// Client-side pacing, requests per minute, mirroring the backend limits.
	EnrollStartPerMin int `toml:"enroll_start_per_min" json:"enroll_start_per_min" yaml:"enroll_start_per_min"`
	LoginStartPerMin  int `toml:"login_start_per_min" json:"login_start_per_min" yaml:"login_start_per_min"`
	FinishPerMin      int `toml:"finish_per_min" json:"finish_per_min" yaml:"finish_per_min"`
}

// FeaturesConfig sizes the feature vector. It must match the circuit.
type FeaturesConfig struct {
	Length int     `toml:"length" json:"length" yaml:"length"`
	Bits   int     `toml:"bits" json:"bits" yaml:"bits"`
	MaxMs  float64 `toml:"max_ms" json:"max_ms" yaml:"max_ms"`
}

// CalibrationConfig holds the adaptive tau parameters.
type CalibrationConfig struct {
	BaseTau    int     `toml:"base_tau" json:"base_tau" yaml:"base_tau"`
	Multiplier float64 `toml:"multiplier" json:"multiplier" yaml:"multiplier"`
}

// HashConfig selects the field hash: "poseidon" or "blake2b".
type HashConfig struct {
	Name string `toml:"name" json:"name" yaml:"name"`
}

// ProverConfig locates the proving toolchain and circuit artifacts.
type ProverConfig struct {
	Snarkjs    string `toml:"snarkjs" json:"snarkjs" yaml:"snarkjs"`
	WasmPath   string `toml:"wasm_path" json:"wasm_path" yaml:"wasm_path"`
	ZkeyPath   string `toml:"zkey_path" json:"zkey_path" yaml:"zkey_path"`
	TimeoutSec int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// BypassZKVerify submits a placeholder proof when proving fails. It is
	// only honored by backends running with verification bypassed.
	BypassZKVerify bool `toml:"bypass_zk_verify" json:"bypass_zk_verify" yaml:"bypass_zk_verify"`
}

// StorageConfig locates local state.
type StorageConfig struct {
	Path       string `toml:"path" json:"path" yaml:"path"`
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`
	AuditPath  string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig controls the Prometheus textfile written on exit.
type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path" json:"textfile_path" yaml:"textfile_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Version: Version,
		Server: ServerConfig{
			URL:               "http://localhost:8000",
			TimeoutSec:        30,
			EnrollStartPerMin: 5,
			LoginStartPerMin:  10,
			FinishPerMin:      20,
		},
		Features: FeaturesConfig{
			Length: 64,
			Bits:   12,
			MaxMs:  4095,
		},
		Calibration: CalibrationConfig{
			BaseTau:    400,
			Multiplier: 2.0,
		},
		Hash: HashConfig{Name: "poseidon"},
		Prover: ProverConfig{
			Snarkjs:    "snarkjs",
			WasmPath:   filepath.Join(dataDir, "circuits", "huproof.wasm"),
			ZkeyPath:   filepath.Join(dataDir, "circuits", "huproof_final.zkey"),
			TimeoutSec: 120,
		},
		Storage: StorageConfig{
			Path:       filepath.Join(dataDir, "templates.db"),
			SecretPath: filepath.Join(dataDir, "store.key"),
			AuditPath:  filepath.Join(dataDir, "audit.log"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file location.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist, and applies environment overrides. The format follows
// the extension: .toml, .json, .yaml/.yml; anything else is tried as TOML,
// JSON, then YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return cfg, nil
}

func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// Save writes cfg to path in the format its extension names, TOML by
// default, with owner-only permissions.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# huproof configuration\n")
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies HUPROOF_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("HUPROOF_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("HUPROOF_ORIGIN"); v != "" {
		c.Server.Origin = v
	}
	if v := os.Getenv("HUPROOF_BYPASS_ZK_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Prover.BypassZKVerify = b
		}
	}
	if v := os.Getenv("HUPROOF_SNARKJS"); v != "" {
		c.Prover.Snarkjs = v
	}
	if v := os.Getenv("HUPROOF_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("HUPROOF_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories local state lives in.
func (c *Config) EnsureDirectories() error {
	for _, p := range []string{c.Storage.Path, c.Storage.SecretPath, c.Storage.AuditPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", filepath.Dir(p), err)
		}
	}
	return nil
}

// OriginHeader returns the Origin header value: Server.Origin when set,
// else the scheme and host of Server.URL.
func (c *Config) OriginHeader() string {
	if c.Server.Origin != "" {
		return c.Server.Origin
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// ServerTimeout returns the HTTP timeout.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSec) * time.Second
}

// ProverTimeout returns the proof generation timeout.
func (c *Config) ProverTimeout() time.Duration {
	return time.Duration(c.Prover.TimeoutSec) * time.Second
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() *logging.Config {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = lvl
	}
	lc.Format = logging.ParseFormat(c.Logging.Format)
	lc.Output = c.Logging.Output
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	return lc
}
