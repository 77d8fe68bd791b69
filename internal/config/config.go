package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wabridge.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Reasoner  ReasonerConfig  `json:"reasoner" yaml:"reasoner"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	DataDir  string `json:"dataDir" yaml:"dataDir"`
}

// SessionConfig controls where the WhatsApp credentials live and how the
// linked device presents itself on the phone.
type SessionConfig struct {
	StorePath  string `json:"storePath" yaml:"storePath"`
	DeviceName string `json:"deviceName" yaml:"deviceName"`
}

type ReasonerConfig struct {
	URL            string            `json:"url" yaml:"url"`
	InputParam     string            `json:"inputParam" yaml:"inputParam"`
	ReadyMessage   string            `json:"readyMessage" yaml:"readyMessage"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"` // 0 = no client timeout
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Timeout returns the configured client timeout; zero means none.
func (r ReasonerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type RelayConfig struct {
	MaxConcurrent int `json:"maxConcurrent" yaml:"maxConcurrent"`
}

// ReconnectConfig configures the delay between reopen attempts after a
// transient disconnect. Both delays at 0 means reopen immediately.
type ReconnectConfig struct {
	InitialDelayMs int  `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs     int  `json:"maxDelayMs" yaml:"maxDelayMs"`
	Jitter         bool `json:"jitter" yaml:"jitter"`
}

func (r ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// MetricsConfig configures the operator HTTP endpoint (/healthz, /metrics).
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// DefaultConfigDir returns the default config directory (~/.wabridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Resolve()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Resolve expands ~/ in path settings. Load calls it; callers building a
// Config from Defaults() should call it before use.
func (c *Config) Resolve() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Session.StorePath = ExpandPath(c.Session.StorePath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Headers may carry bearer tokens.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Session.StorePath == "" {
		errs = append(errs, "session.storePath is required")
	}

	if cfg.Reasoner.URL == "" {
		errs = append(errs, "reasoner.url is required")
	} else if u, err := url.Parse(cfg.Reasoner.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "reasoner.url must be an absolute http(s) URL")
	}
	if cfg.Reasoner.InputParam == "" {
		errs = append(errs, "reasoner.inputParam is required")
	}
	if cfg.Reasoner.TimeoutSeconds < 0 {
		errs = append(errs, "reasoner.timeoutSeconds must be >= 0")
	}

	if cfg.Relay.MaxConcurrent < 1 || cfg.Relay.MaxConcurrent > 100 {
		errs = append(errs, "relay.maxConcurrent must be between 1 and 100")
	}

	if cfg.Reconnect.InitialDelayMs < 0 || cfg.Reconnect.MaxDelayMs < 0 {
		errs = append(errs, "reconnect delays must be >= 0")
	} else if cfg.Reconnect.MaxDelayMs < cfg.Reconnect.InitialDelayMs {
		errs = append(errs, "reconnect.maxDelayMs must be >= reconnect.initialDelayMs")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
