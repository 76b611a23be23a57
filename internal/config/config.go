// Package config provides configuration parsing and validation for socks5d.
package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
)

// Method codes accepted in the "supported-methods" config key, mirroring
// the SOCKS5 METHOD field values from RFC 1928.
const (
	MethodNoAuth   = 0x00
	MethodUserPass = 0x02
)

// Config is the complete, read-only process configuration. It is safe to
// read concurrently from any reactor goroutine once Load/Parse returns.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`

	// Timeout is the per-session idle timeout in seconds. 0 disables it.
	Timeout uint `json:"timeout"`

	// SupportedMethods is the set of acceptable SOCKS5 auth methods,
	// a subset of {0x00, 0x02}. Required, non-empty.
	SupportedMethods []byte `json:"supported-methods"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`

	// ThreadNum is the reactor/worker count. Defaults to hardware
	// concurrency when the key is absent; the reactor pool raises 0 to 1.
	ThreadNum uint `json:"thread_num"`

	// RateLimit throttles new connections per source IP. Zero disables it.
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig configures the per-source-IP accept-rate limiter.
type RateLimitConfig struct {
	// ConnectionsPerSecond is the steady-state rate allowed per source IP.
	// 0 disables the limiter entirely.
	ConnectionsPerSecond float64 `json:"connections_per_second"`

	// Burst is the maximum burst size above the steady-state rate.
	Burst int `json:"burst"`
}

// AuthConfig holds RFC 1929 username/password credentials. Only consulted
// when SupportedMethods contains MethodUserPass.
type AuthConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LogConfig configures the ambient structured logger. Out of scope for the
// session state machine itself; consumed only at process startup.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MetricsConfig configures the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	// Listen is the host:port to serve /metrics on. Empty disables it.
	Listen string `json:"listen"`
}

// Default returns the baseline configuration: 127.0.0.1:1080,
// hardware-concurrency workers, a 600s idle timeout, text logging at info
// level, and metrics disabled. SupportedMethods has no default: it is
// required.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      1080,
			ThreadNum: uint(runtime.NumCPU()),
		},
		Timeout: 600,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from a JSON document, applying defaults for
// unset fields and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or ${VAR:-default} references.
var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnvVars substitutes environment variable references before JSON
// parsing, so secrets like auth.password can be supplied out-of-band.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRegex.FindStringSubmatch(match)
		name := parts[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if def := parts[2]; strings.HasPrefix(def, ":-") {
			return def[2:]
		}
		return match
	})
}

// Validate checks the configuration for errors: supported-methods must be
// a non-empty subset of {0x00, 0x02}, and credentials are required if
// 0x02 (username/password) is among them.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Host == "" {
		errs = append(errs, "server.host is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s", c.Log.Format))
	}

	if len(c.SupportedMethods) == 0 {
		errs = append(errs, "supported-methods is required and must be non-empty")
	}
	seenUserPass := false
	for _, m := range c.SupportedMethods {
		switch m {
		case MethodNoAuth:
		case MethodUserPass:
			seenUserPass = true
		default:
			errs = append(errs, fmt.Sprintf("unsupported method in supported-methods: 0x%02x", m))
		}
	}

	if seenUserPass {
		if c.Auth.Username == "" {
			errs = append(errs, "auth.username is required when method 0x02 is enabled")
		}
		if c.Auth.Password == "" {
			errs = append(errs, "auth.password is required when method 0x02 is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// AcceptsMethod reports whether method is in SupportedMethods.
func (c *Config) AcceptsMethod(method byte) bool {
	for _, m := range c.SupportedMethods {
		if m == method {
			return true
		}
	}
	return false
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
