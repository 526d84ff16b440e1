package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the AGI gateway.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	AGIPort        int
	DefaultHandler string // handler for connections without a script path
	StatusVariable string // channel variable holding the dial status

	OutgoingDir   string // active call spool
	WakeupDir     string // deferred call spool
	StagingDir    string // call files are written here before publishing
	AGIServer     string // host answered outbound calls connect back to
	CallerID      string // caller id for calls that do not set one
	DialChannel   string
	DialContext   string
	DialExtension string

	NotifyURL   string // webhook receiving a JSON event after every call
	NotifyToken string

	HTTPPort  int    // control API port; 0 disables the API
	JWTSecret string // hex-encoded 32-byte secret for control API tokens

	SessionBackend   string // memory, sqlite, postgres or redis
	SessionTTL       time.Duration
	SessionCacheSize int
	DataDir          string
	PostgresDSN      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultAGIPort        = 4573
	defaultDefaultHandler = "hangup"
	defaultStatusVariable = "DIALSTATUS"
	defaultOutgoingDir    = "/var/spool/asterisk/outgoing"
	defaultWakeupDir      = "/var/spool/asterisk/wakeups"
	defaultCallerID       = "10"
	defaultDialChannel    = "Local/outbound@dialout"
	defaultDialContext    = "dialout"
	defaultDialExtension  = "outbound-handler"
	defaultHTTPPort       = 8080
	defaultSessionBackend = "memory"
	defaultSessionTTL     = 24 * time.Hour
	defaultSessionCache   = 10000
	defaultDataDir        = "./data"
	defaultRedisAddr      = "localhost:6379"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all gateway environment variables.
const envPrefix = "AGIGATE_"

// Session backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("agigate", flag.ContinueOnError)

	fs.IntVar(&cfg.AGIPort, "agi-port", defaultAGIPort, "AGI listen port")
	fs.StringVar(&cfg.DefaultHandler, "default-handler", defaultDefaultHandler, "handler for connections that carry no script path")
	fs.StringVar(&cfg.StatusVariable, "status-variable", defaultStatusVariable, "channel variable read for the call status")
	fs.StringVar(&cfg.OutgoingDir, "outgoing-dir", defaultOutgoingDir, "spool directory the PBX dials from")
	fs.StringVar(&cfg.WakeupDir, "wakeup-dir", defaultWakeupDir, "spool directory for deferred calls")
	fs.StringVar(&cfg.StagingDir, "staging-dir", "", "directory call files are written to before publishing (default: tmp next to outgoing-dir)")
	fs.StringVar(&cfg.AGIServer, "agi-server", "", "host answered outbound calls connect back to (default: hostname)")
	fs.StringVar(&cfg.CallerID, "caller-id", defaultCallerID, "caller id for outbound calls that set none")
	fs.StringVar(&cfg.DialChannel, "dial-channel", defaultDialChannel, "channel outbound call files dial")
	fs.StringVar(&cfg.DialContext, "dial-context", defaultDialContext, "dialplan context of answered outbound calls")
	fs.StringVar(&cfg.DialExtension, "dial-extension", defaultDialExtension, "dialplan extension of answered outbound calls")
	fs.StringVar(&cfg.NotifyURL, "notify-url", "", "URL receiving a call event after each session (disabled if empty)")
	fs.StringVar(&cfg.NotifyToken, "notify-token", "", "bearer token sent to notify-url")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control API listen port (0 disables)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for control API tokens (API is unauthenticated if empty)")
	fs.StringVar(&cfg.SessionBackend, "session-backend", defaultSessionBackend, "session store (memory, sqlite, postgres, redis)")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", defaultSessionTTL, "how long idle sessions are kept")
	fs.IntVar(&cfg.SessionCacheSize, "session-cache-size", defaultSessionCache, "maximum sessions held by the memory backend")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite session store")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "postgresql connection string for the postgres session store")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", defaultRedisAddr, "redis address for the redis session store")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if cfg.AGIServer == "" {
		cfg.AGIServer = hostname()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. "agi-port"
// to AGIGATE_AGI_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if setErr := fs.Set(f.Name, val); setErr != nil {
			err = fmt.Errorf("invalid %s: %w", envName(f.Name), setErr)
		}
	})
	return err
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.AGIPort < 1 || c.AGIPort > 65535 {
		return fmt.Errorf("agi-port must be between 1 and 65535, got %d", c.AGIPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	if c.HTTPPort != 0 && c.HTTPPort == c.AGIPort {
		return fmt.Errorf("http-port and agi-port must differ")
	}
	if strings.TrimSpace(c.DefaultHandler) == "" {
		return fmt.Errorf("default-handler must not be empty")
	}
	if c.OutgoingDir == "" || c.WakeupDir == "" {
		return fmt.Errorf("outgoing-dir and wakeup-dir are required")
	}
	if c.OutgoingDir == c.WakeupDir {
		return fmt.Errorf("outgoing-dir and wakeup-dir must differ")
	}

	if c.NotifyURL != "" {
		u, err := url.Parse(c.NotifyURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notify-url must be an http or https URL, got %q", c.NotifyURL)
		}
	}

	if c.JWTSecret != "" {
		if _, err := c.JWTSecretBytes(); err != nil {
			return err
		}
	}

	c.SessionBackend = strings.ToLower(c.SessionBackend)
	switch c.SessionBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required for the postgres session backend")
		}
	default:
		return fmt.Errorf("session-backend must be one of memory, sqlite, postgres, redis; got %q", c.SessionBackend)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session-ttl must be positive, got %s", c.SessionTTL)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// JWTSecretBytes returns the decoded 32-byte API token secret, or nil when
// no secret is configured.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// hostname returns the machine hostname, falling back to localhost.
func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
