package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/flowpbx/mediabot/internal/auth"
	"github.com/flowpbx/mediabot/internal/platform"
)

// Config holds all runtime configuration for the mediabot server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort             int
	CallbackURL          string // public URL the platform posts conversation results to
	NotificationURL      string // public URL the platform posts notifications to (optional)
	PlaceCallEndpoint    string
	BotID                string // client id of the bot's app registration
	BotSecret            string
	TokenURL             string
	TokenScope           string
	CallbackSecret       string // HS256 secret for verifying platform callbacks (empty disables)
	JournalDSN           string // data directory for sqlite, or a postgres:// URL; empty disables the journal
	JournalRetentionDays int    // 0 keeps events forever
	CallExpiry           time.Duration
	OutboundRate         float64 // outbound platform requests per second, 0 for unlimited
	MediaConfigFile      string  // JSON media configuration used to answer and join calls
	LogLevel             string
	LogFormat            string // log output format: "text" or "json"
}

// defaults
const (
	defaultHTTPPort             = 8080
	defaultJournalDSN           = "./data"
	defaultJournalRetentionDays = 30
	defaultCallExpiry           = 10 * time.Minute
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
)

// envPrefix is the prefix for all mediabot environment variables.
const envPrefix = "MEDIABOT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("mediabot", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.CallbackURL, "callback-url", "", "public URL the platform posts conversation results to (required)")
	fs.StringVar(&cfg.NotificationURL, "notification-url", "", "public URL the platform posts notifications to")
	fs.StringVar(&cfg.PlaceCallEndpoint, "place-call-endpoint", platform.DefaultPlaceCallEndpoint, "platform endpoint for placing calls")
	fs.StringVar(&cfg.BotID, "bot-id", "", "bot application (client) id")
	fs.StringVar(&cfg.BotSecret, "bot-secret", "", "bot application secret")
	fs.StringVar(&cfg.TokenURL, "token-url", auth.DefaultTokenURL, "OAuth2 token endpoint for client credentials")
	fs.StringVar(&cfg.TokenScope, "token-scope", auth.DefaultScope, "OAuth2 scope requested for platform calls")
	fs.StringVar(&cfg.CallbackSecret, "callback-secret", "", "HS256 secret for verifying platform callbacks (empty disables verification)")
	fs.StringVar(&cfg.JournalDSN, "journal-dsn", defaultJournalDSN, "call event journal: sqlite data directory or postgres:// URL (empty disables)")
	fs.IntVar(&cfg.JournalRetentionDays, "journal-retention-days", defaultJournalRetentionDays, "days to keep journaled call events (0 keeps forever)")
	fs.DurationVar(&cfg.CallExpiry, "call-expiry", defaultCallExpiry, "how long a call leg may wait for a successful answer or join")
	fs.Float64Var(&cfg.OutboundRate, "outbound-rate", 0, "max outbound platform requests per second (0 for unlimited)")
	fs.StringVar(&cfg.MediaConfigFile, "media-config-file", "", "path to the JSON media configuration used to answer and join calls")
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. "http-port" to
// MEDIABOT_HTTP_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its environment variable, parsing the value with the flag's own type.
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
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if err := requireHTTPURL("callback-url", c.CallbackURL, true); err != nil {
		return err
	}
	if err := requireHTTPURL("notification-url", c.NotificationURL, false); err != nil {
		return err
	}
	if err := requireHTTPURL("place-call-endpoint", c.PlaceCallEndpoint, true); err != nil {
		return err
	}
	if err := requireHTTPURL("token-url", c.TokenURL, true); err != nil {
		return err
	}

	// Bot credentials must both be set or both be empty.
	if (c.BotID == "") != (c.BotSecret == "") {
		return fmt.Errorf("bot-id and bot-secret must both be provided or both be omitted")
	}

	if c.JournalRetentionDays < 0 {
		return fmt.Errorf("journal-retention-days must not be negative, got %d", c.JournalRetentionDays)
	}
	if c.CallExpiry <= 0 {
		return fmt.Errorf("call-expiry must be positive, got %s", c.CallExpiry)
	}
	if c.OutboundRate < 0 {
		return fmt.Errorf("outbound-rate must not be negative, got %g", c.OutboundRate)
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

func requireHTTPURL(name, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
	}
	return nil
}

// CredentialsConfigured reports whether bot credentials for outbound calls are set.
func (c *Config) CredentialsConfigured() bool {
	return c.BotID != "" && c.BotSecret != ""
}

// JournalEnabled reports whether call events should be journaled.
func (c *Config) JournalEnabled() bool {
	return c.JournalDSN != ""
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
