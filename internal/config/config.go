// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes bot credentials,
// server timeouts, logging, database paths, activity-point tuning, broadcast
// limits, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// XPConfig tunes how activity points are computed per message.
type XPConfig struct {
	Base         float64 // XP_BASE — points granted to every qualifying message
	PerUnitBonus float64 // XP_PER_50_CHARS — extra points per 50 characters of text
	MaxBonus     float64 // XP_MAX_BONUS — cap on the length bonus
	CapPerMinute float64 // XP_CAP_PER_MINUTE — anti-flood per-event gain ceiling
}

// BroadcastConfig bounds broadcast sessions and fan-out delivery.
type BroadcastConfig struct {
	BufferMax     int           // SESSION_BUFFER_MAX — max buffered messages per session
	Concurrency   int           // FANOUT_CONCURRENCY — parallel targets per delivery (1 = sequential)
	RetryAttempts int           // RETRY_ATTEMPTS — delivery attempts per target (>= 1)
	RetryDelay    time.Duration // RETRY_DELAY — pause between attempts
	OwnerOnlyTest bool          // TEST_BROADCAST_OWNER_ONLY — gate test mode to the owner
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "activity-bot")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Bot
	BotToken      string // BOT_TOKEN — platform API token
	WebhookURL    string // WEBHOOK_URL — public base URL for the webhook callback
	WebhookSecret string // WEBHOOK_SECRET — optional path token on the webhook route

	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	DBPath       string // SQLite path
	RegistryPath string // YAML chat registry path

	// Access control
	AdminIDs []int64 // ADMIN_IDS — CSV of member ids allowed privileged commands
	OwnerID  int64   // OWNER_ID — the one admin holding the owner capability

	// Domain tuning
	XP        XPConfig
	Broadcast BroadcastConfig

	// Webhook dedup
	UpdateTTL time.Duration // UPDATE_TTL — how long processed update ids are remembered

	// Rate limiting (webhook edge)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Bot
		BotToken:      getenv("BOT_TOKEN", ""),
		WebhookURL:    getenv("WEBHOOK_URL", ""),
		WebhookSecret: getenv("WEBHOOK_SECRET", ""),

		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath:       getenv("DB_PATH", "activity.db"),
		RegistryPath: getenv("REGISTRY_PATH", "registry.yaml"),

		// Access control
		AdminIDs: getids("ADMIN_IDS"),
		OwnerID:  getint64("OWNER_ID", 0),

		// Domain tuning
		XP: XPConfig{
			Base:         getfloat("XP_BASE", 1.0),
			PerUnitBonus: getfloat("XP_PER_50_CHARS", 0.2),
			MaxBonus:     getfloat("XP_MAX_BONUS", 4.0),
			CapPerMinute: getfloat("XP_CAP_PER_MINUTE", 5.0),
		},
		Broadcast: BroadcastConfig{
			BufferMax:     getint("SESSION_BUFFER_MAX", 100),
			Concurrency:   getint("FANOUT_CONCURRENCY", 1),
			RetryAttempts: getint("RETRY_ATTEMPTS", 1),
			RetryDelay:    getdur("RETRY_DELAY", 2*time.Second),
			OwnerOnlyTest: getbool("TEST_BROADCAST_OWNER_ONLY", true),
		},

		// Webhook dedup
		UpdateTTL: getdur("UPDATE_TTL", 24*time.Hour),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 30.0),
		RateBurst: getint("RATE_BURST", 60),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "activity-bot"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.RegistryPath) == "" {
		return cfg, errors.New("REGISTRY_PATH must not be empty")
	}
	if cfg.XP.Base < 0 || cfg.XP.PerUnitBonus < 0 || cfg.XP.MaxBonus < 0 {
		return cfg, errors.New("XP settings must be >= 0")
	}
	if cfg.XP.CapPerMinute <= 0 {
		return cfg, errors.New("XP_CAP_PER_MINUTE must be > 0")
	}
	if cfg.Broadcast.BufferMax < 1 {
		return cfg, errors.New("SESSION_BUFFER_MAX must be >= 1")
	}
	if cfg.Broadcast.Concurrency < 1 {
		return cfg, errors.New("FANOUT_CONCURRENCY must be >= 1")
	}
	if cfg.Broadcast.RetryAttempts < 1 {
		return cfg, errors.New("RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.Broadcast.RetryDelay < 0 {
		return cfg, errors.New("RETRY_DELAY must be >= 0")
	}
	if cfg.UpdateTTL <= 0 {
		return cfg, errors.New("UPDATE_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getids parses a CSV of int64 member ids, skipping malformed entries.
func getids(k string) []int64 {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t == "" {
			continue
		}
		if id, err := strconv.ParseInt(t, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
