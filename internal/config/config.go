package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL      string
	DatabaseURL   string
	LedgerBaseURL string

	TokenSecret string

	GraceWindow    time.Duration
	IdleTTL        time.Duration
	OverRetention  time.Duration
	ReaperInterval time.Duration

	ClockInitial time.Duration
	DefaultStake int64

	AllowedOrigins []string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:     ":8080",
		GraceWindow:    45 * time.Second,
		IdleTTL:        2 * time.Hour,
		OverRetention:  15 * time.Minute,
		ReaperInterval: 60 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.LedgerBaseURL = strings.TrimSpace(os.Getenv("LEDGER_BASE_URL"))
	cfg.TokenSecret = strings.TrimSpace(os.Getenv("TOKEN_SECRET"))

	if d, ok := durationEnv("GRACE_WINDOW"); ok {
		cfg.GraceWindow = d
	}
	if d, ok := durationEnv("SESSION_IDLE_TTL"); ok {
		cfg.IdleTTL = d
	}
	if d, ok := durationEnv("SESSION_OVER_RETENTION"); ok {
		cfg.OverRetention = d
	}
	if d, ok := durationEnv("REAPER_INTERVAL"); ok {
		cfg.ReaperInterval = d
	}
	if d, ok := durationEnv("CLOCK_INITIAL"); ok {
		cfg.ClockInitial = d
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_STAKE")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.DefaultStake = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}

	if cfg.TokenSecret == "" {
		return nil, errors.New("TOKEN_SECRET is required")
	}
	if cfg.GraceWindow <= 0 {
		return nil, errors.New("GRACE_WINDOW must be positive")
	}

	return cfg, nil
}

// durationEnv accepts either a Go duration ("45s", "2h") or bare seconds.
func durationEnv(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
