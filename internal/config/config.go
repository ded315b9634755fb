package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries all agent settings, loaded from the environment.
type Config struct {
	AppEnv   string
	AppName  string
	LogLevel string

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	// VisitorID scopes the progress record; one agent instance tracks one
	// visitor context.
	VisitorID string

	RemoteBaseURL      string
	RemoteTimeout      time.Duration
	StatusRetryElapsed time.Duration

	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryJitter float64
	// RetryTick is a cron spec driving the retry sweep, e.g. "@every 10s".
	RetryTick string

	ProgressTTL   time.Duration
	MirrorEnabled bool
	MirrorTTL     time.Duration

	VisitChannel  string
	WalletChannel string

	MetricsPort string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        os.Getenv("APP_ENV"),
		AppName:       os.Getenv("APP_NAME"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     os.Getenv("REDIS_PORT"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		VisitorID:     os.Getenv("VISITOR_ID"),
		RemoteBaseURL: os.Getenv("ATTRIBUTION_BASE_URL"),
		RetryTick:     os.Getenv("RETRY_TICK"),
		VisitChannel:  os.Getenv("VISIT_CHANNEL"),
		WalletChannel: os.Getenv("WALLET_CHANNEL"),
		MetricsPort:   os.Getenv("METRICS_PORT"),
	}

	if cfg.AppName == "" {
		cfg.AppName = "attribution-agent"
	}
	if cfg.RedisHost == "" {
		cfg.RedisHost = "localhost"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}
	if cfg.RemoteBaseURL == "" {
		return nil, fmt.Errorf("ATTRIBUTION_BASE_URL is required")
	}
	if cfg.VisitorID == "" {
		return nil, fmt.Errorf("VISITOR_ID is required")
	}
	if cfg.RetryTick == "" {
		cfg.RetryTick = "@every 10s"
	}
	if cfg.VisitChannel == "" {
		cfg.VisitChannel = "attribution:signal:visit"
	}
	if cfg.WalletChannel == "" {
		cfg.WalletChannel = "attribution:signal:wallet"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9095"
	}

	var err error
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		cfg.RedisPoolSize, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
		}
	}
	if v := os.Getenv("REDIS_MIN_IDLE_CONNS"); v != "" {
		cfg.RedisMinIdleConns, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_MIN_IDLE_CONNS: %w", err)
		}
	}
	if v := os.Getenv("REDIS_MAX_RETRIES"); v != "" {
		cfg.RedisMaxRetries, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_MAX_RETRIES: %w", err)
		}
	}

	cfg.RemoteTimeout, err = durationEnv("ATTRIBUTION_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.StatusRetryElapsed, err = durationEnv("STATUS_RETRY_ELAPSED", 10*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.RetryBase, err = durationEnv("RETRY_BASE", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.RetryCap, err = durationEnv("RETRY_CAP", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.ProgressTTL, err = durationEnv("PROGRESS_TTL", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.MirrorTTL, err = durationEnv("MIRROR_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg.RetryJitter = 0.2
	if v := os.Getenv("RETRY_JITTER"); v != "" {
		cfg.RetryJitter, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_JITTER: %w", err)
		}
	}

	cfg.MirrorEnabled = true
	if v := os.Getenv("MIRROR_ENABLED"); v != "" {
		cfg.MirrorEnabled, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MIRROR_ENABLED: %w", err)
		}
	}

	return cfg, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
