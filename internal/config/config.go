package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the push subsystem reads from the environment.
type Config struct {
	ListenAddr string
	RedisAddr  string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// VAPID key pair and the contact identifier the Web Push protocol
	// requires. The public key is also served to clients so that key
	// rotation does not need a client redeploy.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	JWTSecret  string
	AdminToken string

	// Fan-out tuning.
	DispatchConcurrency int
	SendTimeout         time.Duration

	// Subscriptions idle longer than this are swept inactive.
	StaleHorizon time.Duration
}

var Current *Config

// Load reads the environment (with .env fallback for local development)
// and validates the values the server cannot run without.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		DBHost:              os.Getenv("DB_HOST"),
		DBPort:              os.Getenv("DB_PORT"),
		DBUser:              os.Getenv("DB_USER"),
		DBPassword:          os.Getenv("DB_PASSWORD"),
		DBName:              os.Getenv("DB_NAME"),
		VAPIDPublicKey:      os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:     os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber:     getEnv("VAPID_SUBSCRIBER", "admin@pushrelay.local"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AdminToken:          os.Getenv("PUSH_ADMIN_TOKEN"),
		DispatchConcurrency: getEnvInt("DISPATCH_CONCURRENCY", 25),
		SendTimeout:         getEnvDuration("SEND_TIMEOUT", 5*time.Second),
		StaleHorizon:        getEnvDuration("SUBSCRIPTION_STALE_HORIZON", 90*24*time.Hour),
	}

	if cfg.DBHost == "" || cfg.DBPort == "" || cfg.DBUser == "" || cfg.DBPassword == "" || cfg.DBName == "" {
		slog.Error("Missing required database environment variables",
			"required_vars", []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME"})
		return nil, errors.New("missing required database environment variables")
	}

	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		slog.Error("Missing VAPID key pair",
			"required_vars", []string{"VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY"})
		return nil, errors.New("missing VAPID key pair")
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	if cfg.AdminToken == "" {
		return nil, errors.New("PUSH_ADMIN_TOKEN is required")
	}

	Current = cfg
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer environment variable, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration environment variable, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
