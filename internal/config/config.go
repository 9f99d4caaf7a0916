package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	JWTSecret    string

	HTTPAddr string
	BasePath string

	PayPingBaseURL    string
	AmountSubdivision int64
	Currency          string
	MinAmount         decimal.Decimal
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		KafkaBrokers:      []string{os.Getenv("KAFKA_BROKER")},
		JWTSecret:         os.Getenv("JWT_SECRET"),
		HTTPAddr:          os.Getenv("HTTP_ADDR"),
		BasePath:          os.Getenv("BASE_PATH"),
		PayPingBaseURL:    os.Getenv("PAYPING_BASE_URL"),
		AmountSubdivision: envInt64("AMOUNT_SUBDIVISION", 10),
		Currency:          os.Getenv("CURRENCY"),
		MinAmount:         decimal.NewFromInt(envInt64("MIN_AMOUNT", 1000)),
	}

	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = "host=localhost user=postgres password=postgres dbname=ipg sslmode=disable"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if len(cfg.KafkaBrokers) == 1 && cfg.KafkaBrokers[0] == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "supersecret"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/api/v1"
	}
	if cfg.PayPingBaseURL == "" {
		cfg.PayPingBaseURL = "https://api.payping.ir/v2/pay"
	}
	if cfg.Currency == "" {
		cfg.Currency = "IRT"
	}

	slog.Info("config loaded",
		"postgres_dsn", cfg.PostgresDSN,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"base_path", cfg.BasePath,
		"payping_base_url", cfg.PayPingBaseURL,
		"amount_subdivision", cfg.AmountSubdivision,
		"currency", cfg.Currency)
	return cfg
}

func envInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}
