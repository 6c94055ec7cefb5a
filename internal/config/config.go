package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName        = "SokoPlus"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultSweepInterval  = time.Minute
	defaultKafkaTopic     = "ledger-events"
)

// Config captures application runtime configuration loaded from environment
// variables. DATABASE_URL and REDIS_URL are optional: without them the
// service runs on the in-process store and guard, which is only suitable for
// development and tests.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	KafkaBrokers []string
	KafkaTopic   string

	// GatewaySecretHash is the bcrypt hash of the shared secret the payment
	// gateway presents on callback endpoints. Empty disables the check.
	GatewaySecretHash string

	// TransferFeeBps is the sender fee on wallet-to-wallet transfers in
	// basis points.
	TransferFeeBps int64

	// ReconciliationTolerance is the per-category difference, in minor
	// units, that reconciliation accepts without raising an issue.
	ReconciliationTolerance int64

	HoldSweepInterval time.Duration
	ShutdownPeriod    time.Duration
	IdempotencyTTL    time.Duration
}

// Load reads configuration from the environment, after loading a local .env
// file when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		GatewaySecretHash: os.Getenv("GATEWAY_SECRET_HASH"),
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, broker := range strings.Split(v, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}

	var err error
	if cfg.TransferFeeBps, err = getInt64("TRANSFER_FEE_BPS", 0); err != nil {
		return Config{}, err
	}
	if cfg.TransferFeeBps < 0 {
		return Config{}, fmt.Errorf("TRANSFER_FEE_BPS must not be negative")
	}
	if cfg.ReconciliationTolerance, err = getInt64("RECONCILIATION_TOLERANCE", 0); err != nil {
		return Config{}, err
	}
	if cfg.ReconciliationTolerance < 0 {
		return Config{}, fmt.Errorf("RECONCILIATION_TOLERANCE must not be negative")
	}
	if cfg.HoldSweepInterval, err = getDuration("HOLD_SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownPeriod, err = getDuration("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
