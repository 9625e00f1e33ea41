package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Policy string

const (
	// PolicyDeferred marks groups dirty and leaves the work to the sweep.
	PolicyDeferred Policy = "deferred"
	// PolicyImmediate applies each mutation under the group's row lock.
	PolicyImmediate Policy = "immediate"
)

var ErrInvalidPolicy = errors.New("invalid reconciliation policy")

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RedisAddr is optional. Without it the dirty set lives in memory and
	// the sweep is only guarded within this process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DirtySetKey   string

	Port          string
	Policy        Policy
	SweepInterval time.Duration
	JournalBuffer int
}

func Load() (Config, error) {
	cfg := Config{
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "expenses"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		DirtySetKey:   getEnv("LEDGER_DIRTY_KEY", "ledger:dirty-groups"),
		Port:          getEnv("PORT", "5000"),
		Policy:        Policy(getEnv("LEDGER_POLICY", string(PolicyDeferred))),
	}

	var err error
	if cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0")); err != nil {
		return Config{}, fmt.Errorf("REDIS_DB: %w", err)
	}
	if cfg.SweepInterval, err = time.ParseDuration(getEnv("SWEEP_INTERVAL", "60s")); err != nil {
		return Config{}, fmt.Errorf("SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}
	if cfg.JournalBuffer, err = strconv.Atoi(getEnv("JOURNAL_BUFFER", "100")); err != nil {
		return Config{}, fmt.Errorf("JOURNAL_BUFFER: %w", err)
	}

	switch cfg.Policy {
	case PolicyDeferred, PolicyImmediate:
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, cfg.Policy)
	}

	return cfg, nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
