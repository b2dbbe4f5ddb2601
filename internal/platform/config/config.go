// Package config builds plain configuration structs from the environment so
// main stays lean. Every knob has a development default; nothing here is
// global mutable state.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr          string
	DatabaseURL   string
	JWTSigningKey string

	Redis RedisConfig
	Kafka KafkaConfig

	// IdempotencyMode is "return_existing" or "reject".
	IdempotencyMode  string
	CascadeByDefault bool

	RoleCacheTTL    time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig configures the optional role cache. An empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the optional notification publisher. Empty brokers
// fall back to the log publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv reads the TRELLIS_* environment variables.
func FromEnv() Server {
	cfg := Server{
		Addr:             envOr("TRELLIS_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("TRELLIS_DATABASE_URL"),
		JWTSigningKey:    envOr("TRELLIS_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		IdempotencyMode:  envOr("TRELLIS_IDEMPOTENCY_MODE", "return_existing"),
		CascadeByDefault: envOr("TRELLIS_CASCADE_BY_DEFAULT", "true") == "true",
		RoleCacheTTL:     envDuration("TRELLIS_ROLE_CACHE_TTL", 5*time.Minute),
		ShutdownTimeout:  envDuration("TRELLIS_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	cfg.Redis = RedisConfig{
		URL:          os.Getenv("TRELLIS_REDIS_URL"),
		PoolSize:     envInt("TRELLIS_REDIS_POOL_SIZE", 10),
		MinIdleConns: envInt("TRELLIS_REDIS_MIN_IDLE_CONNS", 2),
		DialTimeout:  envDuration("TRELLIS_REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  envDuration("TRELLIS_REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: envDuration("TRELLIS_REDIS_WRITE_TIMEOUT", 3*time.Second),
	}

	if brokers := os.Getenv("TRELLIS_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka = KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   envOr("TRELLIS_KAFKA_TOPIC", "trellis.recording-events"),
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
