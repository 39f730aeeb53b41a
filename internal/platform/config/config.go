// Package config loads process configuration from the environment so main
// stays lean. All variables share the CHAINALERT_ prefix.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "chainalert/pkg/platform/strings"
)

// RedisConfig captures the redis connection settings.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Config captures everything the server process needs at startup.
type Config struct {
	Addr          string
	JWTSigningKey string

	// HashSecret is the root key of the pseudonym hash family. Changing it
	// invalidates every stored identity, so it must be stable per deployment.
	HashSecret string

	PostgresURL  string
	Redis        RedisConfig
	KafkaBrokers []string

	PushEndpoint string
	PushAPIKey   string

	MaxHopDepth    int
	RetentionDays  int
	AuditBufferLen int
}

// FromEnv builds a Config from environment variables, applying development
// defaults where a value is optional.
func FromEnv() Config {
	return Config{
		Addr:          envString("CHAINALERT_ADDR", ":8080"),
		JWTSigningKey: envString("CHAINALERT_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		HashSecret:    envString("CHAINALERT_HASH_SECRET", "dev-hash-secret-change-in-production"),
		PostgresURL:   os.Getenv("CHAINALERT_POSTGRES_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("CHAINALERT_REDIS_URL"),
			PoolSize:     envInt("CHAINALERT_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("CHAINALERT_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("CHAINALERT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("CHAINALERT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("CHAINALERT_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		KafkaBrokers:   envList("CHAINALERT_KAFKA_BROKERS"),
		PushEndpoint:   os.Getenv("CHAINALERT_PUSH_ENDPOINT"),
		PushAPIKey:     os.Getenv("CHAINALERT_PUSH_API_KEY"),
		MaxHopDepth:    envInt("CHAINALERT_MAX_HOP_DEPTH", 10),
		RetentionDays:  envInt("CHAINALERT_RETENTION_DAYS", 365),
		AuditBufferLen: envInt("CHAINALERT_AUDIT_BUFFER", 256),
	}
}

func envString(key, fallback string) string {
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

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return pstrings.DedupeAndTrim(strings.Split(v, ","))
}
