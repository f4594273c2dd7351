// Package config loads server settings from the environment.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
)

const (
	defaultAPIAddr     = ":8080"
	defaultRedisAddr   = "localhost:6379"
	defaultPrefix      = "chat"
	defaultLeaseSec    = 15
	defaultFreshnessMs = 1000
	defaultTopic       = "notifications.new"
	defaultServiceName = "presence-chat"
)

var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

type Config struct {
	APIAddr        string
	StoreBackend   string
	RedisAddr      string
	StorePrefix    string
	DBDSN          string
	JWTSecret      string
	AllowedOrigins []string
	SessionLease   time.Duration
	Freshness      time.Duration
	KafkaBrokers   string
	KafkaTopic     string
	OTLPEndpoint   string
	ServiceName    string
}

// Load reads the environment. The listen address may also come from -addr;
// fs must not have been parsed yet.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		StoreBackend:   envOr("STORE_BACKEND", "redis"),
		RedisAddr:      envOr("REDIS_ADDR", defaultRedisAddr),
		StorePrefix:    envOr("STORE_PREFIX", defaultPrefix),
		DBDSN:          os.Getenv("DB_DSN"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AllowedOrigins: envCSV("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
		SessionLease:   time.Duration(envInt("SESSION_LEASE_SEC", defaultLeaseSec)) * time.Second,
		Freshness:      time.Duration(envInt("NOTIFY_FRESHNESS_MS", defaultFreshnessMs)) * time.Millisecond,
		KafkaBrokers:   os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:     envOr("KAFKA_TOPIC_NOTIFICATIONS", defaultTopic),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:    envOr("OTEL_SERVICE_NAME", defaultServiceName),
	}
	fs.StringVar(&cfg.APIAddr, "addr", envOr("API_ADDR", defaultAPIAddr), "http service address")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.DBDSN == "":
		return errors.New("DB_DSN is not set")
	case c.JWTSecret == "":
		return errors.New("JWT_SECRET is not set")
	case c.StoreBackend != "redis" && c.StoreBackend != "memory":
		return errors.New("STORE_BACKEND must be redis or memory")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i <= 0 {
			glog.Warningf("invalid %s=%s, fallback to default (%d)", key, v, def)
			return def
		}
		return i
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
