// Package config provides runtime configuration values for the service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

// Config holds configuration knobs for the HTTP server, the store and the
// notification channel.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	StoreBackend        string
	MongoURI            string
	MongoDatabase       string
	MongoConnectTimeout time.Duration
	SeedFile            string

	// LegacyCartSemantics restores the pre-fix add/update behavior:
	// silent clamp on merge, stock decremented by the requested amount,
	// no stock adjustment on update and non-atomic stock writes.
	LegacyCartSemantics  bool
	ExposeInternalErrors bool

	NotifyBuffer        int
	NotifyHighWatermark int
	WSPath              string
	WSSendBuffer        int
	WSWriteTimeout      time.Duration
	WSPingInterval      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	CORSAllowedOrigins []string
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolenv(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// listenv splits a comma separated variable, dropping empty entries.
func listenv(key string, def []string) []string {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

// Load collects configuration from environment with defaults.
func Load() Config {
	backend := strings.ToLower(getenv("STORE_BACKEND", BackendMongo))
	if backend != BackendMemory {
		backend = BackendMongo
	}
	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":"+getenv("PORT", "5000")),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 15),
		LogLevel:        getenv("LOG_LEVEL", "info"),

		StoreBackend:        backend,
		MongoURI:            getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:       getenv("MONGO_DATABASE", "ecommerce"),
		MongoConnectTimeout: durenvs("MONGO_CONNECT_TIMEOUT", 10),
		SeedFile:            getenv("SEED_FILE", ""),

		LegacyCartSemantics:  boolenv("LEGACY_CART_SEMANTICS", false),
		ExposeInternalErrors: boolenv("EXPOSE_INTERNAL_ERRORS", true),

		NotifyBuffer:        atoienv("NOTIFY_BUFFER", 128),
		NotifyHighWatermark: atoienv("NOTIFY_HIGH_WATERMARK", 5000),
		WSPath:              getenv("WS_PATH", "/ws"),
		WSSendBuffer:        atoienv("WS_SEND_BUFFER", 16),
		WSWriteTimeout:      durenvms("WS_WRITE_TIMEOUT_MS", 10000),
		WSPingInterval:      durenvms("WS_PING_INTERVAL_MS", 30000),

		KafkaBrokers: listenv("KAFKA_BROKERS", nil),
		KafkaTopic:   getenv("KAFKA_TOPIC", "stock-events"),

		CORSAllowedOrigins: listenv("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}
}
