// Package config loads the subflow server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mihaimyh/subflow/pkg/billing"
	"github.com/mihaimyh/subflow/storage/file"
)

// Event sink backends
const (
	SinkFile   = "file"
	SinkRedis  = "redis"
	SinkMemory = "memory"
)

// Store backends for users, entitlements and the processed-event ledger
const (
	StoreMemory    = "memory"
	StoreSQLite    = "sqlite"
	StorePostgres  = "postgres"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

// Cache backends placed in front of a SQL store
const (
	CacheNone   = ""
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds application configuration.
type Config struct {
	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// StripeAPIURL points the client at another API endpoint (stripe-mock, a proxy).
	StripeAPIURL string

	// Domain is the public base URL used for checkout redirects.
	// It is checked per request, so the server starts without it.
	Domain string

	// Server
	Port            string
	LogLevel        string
	ShutdownTimeout time.Duration

	// Webhook
	WebhookTolerance time.Duration
	HandlerTimeout   time.Duration

	// Event log
	EventSink    string
	EventLogPath string

	// Storage
	Store       string
	RedisURL    string
	DatabaseURL string
	SQLitePath  string

	// FirestoreProjectID selects the Google Cloud project for STORE=firestore.
	// FIRESTORE_EMULATOR_HOST is honored by the client library.
	FirestoreProjectID string

	// Cache puts a read-through cache in front of a postgres, sqlite or firestore store.
	Cache string

	// invalid holds values Load could not parse; Validate reports them.
	invalid []string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	var env envReader
	cfg := &Config{
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeAPIURL:        getEnv("STRIPE_API_URL", ""),
		Domain:              strings.TrimRight(getEnv("DOMAIN", ""), "/"),

		Port:            getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: env.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		WebhookTolerance: env.duration("WEBHOOK_TOLERANCE", 5*time.Minute),
		HandlerTimeout:   env.duration("HANDLER_TIMEOUT", 10*time.Second),

		EventSink:    strings.ToLower(getEnv("EVENT_SINK", SinkFile)),
		EventLogPath: getEnv("EVENT_LOG_PATH", file.DefaultPath),

		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),

		FirestoreProjectID: getEnv("FIRESTORE_PROJECT_ID", ""),
	}
	cfg.Store = strings.ToLower(getEnv("STORE", cfg.defaultStore()))
	cfg.Cache = strings.ToLower(getEnv("CACHE", CacheNone))
	cfg.invalid = env.invalid

	return cfg, nil
}

// defaultStore picks the store from whichever connection setting is present.
func (c *Config) defaultStore() string {
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.SQLitePath != "":
		return StoreSQLite
	case c.FirestoreProjectID != "":
		return StoreFirestore
	case c.RedisURL != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	problems := append([]string(nil), c.invalid...)

	if c.StripeSecretKey == "" {
		problems = append(problems, "STRIPE_SECRET_KEY is required")
	}
	if c.StripeWebhookSecret == "" {
		problems = append(problems, "STRIPE_WEBHOOK_SECRET is required")
	}

	switch c.EventSink {
	case SinkFile, SinkMemory:
	case SinkRedis:
		if c.RedisURL == "" {
			problems = append(problems, "REDIS_URL is required when EVENT_SINK=redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown EVENT_SINK %q", c.EventSink))
	}

	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required when STORE=postgres")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			problems = append(problems, "REDIS_URL is required when STORE=redis")
		}
	case StoreFirestore:
		if c.FirestoreProjectID == "" {
			problems = append(problems, "FIRESTORE_PROJECT_ID is required when STORE=firestore")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE %q", c.Store))
	}

	switch c.Cache {
	case CacheNone:
	case CacheMemory, CacheRedis:
		if c.Store != StorePostgres && c.Store != StoreSQLite && c.Store != StoreFirestore {
			problems = append(problems, "CACHE requires STORE=postgres, sqlite or firestore")
		}
		if c.Cache == CacheRedis && c.RedisURL == "" {
			problems = append(problems, "REDIS_URL is required when CACHE=redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown CACHE %q", c.Cache))
	}

	if c.WebhookTolerance <= 0 {
		problems = append(problems, "WEBHOOK_TOLERANCE must be positive")
	}
	if c.HandlerTimeout <= 0 {
		problems = append(problems, "HANDLER_TIMEOUT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", billing.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader collects values that are set but malformed, so a typo is reported
// instead of silently replaced by the default.
type envReader struct {
	invalid []string
}

func (e *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare integers are read as seconds
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	e.invalid = append(e.invalid, fmt.Sprintf("%s: invalid duration %q", key, value))
	return defaultValue
}
