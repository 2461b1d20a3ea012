// Package app wires configuration into the concrete storage, provider and HTTP components.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subflow/pkg/api"
	"github.com/mihaimyh/subflow/pkg/billing"
	zerologadapter "github.com/mihaimyh/subflow/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/subflow/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subflow/pkg/billing/stripe"
	"github.com/mihaimyh/subflow/pkg/config"
	"github.com/mihaimyh/subflow/storage/file"
	"github.com/mihaimyh/subflow/storage/firestore"
	"github.com/mihaimyh/subflow/storage/memory"
	"github.com/mihaimyh/subflow/storage/postgres"
	redisstore "github.com/mihaimyh/subflow/storage/redis"
	"github.com/mihaimyh/subflow/storage/sqlite"
	"github.com/mihaimyh/subflow/storage/tiered"
)

const metricsNamespace = "subflow"

// store is what every storage backend provides to the service
type store interface {
	billing.Repository
	billing.EventLedger
}

// Container holds the wired components of one server process.
type Container struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Sink       billing.EventSink
	Repository billing.Repository
	Ledger     billing.EventLedger
	Provider   *stripe.Provider
	Handler    *api.Handler
	Registry   *prometheus.Registry

	redisClient goredis.UniversalClient
	closers     []func() error
}

// NewLogger builds the process logger at the given level (debug, info, warn, error).
// Unknown levels fall back to info.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("service", "subflow").Logger()
}

// NewContainer builds every component the server needs. Close releases them.
func NewContainer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: logger}
	if err := c.init(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) init(ctx context.Context) error {
	billingLogger := zerologadapter.NewLogger(c.Logger)

	sink, err := c.openSink()
	if err != nil {
		return err
	}
	c.Sink = sink

	st, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	c.Repository = st
	c.Ledger = st

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			APIKey:           c.Config.StripeSecretKey,
			WebhookSecret:    c.Config.StripeWebhookSecret,
			BaseURL:          c.Config.Domain,
			WebhookTolerance: c.Config.WebhookTolerance,
			HandlerTimeout:   c.Config.HandlerTimeout,
			Sink:             c.Sink,
			Ledger:           c.Ledger,
			Repository:       c.Repository,
			Logger:           billingLogger,
			Metrics:          prommetrics.NewMetrics(c.Registry, metricsNamespace),
		},
		APIURL: c.Config.StripeAPIURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}
	c.Provider = provider

	handler, err := api.NewHandler(api.Config{
		Provider:       provider,
		Sink:           c.Sink,
		Repository:     c.Repository,
		MetricsHandler: promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}),
		Logger:         billingLogger,
	})
	if err != nil {
		return err
	}
	c.Handler = handler

	if c.Config.Domain == "" {
		c.Logger.Warn().Msg("DOMAIN is not set, checkout session creation will fail")
	}
	return nil
}

// Router returns the HTTP handler serving every endpoint.
func (c *Container) Router() http.Handler {
	return c.Handler.Router()
}

// OpenSink opens only the configured event sink, for commands that read the log.
func OpenSink(cfg *config.Config) (billing.EventSink, func() error, error) {
	c := &Container{Config: cfg}
	sink, err := c.openSink()
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return sink, c.Close, nil
}

func (c *Container) openSink() (billing.EventSink, error) {
	switch c.Config.EventSink {
	case config.SinkMemory:
		return billing.NewMemorySink(), nil
	case config.SinkRedis:
		client, err := c.redis()
		if err != nil {
			return nil, err
		}
		return redisstore.New(client, redisstore.DefaultConfig())
	default:
		return file.New(c.Config.EventLogPath), nil
	}
}

func (c *Container) openStore(ctx context.Context) (store, error) {
	switch c.Config.Store {
	case config.StorePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = c.Config.DatabaseURL
		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error {
			pg.Close()
			return nil
		})
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return c.withCache(pg)
	case config.StoreSQLite:
		lite, err := sqlite.Open(ctx, c.Config.SQLitePath)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, lite.Close)
		return c.withCache(lite)
	case config.StoreRedis:
		client, err := c.redis()
		if err != nil {
			return nil, err
		}
		return redisstore.New(client, redisstore.DefaultConfig())
	case config.StoreFirestore:
		client, err := gcfirestore.NewClient(ctx, c.Config.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		c.closers = append(c.closers, client.Close)
		fs, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, err
		}
		return c.withCache(fs)
	default:
		c.Logger.Warn().Msg("using in-memory store, entitlements are lost on restart")
		return memory.New(), nil
	}
}

// withCache wraps a durable store with the configured read-through cache.
func (c *Container) withCache(cold tiered.Store) (store, error) {
	var hot tiered.Store
	switch c.Config.Cache {
	case config.CacheMemory:
		hot = memory.New()
	case config.CacheRedis:
		client, err := c.redis()
		if err != nil {
			return nil, err
		}
		if hot, err = redisstore.New(client, redisstore.DefaultConfig()); err != nil {
			return nil, err
		}
	default:
		return cold, nil
	}

	cached, err := tiered.New(tiered.Config{
		Hot:          hot,
		Cold:         cold,
		AsyncHotSync: true,
		AsyncErrorHandler: func(err error) {
			c.Logger.Warn().Err(err).Msg("entitlement cache write failed")
		},
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, cached.Close)
	c.Logger.Info().Str("cache", c.Config.Cache).Str("store", c.Config.Store).Msg("entitlement cache enabled")
	return cached, nil
}

// redis returns the shared client, connecting on first use.
func (c *Container) redis() (goredis.UniversalClient, error) {
	if c.redisClient != nil {
		return c.redisClient, nil
	}
	opts, err := goredis.ParseURL(c.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid REDIS_URL: %w", billing.ErrConfiguration, err)
	}
	client := goredis.NewClient(opts)
	c.redisClient = client
	c.closers = append(c.closers, client.Close)
	return client, nil
}

// Close releases storage connections in reverse order of creation.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
