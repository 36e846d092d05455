package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/orderwatch/internal/blob/s3"
	"github.com/alanyoungcy/orderwatch/internal/cache/redis"
	"github.com/alanyoungcy/orderwatch/internal/config"
	"github.com/alanyoungcy/orderwatch/internal/domain"
	"github.com/alanyoungcy/orderwatch/internal/notify"
	"github.com/alanyoungcy/orderwatch/internal/platform/gateway"
	"github.com/alanyoungcy/orderwatch/internal/service"
	"github.com/alanyoungcy/orderwatch/internal/store/postgres"
	"github.com/alanyoungcy/orderwatch/internal/store/sqlite"
)

// Dependencies bundles what the commands need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Lifecycle *service.LifecycleService

	// Events, Redis, Limiter and Locks are nil when Redis is disabled or
	// unreachable.
	Events  *redis.OrderEvents
	Redis   *redis.Client
	Limiter domain.RateLimiter
	Locks   domain.LockManager

	// S3 and BlobWriter are nil when no S3 bucket is configured.
	S3         *s3blob.Client
	BlobWriter domain.BlobWriter
}

// WireOpts selects what Wire connects.
type WireOpts struct {
	// Offline skips Redis, S3 and alerts so nothing is dialed. Commands that
	// only validate or dry-run a payload wire offline.
	Offline bool
}

// Wire constructs the concrete dependencies from cfg. The durable store is
// not opened here; the lifecycle service opens it on first use.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts WireOpts) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Gateway + durable store ---
	wsCfg := gateway.WSConfig{Path: cfg.Gateway.Path, TLS: cfg.Gateway.TLS}
	lifecycle := service.NewLifecycleService(
		service.Endpoint{
			Host:     cfg.Gateway.Host,
			Port:     cfg.Gateway.Port,
			ClientID: cfg.Gateway.ClientID,
		},
		func() gateway.Transport { return gateway.NewWSTransport(wsCfg) },
		storeOpener(cfg.Store, logger),
		logger,
	).WithDisconnectTimeout(cfg.Gateway.DisconnectTimeout.Duration)
	deps.Lifecycle = lifecycle
	closers = append(closers, func() {
		if err := lifecycle.Close(); err != nil {
			logger.Warn("close order store", slog.String("error", err.Error()))
		}
	})

	if opts.Offline {
		return deps, cleanup, nil
	}

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			logger.WarnContext(ctx, "redis unavailable, order updates will not be published",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()),
			)
		} else {
			closers = append(closers, func() { _ = rc.Close() })
			deps.Redis = rc
			deps.Events = redis.NewOrderEvents(redis.NewSignalBus(rc), cfg.Redis.Stream)
			deps.Limiter = redis.NewRateLimiter(rc)
			deps.Locks = redis.NewLockManager(rc)
			lifecycle.WithPublisher(deps.Events)
			logger.InfoContext(ctx, "redis connected", slog.String("addr", cfg.Redis.Addr))
		}
	}

	// --- Alerts (optional) ---
	if n := newNotifier(cfg.Notify, logger); n.Enabled() {
		lifecycle.WithPublisher(n)
	}

	// --- S3 (optional) ---
	if cfg.S3.Bucket != "" {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = sc
		deps.BlobWriter = s3blob.NewWriter(sc, int64(cfg.S3.PartSizeMB)<<20)
	}

	return deps, cleanup, nil
}

// newNotifier builds an alert notifier with every sender cfg configures.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}

// storeOpener returns the factory for the configured durable store backend.
func storeOpener(cfg config.StoreConfig, logger *slog.Logger) service.StoreOpener {
	switch cfg.Driver {
	case "postgres":
		return func(ctx context.Context) (domain.OrderStateStore, error) {
			pg, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.DSN,
				MaxConns: cfg.PoolMaxConns,
				MinConns: cfg.PoolMinConns,
			})
			if err != nil {
				return nil, err
			}
			if cfg.RunMigrations {
				if err := pg.RunMigrations(ctx); err != nil {
					pg.Close()
					return nil, err
				}
			}
			return &pgOrderStore{OrderStateStore: postgres.NewOrderStateStore(pg.Pool()), client: pg}, nil
		}
	default:
		return func(context.Context) (domain.OrderStateStore, error) {
			return sqlite.Open(cfg.Path, logger)
		}
	}
}

// pgOrderStore ties the pool's lifetime to the store handed to the service.
type pgOrderStore struct {
	*postgres.OrderStateStore
	client *postgres.Client
}

func (s *pgOrderStore) Close() error {
	s.client.Close()
	return nil
}
