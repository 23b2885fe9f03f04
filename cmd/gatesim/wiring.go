package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/oidovnamnan/gatesim/internal/cache"
	"github.com/oidovnamnan/gatesim/internal/config"
	"github.com/oidovnamnan/gatesim/internal/database"
	"github.com/oidovnamnan/gatesim/internal/gateways/airalo"
	"github.com/oidovnamnan/gatesim/internal/gateways/qpay"
	idemmemory "github.com/oidovnamnan/gatesim/internal/idempotency/memory"
	idempostgres "github.com/oidovnamnan/gatesim/internal/idempotency/postgres"
	"github.com/oidovnamnan/gatesim/internal/notify"
	"github.com/oidovnamnan/gatesim/internal/orders/adapters"
	ordersmemory "github.com/oidovnamnan/gatesim/internal/orders/adapters/memory"
	orderspostgres "github.com/oidovnamnan/gatesim/internal/orders/adapters/postgres"
	ordersapp "github.com/oidovnamnan/gatesim/internal/orders/app"
	"github.com/oidovnamnan/gatesim/internal/orders/app/commands"
	"github.com/oidovnamnan/gatesim/internal/orders/metrics"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

// runtime holds everything a command needs and the cleanups to run on exit.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Telemetry
	pool      *pgxpool.Pool
	redis     *redis.Client
	limiter   ports.RateLimiter
	idemStore *idempostgres.Store
	service   *ordersapp.Service
}

func loadConfig(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewLogger(os.Stdout, telemetry.ParseLevel(cfg.Telemetry.LogLevel)).
		With("service", cfg.Service.Name, "environment", cfg.Service.Environment)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newRuntime(ctx context.Context, opts *rootOptions) (*runtime, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	tel, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTelEndpoint,
		EnableTracing:  cfg.Telemetry.EnableTracing,
		EnableMetrics:  cfg.Telemetry.EnableMetrics,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	rt.telemetry = tel
	meter := telemetry.Meter()

	ordersMetrics, err := metrics.NewMetrics(meter)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("create order metrics: %w", err)
	}
	dbMetrics, err := database.NewMetrics(meter)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("create database metrics: %w", err)
	}
	notifyMetrics, err := notify.NewMetrics(meter)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("create notifier metrics: %w", err)
	}

	var (
		repo      ports.OrderRepository
		idemStore ports.IdempotencyStore
	)
	if opts.memory {
		logger.Warn("orders are kept in memory and lost on restart")
		repo = ordersmemory.NewRepository()
		idemStore = idemmemory.NewStore(cfg.Reconcile.IdempotencyTTL)
	} else {
		pool, err := database.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("create database pool: %w", err)
		}
		rt.pool = pool

		if cfg.Database.AutoMigrate {
			logger.Info("running database migrations", "path", cfg.Database.MigrationsPath)
			if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
				rt.Close(ctx)
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}

		repo = orderspostgres.NewRepository(pool)
		rt.idemStore = idempostgres.NewStore(pool, cfg.Reconcile.IdempotencyTTL)
		idemStore = rt.idemStore
	}

	var (
		paymentCache ports.PaymentCache = cache.NoopPaymentCache{}
		locker       ports.Locker       = cache.NewLocalLocker()
	)
	rt.limiter = cache.AllowAll{}
	if cfg.Redis.Addr != "" {
		client, err := cache.NewClient(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.redis = client

		keyspace := cache.Keyspace(cfg.Service.Name)
		paymentCache = cache.NewPaymentCache(client, keyspace, cfg.Reconcile.PaidCacheTTL)
		locker = cache.NewLocker(client, keyspace)
		rt.limiter = cache.NewRateLimiter(client, keyspace, cfg.Reconcile.PollRateLimit, cfg.Reconcile.PollRateWindow)
	} else {
		logger.Warn("REDIS_ADDR not set, paid-status cache and poll rate limiting are disabled")
	}

	var notifier ports.Notifier
	if cfg.SMTP.Enabled() {
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	} else {
		logger.Warn("SMTP not configured, confirmations are only logged")
		notifier = notify.NewLogNotifier(logger)
	}

	invoices := qpay.NewClient(qpay.Config{
		BaseURL:     cfg.QPay.BaseURL,
		Username:    cfg.QPay.Username,
		Password:    cfg.QPay.Password,
		InvoiceCode: cfg.QPay.InvoiceCode,
		Timeout:     cfg.QPay.Timeout,
	})
	provisioner := airalo.NewClient(airalo.Config{
		BaseURL:      cfg.Airalo.BaseURL,
		ClientID:     cfg.Airalo.ClientID,
		ClientSecret: cfg.Airalo.ClientSecret,
		Timeout:      cfg.Airalo.Timeout,
	})

	rt.service = ordersapp.NewService(ordersapp.Dependencies{
		Repo:         adapters.NewObservableRepository(repo, dbMetrics),
		Invoices:     adapters.NewObservableInvoiceGateway(invoices),
		Provisioner:  adapters.NewObservableProvisioningGateway(provisioner, ordersMetrics),
		Notifier:     adapters.NewObservableNotifier(notifier, notifyMetrics),
		PaymentCache: paymentCache,
		Idempotency:  idemStore,
		Locker:       locker,
		Logger:       logger,
		Metrics:      ordersMetrics,
	}, ordersapp.Config{
		StaleLockAfter:   cfg.Reconcile.StaleLockAfter,
		ProvisionTimeout: cfg.Reconcile.ProvisionTimeout,
		WebhookWait:      cfg.Reconcile.WebhookWait,
		SweepConcurrency: cfg.Reconcile.SweepConcurrency,
		SweepBatchSize:   cfg.Reconcile.SweepBatchSize,
		SweepMaxAge:      cfg.Reconcile.SweepMaxAge,
		SweepLockTTL:     cfg.Reconcile.SweepLockTTL,
		Checkout: commands.CheckoutConfig{
			CallbackBaseURL: cfg.HTTP.PublicBaseURL,
			WebhookSecret:   cfg.Auth.WebhookSecret,
		},
	})

	return rt, nil
}

// ready reports whether the backing stores answer.
func (rt *runtime) ready(ctx context.Context) error {
	var errs []error
	if rt.pool != nil {
		if err := database.CheckHealth(ctx, rt.pool); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close waits for background reconciliations and releases connections.
func (rt *runtime) Close(ctx context.Context) {
	if rt.service != nil {
		rt.service.Wait()
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.telemetry != nil {
		if err := rt.telemetry.Shutdown(ctx); err != nil {
			rt.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}
