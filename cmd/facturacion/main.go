package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	auditpg "bmarc/ms_facturacion_sri/internal/adapters/audit/postgres"
	documentpg "bmarc/ms_facturacion_sri/internal/adapters/document/postgres"
	"bmarc/ms_facturacion_sri/internal/adapters/gateway/openfactura"
	emissionhttp "bmarc/ms_facturacion_sri/internal/adapters/http/emission"
	healthhttp "bmarc/ms_facturacion_sri/internal/adapters/http/health"
	issuerhttp "bmarc/ms_facturacion_sri/internal/adapters/http/issuer"
	issuerpg "bmarc/ms_facturacion_sri/internal/adapters/issuer/postgres"
	"bmarc/ms_facturacion_sri/internal/adapters/lock/memory"
	lockredis "bmarc/ms_facturacion_sri/internal/adapters/lock/redis"
	sequencepg "bmarc/ms_facturacion_sri/internal/adapters/sequence/postgres"
	"bmarc/ms_facturacion_sri/internal/application/emission"
	"bmarc/ms_facturacion_sri/internal/application/health"
	"bmarc/ms_facturacion_sri/internal/application/issuer"
	"bmarc/ms_facturacion_sri/internal/application/repoll"
	"bmarc/ms_facturacion_sri/internal/core/audit"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	"bmarc/ms_facturacion_sri/internal/infrastructure/config"
	"bmarc/ms_facturacion_sri/internal/infrastructure/database"
	httpclient "bmarc/ms_facturacion_sri/internal/infrastructure/http"
	"bmarc/ms_facturacion_sri/internal/infrastructure/http/middleware"
	"bmarc/ms_facturacion_sri/internal/infrastructure/http/server"
	"bmarc/ms_facturacion_sri/internal/infrastructure/logger"
	"bmarc/ms_facturacion_sri/internal/infrastructure/metrics"
)

const gatewayProvider = "openfactura"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "service stopped: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.App.Name, cfg.Log.Level, cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	log.Info("Database connection established", "database", cfg.Database.Database, "host", cfg.Database.Host)

	if err := database.RunMigrations(ctx, pool, log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	m := metrics.Emission(metrics.Config{ServiceName: cfg.App.Name, Environment: cfg.App.Environment})

	var auditRepo audit.Repository
	if cfg.Audit.Enabled {
		auditRepo = auditpg.NewRepository(pool, log)
		log.Info("Audit trail configuration: ENABLED", "max_body_size", cfg.Audit.MaxBodySize)
	} else {
		log.Info("Audit trail configuration: DISABLED")
	}

	documents, err := documentpg.NewRepository(pool, 2*cfg.Emission.SweepInterval, log)
	if err != nil {
		return fmt.Errorf("create document repository: %w", err)
	}
	issuerRepo := issuerpg.NewRepository(pool)
	sequences := sequencepg.NewAllocator(pool)

	locker, redisClient, err := newLocker(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	traced := httpclient.NewTracedClient(&httpclient.TracedClientConfig{
		Timeout:         cfg.Gateway.EmitTimeout,
		AuditEnabled:    auditRepo != nil,
		LogRequestBody:  cfg.Audit.LogRequestBody,
		LogResponseBody: cfg.Audit.LogResponseBody,
		MaxBodySize:     cfg.Audit.MaxBodySize,
		MaxConnsPerHost: min(cfg.Gateway.MaxConcurrent*2, 100),
	}, log, auditRepo, gatewayProvider)

	gateway := openfactura.NewClient(openfactura.Config{
		BaseURL:            cfg.Gateway.BaseURL,
		EmitTimeout:        cfg.Gateway.EmitTimeout,
		StatusTimeout:      cfg.Gateway.StatusTimeout,
		MaxConcurrent:      cfg.Gateway.MaxConcurrent,
		RateLimitRPS:       cfg.Gateway.RateLimitRPS,
		RateLimitBurst:     cfg.Gateway.RateLimitBurst,
		BreakerMaxFailures: cfg.Gateway.BreakerMaxFailures,
		BreakerCooldown:    cfg.Gateway.BreakerCooldown,
	}, traced, m, log)
	log.Info("OpenFactura gateway configured",
		"base_url", cfg.Gateway.BaseURL,
		"max_concurrent", cfg.Gateway.MaxConcurrent,
		"rate_limit_rps", cfg.Gateway.RateLimitRPS)

	issuers := issuer.NewService(issuerRepo, cfg.Cache.IssuerTTL, log)

	repollPool := repoll.NewPool(repoll.Config{
		Workers:      cfg.Emission.RepollWorkers,
		QueueSize:    cfg.Emission.RepollQueueSize,
		InitialDelay: cfg.Emission.RepollInitialDelay,
		MaxDelay:     cfg.Emission.RepollMaxDelay,
		LockTTL:      cfg.Redis.LockTTL,
	}, locker, log)

	emissionService := emission.NewService(emission.Deps{
		Documents: documents,
		Issuers:   issuers,
		Sequences: sequences,
		Gateway:   gateway,
		Scheduler: repollPool,
		Metrics:   m,
		Logger:    log,
	}, emission.Config{
		MaxRepollAttempts:  cfg.Emission.RepollMaxAttempts,
		RepollInitialDelay: cfg.Emission.RepollInitialDelay,
		RepollMaxDelay:     cfg.Emission.RepollMaxDelay,
		RepollGrace:        cfg.Emission.SweepInterval,
		FinalConsumerLimit: cfg.Emission.FinalConsumerLimit,
		Defaults: emission.Defaults{
			Email:               cfg.Emission.DefaultEmail,
			CertificatePath:     cfg.Emission.CertificatePath,
			CertificatePassword: cfg.Emission.CertificatePassword,
		},
	})

	repollPool.Start(ctx, emissionService)
	sweeper := repoll.NewSweeper(documents, repollPool, cfg.Emission.SweepInterval, cfg.Emission.SweepBatch, log)

	healthService := health.NewService(health.Metadata{
		Service:     cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
	}, healthChecks(pool, redisClient, gateway, repollPool)...)

	var authenticator *middleware.JWTAuthenticator
	if cfg.Auth.Enabled {
		authenticator, err = middleware.NewJWTAuthenticator(cfg.Auth, log)
		if err != nil {
			return fmt.Errorf("create jwt authenticator: %w", err)
		}
		log.Info("JWT authentication enabled", "issuer", cfg.Auth.IssuerURI)
	} else {
		log.Warn("JWT authentication disabled")
	}

	srv, err := server.New(server.Options{
		Config:        cfg,
		Logger:        log,
		HealthHandler: healthhttp.NewHandler(healthService),
		Emission:      emissionhttp.NewHandler(emissionService, log),
		Issuers:       issuerhttp.NewHandler(issuers, log),
		Authenticator: authenticator,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	runErr := g.Wait()

	repollPool.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := traced.Wait(drainCtx); err != nil {
		log.Warn("Pending audit writes not flushed before shutdown", "error", err)
	}

	log.Info("Service stopped")
	return runErr
}

// newLocker returns the Redis locker when an address is configured and the
// in-process one otherwise. The client is nil in the second case.
func newLocker(ctx context.Context, cfg config.RedisSettings, log *slog.Logger) (taxdoc.Locker, *goredis.Client, error) {
	if !cfg.Enabled() {
		log.Info("Redis not configured, re-poll lock is process local")
		return memory.NewLocker(), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := lockredis.NewClient(connectCtx, lockredis.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("Redis re-poll lock enabled", "addr", cfg.Addr)
	return lockredis.NewLocker(client, "facturacion:repoll:"), client, nil
}

func healthChecks(pool *pgxpool.Pool, redisClient *goredis.Client, gateway *openfactura.Client, repollPool *repoll.Pool) []health.Check {
	queueSize := repollPool.Capacity()
	checks := []health.Check{
		{Name: "database", Critical: true, Probe: pool.Ping},
		{Name: "gateway", Probe: func(context.Context) error {
			if state := gateway.Breaker().State(); state == openfactura.BreakerOpen {
				return errors.New("circuit breaker open")
			}
			return nil
		}},
		{Name: "repoll_queue", Probe: func(context.Context) error {
			if queued := repollPool.Queued(); queued >= queueSize {
				return fmt.Errorf("queue full: %d queued, %d delayed", queued, repollPool.Pending())
			}
			return nil
		}},
	}
	if redisClient != nil {
		checks = append(checks, health.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	return checks
}
