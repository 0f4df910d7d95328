package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"qms/visit-service/internal/config"
	"qms/visit-service/internal/events"
	"qms/visit-service/internal/httpapi"
	"qms/visit-service/internal/hub"
	"qms/visit-service/internal/lifecycle"
	"qms/visit-service/internal/metrics"
	"qms/visit-service/internal/registry"
	"qms/visit-service/internal/store"
	"qms/visit-service/internal/store/memory"
	"qms/visit-service/internal/store/postgres"
	"qms/visit-service/internal/store/redisstore"
	"qms/visit-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const purgeInterval = time.Hour

type backends struct {
	visits      store.VisitStore
	audit       store.AuditSink
	idempotency store.IdempotencyStore
	pg          *postgres.Store
	closers     []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends picks Postgres when DB_DSN is set and in-memory stores
// otherwise. Redis, when configured, takes over idempotency and token
// numbering.
func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DB_DSN not set, using in-memory stores")
		options := memory.Options{TokenStart: cfg.TokenSequenceStart, IdempotencyWait: cfg.IdempotencyWait()}
		b.visits = memory.NewVisitStore(options)
		b.audit = memory.NewAuditSink()
		b.idempotency = memory.NewIdempotencyStore(options)
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			b.close()
			return nil, err
		}
		pg := postgres.NewStore(pool, postgres.Options{
			TokenStart:      cfg.TokenSequenceStart,
			IdempotencyWait: cfg.IdempotencyWait(),
			PendingTTL:      cfg.IdempotencyPendingTTL(),
		})
		b.pg = pg
		b.visits = pg
		b.audit = pg
		b.idempotency = pg
		logger.Info().Msg("connected to database")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		options := redisstore.Options{
			Prefix:     "qms:",
			Wait:       cfg.IdempotencyWait(),
			PendingTTL: cfg.IdempotencyPendingTTL(),
			TTL:        cfg.IdempotencyTTL(),
			TokenStart: cfg.TokenSequenceStart,
		}
		b.idempotency = redisstore.NewIdempotencyStore(client, options)
		b.visits = redisstore.NewVisitStore(b.visits, client, options)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis idempotency and token counter enabled")
	}
	return b, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	shutdownTelemetry := telemetry.Setup(context.Background(), telemetry.Options{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown error")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	b, err := openBackends(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Error().Err(err).Msg("failed to open stores")
		return err
	}
	defer b.close()

	departments, err := registry.New(registry.Parse(cfg.Departments)...)
	if err != nil {
		return err
	}

	fanout := hub.New(hub.Options{Buffer: cfg.SubscriberBuffer, Logger: logger, Metrics: m})
	publishers := events.Fanout{fanout}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaOptions{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			ClientID: serviceName,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				logger.Warn().Err(err).Msg("kafka close error")
			}
		}()
		publishers = append(publishers, kafkaPublisher)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka publishing enabled")
	}

	service := lifecycle.New(lifecycle.Deps{
		Visits:      b.visits,
		Audit:       b.audit,
		Idempotency: b.idempotency,
		Publisher:   publishers,
		Departments: departments,
		Logger:      logger,
		Metrics:     m,
	}, lifecycle.Options{
		Triage:          lifecycle.TriageConfig{UrgentSymptoms: cfg.UrgentSymptoms},
		Location:        cfg.Location,
		RestoreHashCost: cfg.RestoreHashCost,
	})

	handler := httpapi.NewHandler(httpapi.Deps{
		Service:       service,
		Audit:         b.audit,
		Subscriptions: fanout,
		Departments:   departments,
		Metrics:       m,
		Logger:        logger,
	})
	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, m, handler.Routes()), serviceName)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("visit-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stopWorkers := make(chan struct{})
	if grace := cfg.NoShowGrace(); grace > 0 {
		go runNoShowSweeper(service, departments, grace, cfg.NoShowInterval(), logger, stopWorkers)
	}
	if b.pg != nil && cfg.IdempotencyTTL() > 0 {
		go runIdempotencyPurge(b.pg, cfg.IdempotencyTTL(), logger, stopWorkers)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	close(stopWorkers)

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// runNoShowSweeper marks CALLED visits as NO_SHOW once grace has elapsed.
// Only registered departments are swept.
func runNoShowSweeper(service *lifecycle.Service, departments *registry.Registry, grace, interval time.Duration, logger zerolog.Logger, stop <-chan struct{}) {
	var running int32
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			continue
		}
		for _, department := range departments.List() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := service.SweepNoShows(ctx, department.ID, grace, uuid.NewString())
			cancel()
			if err != nil {
				logger.Error().Err(err).Str("department_id", department.ID).Msg("auto no-show error")
				continue
			}
			if count > 0 {
				logger.Info().Str("department_id", department.ID).Int("count", count).Msg("auto no-show processed")
			}
		}
		atomic.StoreInt32(&running, 0)
	}
}

func runIdempotencyPurge(pg *postgres.Store, ttl time.Duration, logger zerolog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		purged, err := pg.PurgeIdempotency(ctx, ttl)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("idempotency purge error")
			continue
		}
		if purged > 0 {
			logger.Debug().Int64("purged", purged).Msg("idempotency keys purged")
		}
	}
}
