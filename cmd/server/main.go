// Command server wires the exposure-notification core and runs the HTTP API.
// Business logic lives in the internal packages; main only assembles them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"chainalert/internal/audit"
	"chainalert/internal/exposure/chainupdate"
	"chainalert/internal/exposure/engine"
	"chainalert/internal/exposure/handler"
	exposuremetrics "chainalert/internal/exposure/metrics"
	"chainalert/internal/exposure/push"
	"chainalert/internal/exposure/service"
	"chainalert/internal/exposure/store"
	"chainalert/internal/identity"
	jwtToken "chainalert/internal/jwt_token"
	"chainalert/internal/platform/config"
	"chainalert/internal/platform/httpserver"
	"chainalert/internal/platform/kafka/producer"
	"chainalert/internal/platform/logger"
	"chainalert/internal/platform/metrics"
	"chainalert/internal/platform/middleware"
	platformredis "chainalert/internal/platform/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hasher, err := identity.NewHasher([]byte(cfg.HashSecret))
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}

	// Stores: postgres when configured, in-memory otherwise so the server
	// still runs in local development.
	var (
		interactions  store.InteractionStore
		users         store.UserIdentityStore
		reports       store.ReportStore
		notifications store.NotificationStore
	)
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}

		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		defer pool.Close()

		interactions = store.NewPostgresInteractionStore(db)
		users = store.NewPostgresUserIdentityStore(db)
		reports = store.NewPostgresReportStore(db)
		notifications = store.NewPostgresNotificationStore(pool)
	} else {
		log.Warn("CHAINALERT_POSTGRES_URL not set, using in-memory stores")
		interactions = store.NewInMemoryInteractionStore()
		users = store.NewInMemoryUserIdentityStore()
		reports = store.NewInMemoryReportStore()
		notifications = store.NewInMemoryNotificationStore()
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	var locker service.RunLocker
	if redisClient != nil {
		defer redisClient.Close()
		locker = service.NewRedisRunLocker(redisClient.Client)
	} else {
		log.Warn("CHAINALERT_REDIS_URL not set, run locks are process-local")
		locker = service.NewInMemoryRunLocker()
	}

	// Audit pipeline: publisher -> inbox -> worker -> store (+ Kafka fan-out).
	inbox := make(chan audit.Event, cfg.AuditBufferLen)
	auditor := audit.NewPublisher(inbox, log)
	var sink audit.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaProducer, err := producer.New(cfg.KafkaBrokers, log)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer kafkaProducer.Close()
		kafkaSink, err := audit.NewKafkaSink(ctx, kafkaProducer)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		sink = kafkaSink
	}
	auditWorker := audit.NewWorker(audit.NewInMemoryStore(), sink, inbox, log)

	var sender push.Sender
	if cfg.PushEndpoint != "" {
		sender = push.NewHTTPSender(cfg.PushEndpoint, log).WithAPIKey(cfg.PushAPIKey)
	}

	exposureMetrics := exposuremetrics.New()
	propagationEngine := engine.New(
		interactions, users, notifications, reports,
		sender, hasher,
		engine.Config{MaxHopDepth: cfg.MaxHopDepth, RetentionDays: cfg.RetentionDays},
		log, exposureMetrics,
	)
	chainPropagator := chainupdate.New(notifications, hasher, log, exposureMetrics)
	svc := service.New(reports, notifications, hasher, propagationEngine, chainPropagator, locker, auditor, log)

	jwtService := jwtToken.NewJWTService(cfg.JWTSigningKey, "chainalert", "chainalert")
	httpMetrics := metrics.New()

	router := chi.NewRouter()
	if redisClient != nil {
		limiter := middleware.NewRedisLimiter(redisClient.Client, 60, time.Minute)
		router.Use(middleware.RateLimit(limiter, log))
	}
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	handler.New(svc, log, httpMetrics, jwtToken.NewJWTServiceAdapter(jwtService)).Register(router)

	srv := httpserver.New(cfg.Addr, router)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := auditWorker.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("starting chainalert", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
