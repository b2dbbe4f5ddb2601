package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"trellis/internal/access"
	accesscache "trellis/internal/access/cache"
	accesshandler "trellis/internal/access/handler"
	accessmetrics "trellis/internal/access/metrics"
	"trellis/internal/notify"
	"trellis/internal/platform/config"
	"trellis/internal/platform/httpserver"
	"trellis/internal/platform/logger"
	platformmetrics "trellis/internal/platform/metrics"
	"trellis/internal/platform/middleware"
	platformredis "trellis/internal/platform/redis"
	"trellis/internal/recordable"
	recordablestore "trellis/internal/recordable/store"
	"trellis/internal/recording"
	recordinghandler "trellis/internal/recording/handler"
	recordingmetrics "trellis/internal/recording/metrics"
	"trellis/internal/recording/service"
	recordingstore "trellis/internal/recording/store"
	"trellis/internal/session"
	sessionhandler "trellis/internal/session/handler"
	"trellis/pkg/platform/tx"
	"trellis/pkg/requestcontext"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := recordable.NewRegistry()
	if err := access.RegisterTypes(registry); err != nil {
		return err
	}
	registerDemoTypes(registry)

	// Stores: PostgreSQL when configured, in-memory otherwise so the demo
	// server runs without infrastructure.
	var (
		entities   recordable.Store
		recordings recording.Store
		sessions   session.Store
		transactor tx.Transactor
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		entities = recordablestore.NewPostgres(db, registry)
		recordings = recordingstore.NewPostgres(db)
		sessions = session.NewPostgresStore(db)
		transactor = tx.NewSQLTransactor(db)
		log.Info("using postgres stores")
	} else {
		entityStore := recordablestore.NewMemory(registry)
		recordingStore := recordingstore.NewMemory()
		sessionStore := session.NewInMemoryStore()
		entities = entityStore
		recordings = recordingStore
		sessions = sessionStore
		transactor = tx.NewMemoryTransactor(entityStore, recordingStore, sessionStore)
		log.Warn("no TRELLIS_DATABASE_URL set, using in-memory stores")
	}

	am := accessmetrics.New()
	var checker access.Checker = access.NewResolver(recordings, entities, am)
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		checker = accesscache.New(checker, redisClient.Client, cfg.RoleCacheTTL, log, am)
		log.Info("role cache enabled", "ttl", cfg.RoleCacheTTL)
	}

	// Notifications drain through a worker so publishing never blocks an
	// operation.
	emitter := notify.NewEmitter(256, log)
	var publisher notify.Publisher = notify.NewLogPublisher(log)
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := notify.NewKafkaPublisher(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer kafka.Close()
		publisher = kafka
		log.Info("kafka publisher enabled", "topic", cfg.Kafka.Topic)
	}
	worker := notify.NewWorker(publisher, emitter.Inbox(), log)

	ops := service.New(
		service.Config{
			ActorProvider:        requestcontext.Actor,
			ImpersonatorProvider: requestcontext.Impersonator,
			IdempotencyMode:      service.IdempotencyMode(cfg.IdempotencyMode),
			CascadeByDefault:     cfg.CascadeByDefault,
		},
		registry, entities, recordings, checker, transactor, emitter,
		recordingmetrics.New(), log,
	)
	sessionSvc := session.NewService(sessions, recordings, checker, transactor, log)

	router := newRouter(cfg, log, ops, registry, checker, sessionSvc)
	srv := httpserver.New(cfg.Addr, router)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(ctx)
	})
	group.Go(func() error {
		log.Info("starting trellis", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return httpserver.Shutdown(srv, cfg.ShutdownTimeout)
	})
	return group.Wait()
}

func newRouter(
	cfg config.Server,
	log *slog.Logger,
	ops *service.Service,
	registry *recordable.Registry,
	checker access.Checker,
	sessionSvc *session.Service,
) http.Handler {
	httpMetrics := platformmetrics.New()
	validator := middleware.NewJWTValidator(cfg.JWTSigningKey)

	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Latency(httpMetrics))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(validator, log))
		recordinghandler.New(ops, registry, log).Register(r)
		accesshandler.New(checker, log).Register(r)
		sessionhandler.New(sessionSvc, log).Register(r)
	})
	return r
}
