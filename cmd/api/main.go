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

	"salescall-platform/internal/artifact"
	"salescall-platform/internal/audit"
	"salescall-platform/internal/auth"
	"salescall-platform/internal/calls"
	"salescall-platform/internal/config"
	"salescall-platform/internal/correlation"
	"salescall-platform/internal/dispatch"
	"salescall-platform/internal/httpapi"
	"salescall-platform/internal/observe"
	"salescall-platform/internal/reaper"
	"salescall-platform/internal/reporting"
	"salescall-platform/pkg/logger"
	"salescall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

// stores is the storage backend selected by STORE_BACKEND.
type stores struct {
	calls   calls.Repository
	audit   audit.Repository
	limiter dispatch.Limiter
	closers []func() error

	// ready checks the backing services for /readyz.
	ready []func(context.Context) error
}

func main() {
	// A missing .env is fine; the process runner may set env directly.
	_ = godotenv.Load()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	mp, shutdownMetrics, err := observe.InitProvider(rootCtx, observe.ProviderConfig{
		ServiceVersion: version,
		Environment:    cfg.App.Env,
	})
	if err != nil {
		log.Error("metrics init failed", "err", err)
		os.Exit(1)
	}
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		log.Error("metrics instruments failed", "err", err)
		os.Exit(1)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	st, err := openStores(rootCtx, cfg, log)
	if err != nil {
		log.Error("store init failed", "backend", cfg.App.StoreBackend, "err", err)
		os.Exit(1)
	}
	defer st.close()

	auditSvc := audit.NewService(st.audit)
	engine := correlation.NewEngine(st.calls, auditSvc, metrics, log)

	dispatcher, err := dispatch.New(dispatch.Config{
		CallbackBaseURL: cfg.Workflow.CallbackBaseURL,
		QueueTimeout:    cfg.Workflow.QueueTimeout,
	}, dispatch.Deps{
		Calls:   st.calls,
		Locator: artifact.NewFSLocator(cfg.Workflow.ArtifactRoot),
		Submitter: dispatch.NewWorkflowClient(dispatch.ClientConfig{
			URL:            cfg.Workflow.URL,
			AttemptTimeout: cfg.Workflow.Timeout,
			MaxElapsed:     cfg.Workflow.MaxElapsed,
		}),
		Recorder: engine,
		Limiter:  st.limiter,
		Audit:    auditSvc,
		Metrics:  metrics,
		Logger:   log,
	})
	if err != nil {
		log.Error("dispatcher init failed", "err", err)
		os.Exit(1)
	}

	h := httpapi.Handlers{
		Calls:             st.calls,
		Dispatcher:        dispatcher,
		Engine:            engine,
		Reporting:         reporting.NewService(st.calls),
		Audit:             auditSvc,
		AllowTestCallback: !cfg.IsProduction(),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, metrics, auth.RequireAccessToken(authManager), st.ready...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.App.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reaper.New(st.calls, auditSvc, metrics, log).Run(gctx, cfg.Reaper.Interval, cfg.Reaper.Deadline)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			log.Warn("in-flight dispatches abandoned", "err", err)
		}
		if err := shutdownMetrics(shutdownCtx); err != nil {
			log.Warn("metrics shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (stores, error) {
	if cfg.UsesMemoryStore() {
		log.Warn("using in-memory store; data is lost on restart")
		return stores{
			calls:   calls.NewMemoryRepo(),
			audit:   audit.NewMemoryRepo(),
			limiter: dispatch.NewLocalLimiter(cfg.Workflow.Concurrency),
		}, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return stores{}, err
	}
	st := stores{closers: []func() error{db.Close}}
	if err := ensureSchemas(ctx, db); err != nil {
		st.close()
		return stores{}, err
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		st.close()
		return stores{}, err
	}
	st.closers = append(st.closers, rdb.Close)

	limiter, err := newRedisLimiter(rdb, cfg)
	if err != nil {
		st.close()
		return stores{}, err
	}

	st.calls = calls.NewPostgresRepo(db)
	st.audit = audit.NewPostgresRepo(db)
	st.limiter = limiter
	st.ready = []func(context.Context) error{
		func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
		func(ctx context.Context) error { return utils.PingRedis(ctx, rdb, 2*time.Second) },
	}
	return st, nil
}

func ensureSchemas(ctx context.Context, db *sql.DB) error {
	if err := calls.EnsureSchema(ctx, db); err != nil {
		return err
	}
	return audit.EnsureSchema(ctx, db)
}

// newRedisLimiter shares DISPATCH_CONCURRENCY across replicas. A slot lives
// at most one full retry sequence plus a margin.
func newRedisLimiter(rdb *redis.Client, cfg config.Config) (*dispatch.RedisLimiter, error) {
	ttl := cfg.Workflow.MaxElapsed + cfg.Workflow.Timeout + time.Minute
	return dispatch.NewRedisLimiter(rdb, "", cfg.Workflow.Concurrency, ttl)
}

func (s stores) close() {
	for _, c := range s.closers {
		_ = c()
	}
}
