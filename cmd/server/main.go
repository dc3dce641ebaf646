package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shiva/taxiavail/config"
	"github.com/shiva/taxiavail/internal/handler"
	"github.com/shiva/taxiavail/internal/index"
	"github.com/shiva/taxiavail/internal/metrics"
	"github.com/shiva/taxiavail/internal/middleware"
	"github.com/shiva/taxiavail/internal/repository"
	"github.com/shiva/taxiavail/internal/service"
	"github.com/shiva/taxiavail/pkg/cache"
	"github.com/shiva/taxiavail/pkg/db"
	"github.com/shiva/taxiavail/pkg/logger"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("PostgreSQL connected", zap.String("host", cfg.Postgres.Host))

	// ── Cache backends ──────────────────────────────────
	var (
		geoIndex    index.GeoIndex
		avail       index.AvailabilitySet
		redisClient *redis.Client
	)
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		geoIndex = index.NewMemoryGeoIndex(cfg.Cache.GeoPrecision)
		avail = index.NewMemoryAvailabilitySet()
		log.Info("using in-process cache", zap.Uint("geo_precision", cfg.Cache.GeoPrecision))
	default:
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		geoIndex = index.NewRedisGeoIndex(redisClient, cfg.Redis.GeoKey, cfg.Redis.LastUpdateKey)
		avail = index.NewRedisAvailabilitySet(redisClient, cfg.Redis.NotAvailableKey)
		log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))
	}

	// ── Initialize layers ───────────────────────────────
	taxiRepo := repository.NewTaxiRepository(pgPool)

	reconciler := service.NewReconciler(taxiRepo, taxiRepo, geoIndex, avail, service.ReconcilerConfig{
		ScanCount:    cfg.Reconcile.ScanCount,
		PruneOrphans: cfg.Reconcile.PruneOrphans,
	}, log)
	ingestor := service.NewIngestor(geoIndex, avail, log)
	dispatcher := service.NewDispatcher(geoIndex, avail, log)

	// ── Startup reconciliation ──────────────────────────
	// Dispatch must not serve from a cache that was never checked against
	// the registry.
	if _, err := reconciler.Run(ctx); err != nil {
		if errors.Is(err, service.ErrSnapshotUnavailable) {
			log.Fatal("startup reconciliation could not read the registry", zap.Error(err))
		}
		log.Warn("startup reconciliation incomplete, the scheduler will retry", zap.Error(err))
	}

	scheduler := service.NewScheduler(reconciler, cfg.Reconcile.Interval, log)
	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(schedulerDone)
	}()

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()
	router.Use(middleware.Recoverer(log), middleware.RequestLogger(log))

	router.HandleFunc("/health", healthHandler(pgPool, redisClient)).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	handler.Register(router,
		handler.NewTaxiHandler(ingestor, dispatcher, log),
		handler.NewReconcileHandler(reconciler, log))

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      middleware.CORS(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.ServerAddr()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	stop()
	<-schedulerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server gracefully stopped")
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis connectivity.
// redisClient is nil when the in-process cache is used.
func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), pgPool); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		switch {
		case redisClient == nil:
			resp.Services["cache"] = "in-process"
		case cache.HealthCheck(r.Context(), redisClient) != nil:
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy"
		default:
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
