package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cphttp "github.com/craftplan/craftplan/internal/adapter/http"
	"github.com/craftplan/craftplan/internal/adapter/litellm"
	"github.com/craftplan/craftplan/internal/adapter/llmphase"
	"github.com/craftplan/craftplan/internal/adapter/natskv"
	cpotel "github.com/craftplan/craftplan/internal/adapter/otel"
	"github.com/craftplan/craftplan/internal/adapter/postgres"
	"github.com/craftplan/craftplan/internal/adapter/ristretto"
	"github.com/craftplan/craftplan/internal/adapter/ws"
	"github.com/craftplan/craftplan/internal/agentpool"
	"github.com/craftplan/craftplan/internal/config"
	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/logger"
	"github.com/craftplan/craftplan/internal/port/cancel"
	"github.com/craftplan/craftplan/internal/port/phasefn"
	"github.com/craftplan/craftplan/internal/resilience"
	"github.com/craftplan/craftplan/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Logging))

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"plan_version", cfg.Agent.PlanVersion,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownOtel, err := cpotel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_ = shutdownOtel(shutdownCtx)
	}()

	var metrics *cpotel.Metrics
	if cfg.Telemetry.Enabled {
		metrics, err = cpotel.NewMetrics()
		if err != nil {
			return fmt.Errorf("otel metrics: %w", err)
		}
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// Cancellation registry: JetStream KV when NATS is configured so
	// cancel requests reach runs on other instances, in-process otherwise.
	var cancels cancel.Registry = cancel.NewMemoryRegistry()
	if cfg.NATS.URL != "" {
		kv, err := natskv.Connect(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		defer kv.Close()
		cancels = kv
		slog.Info("nats cancellation registry connected", "bucket", cfg.NATS.CancelBucket)
	}

	// Read cache
	readCache, err := ristretto.New(cfg.Cache.MaxBytes)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer readCache.Close()

	// --- LLM client and phase functions ---
	llm := litellm.NewClient(cfg.LiteLLM)
	llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	phases := phasefn.NewRegistry()
	llmphase.RegisterAll(phases, llm)

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	rates := cost.Rates{
		InputPerToken:  cfg.Agent.InputTokenRate,
		OutputPerToken: cfg.Agent.OutputTokenRate,
	}
	orch := service.NewOrchestrator(store, phases, cancels, metrics, rates, cfg.Agent.HeartbeatInterval)
	runPool := agentpool.NewPool(cfg.Agent.MaxConcurrentRuns)
	runSvc := service.NewRunService(store, orch, cancels, runPool, readCache, hub.Observer(),
		metrics, cfg.Agent.PlanVersion, cfg.Cache.ListTTL, cfg.Cache.ReportTTL)
	costSvc := service.NewCostService(store, readCache, cfg.Cache.ListTTL)

	// --- HTTP ---
	handlers := cphttp.NewHandlers(runSvc, costSvc, hub)

	r := chi.NewRouter()

	r.Use(cphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cphttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(cpotel.HTTPMiddleware(cfg.Logging.Service))
	}

	r.Get("/health", healthHandler(cfg, hub))

	cphttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	// WriteTimeout stays at zero: run streams hold the response open for
	// the whole pipeline.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports service health and basic wiring status.
func healthHandler(cfg *config.Config, hub *ws.Hub) http.HandlerFunc {
	type healthStatus struct {
		Status      string `json:"status"`
		PlanVersion string `json:"plan_version"`
		LiteLLM     string `json:"litellm"`
		NATS        bool   `json:"nats"`
		Observers   int    `json:"observers"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:      "ok",
			PlanVersion: cfg.Agent.PlanVersion,
			LiteLLM:     cfg.LiteLLM.URL,
			NATS:        cfg.NATS.URL != "",
			Observers:   hub.ConnectionCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
