package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/rowanhe/intake/internal/api"
	"github.com/rowanhe/intake/internal/audit"
	"github.com/rowanhe/intake/internal/config"
	"github.com/rowanhe/intake/internal/httputil"
	"github.com/rowanhe/intake/internal/ingest"
	"github.com/rowanhe/intake/internal/limiter"
	"github.com/rowanhe/intake/internal/storage"
	"github.com/rowanhe/intake/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	slog.SetLogLoggerLevel(logLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := newWindowStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize window store: %v", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("failed to close window store: %v", closeErr)
		}
	}()

	lim, err := limiter.New(store, limiter.Config{
		Limit:  cfg.RateLimitRequests,
		Window: cfg.RateLimitWindow,
	})
	if err != nil {
		log.Fatalf("failed to initialize limiter: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	userStore, err := users.NewPostgresStore(db)
	if err != nil {
		log.Fatalf("failed to initialize user store: %v", err)
	}

	pipeline, err := ingest.NewPipeline(
		ingest.NewUserValidator(),
		userStore,
		ingest.WithBatchSize(cfg.BatchSize),
	)
	if err != nil {
		log.Fatalf("failed to initialize ingestion pipeline: %v", err)
	}

	auditor, err := audit.New(audit.Config{DB: db})
	if err != nil {
		log.Fatalf("failed to initialize audit logger: %v", err)
	}

	statsService, err := audit.NewQueryService(db)
	if err != nil {
		log.Fatalf("failed to initialize stats service: %v", err)
	}

	broker := api.NewEventBroker(64)

	uploadHandler := api.NewUploadHandler(pipeline,
		api.WithAuditor(auditor),
		api.WithEventSink(broker.Publish),
		api.WithTrustProxy(cfg.TrustProxy),
	)

	mux := http.NewServeMux()
	mux.Handle("/add_user/", uploadHandler)
	mux.Handle("/api/stats/", api.NewStatsHandler(statsService))
	mux.Handle("/api/events", api.NewEventsHandler(broker))
	mux.HandleFunc("/health", healthHandler(store, db))

	handler := api.RateLimit(lim, cfg.TrustProxy, broker.Publish)(mux)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("intake listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down intake...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	if err := auditor.Close(shutdownCtx); err != nil {
		log.Printf("audit shutdown error: %v", err)
	}
}

func newWindowStore(ctx context.Context, cfg *config.Config) (storage.WindowStore, error) {
	if cfg.RateLimitBackend == config.BackendMemory {
		return storage.NewMemoryStore(storage.DefaultReapInterval), nil
	}

	redisCfg := storage.DefaultRedisConfig()
	redisCfg.Addr = cfg.RedisAddr
	return storage.NewRedisStore(ctx, redisCfg)
}

func healthHandler(store storage.WindowStore, db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "ok", "service": "intake"}

		if err := store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["window_store"] = err.Error()
		}
		if err := db.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		}

		httputil.WriteJSON(w, status, body)
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
