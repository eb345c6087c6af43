package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unigw/uniproxy/internal/admin"
	"github.com/unigw/uniproxy/internal/apierr"
	"github.com/unigw/uniproxy/internal/auth"
	"github.com/unigw/uniproxy/internal/catalog"
	"github.com/unigw/uniproxy/internal/gatewayconfig"
	"github.com/unigw/uniproxy/internal/history"
	"github.com/unigw/uniproxy/internal/kv"
	"github.com/unigw/uniproxy/internal/logging"
	"github.com/unigw/uniproxy/internal/relay"
	"github.com/unigw/uniproxy/internal/selector"
)

func main() {
	cfg, err := gatewayconfig.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil && cfg.Environment == "production" {
		log.Fatalf("config: %v", err)
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := logging.Logger

	store, remote := buildStore(cfg, logger)
	if remote != nil {
		defer remote.Close()
	}
	local := kv.NewLocal()

	cat := catalog.New(store)
	if err := cat.Load(context.Background()); err != nil {
		log.Fatalf("catalog load: %v", err)
	}

	snapStore := buildSnapshotStore(cfg, logger)
	if snapStore != nil {
		defer snapStore.Close()
		if err := admin.RestoreSnapshot(context.Background(), snapStore, cat); err != nil {
			logger.Warn("config snapshot restore failed, continuing with KV-loaded catalog", "error", err)
		}
	}

	historyLog := history.New(store, local, logger)
	gate := auth.New(cfg.AdminAPIKey, cfg.TenantKeys)
	rl := relay.New(cfg.Timeout, cfg.RequestQueueSize, historyLog, logger)

	logger.Info("gateway starting",
		"environment", cfg.Environment,
		"listen_addr", cfg.ListenAddr,
		"request_queue_bytes", humanize.Bytes(uint64(cfg.RequestQueueSize)*1024),
	)

	r := newRouter(cfg, cat, historyLog, gate, rl, snapStore, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses may run far longer than a fixed write timeout
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("server error: %v", err)
	}
	logger.Info("server stopped")
}

func buildStore(cfg *gatewayconfig.Config, logger *slog.Logger) (kv.Store, *kv.Remote) {
	if cfg.RedisURL == "" {
		logger.Info("using local in-process KV backend (REDIS_URL unset)")
		return kv.NewLocal(), nil
	}
	remote, err := kv.NewRemote(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	logger.Info("using redis KV backend")
	return remote, remote
}

// buildSnapshotStore opens the optional SQL snapshot store selected by
// CONFIG_STORE_DIALECT, or returns nil when unset (the KV Store of record
// remains the only copy of configs/mappings).
func buildSnapshotStore(cfg *gatewayconfig.Config, logger *slog.Logger) admin.SnapshotStore {
	switch cfg.ConfigStoreDialect {
	case "":
		return nil
	case "sqlite":
		store, err := admin.NewSQLiteSnapshotStore(cfg.ConfigStoreDSN)
		if err != nil {
			log.Fatalf("config snapshot store: %v", err)
		}
		logger.Info("config snapshot store enabled", "dialect", "sqlite")
		return store
	case "postgres":
		store, err := admin.NewPostgresSnapshotStore(cfg.ConfigStoreDSN)
		if err != nil {
			log.Fatalf("config snapshot store: %v", err)
		}
		logger.Info("config snapshot store enabled", "dialect", "postgres")
		return store
	default:
		log.Fatalf("config snapshot store: unknown CONFIG_STORE_DIALECT %q (want sqlite or postgres)", cfg.ConfigStoreDialect)
		return nil
	}
}

func newRouter(cfg *gatewayconfig.Config, cat *catalog.Catalog, historyLog *history.Log, gate *auth.Gate, rl *relay.Relay, snapStore admin.SnapshotStore, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(cfg.CORSAllowedOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(gate.RequireTenant)
		r.Post("/v1/chat/completions", chatCompletionsHandler(cat, historyLog, rl, logger))
		r.Get("/v1/models", modelsHandler(cat))
		r.Post("/v1/models", modelsHandler(cat))
	})

	adminHandlers := admin.New(cat, cfg.AdminAPIKey, snapStore)
	r.Get("/login", adminHandlers.Login)
	r.Post("/login", adminHandlers.Login)
	r.Post("/logout", adminHandlers.Logout)

	r.Group(func(r chi.Router) {
		r.Use(gate.RequireAdmin)
		r.Get("/admin", adminHandlers.Dashboard)
		r.Post("/admin", adminHandlers.Dashboard)
		r.Mount("/api", adminHandlers.Routes())
	})

	return r
}

func modelsHandler(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   cat.ListModels(time.Now()),
		})
	}
}

func chatCompletionsHandler(cat *catalog.Catalog, historyLog *history.Log, rl *relay.Relay, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			apierr.WriteOpenAI(w, apierr.New(apierr.BadRequest, "failed to read request body"))
			return
		}

		var parsed struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Model == "" {
			apierr.WriteOpenAI(w, apierr.New(apierr.BadRequest, "request body must include a model field"))
			return
		}

		candidates, aerr := cat.Resolve(parsed.Model)
		if aerr != nil {
			apierr.WriteOpenAI(w, aerr)
			return
		}

		keys := make([]string, len(candidates))
		for i, c := range candidates {
			keys[i] = history.Key(c.Config.ID, c.ActualModel)
		}
		histories := historyLog.BatchLoad(r.Context(), keys)

		chosen := selector.Pick(candidates, histories, time.Now())
		historyKey := history.Key(chosen.Config.ID, chosen.ActualModel)

		result, aerr := rl.Forward(r.Context(), w, chosen.Config, chosen.ActualModel, r.Header, body, historyKey, histories[historyKey])
		if aerr != nil {
			logger.Error("forward failed", "upstream_id", chosen.Config.ID, "model", chosen.ActualModel, "error", aerr)
			if aerr.Kind == apierr.Transport {
				apierr.WriteJSON(w, aerr)
			} else {
				apierr.WriteOpenAI(w, aerr)
			}
			return
		}
		if result == nil {
			return // streaming response was already written directly to w
		}

		for k, vs := range result.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(result.StatusCode)
		_, _ = w.Write(result.Body)
	}
}
