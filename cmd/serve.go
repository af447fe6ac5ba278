package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/monitoring"
	"github.com/cardmint/intake/internal/pipeline"
	"github.com/cardmint/intake/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the intake HTTP server and worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Requeue captures interrupted by the previous shutdown.
		requeued, err := env.Pipeline.Resume(ctx)
		if err != nil {
			return eris.Wrap(err, "resume in-flight captures")
		}
		if requeued > 0 {
			zap.L().Info("requeued interrupted captures", zap.Int("count", requeued))
		}

		go func() {
			if err := env.Pipeline.RunQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Error("worker queue stopped", zap.Error(err))
			}
		}()

		if env.Verifier != nil {
			go sweepVerifications(ctx, env.Pipeline, cfg.Verifier.SweepInterval)
		}
		if cfg.Server.KeepWarmInterval > 0 {
			go keepWarm(ctx, env)
		}
		if cfg.Monitoring.Enabled {
			collector := monitoring.NewCollector(env.Store, env.Metrics, env.Primary, env.Fallback)
			alerter := monitoring.NewAlerter(cfg.Monitoring, env.Audit)
			go monitoring.NewChecker(collector, alerter, cfg.Monitoring).Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: buildRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter assembles the HTTP API over the pipeline environment.
func buildRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/intake", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ImageRef  string `json:"image_ref"`
			ValueTier string `json:"value_tier"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.ImageRef == "" {
			writeJSONError(w, http.StatusBadRequest, "image_ref is required")
			return
		}
		tier, err := parseValueTier(body.ValueTier)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		cap, err := env.Store.CreateCapture(req.Context(), body.ImageRef, tier)
		if err != nil {
			zap.L().Error("create capture failed", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "create capture failed")
			return
		}

		// The worker pool picks the capture up from pending.
		writeJSON(w, http.StatusAccepted, cap)
	})

	r.Get("/captures", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if raw := req.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		filter := store.CaptureFilter{
			Status: model.CaptureStatus(req.URL.Query().Get("status")),
			Limit:  limit,
		}
		caps, err := env.Store.ListCaptures(req.Context(), filter)
		if err != nil {
			zap.L().Error("list captures failed", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "list captures failed")
			return
		}
		writeJSON(w, http.StatusOK, caps)
	})

	r.Get("/captures/{id}", func(w http.ResponseWriter, req *http.Request) {
		cap, err := env.Store.GetCapture(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "capture not found")
			return
		}
		writeJSON(w, http.StatusOK, cap)
	})

	r.Get("/captures/{id}/decisions", func(w http.ResponseWriter, req *http.Request) {
		decisions, err := env.Store.ListDecisions(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			zap.L().Error("list decisions failed", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "list decisions failed")
			return
		}
		writeJSON(w, http.StatusOK, decisions)
	})

	r.Get("/captures/{id}/audit", func(w http.ResponseWriter, req *http.Request) {
		events, err := env.Store.ListAuditEvents(req.Context(), chi.URLParam(req, "id"), 500)
		if err != nil {
			zap.L().Error("list audit events failed", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "list audit events failed")
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	r.Post("/captures/{id}/reprocess", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if _, err := env.Store.GetCapture(req.Context(), id); err != nil {
			writeJSONError(w, http.StatusNotFound, "capture not found")
			return
		}

		// Requeue rather than run inline so a burst of reprocess requests
		// stays under the worker pool's admission limit.
		if err := env.Pipeline.Requeue(req.Context(), id); err != nil {
			zap.L().Error("reprocess requeue failed",
				zap.String("capture_id", id),
				zap.Error(err),
			)
			writeJSONError(w, http.StatusInternalServerError, "reprocess failed")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "queued",
			"capture_id": id,
		})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		counters, latencies := env.Metrics.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"counters":  counters,
			"latencies": latencies,
		})
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		summary, err := env.Store.Stats(req.Context())
		if err != nil {
			zap.L().Error("stats failed", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "stats failed")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	return r
}

// sweepVerifications periodically retries captures parked in
// awaiting_verification, covering verifier outages.
func sweepVerifications(ctx context.Context, p *pipeline.Pipeline, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.DispatchVerifications(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Warn("verification sweep failed", zap.Error(err))
			}
		}
	}
}

// keepWarm probes the primary inference backend so the model stays resident
// between bursts of captures.
func keepWarm(ctx context.Context, env *pipelineEnv) {
	ticker := time.NewTicker(cfg.Server.KeepWarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := env.Primary.Health(probeCtx); err != nil {
				zap.L().Warn("primary backend health probe failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
