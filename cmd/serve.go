package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only API over cached runs and stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		backend, closeFn, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(backend),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("driver", cfg.Cache.Driver))
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

// runsAPI serves runs and stage payloads from a cache backend.
type runsAPI struct {
	backend cache.Backend
}

func buildRouter(backend cache.Backend) http.Handler {
	api := &runsAPI{backend: backend}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", api.handleHealth)
	r.Get("/runs", api.handleListRuns)
	r.Get("/runs/{runID}", api.handleGetRun)
	r.Get("/runs/{runID}/stages/{stage}", api.handleGetStage)
	return r
}

func (a *runsAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *runsAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	details, err := listRunDetails(r.Context(), a.backend, limit)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (a *runsAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")

	detail, ok, err := loadRunDetail(r.Context(), a.backend, id)
	if err != nil {
		zap.L().Error("load run failed", zap.String("run_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleGetStage writes the cached stage payload as stored.
func (a *runsAPI) handleGetStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	stage := chi.URLParam(r, "stage")
	if !slices.Contains(model.StageOrder(), stage) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown stage"})
		return
	}

	run, ok, err := cache.LoadRun(r.Context(), a.backend, id)
	if err != nil {
		zap.L().Error("load run failed", zap.String("run_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	payload, ok, err := loadStage(r.Context(), a.backend, run, stage)
	if err != nil {
		zap.L().Error("load stage failed", zap.String("run_id", id), zap.String("stage", stage), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stage not cached"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func loadStage(ctx context.Context, backend cache.Backend, run model.Run, stage string) ([]byte, bool, error) {
	rc, err := cache.OpenRun(ctx, backend, run.ID, run.Source, false)
	if err != nil {
		return nil, false, err
	}
	return rc.GetStage(ctx, stage)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
