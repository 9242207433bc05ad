package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/regsync"
	"github.com/sells-group/tariff-cli/internal/resolver"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/sweep"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
	"github.com/sells-group/tariff-cli/pkg/federalregister"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rate-read and job-trigger HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		calc, err := newCalculator()
		if err != nil {
			return err
		}
		emitter := newEmitter(s)
		onChange := newChangeHandler(emitter, calc, nil)
		r := newResolver(s, onChange)

		router := chi.NewRouter()
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "X-Job-Secret"},
		}))

		router.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		router.Get("/v1/rates/{hs}", handleGetRate(r))

		router.Route("/v1/jobs", func(jobs chi.Router) {
			jobs.Use(jobAuth(cfg.Server.JobSecret))
			jobs.Post("/sync", handleSyncJob(ctx, s, onChange))
			jobs.Post("/sweep", handleSweepJob(ctx, s, emitter))
		})

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: router,
		}
		if servePort != 0 {
			srv.Addr = fmt.Sprintf(":%d", servePort)
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// jobAuth requires the shared job secret on trigger routes. With no secret
// configured the routes are disabled rather than left open.
func jobAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if secret == "" {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "job secret not configured"})
				return
			}
			got := req.Header.Get("X-Job-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid job secret"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func handleGetRate(r *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		policyStr := req.URL.Query().Get("policy")
		if policyStr == "" {
			policyStr = "MFN"
		}
		policy, err := model.ParsePolicyType(policyStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		rate, err := r.Resolve(req.Context(), chi.URLParam(req, "hs"), policy)
		if err != nil {
			if errors.Is(err, resolver.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "rate not found"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rate)
	}
}

// handleSyncJob triggers a registry sync in the background. The response is
// 202 immediately; progress lands in the sync log.
func handleSyncJob(baseCtx context.Context, s store.Store, onChange func(context.Context, *model.ChangeEvent)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if cfg.Anthropic.Key == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "anthropic key not configured"})
			return
		}

		registry := federalregister.NewClient(federalregister.WithBaseURL(cfg.Registry.BaseURL))
		extractor := regsync.NewExtractor(
			anthropic.NewClient(cfg.Anthropic.Key),
			cfg.Anthropic.ExtractModel,
			int64(cfg.Anthropic.MaxTokens))
		syncer := regsync.New(s, registry, extractor, cfg.Registry, cfg.Cache)
		syncer.OnChange = onChange

		go func() {
			outcome, err := syncer.Run(baseCtx)
			if err != nil {
				zap.L().Error("triggered sync failed", zap.Error(err))
				return
			}
			zap.L().Info("triggered sync complete",
				zap.Int("scanned", outcome.Scanned),
				zap.Int("applied", outcome.Applied))
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job": regsync.JobName})
	}
}

func handleSweepJob(baseCtx context.Context, s store.Store, emitter sweep.StaleAlerter) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sw := sweep.New(s, emitter, 0)
		go func() {
			outcome, err := sw.Run(baseCtx)
			if err != nil {
				zap.L().Error("triggered sweep failed", zap.Error(err))
				return
			}
			zap.L().Info("triggered sweep complete",
				zap.Int("scanned", outcome.Scanned),
				zap.Int("marked", outcome.Marked),
				zap.Int("alerts", outcome.Alerts))
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job": sweep.JobName})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
