package start

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/inngest/runengine/pkg/execution/batchqueue"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// router serves metrics, health and read-only queue introspection.
func router(rq *runqueue.RunQueue, bq *batchqueue.BatchQueue, log logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/debug", func(r chi.Router) {
		r.Get("/queues/{masterQueue}", func(w http.ResponseWriter, req *http.Request) {
			details, err := rq.GetSharedQueueDetails(req.Context(), chi.URLParam(req, "masterQueue"))
			respond(w, log, details, err)
		})
		r.Get("/batches", func(w http.ResponseWriter, req *http.Request) {
			batches, err := bq.Batches(req.Context())
			respond(w, log, batches, err)
		})
	})
	return r
}

func respond(w http.ResponseWriter, log logger.Logger, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		log.Error("error serving debug request", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// serve runs the HTTP server until ctx is done.
func serve(ctx context.Context, addr string, h http.Handler, log logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
