package main

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"collabink/internal/relay"
	"collabink/internal/store"
	"collabink/internal/store/rest"
)

func newRouter(rl *relay.Server, st store.Store, logger *slog.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests(logger))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	rl.Register(r)
	rest.Register(r, st, logger)
	return r
}

func logRequests(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Info("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	}
}
