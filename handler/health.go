package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router は死活監視とスケジュール確認用のHTTPルーター
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.handleHealthCheck)
	r.Get("/jobs", h.handleJobs)
	return r
}

func (h *Handler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := h.ds.ListChannels(); err != nil {
		slog.Error("health check failed", slog.Any("err", err))
		http.Error(w, "datastore unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.orchestrator.Jobs()); err != nil {
		slog.Error("encode jobs failed", slog.Any("err", err))
	}
}
