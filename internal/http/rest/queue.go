// Package rest exposes the cache queue over HTTP for sidecar control and
// inspection.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/offline_cache/internal/engine"
	"github.com/italolelis/offline_cache/internal/logctx"
	"github.com/italolelis/offline_cache/internal/storage"
)

// CacheController is the slice of the engine the HTTP surface drives.
type CacheController interface {
	AddURL(ctx context.Context, url string) error
	RemoveURL(ctx context.Context, url string, rm engine.Removal) error
	SetQueue(ctx context.Context, urls []string, rm engine.Removal) error
	Status(ctx context.Context, url string) (engine.Status, error)
	QueueStatus(ctx context.Context) ([]engine.Status, error)
	AvailableURL(ctx context.Context, url string) (string, error)
	PauseAll() error
	ResumeAll() error
}

// QueueItem is the wire representation of one tracked url.
type QueueItem struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path"`
	Complete  bool   `json:"complete"`
}

// RemovalSpec selects how removed urls are disposed of.
type RemovalSpec struct {
	// Mode is "eager" (default), "next_start" or "at".
	Mode string `json:"mode,omitempty"`
	// At is the deadline for mode "at", RFC 3339.
	At time.Time `json:"at,omitempty"`
}

// AddRequest is the body for POST /queue.
type AddRequest struct {
	URL string `json:"url"`
}

// SetQueueRequest is the body for PUT /queue.
type SetQueueRequest struct {
	URLs    []string    `json:"urls"`
	Removal RemovalSpec `json:"removal,omitempty"`
}

// AvailableResponse is the body for GET /queue/available.
type AvailableResponse struct {
	URL string `json:"url"`
}

type QueueHandler struct {
	username string
	password string
	cache    CacheController
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(username, password string, cache CacheController) *QueueHandler {
	return &QueueHandler{
		username: username,
		password: password,
		cache:    cache,
	}
}

func (h *QueueHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Get("/queue", h.HandleList)
	r.Post("/queue", h.HandleAdd)
	r.Put("/queue", h.HandleSet)
	r.Delete("/queue", h.HandleRemove)
	r.Get("/queue/status", h.HandleStatus)
	r.Get("/queue/available", h.HandleAvailable)
	r.Post("/queue/pause", h.HandlePause)
	r.Post("/queue/resume", h.HandleResume)

	return r
}

// HandleList returns every tracked url with its completion state.
func (h *QueueHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	statuses, err := h.cache.QueueStatus(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)

		return
	}

	items := make([]QueueItem, len(statuses))
	for i, st := range statuses {
		items[i] = QueueItem{URL: st.URL, LocalPath: st.LocalPath, Complete: st.Complete}
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(items); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// HandleAdd enqueues one url for download.
func (h *QueueHandler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	if err := h.cache.AddURL(r.Context(), req.URL); err != nil {
		h.writeEngineError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleSet replaces the whole queue with the given urls.
func (h *QueueHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req SetQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	rm, err := req.Removal.toRemoval()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if err := h.cache.SetQueue(r.Context(), req.URLs, rm); err != nil {
		h.writeEngineError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleRemove removes one url. The url and the removal mode come from
// query parameters so callers don't have to send a body with DELETE.
func (h *QueueHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	spec := RemovalSpec{Mode: r.URL.Query().Get("mode")}

	if at := r.URL.Query().Get("at"); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			http.Error(w, "invalid at timestamp", http.StatusBadRequest)

			return
		}

		spec.At = parsed
	}

	rm, err := spec.toRemoval()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if err := h.cache.RemoveURL(r.Context(), url, rm); err != nil {
		h.writeEngineError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus reports the state of one url.
func (h *QueueHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	st, err := h.cache.Status(r.Context(), url)
	if err != nil {
		h.writeEngineError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	item := QueueItem{URL: st.URL, LocalPath: st.LocalPath, Complete: st.Complete}
	if err := json.NewEncoder(w).Encode(item); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// HandleAvailable resolves the best source for a url: the local copy when
// cached, the url itself otherwise.
func (h *QueueHandler) HandleAvailable(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	resolved, err := h.cache.AvailableURL(r.Context(), url)
	if err != nil {
		h.writeEngineError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(AvailableResponse{URL: resolved}); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// HandlePause suspends every transfer.
func (h *QueueHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.PauseAll(); err != nil {
		h.writeEngineError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleResume lifts the user pause.
func (h *QueueHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.ResumeAll(); err != nil {
		h.writeEngineError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "url not tracked", http.StatusNotFound)
	case errors.Is(err, engine.ErrNotInitialized):
		http.Error(w, "cache not ready", http.StatusServiceUnavailable)
	default:
		logger.Error("request failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *QueueHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s RemovalSpec) toRemoval() (engine.Removal, error) {
	switch s.Mode {
	case "", "eager":
		return engine.Removal{}, nil
	case "next_start":
		return engine.Removal{OnNextStart: true}, nil
	case "at":
		if s.At.IsZero() {
			return engine.Removal{}, fmt.Errorf("mode %q requires an at timestamp", s.Mode)
		}

		return engine.Removal{At: s.At}, nil
	default:
		return engine.Removal{}, fmt.Errorf("unknown removal mode %q", s.Mode)
	}
}
