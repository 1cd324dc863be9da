package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/jobstore"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/refresh"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

type Handler struct {
	store   *jobstore.Store
	checker *refresh.Checker
	log     zerolog.Logger
}

func NewHandler(store *jobstore.Store, checker *refresh.Checker, log zerolog.Logger) *Handler {
	return &Handler{store: store, checker: checker, log: log.With().Str("component", "api").Logger()}
}

type CreateJobRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	DelaySeconds   int             `json:"delay_seconds,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	j, err := h.store.Enqueue(r.Context(), jobstore.EnqueueRequest{
		Type:         req.Type,
		Payload:      req.Payload,
		Priority:     task.Priority(req.Priority),
		MaxAttempts:  req.MaxAttempts,
		DelaySeconds: req.DelaySeconds,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.store.Wake(r.Context())

	respondJSON(w, http.StatusCreated, j)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	f := jobstore.Filter{
		Status: task.Status(r.URL.Query().Get("status")),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		respondError(w, http.StatusBadRequest, "unknown status: "+string(f.Status))
		return
	}

	jobs, err := h.store.List(r.Context(), f)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.store.Retry)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.store.Cancel)
}

func (h *Handler) ResetJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.store.Reset)
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.store.Delete)
}

// jobAction runs a single-job control operation and returns the job's final
// state on success.
func (h *Handler) jobAction(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.store.Wake(r.Context())

	j, err := h.store.Get(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		// delete leaves nothing to return
		respondJSON(w, http.StatusOK, map[string]string{"id": id})
		return
	}
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

type ClearJobsRequest struct {
	Status string `json:"status,omitempty"`
	Type   string `json:"type,omitempty"`
}

func (h *Handler) ClearJobs(w http.ResponseWriter, r *http.Request) {
	var req ClearJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	n, err := h.store.Clear(r.Context(), jobstore.Filter{Status: task.Status(req.Status), Type: req.Type})
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) RetryFailedJobs(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.RetryAllFailed(r.Context())
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.store.Wake(r.Context())
	respondJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Pause(r.Context()); err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Resume(r.Context()); err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.store.Wake(r.Context())
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *Handler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.store.WorkerStatus(r.Context())
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

type StartWorkerRequest struct {
	Concurrency int `json:"concurrency,omitempty"`
}

func (h *Handler) StartWorker(w http.ResponseWriter, r *http.Request) {
	concurrency := h.decodeConcurrency(r)
	if err := h.store.StartWorker(r.Context(), concurrency); err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"running": true, "concurrency": concurrency})
}

func (h *Handler) StopWorker(w http.ResponseWriter, r *http.Request) {
	reset, err := h.store.StopWorker(r.Context())
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"running": false, "jobs_reset": reset})
}

func (h *Handler) RestartWorker(w http.ResponseWriter, r *http.Request) {
	reset, err := h.store.StopWorker(r.Context())
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	concurrency := h.decodeConcurrency(r)
	if err := h.store.StartWorker(r.Context(), concurrency); err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"running": true, "jobs_reset": reset, "concurrency": concurrency})
}

func (h *Handler) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Heartbeat(r.Context()); err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"heartbeat": time.Now().UTC().Format(time.RFC3339)})
}

func (h *Handler) decodeConcurrency(r *http.Request) int {
	var req StartWorkerRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Concurrency <= 0 {
		return 1
	}
	return req.Concurrency
}

// ListFeeds reports per-category freshness and opportunistically kicks off
// refreshes for anything stale. The refresh runs detached so a slow enqueue
// never delays the read.
func (h *Handler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	out := make([]refresh.Freshness, 0, 4)
	for _, cat := range h.checker.Categories() {
		f, err := h.checker.Freshness(r.Context(), cat)
		if err != nil {
			h.respondStoreError(w, err)
			return
		}
		out = append(out, f)
	}

	go h.checker.CheckAll(context.WithoutCancel(r.Context()))

	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	depth, err := h.store.QueueDepth(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "redis unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": depth})
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
