package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", h.HealthCheck)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/", h.ListJobs)
		r.Post("/clear", h.ClearJobs)
		r.Post("/retry-failed", h.RetryFailedJobs)
		r.Post("/pause", h.PauseQueue)
		r.Post("/resume", h.ResumeQueue)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Delete("/", h.DeleteJob)
			r.Post("/retry", h.RetryJob)
			r.Post("/cancel", h.CancelJob)
			r.Post("/reset", h.ResetJob)
		})
	})

	r.Route("/worker", func(r chi.Router) {
		r.Get("/status", h.WorkerStatus)
		r.Post("/start", h.StartWorker)
		r.Post("/stop", h.StopWorker)
		r.Post("/restart", h.RestartWorker)
		r.Post("/heartbeat", h.WorkerHeartbeat)
	})

	r.Get("/feeds", h.ListFeeds)

	return r
}
