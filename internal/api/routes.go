package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// RequestID первым: остальные пишут в логгер из контекста
	chain := Chain(
		RequestID(h.logger),
		Observe(h.logger),
		Recovery(h.logger),
	)

	// Templates
	mux.Handle("GET /api/v1/templates", chain(http.HandlerFunc(h.ListTemplates)))
	mux.Handle("POST /api/v1/templates", chain(http.HandlerFunc(h.CreateTemplate)))
	mux.Handle("GET /api/v1/templates/{id}", chain(http.HandlerFunc(h.GetTemplate)))

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/kill", chain(http.HandlerFunc(h.KillRun)))
	mux.Handle("GET /api/v1/runs/{id}/tasks", chain(http.HandlerFunc(h.ListRunTasks)))

	// Task attempts (callbacks агента)
	mux.Handle("GET /api/v1/task-attempts/{id}", chain(http.HandlerFunc(h.GetAttempt)))
	mux.Handle("PATCH /api/v1/task-attempts/{id}", chain(http.HandlerFunc(h.UpdateAttempt)))
	mux.Handle("POST /api/v1/task-attempts/{id}/errors", chain(http.HandlerFunc(h.AddAttemptError)))
	mux.Handle("POST /api/v1/task-attempts/{id}/outputs", chain(http.HandlerFunc(h.SubmitOutputs)))
	mux.Handle("POST /api/v1/task-attempts/{id}/finish", chain(http.HandlerFunc(h.FinishAttempt)))
	mux.Handle("POST /api/v1/task-attempts/{id}/fail", chain(http.HandlerFunc(h.FailAttempt)))

	// Files
	mux.Handle("POST /api/v1/files", chain(http.HandlerFunc(h.ImportFile)))
	mux.Handle("GET /api/v1/files/{id}", chain(http.HandlerFunc(h.GetFile)))
	mux.Handle("GET /api/v1/files/{id}/content", chain(http.HandlerFunc(h.DownloadFile)))
}
