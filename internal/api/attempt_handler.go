package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/repo"
)

// Callbacks агента.
//
// API только записывает то, что прислал агент, и публикует события
// попытки. Итог попытки (Finish) выставляет оркестратор.

const (
	attemptSaveRetries = 5
	attemptSaveDelay   = 20 * time.Millisecond
)

// errAttemptFinished — попытка уже завершена, callback опоздал.
var errAttemptFinished = errors.New("attempt is already finished")

// GetAttempt возвращает попытку вместе с task.
// GET /api/v1/task-attempts/{id}
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	id, ok := attemptID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	attempt, err := h.tasks.GetAttempt(ctx, id)
	if HandleError(w, h.logger, err, "task attempt not found") {
		return
	}
	task, err := h.tasks.GetByID(ctx, attempt.TaskID)
	if HandleError(w, h.logger, err, "task not found") {
		return
	}

	Success(w, domain.AttemptBundle{Attempt: attempt, Task: task})
}

// UpdateAttempt меняет статус, пишет heartbeat и логи.
// PATCH /api/v1/task-attempts/{id}
func (h *Handler) UpdateAttempt(w http.ResponseWriter, r *http.Request) {
	id, ok := attemptID(w, r)
	if !ok {
		return
	}

	var req AttemptUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Status != "" {
		if _, ok := domain.ParseTaskAttemptStatus(string(req.Status)); !ok {
			BadRequest(w, "invalid status: "+string(req.Status))
			return
		}
	}

	ctx := r.Context()
	logs := make([]*domain.FileResource, 0, len(req.LogFiles))
	for _, fileID := range req.LogFiles {
		f, err := h.files.Get(ctx, fileID)
		if HandleError(w, h.logger, err, "log file not found") {
			return
		}
		logs = append(logs, f)
	}

	var started bool
	attempt, err := h.updateAttempt(ctx, id, func(a *domain.TaskAttempt) error {
		started = false
		if req.Status != "" {
			prev := a.Status
			if err := a.Advance(req.Status); err != nil {
				return err
			}
			started = prev != domain.AttemptRunning && a.Status == domain.AttemptRunning
		}
		if req.Heartbeat {
			a.Heartbeat(time.Now())
		}
		for _, f := range logs {
			if !hasLogFile(a, f.ID) {
				a.LogFiles = append(a.LogFiles, f)
			}
		}
		return nil
	})
	if h.handleAttemptError(w, err) {
		return
	}

	if started {
		if err := h.publishEvent(ctx, attempt, mq.AttemptEventRunning); err != nil {
			InternalError(w, h.logger, err)
			return
		}
	}

	Success(w, attempt)
}

// AddAttemptError записывает ошибку в попытку.
// POST /api/v1/task-attempts/{id}/errors
func (h *Handler) AddAttemptError(w http.ResponseWriter, r *http.Request) {
	id, ok := attemptID(w, r)
	if !ok {
		return
	}

	var req ErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		BadRequest(w, "message is required")
		return
	}

	attempt, err := h.updateAttempt(r.Context(), id, func(a *domain.TaskAttempt) error {
		a.AddError(req.Message, req.Detail)
		return nil
	})
	if h.handleAttemptError(w, err) {
		return
	}

	Created(w, attempt)
}

// SubmitOutputs записывает данные выходов попытки.
// POST /api/v1/task-attempts/{id}/outputs
func (h *Handler) SubmitOutputs(w http.ResponseWriter, r *http.Request) {
	id, ok := attemptID(w, r)
	if !ok {
		return
	}

	var req []OutputDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	for _, out := range req {
		if out.Data == nil {
			BadRequest(w, fmt.Sprintf("no data for output %q", out.Channel))
			return
		}
	}

	attempt, err := h.updateAttempt(r.Context(), id, func(a *domain.TaskAttempt) error {
		if a.IsFinished() {
			return errAttemptFinished
		}
		for _, out := range req {
			o, ok := a.Output(out.Channel)
			if !ok {
				return fmt.Errorf("%w: unknown output channel %q", errBadOutput, out.Channel)
			}
			if out.Data.Type != o.Type {
				return fmt.Errorf("%w: output %q expects %s, got %s", errBadOutput, out.Channel, o.Type, out.Data.Type)
			}
			o.Data = out.Data
		}
		return nil
	})
	if h.handleAttemptError(w, err) {
		return
	}

	Success(w, attempt)
}

// errBadOutput — выход не соответствует попытке.
var errBadOutput = errors.New("invalid output")

// FinishAttempt сообщает оркестратору об успешном завершении команды.
// POST /api/v1/task-attempts/{id}/finish
func (h *Handler) FinishAttempt(w http.ResponseWriter, r *http.Request) {
	id, ok := attemptID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	attempt, err := h.tasks.GetAttempt(ctx, id)
	if HandleError(w, h.logger, err, "task attempt not found") {
		return
	}
	if attempt.IsFinished() {
		Conflict(w, errAttemptFinished.Error())
		return
	}

	if err := h.publishEvent(ctx, attempt, mq.AttemptEventFinished); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Success(w, attempt)
}

// FailAttempt записывает ошибку и сообщает оркестратору о сбое.
// POST /api/v1/task-attempts/{id}/fail
func (h *Handler) FailAttempt(w http.ResponseWriter, r *http.Request) {
	id, ok := attemptID(w, r)
	if !ok {
		return
	}

	var req ErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		BadRequest(w, "message is required")
		return
	}

	ctx := r.Context()
	attempt, err := h.updateAttempt(ctx, id, func(a *domain.TaskAttempt) error {
		if a.IsFinished() {
			return errAttemptFinished
		}
		a.AddError(req.Message, req.Detail)
		return nil
	})
	if h.handleAttemptError(w, err) {
		return
	}

	if err := h.publishEvent(ctx, attempt, mq.AttemptEventFailed); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Success(w, attempt)
}

// updateAttempt читает попытку, применяет mutate и сохраняет с проверкой версии.
func (h *Handler) updateAttempt(ctx context.Context, id uuid.UUID, mutate func(*domain.TaskAttempt) error) (*domain.TaskAttempt, error) {
	var result *domain.TaskAttempt
	backoff := retry.WithMaxRetries(attemptSaveRetries, retry.NewExponential(attemptSaveDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		a, err := h.tasks.GetAttempt(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(a); err != nil {
			return err
		}
		if err := h.tasks.UpdateAttempt(ctx, a); err != nil {
			if errors.Is(err, repo.ErrConcurrentModification) {
				return retry.RetryableError(err)
			}
			return err
		}
		result = a
		return nil
	})
	return result, err
}

func (h *Handler) publishEvent(ctx context.Context, a *domain.TaskAttempt, event mq.AttemptEvent) error {
	err := h.publisher.PublishAttemptEvent(ctx, mq.AttemptEventPayload{
		AttemptID: a.ID,
		TaskID:    a.TaskID,
		RunID:     a.RunID,
		Event:     event,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", event, err)
	}
	return nil
}

func (h *Handler) handleAttemptError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errAttemptFinished):
		Conflict(w, err.Error())
	case errors.Is(err, errBadOutput):
		BadRequest(w, err.Error())
	case errors.Is(err, repo.ErrConcurrentModification):
		Conflict(w, err.Error())
	default:
		return HandleError(w, h.logger, err, "task attempt not found")
	}
	return true
}

func attemptID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task attempt id")
		return uuid.Nil, false
	}
	return id, true
}

func hasLogFile(a *domain.TaskAttempt, id uuid.UUID) bool {
	for _, f := range a.LogFiles {
		if f.ID == id {
			return true
		}
	}
	return false
}
