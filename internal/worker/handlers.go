package worker

import (
	"context"
	"errors"

	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/telemetry"
)

// handleTaskRun создаёт очередную попытку task и поднимает для неё хост.
func (w *Worker) handleTaskRun(ctx context.Context, payload mq.TaskRunPayload) error {
	logger := telemetry.ForTask(telemetry.FromContext(ctx, w.logger), payload.TaskID)
	logger.Debug("received task.run event", "run_id", payload.RunID, "attempt", payload.Attempt)

	err := w.RunAttempt(ctx, payload.TaskID, payload.Attempt)
	if errors.Is(err, ErrTaskNotFound) {
		// Task удалён — повторять нечего
		logger.Debug("task not processed", "reason", err)
		return nil
	}
	return err
}

// handleWorkerDelete удаляет хост завершённой попытки. Удаление —
// best effort: ошибка логируется в destroyHost, сообщение подтверждается.
func (w *Worker) handleWorkerDelete(ctx context.Context, payload mq.WorkerDeletePayload) error {
	if payload.WorkerName == "" {
		return mq.Permanent(errors.New("worker.delete without worker name"))
	}
	_ = w.destroyHost(ctx, payload.WorkerName)
	return nil
}
