package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/mq"
)

// Dispatcher отправляет асинхронную работу в очереди.
//
// Обработчики на той стороне идемпотентны, поэтому повторная
// отправка безопасна.
type Dispatcher interface {
	// Postprocess ставит раскрытие run в очередь.
	Postprocess(ctx context.Context, runID uuid.UUID) error

	// RunTask ставит очередную попытку task в очередь.
	RunTask(ctx context.Context, task *domain.Task) error

	// Notify ставит уведомление о завершении корневого run.
	Notify(ctx context.Context, runID uuid.UUID) error

	// DeleteWorker освобождает хост попытки.
	DeleteWorker(ctx context.Context, attempt *domain.TaskAttempt) error
}

// QueueDispatcher — Dispatcher поверх RabbitMQ.
type QueueDispatcher struct {
	publisher *mq.Publisher
}

// NewQueueDispatcher создаёт QueueDispatcher.
func NewQueueDispatcher(publisher *mq.Publisher) *QueueDispatcher {
	return &QueueDispatcher{publisher: publisher}
}

func (d *QueueDispatcher) Postprocess(ctx context.Context, runID uuid.UUID) error {
	return d.publisher.PublishPostprocess(ctx, runID)
}

func (d *QueueDispatcher) RunTask(ctx context.Context, task *domain.Task) error {
	return d.publisher.PublishTaskRun(ctx, mq.TaskRunPayload{
		TaskID:  task.ID,
		RunID:   task.RunID,
		Attempt: task.AttemptCount,
	})
}

func (d *QueueDispatcher) Notify(ctx context.Context, runID uuid.UUID) error {
	return d.publisher.PublishNotify(ctx, runID)
}

func (d *QueueDispatcher) DeleteWorker(ctx context.Context, attempt *domain.TaskAttempt) error {
	if attempt.WorkerName == "" {
		return nil
	}
	return d.publisher.PublishWorkerDelete(ctx, mq.WorkerDeletePayload{
		WorkerName: attempt.WorkerName,
		AttemptID:  attempt.ID,
	})
}
