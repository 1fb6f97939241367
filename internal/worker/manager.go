package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/pricing"
	"github.com/shaiso/loom/internal/repo"
	"github.com/shaiso/loom/internal/telemetry"
)

const (
	saveRetries    = 5
	saveRetryDelay = 50 * time.Millisecond
)

// Сообщения об ошибках попытки.
const (
	msgProvisionFailed = "Failed to provision host"
	msgLaunchFailed    = "Failed to launch monitor process on worker"
)

// RunAttempt создаёт попытку номер attemptNo+1 для task и поднимает
// для неё хост.
//
// attemptNo — число попыток task на момент постановки в очередь.
// Если task уже завершён или попытка с этим номером создана другим
// сообщением, вызов — no-op. Task завершённого run убивается без попытки. Ошибки хоста не возвращаются: попытка
// завершается FAILURE, оркестратор получает событие failed.
func (w *Worker) RunAttempt(ctx context.Context, taskID uuid.UUID, attemptNo int) error {
	task, err := w.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("get task: %w", err)
	}
	if task.IsFinished() || task.AttemptCount != attemptNo {
		w.logger.Debug("skipping task run",
			"task_id", task.ID,
			"status", task.Status,
			"attempt_count", task.AttemptCount,
			"requested", attemptNo,
		)
		return nil
	}

	run, err := w.runs.GetByID(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run.HasTerminalStatus() {
		// run убит или упал раньше, чем task получил попытку
		if task.MarkKilled() {
			if err := w.tasks.Update(ctx, task); err != nil && !errors.Is(err, repo.ErrConcurrentModification) {
				return fmt.Errorf("kill task: %w", err)
			}
		}
		w.logger.Info("run already finished, task killed",
			"task_id", task.ID,
			"run_id", run.ID,
			"run_status", run.Status,
		)
		return nil
	}

	attempt := domain.NewTaskAttempt(task)
	name, err := WorkerName(w.hostname, run.Name, attempt.ID)
	if err != nil {
		return err
	}
	attempt.WorkerName = name

	if err := w.tasks.CreateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}

	task.AttemptCount++
	task.AttemptID = &attempt.ID
	if err := w.tasks.Update(ctx, task); err != nil {
		if errors.Is(err, repo.ErrConcurrentModification) {
			// Попытку с этим номером уже создал другой worker
			w.logger.Info("task changed concurrently, dropping attempt",
				"task_id", task.ID,
				"attempt_id", attempt.ID,
			)
			attempt.Finish(domain.AttemptResultKilled)
			return w.tasks.UpdateAttempt(ctx, attempt)
		}
		return fmt.Errorf("update task: %w", err)
	}

	w.logger.Info("attempt created",
		"task_id", task.ID,
		"attempt_id", attempt.ID,
		"attempt", task.AttemptCount,
		"worker", name,
	)

	return w.provision(ctx, task, attempt)
}

// provision создаёт хост и запускает на нём агента.
func (w *Worker) provision(ctx context.Context, task *domain.Task, attempt *domain.TaskAttempt) error {
	attempt, err := w.advance(ctx, attempt.ID, domain.AttemptProvisioningHost)
	if err != nil {
		return err
	}
	if attempt.IsFinished() {
		return nil
	}

	spec := HostSpec{
		Name:        attempt.WorkerName,
		Cores:       task.Resources.Cores,
		Memory:      task.Resources.Memory,
		DiskSize:    task.Resources.DiskSize,
		DockerImage: task.Environment.DockerImage,
	}
	if spec.DiskSize <= 0 {
		spec.DiskSize = w.scratchDiskSize
	}

	if w.catalog != nil {
		it, err := pricing.SelectFrom(ctx, w.catalog, spec.Cores, spec.Memory)
		if err != nil {
			return w.abort(ctx, attempt, msgProvisionFailed, err)
		}
		spec.InstanceType = it.Name
		if _, err := w.updateAttempt(ctx, attempt.ID, func(a *domain.TaskAttempt) bool {
			a.InstanceType = it.Name
			return true
		}); err != nil {
			return err
		}
	}

	start := time.Now()
	host, err := w.provisioner.CreateHost(ctx, spec)
	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.ProvisionDuration.WithLabelValues(w.provisioner.Name(), result).Observe(time.Since(start).Seconds())
	if err != nil {
		return w.abort(ctx, attempt, msgProvisionFailed, err)
	}
	w.rememberHost(host.Name)

	w.logger.Info("host created",
		"attempt_id", attempt.ID,
		"worker", host.Name,
		"address", host.Address,
		"instance_type", spec.InstanceType,
	)

	attempt, err = w.advance(ctx, attempt.ID, domain.AttemptLaunchingMonitor)
	if err != nil {
		return err
	}
	if attempt.IsFinished() {
		// Попытку убили, пока создавался хост
		return w.destroyHost(ctx, host.Name)
	}

	if err := w.provisioner.DeployAgent(ctx, host, attempt.ID); err != nil {
		return w.abort(ctx, attempt, msgLaunchFailed, err)
	}

	w.logger.Info("agent launched", "attempt_id", attempt.ID, "worker", host.Name)
	return nil
}

// abort завершает попытку с ошибкой и просит удалить хост.
func (w *Worker) abort(ctx context.Context, attempt *domain.TaskAttempt, message string, cause error) error {
	w.logger.Error(message, "attempt_id", attempt.ID, "worker", attempt.WorkerName, "error", cause)

	attempt, err := w.updateAttempt(ctx, attempt.ID, func(a *domain.TaskAttempt) bool {
		if a.IsFinished() {
			return false
		}
		a.AddError(message, cause.Error())
		return a.Finish(domain.AttemptResultFailure)
	})
	if err != nil {
		return err
	}

	if err := w.publisher.PublishAttemptEvent(ctx, mq.AttemptEventPayload{
		AttemptID: attempt.ID,
		TaskID:    attempt.TaskID,
		RunID:     attempt.RunID,
		Event:     mq.AttemptEventFailed,
	}); err != nil {
		return fmt.Errorf("publish attempt failed: %w", err)
	}

	if err := w.publisher.PublishWorkerDelete(ctx, mq.WorkerDeletePayload{
		WorkerName: attempt.WorkerName,
		AttemptID:  attempt.ID,
	}); err != nil {
		w.logger.Warn("failed to request host teardown", "worker", attempt.WorkerName, "error", err)
	}
	return nil
}

// advance переводит незавершённую попытку на шаг status.
func (w *Worker) advance(ctx context.Context, id uuid.UUID, status domain.TaskAttemptStatus) (*domain.TaskAttempt, error) {
	return w.updateAttempt(ctx, id, func(a *domain.TaskAttempt) bool {
		if a.IsFinished() {
			return false
		}
		return a.Advance(status) == nil
	})
}

// updateAttempt перечитывает попытку, применяет mutate и сохраняет.
// Конфликт версий повторяется с чтения.
func (w *Worker) updateAttempt(ctx context.Context, id uuid.UUID, mutate func(*domain.TaskAttempt) bool) (*domain.TaskAttempt, error) {
	var attempt *domain.TaskAttempt
	backoff := retry.WithMaxRetries(saveRetries, retry.NewExponential(saveRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		a, err := w.tasks.GetAttempt(ctx, id)
		if err != nil {
			return err
		}
		attempt = a
		if !mutate(a) {
			return nil
		}
		if err := w.tasks.UpdateAttempt(ctx, a); err != nil {
			if errors.Is(err, repo.ErrConcurrentModification) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update attempt %s: %w", id, err)
	}
	return attempt, nil
}
