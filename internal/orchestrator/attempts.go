package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/telemetry"
)

// События попыток.
//
// Попытка считается устаревшей, если task уже перешёл на другую
// попытку или остановлен. События устаревших попыток только освобождают
// хост. Все обработчики идемпотентны: сообщение может прийти повторно.

// HandleAttemptRunning отмечает, что агент запустил команду.
func (o *Orchestrator) HandleAttemptRunning(ctx context.Context, attemptID uuid.UUID) error {
	attempt, task, current, err := o.loadAttempt(ctx, attemptID)
	if err != nil || !current {
		return err
	}

	if _, _, err := o.updateTask(ctx, task.ID, (*domain.Task).MarkRunning); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	return o.SetRunning(ctx, attempt.RunID)
}

// HandleAttemptFinished принимает выходы успешной попытки.
//
// Данные сначала пишутся в деревья каналов, затем task становится
// FINISHED. Повторная запись тех же объектов — no-op, поэтому сбой
// между шагами безопасно повторяется.
func (o *Orchestrator) HandleAttemptFinished(ctx context.Context, attemptID uuid.UUID) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.attempt_finished", attribute.String("attempt_id", attemptID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	attempt, task, current, err := o.loadAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if !current {
		o.teardown(ctx, attempt)
		return nil
	}

	attempt, changed, err := o.updateAttempt(ctx, attempt.ID, func(a *domain.TaskAttempt) bool {
		return a.Finish(domain.AttemptResultSuccess)
	})
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	if attempt.Result != domain.AttemptResultSuccess {
		// Попытку уже закрыл таймаут или kill.
		o.teardown(ctx, attempt)
		return nil
	}
	if changed {
		telemetry.AttemptsFinished.WithLabelValues(string(domain.AttemptResultSuccess)).Inc()
	}

	run, err := o.getRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	if run.HasTerminalStatus() {
		o.teardown(ctx, attempt)
		return nil
	}

	outputs, err := o.channels.ListOutputs(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list outputs: %w", err)
	}

	type written struct {
		treeID uuid.UUID
		path   domain.DataPath
	}
	var pushes []written

	results := make([]domain.TaskOutput, 0, len(task.Outputs))
	for _, declared := range task.Outputs {
		got, ok := attempt.Output(declared.Channel)
		if !ok || got.Data == nil {
			o.teardown(ctx, attempt)
			return o.failTask(ctx, task, fmt.Sprintf("%v: channel %q", ErrMissingOutput, declared.Channel))
		}

		out := findOutput(outputs, declared.Channel)
		if out == nil || out.DataTreeID == nil {
			return fmt.Errorf("output %q of %s has no data tree", declared.Channel, run)
		}
		if err := o.writeOutput(ctx, *out.DataTreeID, task.DataPath, declared.Mode, got.Data); err != nil {
			o.teardown(ctx, attempt)
			return o.failTask(ctx, task, fmt.Sprintf("Failed to save output %q: %v", declared.Channel, err))
		}

		declared.Data = got.Data
		results = append(results, declared)
		pushes = append(pushes, written{treeID: *out.DataTreeID, path: task.DataPath})
	}

	if _, _, err := o.updateTask(ctx, task.ID, func(t *domain.Task) bool {
		if !t.MarkFinished() {
			return false
		}
		t.Outputs = results
		return true
	}); err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	o.logger.Info("task finished", "task_id", task.ID, "run_id", task.RunID)

	for _, p := range pushes {
		if err := o.pushDownstream(ctx, p.treeID, p.path); err != nil {
			return err
		}
	}

	o.teardown(ctx, attempt)

	run, err = o.getRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	return o.checkLeafComplete(ctx, run)
}

// HandleAttemptFailed обрабатывает неудачную попытку: повтор или провал run.
func (o *Orchestrator) HandleAttemptFailed(ctx context.Context, attemptID uuid.UUID) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.attempt_failed", attribute.String("attempt_id", attemptID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	attempt, task, current, err := o.loadAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if !current {
		o.teardown(ctx, attempt)
		return nil
	}

	attempt, changed, err := o.updateAttempt(ctx, attempt.ID, func(a *domain.TaskAttempt) bool {
		return a.Finish(domain.AttemptResultFailure)
	})
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	o.teardown(ctx, attempt)
	if attempt.Result != domain.AttemptResultFailure {
		return nil
	}
	if changed {
		telemetry.AttemptsFinished.WithLabelValues(string(domain.AttemptResultFailure)).Inc()
	}

	if task.CanRetry(o.settings.MaxTaskRetries) {
		o.logger.Warn("retrying task",
			"task_id", task.ID,
			"run_id", task.RunID,
			"attempt", task.AttemptCount,
			"max_retries", o.settings.MaxTaskRetries,
		)
		o.dispatched("task run", task.ID, o.dispatcher.RunTask(ctx, task))
		return nil
	}

	detail := "Task failed"
	if n := len(attempt.Errors); n > 0 {
		last := attempt.Errors[n-1]
		detail = fmt.Sprintf("Task failed: %s", last.Message)
		if last.Detail != "" {
			detail += ": " + last.Detail
		}
	}
	return o.failTask(ctx, task, detail)
}

// loadAttempt читает попытку и её task. current=false — попытка устарела.
func (o *Orchestrator) loadAttempt(ctx context.Context, attemptID uuid.UUID) (*domain.TaskAttempt, *domain.Task, bool, error) {
	attempt, err := o.tasks.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("get attempt %s: %w", attemptID, err)
	}
	task, err := o.tasks.GetByID(ctx, attempt.TaskID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("get task %s: %w", attempt.TaskID, err)
	}

	current := task.AttemptID != nil && *task.AttemptID == attempt.ID &&
		task.Status != domain.TaskStatusFailed && task.Status != domain.TaskStatusKilled
	if !current {
		o.logger.Debug("ignoring event of stale attempt",
			"attempt_id", attempt.ID,
			"task_id", task.ID,
			"task_status", task.Status,
		)
	}
	return attempt, task, current, nil
}

// failTask переводит task в FAILED и валит его run.
func (o *Orchestrator) failTask(ctx context.Context, task *domain.Task, detail string) error {
	if _, _, err := o.updateTask(ctx, task.ID, (*domain.Task).MarkFailed); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	o.logger.Warn("task failed", "task_id", task.ID, "run_id", task.RunID, "detail", detail)
	return o.Fail(ctx, task.RunID, detail)
}

// writeOutput кладёт данные выхода в дерево по пути task.
func (o *Orchestrator) writeOutput(ctx context.Context, treeID uuid.UUID, path domain.DataPath, mode domain.OutputMode, data *domain.DataObject) error {
	var addErr error
	_, _, err := o.updateTree(ctx, treeID, func(tree *domain.DataTree) bool {
		if mode == domain.ModeScatter {
			addErr = tree.Root.AddScatteredArray(path, data)
		} else {
			addErr = tree.Root.AddDataObject(path, data)
		}
		return addErr == nil
	})
	if err != nil {
		return err
	}
	return addErr
}

// teardown ставит освобождение хоста попытки в очередь.
func (o *Orchestrator) teardown(ctx context.Context, attempt *domain.TaskAttempt) {
	o.dispatched("worker delete", attempt.ID, o.dispatcher.DeleteWorker(ctx, attempt))
}

func findOutput(outputs []*domain.RunOutput, channel string) *domain.RunOutput {
	for _, out := range outputs {
		if out.InternalChannel() == channel {
			return out
		}
	}
	return nil
}
