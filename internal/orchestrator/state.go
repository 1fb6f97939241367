package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/telemetry"
)

// Переходы статусов run.
//
// Все переходы — no-op, если run уже в финальном статусе: события
// о статусах приходят параллельно и в любом порядке. Подъём по дереву
// идёт циклом, а не рекурсией, глубина дерева не ограничена.

// Finish завершает run и поднимается к родителям, пока те готовы.
//
// Ветка завершается, только когда её раскрытие закончено и все дети
// FINISHED. Корень после завершения ставит уведомление в очередь.
func (o *Orchestrator) Finish(ctx context.Context, runID uuid.UUID) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.finish", attribute.String("run_id", runID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	id := runID
	for {
		run, err := o.getRun(ctx, id)
		if err != nil {
			return err
		}
		if run.HasTerminalStatus() {
			return nil
		}

		if !run.IsLeaf() {
			ready, err := o.childrenFinished(ctx, run)
			if err != nil || !ready {
				return err
			}
		}

		run, changed, err := o.updateRun(ctx, id, func(r *domain.Run) bool {
			if !r.IsLeaf() && r.PostprocessingStatus != domain.PostprocessingComplete {
				return false
			}
			return r.MarkFinished()
		})
		if err != nil {
			return fmt.Errorf("finish run %s: %w", id, err)
		}
		if !changed {
			return nil
		}

		telemetry.RunsFinished.WithLabelValues(string(domain.RunStatusFinished)).Inc()
		o.logger.Info("run finished", "run_id", run.ID, "name", run.Name)

		if run.IsRoot() {
			o.dispatched("notify", run.ID, o.dispatcher.Notify(ctx, run.ID))
			return nil
		}
		id = *run.ParentID
	}
}

// childrenFinished проверяет, что раскрытие ветки закончено и все дети FINISHED.
func (o *Orchestrator) childrenFinished(ctx context.Context, run *domain.Run) (bool, error) {
	if run.PostprocessingStatus != domain.PostprocessingComplete {
		return false, nil
	}
	children, err := o.runs.ListChildren(ctx, run.ID)
	if err != nil {
		return false, fmt.Errorf("list children: %w", err)
	}
	if len(children) < len(run.Children()) {
		return false, nil
	}
	for _, child := range children {
		if child.Status != domain.RunStatusFinished {
			return false, nil
		}
	}
	return true, nil
}

// Fail помечает run failed и поднимает ошибку по цепочке родителей.
//
// Родитель получает detail "Failure in step name@id". Когда ошибка
// доходит до корня, все живые потомки убиваются, затем ставится
// уведомление.
func (o *Orchestrator) Fail(ctx context.Context, runID uuid.UUID, detail string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.fail", attribute.String("run_id", runID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	id := runID
	for {
		run, changed, err := o.updateRun(ctx, id, (*domain.Run).MarkFailed)
		if err != nil {
			return fmt.Errorf("fail run %s: %w", id, err)
		}
		if !changed {
			return nil
		}

		o.addEvent(ctx, run.ID, "Run failed", detail, true)
		telemetry.RunsFinished.WithLabelValues(string(domain.RunStatusFailed)).Inc()
		o.logger.Warn("run failed", "run_id", run.ID, "name", run.Name, "detail", detail)

		if run.IsLeaf() {
			if err := o.killTasks(ctx, run.ID); err != nil {
				o.logger.Error("failed to kill tasks", "run_id", run.ID, "error", err)
			}
		}

		if run.IsRoot() {
			if err := o.killDescendants(ctx, run.ID, "Automatically killed due to failure"); err != nil {
				o.logger.Error("failed to kill descendants", "run_id", run.ID, "error", err)
			}
			o.dispatched("notify", run.ID, o.dispatcher.Notify(ctx, run.ID))
			return nil
		}

		detail = fmt.Sprintf("Failure in step %s", run)
		id = *run.ParentID
	}
}

// Kill помечает run killed и убивает всех потомков и их tasks.
// Убитый корень ставит уведомление.
func (o *Orchestrator) Kill(ctx context.Context, runID uuid.UUID, detail string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.kill", attribute.String("run_id", runID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	run, changed, err := o.kill(ctx, runID, detail)
	if err != nil || !changed {
		return err
	}

	if err := o.killDescendants(ctx, run.ID, detail); err != nil {
		return err
	}
	if run.IsRoot() {
		o.dispatched("notify", run.ID, o.dispatcher.Notify(ctx, run.ID))
	}
	return nil
}

// kill переводит один run в KILLED и останавливает его tasks.
func (o *Orchestrator) kill(ctx context.Context, runID uuid.UUID, detail string) (*domain.Run, bool, error) {
	run, changed, err := o.updateRun(ctx, runID, (*domain.Run).MarkKilled)
	if err != nil {
		return nil, false, fmt.Errorf("kill run %s: %w", runID, err)
	}
	if !changed {
		return run, false, nil
	}

	o.addEvent(ctx, run.ID, "Run was killed", detail, false)
	telemetry.RunsFinished.WithLabelValues(string(domain.RunStatusKilled)).Inc()
	o.logger.Info("run killed", "run_id", run.ID, "name", run.Name)

	if run.IsLeaf() {
		if err := o.killTasks(ctx, run.ID); err != nil {
			return run, true, err
		}
	}
	return run, true, nil
}

// killDescendants обходит поддерево и убивает все незавершённые runs.
//
// Завершённые ветки тоже обходятся: под упавшей веткой могут
// оставаться живые runs.
func (o *Orchestrator) killDescendants(ctx context.Context, rootID uuid.UUID, detail string) error {
	stack := []uuid.UUID{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := o.runs.ListChildren(ctx, id)
		if err != nil {
			return fmt.Errorf("list children: %w", err)
		}
		for _, child := range children {
			if !child.HasTerminalStatus() {
				if _, _, err := o.kill(ctx, child.ID, detail); err != nil {
					return err
				}
			}
			stack = append(stack, child.ID)
		}
	}
	return nil
}

// killTasks убивает незавершённые tasks листа и освобождает их хосты.
func (o *Orchestrator) killTasks(ctx context.Context, runID uuid.UUID) error {
	tasks, err := o.tasks.ListByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.IsFinished() {
			continue
		}
		killed, changed, err := o.updateTask(ctx, task.ID, (*domain.Task).MarkKilled)
		if err != nil {
			return fmt.Errorf("kill task %s: %w", task.ID, err)
		}
		if !changed || killed.AttemptID == nil {
			continue
		}

		attempt, _, err := o.updateAttempt(ctx, *killed.AttemptID, func(a *domain.TaskAttempt) bool {
			return a.Finish(domain.AttemptResultKilled)
		})
		if err != nil {
			o.logger.Error("failed to kill attempt", "attempt_id", *killed.AttemptID, "error", err)
			continue
		}
		o.dispatched("delete worker", attempt.ID, o.dispatcher.DeleteWorker(ctx, attempt))
	}
	return nil
}

// SetRunning переводит run и ожидающих предков в RUNNING.
// Подъём останавливается на первом run, который уже не WAITING.
func (o *Orchestrator) SetRunning(ctx context.Context, runID uuid.UUID) error {
	id := runID
	for {
		run, changed, err := o.updateRun(ctx, id, (*domain.Run).MarkRunning)
		if err != nil {
			return fmt.Errorf("set run %s running: %w", id, err)
		}
		if !changed || run.IsRoot() {
			return nil
		}
		id = *run.ParentID
	}
}
