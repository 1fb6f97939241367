package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/telemetry"
)

// Postprocess раскрывает run.
//
// Лист создаёт tasks для уже готовых наборов входов. Ветка создаёт
// детей по шагам шаблона, связывает их каналы и ставит раскрытие
// каждого ребёнка в очередь.
//
// Раскрытие выполняется не больше одного раза: run захватывается
// переходом NOT_STARTED → IN_PROGRESS, повторная доставка — no-op.
func (o *Orchestrator) Postprocess(ctx context.Context, runID uuid.UUID) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.postprocess", attribute.String("run_id", runID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	run, claimed, err := o.updateRun(ctx, runID, func(r *domain.Run) bool {
		if r.HasTerminalStatus() {
			return false
		}
		return r.ClaimPostprocessing()
	})
	if err != nil {
		return err
	}
	if !claimed {
		o.logger.Debug("run already postprocessed", "run_id", runID, "status", run.PostprocessingStatus)
		return nil
	}

	start := time.Now()
	if err := o.expand(ctx, run); err != nil {
		o.logger.Error("postprocessing failed", "run_id", run.ID, "error", err)
		if _, _, uerr := o.updateRun(ctx, run.ID, func(r *domain.Run) bool {
			r.PostprocessingStatus = domain.PostprocessingFailed
			return true
		}); uerr != nil {
			o.logger.Error("failed to save postprocessing status", "run_id", run.ID, "error", uerr)
		}
		if ferr := o.Fail(ctx, run.ID, fmt.Sprintf("Postprocessing failed with error %v", err)); ferr != nil {
			o.logger.Error("failed to mark run failed", "run_id", run.ID, "error", ferr)
		}
		return fmt.Errorf("%w: %v", ErrPostprocessingFailed, err)
	}

	run, _, err = o.updateRun(ctx, run.ID, func(r *domain.Run) bool {
		if r.PostprocessingStatus != domain.PostprocessingInProgress {
			return false
		}
		r.PostprocessingStatus = domain.PostprocessingComplete
		return true
	})
	if err != nil {
		return err
	}
	telemetry.PostprocessDuration.Observe(time.Since(start).Seconds())
	o.logger.Debug("run postprocessed", "run_id", run.ID, "leaf", run.IsLeaf())

	// Дети и tasks могли завершиться раньше, чем статус стал COMPLETE.
	if run.IsLeaf() {
		return o.checkLeafComplete(ctx, run)
	}
	return o.Finish(ctx, run.ID)
}

// expand выполняет раскрытие run без смены статуса postprocessing.
func (o *Orchestrator) expand(ctx context.Context, run *domain.Run) error {
	if run.IsLeaf() {
		return o.push(ctx, run, nil)
	}

	tmpl, err := o.getTemplate(ctx, run.TemplateID)
	if err != nil {
		return err
	}
	wf, ok := tmpl.Body.(domain.WorkflowBody)
	if !ok {
		return fmt.Errorf("template %s of branch %s is not a workflow", tmpl.ID, run)
	}

	steps := make([]*domain.Template, 0, len(wf.Steps))
	for _, id := range wf.Steps {
		step, err := o.getTemplate(ctx, id)
		if err != nil {
			return err
		}
		steps = append(steps, step)
	}

	children := make([]*domain.Run, len(steps))
	ids := make([]uuid.UUID, len(steps))
	for i, step := range steps {
		child := domain.NewRunFromTemplate(step, &run.ID)
		if err := o.runs.Create(ctx, child); err != nil {
			return fmt.Errorf("create child %q: %w", step.Name, err)
		}
		children[i] = child
		ids[i] = child.ID
	}

	// Все соседи инициализируются до подключения данных по умолчанию:
	// источник канала может оказаться у любого из них.
	for i, child := range children {
		if err := o.initializeRun(ctx, child, steps[i], nil); err != nil {
			return err
		}
	}

	if _, _, err := o.updateRun(ctx, run.ID, func(r *domain.Run) bool {
		r.Body = domain.BranchBody{Steps: ids}
		return true
	}); err != nil {
		return fmt.Errorf("save steps of %s: %w", run, err)
	}

	for i, child := range children {
		if err := o.connectTemplateData(ctx, child, steps[i], nil); err != nil {
			return err
		}
	}

	for _, child := range children {
		o.dispatched("postprocess", child.ID, o.dispatcher.Postprocess(ctx, child.ID))
	}
	return nil
}
