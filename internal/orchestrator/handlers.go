package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/telemetry"
)

// handlePostprocess раскрывает run из runs.postprocess.
func (o *Orchestrator) handlePostprocess(ctx context.Context, payload mq.RunPayload) error {
	err := o.Postprocess(ctx, payload.RunID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPostprocessingFailed):
		// Run уже помечен failed, повторять нечего
		telemetry.ForRun(telemetry.FromContext(ctx, o.logger), payload.RunID).
			Warn("postprocessing failed", "error", err)
		return nil
	case errors.Is(err, ErrRunNotFound):
		return mq.Permanent(err)
	default:
		return fmt.Errorf("postprocess run %s: %w", payload.RunID, err)
	}
}

// handleAttemptEvent продвигает task и run по событию попытки.
func (o *Orchestrator) handleAttemptEvent(ctx context.Context, payload mq.AttemptEventPayload) error {
	var err error
	switch payload.Event {
	case mq.AttemptEventRunning:
		err = o.HandleAttemptRunning(ctx, payload.AttemptID)
	case mq.AttemptEventFinished:
		err = o.HandleAttemptFinished(ctx, payload.AttemptID)
	case mq.AttemptEventFailed:
		err = o.HandleAttemptFailed(ctx, payload.AttemptID)
	default:
		return mq.Permanent(fmt.Errorf("unknown attempt event %q", payload.Event))
	}
	if err != nil {
		return fmt.Errorf("attempt %s %s: %w", payload.AttemptID, payload.Event, err)
	}
	return nil
}

// handleNotify рассылает уведомление о завершённом корне.
// Уведомление — best effort: ошибка отправки только логируется.
func (o *Orchestrator) handleNotify(ctx context.Context, payload mq.RunPayload) error {
	if o.notifier == nil {
		return nil
	}

	run, err := o.getRun(ctx, payload.RunID)
	if errors.Is(err, ErrRunNotFound) {
		return mq.Permanent(err)
	}
	if err != nil {
		return err
	}
	if err := o.notifier.Notify(ctx, run); err != nil {
		telemetry.ForRun(telemetry.FromContext(ctx, o.logger), run.ID).
			Error("failed to send notification", "error", err)
	}
	return nil
}
