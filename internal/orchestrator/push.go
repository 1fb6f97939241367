package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/engine"
	"github.com/shaiso/loom/internal/repo"
	"github.com/shaiso/loom/internal/telemetry"
)

// leafState — снимок входов листа.
type leafState struct {
	inputs []engine.ChannelInput
	types  map[string]domain.DataType
	ready  bool
}

// readLeaf читает входы листа вместе с текущими деревьями.
func (o *Orchestrator) readLeaf(ctx context.Context, run *domain.Run) (*leafState, error) {
	inputs, err := o.channels.ListInputs(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}

	st := &leafState{
		inputs: make([]engine.ChannelInput, 0, len(inputs)),
		types:  make(map[string]domain.DataType, len(inputs)),
		ready:  true,
	}
	for _, in := range inputs {
		if in.DataTreeID == nil {
			return nil, fmt.Errorf("input %q of %s has no data tree", in.Channel, run)
		}
		tree, err := o.data.GetTree(ctx, *in.DataTreeID)
		if err != nil {
			return nil, fmt.Errorf("get data tree of %q: %w", in.Channel, err)
		}
		st.ready = st.ready && tree.IsReady()
		st.types[in.InternalChannel()] = in.Type
		st.inputs = append(st.inputs, engine.ChannelInput{
			Channel: in.InternalChannel(),
			Tree:    tree.Root,
			Mode:    in.Mode,
			Group:   in.Group,
		})
	}
	return st, nil
}

// push создаёт tasks для новых готовых наборов входов листа.
//
// trigger=nil — проверить все наборы (раскрытие листа). Наборы, для
// которых task уже есть, пропускаются; гонка двух push решается
// уникальностью (run_id, key) в хранилище. Завершённый run tasks
// не получает.
func (o *Orchestrator) push(ctx context.Context, run *domain.Run, trigger *engine.Trigger) error {
	if run.HasTerminalStatus() {
		return nil
	}

	st, err := o.readLeaf(ctx, run)
	if err != nil {
		return err
	}

	existing, err := o.tasks.ListByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	emitted := make(map[string]bool, len(existing))
	for _, t := range existing {
		emitted[t.Key] = true
	}

	sets, err := engine.NewInputCalculator(st.inputs).Calculate(trigger, emitted)
	if err != nil {
		return fmt.Errorf("calculate input sets of %s: %w", run, err)
	}

	if len(sets) == 0 {
		return nil
	}

	outputs, err := o.channels.ListOutputs(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list outputs: %w", err)
	}

	for _, set := range sets {
		if err := o.createTask(ctx, run, st, outputs, set); err != nil {
			return err
		}
	}
	return nil
}

// createTask создаёт task для набора входов и отправляет его на выполнение.
func (o *Orchestrator) createTask(ctx context.Context, run *domain.Run, st *leafState, outputs []*domain.RunOutput, set engine.InputSet) error {
	body, ok := run.Body.(domain.LeafBody)
	if !ok {
		return fmt.Errorf("run %s is not a leaf", run)
	}

	taskInputs := make([]domain.TaskInput, 0, len(st.inputs))
	for _, in := range st.inputs {
		typ := st.types[in.Channel]
		value, err := set.Value(in.Channel, typ)
		if err != nil {
			return fmt.Errorf("input %q: %w", in.Channel, err)
		}
		taskInputs = append(taskInputs, domain.TaskInput{
			Channel: in.Channel,
			Type:    typ,
			Mode:    in.Mode,
			Data:    value,
		})
	}

	taskOutputs := make([]domain.TaskOutput, 0, len(outputs))
	for _, out := range outputs {
		taskOutputs = append(taskOutputs, domain.TaskOutput{
			Channel: out.InternalChannel(),
			Type:    out.Type,
			Mode:    out.Mode,
			Source:  out.Source,
			Parser:  out.Parser,
		})
	}

	command, err := engine.RenderCommand(body.Command, taskInputs)
	if err != nil {
		return fmt.Errorf("render command of %s: %w", run, err)
	}

	interpreter := body.Interpreter
	if interpreter == "" {
		interpreter = o.settings.DefaultInterpreter
	}

	task := &domain.Task{
		ID:          uuid.New(),
		RunID:       run.ID,
		Key:         set.Key(),
		DataPath:    set.Path,
		Inputs:      taskInputs,
		Outputs:     taskOutputs,
		Command:     command,
		Interpreter: interpreter,
		Environment: body.Environment,
		Resources:   body.Resources,
		Status:      domain.TaskStatusWaiting,
		CreatedAt:   time.Now(),
	}
	if err := o.tasks.Create(ctx, task); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			o.logger.Debug("task already exists", "run_id", run.ID, "key", task.Key)
			return nil
		}
		return fmt.Errorf("create task: %w", err)
	}

	telemetry.TasksCreated.Inc()
	o.logger.Info("task created", "run_id", run.ID, "task_id", task.ID, "key", task.Key)

	// Kill мог пройти между чтением run и созданием task: его killTasks
	// этот task уже не увидел.
	current, err := o.getRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if current.HasTerminalStatus() {
		if _, _, err := o.updateTask(ctx, task.ID, (*domain.Task).MarkKilled); err != nil {
			return fmt.Errorf("kill task %s: %w", task.ID, err)
		}
		o.logger.Info("task killed, run already finished", "run_id", run.ID, "task_id", task.ID, "status", current.Status)
		return nil
	}

	o.dispatched("task run", task.ID, o.dispatcher.RunTask(ctx, task))
	return nil
}

// checkLeafComplete завершает лист, когда все его входы готовы
// и для каждого набора есть FINISHED task.
func (o *Orchestrator) checkLeafComplete(ctx context.Context, run *domain.Run) error {
	if run.HasTerminalStatus() || run.PostprocessingStatus != domain.PostprocessingComplete {
		return nil
	}

	st, err := o.readLeaf(ctx, run)
	if err != nil || !st.ready {
		return err
	}

	sets, err := engine.NewInputCalculator(st.inputs).All()
	if err != nil {
		return fmt.Errorf("calculate input sets of %s: %w", run, err)
	}

	tasks, err := o.tasks.ListByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	finished := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == domain.TaskStatusFinished {
			finished[t.Key] = true
		}
	}
	for _, set := range sets {
		if !finished[set.Key()] {
			return nil
		}
	}

	return o.Finish(ctx, run.ID)
}

// pushDownstream сообщает листьям, читающим дерево treeID, о новых данных по path.
//
// Ошибка расчёта у одного листа валит только этот лист.
func (o *Orchestrator) pushDownstream(ctx context.Context, treeID uuid.UUID, path domain.DataPath) error {
	inputs, err := o.channels.ListInputsByTree(ctx, treeID)
	if err != nil {
		return fmt.Errorf("list inputs by tree: %w", err)
	}

	for _, in := range inputs {
		run, err := o.getRun(ctx, in.RunID)
		if err != nil {
			return err
		}
		if !run.IsLeaf() || run.HasTerminalStatus() {
			continue
		}
		// Лист без раскрытия посчитает все наборы сам.
		if run.PostprocessingStatus == domain.PostprocessingNotStarted {
			continue
		}

		trigger := &engine.Trigger{Channel: in.InternalChannel(), Path: path}
		if err := o.push(ctx, run, trigger); err != nil {
			o.logger.Error("push failed", "run_id", run.ID, "channel", in.Channel, "error", err)
			if ferr := o.Fail(ctx, run.ID, fmt.Sprintf("Failed to create tasks: %v", err)); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}
