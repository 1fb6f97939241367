package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/engine"
	"github.com/shaiso/loom/internal/repo"
)

// --- Fixture ---

type recordingDispatcher struct {
	mu          sync.Mutex
	postprocess []uuid.UUID
	tasks       []*domain.Task
	notified    []uuid.UUID
	deleted     []uuid.UUID
}

func (d *recordingDispatcher) Postprocess(_ context.Context, runID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.postprocess = append(d.postprocess, runID)
	return nil
}

func (d *recordingDispatcher) RunTask(_ context.Context, task *domain.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) Notify(_ context.Context, runID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = append(d.notified, runID)
	return nil
}

func (d *recordingDispatcher) DeleteWorker(_ context.Context, attempt *domain.TaskAttempt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, attempt.ID)
	return nil
}

func (d *recordingDispatcher) popPostprocess() (uuid.UUID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.postprocess) == 0 {
		return uuid.Nil, false
	}
	id := d.postprocess[0]
	d.postprocess = d.postprocess[1:]
	return id, true
}

type fixture struct {
	t    *testing.T
	ctx  context.Context
	mem  *repo.Memory
	disp *recordingDispatcher
	orch *Orchestrator
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	mem := repo.NewMemory()
	disp := &recordingDispatcher{}
	return &fixture{
		t:    t,
		ctx:  context.Background(),
		mem:  mem,
		disp: disp,
		orch: New(Config{
			Runs:       mem.Runs,
			Channels:   mem.Channels,
			Data:       mem.Data,
			Tasks:      mem.Tasks,
			Templates:  mem.Templates,
			Dispatcher: disp,
			Settings:   settings,
		}),
	}
}

// load разбирает и сохраняет шаблон, возвращает корень.
func (f *fixture) load(doc string) *domain.Template {
	f.t.Helper()
	tree, err := engine.ParseTemplate([]byte(doc))
	if err != nil {
		f.t.Fatalf("parse template: %v", err)
	}
	if err := f.mem.Templates.CreateTree(f.ctx, tree.Order); err != nil {
		f.t.Fatalf("save template: %v", err)
	}
	return tree.Root
}

func (f *fixture) start(tmpl *domain.Template, inputs map[string]any) *domain.Run {
	f.t.Helper()
	run, err := f.orch.StartRun(f.ctx, StartRequest{TemplateID: tmpl.ID, Inputs: inputs})
	if err != nil {
		f.t.Fatalf("start run: %v", err)
	}
	return run
}

// drain выполняет все раскрытия из очереди.
func (f *fixture) drain() {
	f.t.Helper()
	for {
		id, ok := f.disp.popPostprocess()
		if !ok {
			return
		}
		if err := f.orch.Postprocess(f.ctx, id); err != nil {
			f.t.Fatalf("postprocess %s: %v", id, err)
		}
	}
}

func (f *fixture) run(id uuid.UUID) *domain.Run {
	f.t.Helper()
	run, err := f.mem.Runs.GetByID(f.ctx, id)
	if err != nil {
		f.t.Fatalf("get run: %v", err)
	}
	return run
}

func (f *fixture) child(parentID uuid.UUID, name string) *domain.Run {
	f.t.Helper()
	children, err := f.mem.Runs.ListChildren(f.ctx, parentID)
	if err != nil {
		f.t.Fatalf("list children: %v", err)
	}
	for _, c := range children {
		if c.Name == name {
			return c
		}
	}
	f.t.Fatalf("child %q not found", name)
	return nil
}

func (f *fixture) tasks(runID uuid.UUID) []*domain.Task {
	f.t.Helper()
	tasks, err := f.mem.Tasks.ListByRun(f.ctx, runID)
	if err != nil {
		f.t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

// startAttempt делает то же, что worker при получении tasks.run.
func (f *fixture) startAttempt(taskID uuid.UUID) *domain.TaskAttempt {
	f.t.Helper()
	task, err := f.mem.Tasks.GetByID(f.ctx, taskID)
	if err != nil {
		f.t.Fatalf("get task: %v", err)
	}
	attempt := domain.NewTaskAttempt(task)
	attempt.WorkerName = "worker-" + attempt.ID.String()[:8]
	if err := f.mem.Tasks.CreateAttempt(f.ctx, attempt); err != nil {
		f.t.Fatalf("create attempt: %v", err)
	}
	task.AttemptCount++
	task.AttemptID = &attempt.ID
	if err := f.mem.Tasks.Update(f.ctx, task); err != nil {
		f.t.Fatalf("update task: %v", err)
	}
	return attempt
}

// finishAttempt кладёт выходы в попытку так, как это делает агент.
func (f *fixture) finishAttempt(attemptID uuid.UUID, outputs map[string]*domain.DataObject) error {
	f.t.Helper()
	attempt, err := f.mem.Tasks.GetAttempt(f.ctx, attemptID)
	if err != nil {
		f.t.Fatalf("get attempt: %v", err)
	}
	for i := range attempt.Outputs {
		attempt.Outputs[i].Data = outputs[attempt.Outputs[i].Channel]
	}
	if err := f.mem.Tasks.UpdateAttempt(f.ctx, attempt); err != nil {
		f.t.Fatalf("update attempt: %v", err)
	}
	return f.orch.HandleAttemptFinished(f.ctx, attemptID)
}

func (f *fixture) failAttempt(attemptID uuid.UUID, message string) error {
	f.t.Helper()
	attempt, err := f.mem.Tasks.GetAttempt(f.ctx, attemptID)
	if err != nil {
		f.t.Fatalf("get attempt: %v", err)
	}
	attempt.AddError(message, "")
	if err := f.mem.Tasks.UpdateAttempt(f.ctx, attempt); err != nil {
		f.t.Fatalf("update attempt: %v", err)
	}
	return f.orch.HandleAttemptFailed(f.ctx, attemptID)
}

const shoutWorkflow = `
name: shout
inputs:
  - channel: words
    type: string
outputs:
  - channel: loud
    type: string
steps:
  - name: upper
    command: echo {{ .words }} | tr a-z A-Z
    inputs:
      - channel: words
        type: string
    outputs:
      - channel: loud
        type: string
        source: {stream: stdout}
`

const chainWorkflow = `
name: chain
inputs:
  - channel: words
    type: string
steps:
  - name: first
    command: echo {{ .words }}
    inputs:
      - channel: words
        type: string
    outputs:
      - channel: middle
        type: string
        source: {stream: stdout}
  - name: second
    command: echo {{ .middle }}
    inputs:
      - channel: middle
        type: string
    outputs:
      - channel: last
        type: string
        source: {stream: stdout}
`

// --- StartRun Tests ---

func TestStartRun_Validation(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(shoutWorkflow)

	_, err := f.orch.StartRun(f.ctx, StartRequest{TemplateID: tmpl.ID, Inputs: map[string]any{"words": "a", "nope": "b"}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown channel, got %v", err)
	}

	_, err = f.orch.StartRun(f.ctx, StartRequest{TemplateID: tmpl.ID})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing input, got %v", err)
	}
	if !strings.Contains(err.Error(), `Missing input for channel(s) "words"`) {
		t.Errorf("unexpected message: %v", err)
	}

	_, err = f.orch.StartRun(f.ctx, StartRequest{TemplateID: uuid.New()})
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestStartRun_DefaultData(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(`
name: count
command: echo {{ .n }}
inputs:
  - channel: n
    type: integer
    data: [1, 2]
`)
	run := f.start(tmpl, nil)
	f.drain()

	if got := len(f.tasks(run.ID)); got != 2 {
		t.Errorf("expected 2 tasks from default data, got %d", got)
	}
}

func TestStartRun_FileReference(t *testing.T) {
	f := newFixture(t, Settings{})
	res := domain.NewFileResource("reads.fq", domain.FileSourceImported)
	res.MarkUploaded("s3://bucket/reads.fq", "abc")
	if err := f.mem.Data.CreateFile(f.ctx, res); err != nil {
		t.Fatalf("create file: %v", err)
	}

	tmpl := f.load(`
name: wc
command: wc -l {{ .reads }}
inputs:
  - channel: reads
    type: file
`)
	run := f.start(tmpl, map[string]any{"reads": "reads.fq@" + res.ID.String()[:6]})
	f.drain()

	tasks := f.tasks(run.ID)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Command != "wc -l reads.fq" {
		t.Errorf("unexpected command %q", tasks[0].Command)
	}

	_, err := f.orch.StartRun(f.ctx, StartRequest{TemplateID: tmpl.ID, Inputs: map[string]any{"reads": "missing.fq"}})
	if !errors.Is(err, domain.ErrNoMatch) {
		t.Errorf("expected ErrNoMatch, got %v", err)
	}
}

// --- ResolveFile Tests ---

func TestResolveFile(t *testing.T) {
	f := newFixture(t, Settings{})
	a := domain.NewFileResource("x.txt", domain.FileSourceImported)
	a.MarkUploaded("s3://b/a", "1")
	b := domain.NewFileResource("x.txt", domain.FileSourceImported)
	b.MarkUploaded("s3://b/b", "2")
	pending := domain.NewFileResource("y.txt", domain.FileSourceImported)
	for _, r := range []*domain.FileResource{a, b, pending} {
		if err := f.mem.Data.CreateFile(f.ctx, r); err != nil {
			t.Fatalf("create file: %v", err)
		}
	}

	got, err := f.orch.ResolveFile(f.ctx, a.ID.String())
	if err != nil || got.ID != a.ID {
		t.Errorf("resolve by id: got %v, err %v", got, err)
	}
	got, err = f.orch.ResolveFile(f.ctx, "x.txt@"+b.ID.String()[:8])
	if err != nil || got.ID != b.ID {
		t.Errorf("resolve by prefix: got %v, err %v", got, err)
	}
	if _, err := f.orch.ResolveFile(f.ctx, "x.txt"); !errors.Is(err, domain.ErrMultipleMatches) {
		t.Errorf("expected ErrMultipleMatches, got %v", err)
	}
	if _, err := f.orch.ResolveFile(f.ctx, "y.txt"); !errors.Is(err, domain.ErrNoMatch) {
		t.Errorf("expected ErrNoMatch for incomplete upload, got %v", err)
	}
}

// --- Postprocess Tests ---

func TestPostprocess_ExpandsOnce(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(shoutWorkflow)
	run := f.start(tmpl, map[string]any{"words": "hi"})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.orch.Postprocess(f.ctx, run.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	children, err := f.mem.Runs.ListChildren(f.ctx, run.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("expected 1 child, got %d", len(children))
	}
	if got := f.run(run.ID); got.PostprocessingStatus != domain.PostprocessingComplete {
		t.Errorf("expected COMPLETE, got %s", got.PostprocessingStatus)
	}
	if got := f.run(run.ID).Children(); len(got) != 1 || got[0] != children[0].ID {
		t.Errorf("branch steps not saved: %v", got)
	}
}

func TestPostprocess_ZeroInputLeaf(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(`
name: hello
command: echo hi
outputs:
  - channel: out
    type: string
    source: {stream: stdout}
`)
	run := f.start(tmpl, nil)
	f.drain()

	tasks := f.tasks(run.ID)
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(tasks))
	}
	if tasks[0].Key != "" || tasks[0].Interpreter != DefaultSettings().DefaultInterpreter {
		t.Errorf("unexpected task: %+v", tasks[0])
	}

	// повторный push ничего не создаёт
	if err := f.orch.push(f.ctx, f.run(run.ID), nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := len(f.tasks(run.ID)); got != 1 {
		t.Errorf("expected 1 task after re-push, got %d", got)
	}
}

func TestPush_AlignsGroups(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(`
name: pairs
command: echo {{ .a }} {{ .b }}
inputs:
  - channel: a
    type: string
  - channel: b
    type: string
    group: 1
`)
	run := f.start(tmpl, map[string]any{"a": []any{"x", "y", "z"}, "b": "k"})
	f.drain()

	tasks := f.tasks(run.ID)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if len(f.disp.tasks) != 3 {
		t.Errorf("expected 3 dispatched tasks, got %d", len(f.disp.tasks))
	}

	if err := f.orch.push(f.ctx, f.run(run.ID), nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := len(f.tasks(run.ID)); got != 3 {
		t.Errorf("re-push created tasks: %d", got)
	}
}

func TestPostprocess_FailureFailsRun(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(`
name: bad
command: echo {{ .x }}
inputs:
  - channel: x
    type: string
`)
	run := f.start(tmpl, map[string]any{"x": "v"})

	// ломаем шаблон команды, чтобы рендеринг упал
	if _, _, err := f.orch.updateRun(f.ctx, run.ID, func(r *domain.Run) bool {
		r.Body = domain.LeafBody{Command: "echo {{ .missing }}"}
		return true
	}); err != nil {
		t.Fatalf("update run: %v", err)
	}

	err := f.orch.Postprocess(f.ctx, run.ID)
	if !errors.Is(err, ErrPostprocessingFailed) {
		t.Fatalf("expected ErrPostprocessingFailed, got %v", err)
	}

	got := f.run(run.ID)
	if got.Status != domain.RunStatusFailed || got.PostprocessingStatus != domain.PostprocessingFailed {
		t.Errorf("expected FAILED/FAILED, got %s/%s", got.Status, got.PostprocessingStatus)
	}
	if len(f.disp.notified) != 1 {
		t.Errorf("expected one notification, got %d", len(f.disp.notified))
	}
}

// --- Attempt Tests ---

func TestPipeline_FinishesRoot(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(shoutWorkflow)
	root := f.start(tmpl, map[string]any{"words": []any{"a", "b", "c"}})
	f.drain()

	upper := f.child(root.ID, "upper")
	tasks := f.tasks(upper.ID)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	for i, task := range tasks {
		attempt := f.startAttempt(task.ID)
		if err := f.orch.HandleAttemptRunning(f.ctx, attempt.ID); err != nil {
			t.Fatalf("attempt running: %v", err)
		}
		if got := f.run(root.ID).Status; got != domain.RunStatusRunning {
			t.Errorf("expected root RUNNING, got %s", got)
		}

		if err := f.finishAttempt(attempt.ID, map[string]*domain.DataObject{"loud": domain.NewString(strings.ToUpper(task.Inputs[0].Data.Substitution()))}); err != nil {
			t.Fatalf("attempt finished: %v", err)
		}

		wantRoot := domain.RunStatusRunning
		if i == len(tasks)-1 {
			wantRoot = domain.RunStatusFinished
		}
		if got := f.run(root.ID).Status; got != wantRoot {
			t.Errorf("after task %d: expected root %s, got %s", i, wantRoot, got)
		}
	}

	if got := f.run(upper.ID).Status; got != domain.RunStatusFinished {
		t.Errorf("expected leaf FINISHED, got %s", got)
	}
	if len(f.disp.notified) != 1 || f.disp.notified[0] != root.ID {
		t.Errorf("expected one notification for root, got %v", f.disp.notified)
	}
	if len(f.disp.deleted) != 3 {
		t.Errorf("expected 3 worker deletions, got %d", len(f.disp.deleted))
	}

	outputs, err := f.mem.Channels.ListOutputs(f.ctx, root.ID)
	if err != nil || len(outputs) != 1 {
		t.Fatalf("list outputs: %v, %d", err, len(outputs))
	}
	tree, err := f.mem.Data.GetTree(f.ctx, *outputs[0].DataTreeID)
	if err != nil {
		t.Fatalf("get tree: %v", err)
	}
	leaves := tree.Root.Leaves()
	if len(leaves) != 3 || leaves[0].Data.Substitution() != "A" {
		t.Errorf("unexpected root output: %+v", leaves)
	}
}

func TestAttemptFinished_Redelivery(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(chainWorkflow)
	root := f.start(tmpl, map[string]any{"words": "w"})
	f.drain()

	first := f.child(root.ID, "first")
	second := f.child(root.ID, "second")
	attempt := f.startAttempt(f.tasks(first.ID)[0].ID)
	out := map[string]*domain.DataObject{"middle": domain.NewString("m")}

	if err := f.finishAttempt(attempt.ID, out); err != nil {
		t.Fatalf("attempt finished: %v", err)
	}
	if err := f.orch.HandleAttemptFinished(f.ctx, attempt.ID); err != nil {
		t.Fatalf("redelivered attempt finished: %v", err)
	}

	tasks := f.tasks(second.ID)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 downstream task, got %d", len(tasks))
	}
	if tasks[0].Command != "echo m" {
		t.Errorf("unexpected command %q", tasks[0].Command)
	}
	if got := f.run(first.ID).Status; got != domain.RunStatusFinished {
		t.Errorf("expected first FINISHED, got %s", got)
	}
	if got := f.run(root.ID).Status; got.IsTerminal() {
		t.Errorf("root must wait for second step, got %s", got)
	}
}

func TestAttemptFinished_MissingOutput(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(shoutWorkflow)
	root := f.start(tmpl, map[string]any{"words": "w"})
	f.drain()

	upper := f.child(root.ID, "upper")
	attempt := f.startAttempt(f.tasks(upper.ID)[0].ID)
	if err := f.finishAttempt(attempt.ID, nil); err != nil {
		t.Fatalf("attempt finished: %v", err)
	}

	if got := f.run(upper.ID).Status; got != domain.RunStatusFailed {
		t.Errorf("expected leaf FAILED, got %s", got)
	}
	if got := f.tasks(upper.ID)[0].Status; got != domain.TaskStatusFailed {
		t.Errorf("expected task FAILED, got %s", got)
	}
}

func TestAttemptFinished_StaleAttempt(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(shoutWorkflow)
	root := f.start(tmpl, map[string]any{"words": "w"})
	f.drain()

	upper := f.child(root.ID, "upper")
	taskID := f.tasks(upper.ID)[0].ID
	old := f.startAttempt(taskID)
	f.startAttempt(taskID)

	if err := f.finishAttempt(old.ID, map[string]*domain.DataObject{"loud": domain.NewString("W")}); err != nil {
		t.Fatalf("attempt finished: %v", err)
	}

	task, _ := f.mem.Tasks.GetByID(f.ctx, taskID)
	if task.Status != domain.TaskStatusWaiting {
		t.Errorf("stale attempt changed task status to %s", task.Status)
	}
	if len(f.disp.deleted) != 1 || f.disp.deleted[0] != old.ID {
		t.Errorf("expected stale worker deletion, got %v", f.disp.deleted)
	}
}

func TestAttemptFailed_RetriesThenFails(t *testing.T) {
	f := newFixture(t, Settings{MaxTaskRetries: 1})
	tmpl := f.load(chainWorkflow)
	root := f.start(tmpl, map[string]any{"words": "w"})
	f.drain()

	first := f.child(root.ID, "first")
	second := f.child(root.ID, "second")
	taskID := f.tasks(first.ID)[0].ID

	a1 := f.startAttempt(taskID)
	if err := f.failAttempt(a1.ID, "exit status 1"); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if len(f.disp.tasks) != 2 {
		t.Fatalf("expected retry dispatch, got %d dispatches", len(f.disp.tasks))
	}
	if got := f.run(first.ID).Status; got.IsTerminal() {
		t.Fatalf("run must survive first failure, got %s", got)
	}

	a2 := f.startAttempt(taskID)
	if err := f.failAttempt(a2.ID, "exit status 2"); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if len(f.disp.tasks) != 2 {
		t.Errorf("no retries left, got %d dispatches", len(f.disp.tasks))
	}

	if got := f.run(first.ID).Status; got != domain.RunStatusFailed {
		t.Errorf("expected first FAILED, got %s", got)
	}
	if got := f.run(root.ID).Status; got != domain.RunStatusFailed {
		t.Errorf("expected root FAILED, got %s", got)
	}
	if got := f.run(second.ID).Status; got != domain.RunStatusKilled {
		t.Errorf("expected second KILLED, got %s", got)
	}
	if len(f.disp.notified) != 1 {
		t.Errorf("expected exactly one notification, got %d", len(f.disp.notified))
	}

	events, _ := f.mem.Runs.ListEvents(f.ctx, root.ID)
	found := false
	for _, ev := range events {
		if ev.Event == "Run failed" && strings.HasPrefix(ev.Detail, "Failure in step first@") {
			found = true
		}
	}
	if !found {
		t.Errorf("root failure event not recorded: %+v", events)
	}

	// запоздавшее событие убитого task игнорируется
	if err := f.orch.HandleAttemptFailed(f.ctx, a2.ID); err != nil {
		t.Errorf("redelivered failure: %v", err)
	}
	if len(f.disp.notified) != 1 {
		t.Errorf("redelivery notified again")
	}
}

// --- State Tests ---

func TestKill_StopsTasks(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(shoutWorkflow)
	root := f.start(tmpl, map[string]any{"words": []any{"a", "b"}})
	f.drain()

	upper := f.child(root.ID, "upper")
	tasks := f.tasks(upper.ID)
	attempt := f.startAttempt(tasks[0].ID)

	if err := f.orch.Kill(f.ctx, root.ID, "Killed by user"); err != nil {
		t.Fatalf("kill: %v", err)
	}

	if got := f.run(root.ID).Status; got != domain.RunStatusKilled {
		t.Errorf("expected root KILLED, got %s", got)
	}
	if got := f.run(upper.ID).Status; got != domain.RunStatusKilled {
		t.Errorf("expected leaf KILLED, got %s", got)
	}
	for _, task := range f.tasks(upper.ID) {
		if task.Status != domain.TaskStatusKilled {
			t.Errorf("task %s: expected KILLED, got %s", task.ID, task.Status)
		}
	}
	a, _ := f.mem.Tasks.GetAttempt(f.ctx, attempt.ID)
	if a.Result != domain.AttemptResultKilled {
		t.Errorf("expected attempt KILLED, got %q", a.Result)
	}
	if len(f.disp.deleted) != 1 {
		t.Errorf("expected one worker deletion, got %d", len(f.disp.deleted))
	}

	// kill идемпотентен
	if err := f.orch.Kill(f.ctx, root.ID, "again"); err != nil {
		t.Errorf("second kill: %v", err)
	}
	if len(f.disp.notified) != 1 {
		t.Errorf("expected one notification, got %d", len(f.disp.notified))
	}
}

// killingTasks убивает run при первом чтении его tasks, то есть между
// захватом раскрытия и созданием tasks.
type killingTasks struct {
	TaskStore
	fired bool
	kill  func()
}

func (s *killingTasks) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Task, error) {
	if !s.fired {
		s.fired = true
		s.kill()
	}
	return s.TaskStore.ListByRun(ctx, runID)
}

func TestKill_DuringPostprocess(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(`
name: count
command: echo {{ .n }}
inputs:
  - channel: n
    type: string
`)
	run := f.start(tmpl, map[string]any{"n": []any{"1", "2", "3"}})

	f.orch.tasks = &killingTasks{
		TaskStore: f.mem.Tasks,
		kill: func() {
			if err := f.orch.Kill(f.ctx, run.ID, "Killed by user"); err != nil {
				t.Errorf("kill: %v", err)
			}
		},
	}
	f.drain()

	if got := f.run(run.ID).Status; got != domain.RunStatusKilled {
		t.Fatalf("expected run KILLED, got %s", got)
	}
	tasks := f.tasks(run.ID)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != domain.TaskStatusKilled {
			t.Errorf("task %s: expected KILLED, got %s", task.Key, task.Status)
		}
	}
	if len(f.disp.tasks) != 0 {
		t.Errorf("killed run dispatched %d tasks", len(f.disp.tasks))
	}

	// push на завершённом run ничего не делает
	if err := f.orch.push(f.ctx, f.run(run.ID), nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(f.disp.tasks) != 0 {
		t.Errorf("push after kill dispatched %d tasks", len(f.disp.tasks))
	}
}

func TestFinish_WaitsForChildren(t *testing.T) {
	f := newFixture(t, Settings{})
	tmpl := f.load(chainWorkflow)
	root := f.start(tmpl, map[string]any{"words": "w"})
	f.drain()

	first := f.child(root.ID, "first")
	if err := f.orch.Finish(f.ctx, first.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := f.orch.Finish(f.ctx, root.ID); err != nil {
		t.Fatalf("finish root: %v", err)
	}
	if got := f.run(root.ID).Status; got.IsTerminal() {
		t.Errorf("root finished with unfinished child: %s", got)
	}
	if len(f.disp.notified) != 0 {
		t.Errorf("unexpected notification")
	}
}

// --- Helpers Tests ---

func TestSaveWithRetries(t *testing.T) {
	s := Settings{SaveRetries: 3, SaveRetryDelay: time.Millisecond}
	ctx := context.Background()

	conflicts := 2
	saves := 0
	v, changed, err := saveWithRetries(ctx, s,
		func(context.Context) (*int, error) { n := 1; return &n, nil },
		func(n *int) bool { *n++; return true },
		func(context.Context, *int) error {
			saves++
			if saves <= conflicts {
				return repo.ErrConcurrentModification
			}
			return nil
		},
	)
	if err != nil || !changed || *v != 2 || saves != 3 {
		t.Errorf("expected success after conflicts: v=%d changed=%v saves=%d err=%v", *v, changed, saves, err)
	}

	_, _, err = saveWithRetries(ctx, s,
		func(context.Context) (*int, error) { n := 1; return &n, nil },
		func(*int) bool { return true },
		func(context.Context, *int) error { return repo.ErrConcurrentModification },
	)
	if !errors.Is(err, ErrUnexpectedConcurrentModification) {
		t.Errorf("expected ErrUnexpectedConcurrentModification, got %v", err)
	}

	_, changed, err = saveWithRetries(ctx, s,
		func(context.Context) (*int, error) { n := 1; return &n, nil },
		func(*int) bool { return false },
		func(context.Context, *int) error { t.Error("save must not be called"); return nil },
	)
	if err != nil || changed {
		t.Errorf("expected no-op, got changed=%v err=%v", changed, err)
	}
}

func TestJoinConnector_MultipleSources(t *testing.T) {
	f := newFixture(t, Settings{})
	owner := uuid.New()

	a := &domain.RunOutput{ID: uuid.New(), Channel: "x", Type: domain.TypeString}
	if err := f.orch.joinConnector(f.ctx, owner, "x", domain.TypeString, a, true); err != nil {
		t.Fatalf("first source: %v", err)
	}
	reader := &domain.RunInput{ID: uuid.New(), Channel: "x", Type: domain.TypeString}
	if err := f.orch.joinConnector(f.ctx, owner, "x", domain.TypeString, reader, false); err != nil {
		t.Fatalf("reader: %v", err)
	}
	if reader.DataTreeID == nil || *reader.DataTreeID != *a.DataTreeID {
		t.Errorf("reader not connected to source tree")
	}

	b := &domain.RunOutput{ID: uuid.New(), Channel: "x", Type: domain.TypeString}
	err := f.orch.joinConnector(f.ctx, owner, "x", domain.TypeString, b, true)
	if !errors.Is(err, ErrMultipleSources) {
		t.Fatalf("expected ErrMultipleSources, got %v", err)
	}
	if !strings.Contains(err.Error(), `Channel "x" has more than one source`) {
		t.Errorf("unexpected message: %v", err)
	}
}

type countingTemplates struct {
	calls int
	tmpl  *domain.Template
}

func (c *countingTemplates) GetByID(_ context.Context, id uuid.UUID) (*domain.Template, error) {
	c.calls++
	if id != c.tmpl.ID {
		return nil, repo.ErrNotFound
	}
	return c.tmpl, nil
}

func TestCachedTemplates(t *testing.T) {
	store := &countingTemplates{tmpl: &domain.Template{ID: uuid.New(), Name: "x"}}
	cache, err := NewCachedTemplates(store, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := cache.GetByID(context.Background(), store.tmpl.ID)
		if err != nil || got.Name != "x" {
			t.Fatalf("get: %v %v", got, err)
		}
	}
	if store.calls != 1 {
		t.Errorf("expected 1 store call, got %d", store.calls)
	}

	if _, err := cache.GetByID(context.Background(), uuid.New()); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("errors must not be cached, len=%d", cache.Len())
	}
}
