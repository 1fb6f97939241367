package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func stepTemplate(name string) *Template {
	return &Template{
		ID:   uuid.New(),
		Name: name,
		Body: StepBody{
			Command:     "echo {{ .greeting }}",
			Environment: Environment{DockerImage: "ubuntu:22.04"},
			Resources:   Resources{Cores: 2, Memory: 4},
		},
	}
}

// --- Run Tests ---

func TestRun_TerminalStatusIsFinal(t *testing.T) {
	terminal := []func(*Run) bool{(*Run).MarkFinished, (*Run).MarkFailed, (*Run).MarkKilled}

	for i, mark := range terminal {
		r := NewRunFromTemplate(stepTemplate("s"), nil)
		if !mark(r) {
			t.Fatalf("case %d: first terminal transition should apply", i)
		}
		want := r.Status

		if r.MarkRunning() || r.MarkFinished() || r.MarkFailed() || r.MarkKilled() {
			t.Errorf("case %d: transition after terminal status should be a no-op", i)
		}
		if r.Status != want {
			t.Errorf("case %d: expected %s, got %s", i, want, r.Status)
		}
	}
}

func TestRun_MarkRunningOnlyFromWaiting(t *testing.T) {
	r := NewRunFromTemplate(stepTemplate("s"), nil)
	if !r.MarkRunning() {
		t.Fatal("waiting → running should apply")
	}
	if r.MarkRunning() {
		t.Error("running → running should be a no-op")
	}
	if r.StartedAt == nil {
		t.Error("StartedAt should be set")
	}
}

func TestRun_ClaimPostprocessingOnce(t *testing.T) {
	r := NewRunFromTemplate(stepTemplate("s"), nil)
	if !r.ClaimPostprocessing() {
		t.Fatal("first claim should succeed")
	}
	if r.ClaimPostprocessing() {
		t.Error("second claim should fail")
	}
}

func TestRun_JSONKeepsVariant(t *testing.T) {
	parent := uuid.New()
	leaf := NewRunFromTemplate(stepTemplate("align"), &parent)

	data, err := json.Marshal(leaf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Run
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	body, ok := got.Body.(LeafBody)
	if !ok {
		t.Fatalf("expected LeafBody, got %T", got.Body)
	}
	if body.Resources.Cores != 2 || body.Environment.DockerImage != "ubuntu:22.04" {
		t.Errorf("leaf body not restored: %+v", body)
	}

	branch := &Run{ID: uuid.New(), Body: BranchBody{Steps: []uuid.UUID{uuid.New()}}}
	data, err = json.Marshal(branch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.IsLeaf() || len(got.Children()) != 1 {
		t.Errorf("expected branch with 1 child, got %+v", got.Body)
	}
}

func TestStatusLabel_Precedence(t *testing.T) {
	if got := StatusLabel(RunStatusRunning, RunStatusFailed, RunStatusFinished); got != "Failed" {
		t.Errorf("expected Failed, got %s", got)
	}
	if got := StatusLabel(RunStatusWaiting, RunStatusKilled); got != "Killed" {
		t.Errorf("expected Killed, got %s", got)
	}
	if got := StatusLabel(); got != "Unknown" {
		t.Errorf("expected Unknown, got %s", got)
	}
}

func TestNewRunEvent_TruncatesDetail(t *testing.T) {
	detail := strings.Repeat("a", 500) + strings.Repeat("b", 1000)
	ev := NewRunEvent(uuid.New(), "Run failed", detail, true)

	if len(ev.Detail) != 1000 {
		t.Fatalf("expected 1000 chars, got %d", len(ev.Detail))
	}
	if strings.Contains(ev.Detail, "a") {
		t.Error("detail should keep the tail")
	}
}

// --- Template Tests ---

func TestTemplate_JSONKeepsVariant(t *testing.T) {
	child := stepTemplate("child")
	wf := &Template{
		ID:     uuid.New(),
		Name:   "wf",
		Body:   WorkflowBody{Steps: []uuid.UUID{child.ID}},
		Inputs: []TemplateInput{{Channel: "x", Type: TypeInteger, Data: NewLeaf(NewInteger(3))}},
	}

	data, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Template
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	body, ok := got.Body.(WorkflowBody)
	if !ok || len(body.Steps) != 1 || body.Steps[0] != child.ID {
		t.Fatalf("workflow body not restored: %+v", got.Body)
	}
	in, ok := got.Input("x")
	if !ok || in.Data == nil || in.Data.Data.Value != int64(3) {
		t.Errorf("input data not restored: %+v", in)
	}
}

// --- Task Tests ---

func TestTaskAttempt_Lifecycle(t *testing.T) {
	task := &Task{ID: uuid.New(), RunID: uuid.New(), Outputs: []TaskOutput{{Channel: "out", Type: TypeString}}}
	a := NewTaskAttempt(task)

	if err := a.Advance(AttemptProvisioningHost); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Advance(AttemptRunning); err != nil {
		t.Fatalf("skipping a step forward is allowed: %v", err)
	}
	if err := a.Advance(AttemptLaunchingMonitor); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("expected ErrStatusRegression, got %v", err)
	}

	if !a.Finish(AttemptResultSuccess) {
		t.Fatal("finish should apply")
	}
	if a.Finish(AttemptResultFailure) {
		t.Error("second finish should be a no-op")
	}
	if a.Result != AttemptResultSuccess {
		t.Errorf("expected SUCCESS, got %s", a.Result)
	}
	if err := a.Advance(AttemptRunning); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("expected ErrTerminalStatus, got %v", err)
	}
}

func TestTaskAttempt_IsStale(t *testing.T) {
	a := &TaskAttempt{Status: AttemptRunning, CreatedAt: time.Now().Add(-time.Hour)}
	now := time.Now()

	if !a.IsStale(now, 10*time.Minute) {
		t.Error("attempt without heartbeat for an hour should be stale")
	}
	a.Heartbeat(now.Add(-time.Minute))
	if a.IsStale(now, 10*time.Minute) {
		t.Error("fresh heartbeat should not be stale")
	}
	a.Finish(AttemptResultSuccess)
	if a.IsStale(now.Add(time.Hour), time.Minute) {
		t.Error("finished attempt is never stale")
	}
}

func TestTask_CanRetry(t *testing.T) {
	task := &Task{AttemptCount: 1}
	if task.CanRetry(0) {
		t.Error("no retries allowed with maxRetries=0")
	}
	if !task.CanRetry(2) {
		t.Error("first failure should be retried with maxRetries=2")
	}
	task.AttemptCount = 3
	if task.CanRetry(2) {
		t.Error("third failure should not be retried with maxRetries=2")
	}
}
