package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run — узел дерева выполнения, развёрнутый из шаблона.
//
// Run создаётся когда:
// - Пользователь запускает шаблон (корневой run)
// - Родительский run раскрывает свой workflow (postprocessing)
//
// Runs никогда не удаляются; финальный статус окончателен.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// Name — имя (копия имени шаблона).
	Name string `json:"name"`

	// TemplateID — шаблон, из которого создан run.
	TemplateID uuid.UUID `json:"template_id"`

	// ParentID — родитель. Nil у корня.
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	// Body — Leaf или Branch.
	Body RunBody `json:"-"`

	// Status — текущий статус; ровно одно значение в любой момент.
	Status RunStatus `json:"status"`

	// PostprocessingStatus — статус раскрытия дерева.
	PostprocessingStatus PostprocessingStatus `json:"postprocessing_status"`

	// NotificationAddresses — email и URL для уведомления (только у корня).
	NotificationAddresses []string `json:"notification_addresses,omitempty"`

	// Version — версия для optimistic concurrency.
	Version int `json:"version"`

	// StartedAt — когда run стал RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — когда run достиг финального статуса.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// RunBody — тело run. Реализации: LeafBody, BranchBody.
type RunBody interface {
	Kind() TemplateKind
}

// LeafBody — лист: то, что нужно для создания tasks.
type LeafBody struct {
	Command     string      `json:"command"`
	Interpreter string      `json:"interpreter,omitempty"`
	Environment Environment `json:"environment"`
	Resources   Resources   `json:"resources"`
}

// Kind возвращает KindStep.
func (LeafBody) Kind() TemplateKind { return KindStep }

// BranchBody — ветка: упорядоченные ID дочерних runs.
// Заполняется при postprocessing.
type BranchBody struct {
	Steps []uuid.UUID `json:"steps"`
}

// Kind возвращает KindWorkflow.
func (BranchBody) Kind() TemplateKind { return KindWorkflow }

// NewRunFromTemplate создаёт run (WAITING, NOT_STARTED) по шаблону.
func NewRunFromTemplate(tmpl *Template, parentID *uuid.UUID) *Run {
	r := &Run{
		ID:                   uuid.New(),
		Name:                 tmpl.Name,
		TemplateID:           tmpl.ID,
		ParentID:             parentID,
		Status:               RunStatusWaiting,
		PostprocessingStatus: PostprocessingNotStarted,
		CreatedAt:            time.Now(),
	}
	switch b := tmpl.Body.(type) {
	case StepBody:
		r.Body = LeafBody{
			Command:     b.Command,
			Interpreter: b.Interpreter,
			Environment: b.Environment,
			Resources:   b.Resources,
		}
	case WorkflowBody:
		r.Body = BranchBody{}
	}
	return r
}

// IsLeaf возвращает true для листа.
func (r *Run) IsLeaf() bool {
	_, ok := r.Body.(LeafBody)
	return ok
}

// IsRoot возвращает true для корня дерева.
func (r *Run) IsRoot() bool {
	return r.ParentID == nil
}

// Children возвращает ID детей ветки (nil для листа).
func (r *Run) Children() []uuid.UUID {
	if b, ok := r.Body.(BranchBody); ok {
		return b.Steps
	}
	return nil
}

// HasTerminalStatus возвращает true, если run завершён (в любом статусе).
func (r *Run) HasTerminalStatus() bool {
	return r.Status.IsTerminal()
}

// String возвращает "name@id" для событий и логов.
func (r *Run) String() string {
	return fmt.Sprintf("%s@%s", r.Name, r.ID)
}

func (r *Run) finish(status RunStatus) bool {
	if r.HasTerminalStatus() {
		return false
	}
	now := time.Now()
	r.Status = status
	r.FinishedAt = &now
	return true
}

// MarkRunning переводит run из WAITING в RUNNING.
// Возвращает false, если статус не изменился.
func (r *Run) MarkRunning() bool {
	if r.Status != RunStatusWaiting {
		return false
	}
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
	return true
}

// MarkFinished переводит run в FINISHED, если он ещё не завершён.
func (r *Run) MarkFinished() bool { return r.finish(RunStatusFinished) }

// MarkFailed переводит run в FAILED, если он ещё не завершён.
func (r *Run) MarkFailed() bool { return r.finish(RunStatusFailed) }

// MarkKilled переводит run в KILLED, если он ещё не завершён.
func (r *Run) MarkKilled() bool { return r.finish(RunStatusKilled) }

// ClaimPostprocessing переводит NOT_STARTED → IN_PROGRESS.
func (r *Run) ClaimPostprocessing() bool {
	if r.PostprocessingStatus != PostprocessingNotStarted {
		return false
	}
	r.PostprocessingStatus = PostprocessingInProgress
	return true
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// runJSON — плоское представление run.
type runJSON struct {
	ID                    uuid.UUID            `json:"id"`
	Name                  string               `json:"name"`
	TemplateID            uuid.UUID            `json:"template_id"`
	ParentID              *uuid.UUID           `json:"parent_id,omitempty"`
	Type                  TemplateKind         `json:"type"`
	Command               string               `json:"command,omitempty"`
	Interpreter           string               `json:"interpreter,omitempty"`
	Environment           *Environment         `json:"environment,omitempty"`
	Resources             *Resources           `json:"resources,omitempty"`
	Steps                 []uuid.UUID          `json:"steps,omitempty"`
	Status                RunStatus            `json:"status"`
	PostprocessingStatus  PostprocessingStatus `json:"postprocessing_status"`
	NotificationAddresses []string             `json:"notification_addresses,omitempty"`
	Version               int                  `json:"version"`
	StartedAt             *time.Time           `json:"started_at,omitempty"`
	FinishedAt            *time.Time           `json:"finished_at,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
}

// MarshalJSON разворачивает Body в поле type и поля варианта.
func (r Run) MarshalJSON() ([]byte, error) {
	w := runJSON{
		ID:                    r.ID,
		Name:                  r.Name,
		TemplateID:            r.TemplateID,
		ParentID:              r.ParentID,
		Status:                r.Status,
		PostprocessingStatus:  r.PostprocessingStatus,
		NotificationAddresses: r.NotificationAddresses,
		Version:               r.Version,
		StartedAt:             r.StartedAt,
		FinishedAt:            r.FinishedAt,
		CreatedAt:             r.CreatedAt,
	}
	switch b := r.Body.(type) {
	case LeafBody:
		w.Type = KindStep
		w.Command = b.Command
		w.Interpreter = b.Interpreter
		w.Environment = &b.Environment
		w.Resources = &b.Resources
	case BranchBody:
		w.Type = KindWorkflow
		w.Steps = b.Steps
	default:
		return nil, fmt.Errorf("run %s: unknown body %T", r.ID, r.Body)
	}
	return json.Marshal(w)
}

// UnmarshalJSON восстанавливает Body по полю type.
func (r *Run) UnmarshalJSON(b []byte) error {
	var w runJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Run{
		ID:                    w.ID,
		Name:                  w.Name,
		TemplateID:            w.TemplateID,
		ParentID:              w.ParentID,
		Status:                w.Status,
		PostprocessingStatus:  w.PostprocessingStatus,
		NotificationAddresses: w.NotificationAddresses,
		Version:               w.Version,
		StartedAt:             w.StartedAt,
		FinishedAt:            w.FinishedAt,
		CreatedAt:             w.CreatedAt,
	}
	switch w.Type {
	case KindStep:
		body := LeafBody{Command: w.Command, Interpreter: w.Interpreter}
		if w.Environment != nil {
			body.Environment = *w.Environment
		}
		if w.Resources != nil {
			body.Resources = *w.Resources
		}
		r.Body = body
	case KindWorkflow:
		r.Body = BranchBody{Steps: w.Steps}
	default:
		return fmt.Errorf("run %s: unknown type %q", w.ID, w.Type)
	}
	return nil
}

// StatusLabel возвращает итоговую метку для набора статусов (дерева или списка).
// Приоритет: Failed > Finished > Killed > Running > Waiting.
func StatusLabel(statuses ...RunStatus) string {
	order := []RunStatus{RunStatusFailed, RunStatusFinished, RunStatusKilled, RunStatusRunning, RunStatusWaiting}
	for _, want := range order {
		for _, s := range statuses {
			if s == want {
				return want.Label()
			}
		}
	}
	return RunStatus("").Label()
}
