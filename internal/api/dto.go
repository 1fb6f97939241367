package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

// Template DTOs

// TemplateResponse — ответ с шаблоном.
type TemplateResponse struct {
	ID          uuid.UUID               `json:"id"`
	Name        string                  `json:"name"`
	Type        domain.TemplateKind     `json:"type"`
	Command     string                  `json:"command,omitempty"`
	Interpreter string                  `json:"interpreter,omitempty"`
	Environment *domain.Environment     `json:"environment,omitempty"`
	Resources   *domain.Resources       `json:"resources,omitempty"`
	Steps       []uuid.UUID             `json:"steps,omitempty"`
	Inputs      []domain.TemplateInput  `json:"inputs,omitempty"`
	Outputs     []domain.TemplateOutput `json:"outputs,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

// TemplateFromDomain конвертирует domain.Template в TemplateResponse.
func TemplateFromDomain(t *domain.Template) TemplateResponse {
	resp := TemplateResponse{
		ID:        t.ID,
		Name:      t.Name,
		Inputs:    t.Inputs,
		Outputs:   t.Outputs,
		CreatedAt: t.CreatedAt,
	}
	switch b := t.Body.(type) {
	case domain.StepBody:
		resp.Type = domain.KindStep
		resp.Command = b.Command
		resp.Interpreter = b.Interpreter
		resp.Environment = &b.Environment
		resp.Resources = &b.Resources
	case domain.WorkflowBody:
		resp.Type = domain.KindWorkflow
		resp.Steps = b.Steps
	}
	return resp
}

// Run DTOs

// StartRunRequest — запрос на запуск шаблона.
type StartRunRequest struct {
	// Template — ID шаблона, "name@idprefix" или имя.
	Template string `json:"template"`

	Name                  string         `json:"name,omitempty"`
	Inputs                map[string]any `json:"inputs,omitempty"`
	NotificationAddresses []string       `json:"notification_addresses,omitempty"`
}

// KillRunRequest — необязательная причина остановки.
type KillRunRequest struct {
	Detail string `json:"detail,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID                    uuid.UUID                   `json:"id"`
	Name                  string                      `json:"name"`
	TemplateID            uuid.UUID                   `json:"template_id"`
	ParentID              *uuid.UUID                  `json:"parent_id,omitempty"`
	Type                  domain.TemplateKind         `json:"type,omitempty"`
	Status                domain.RunStatus            `json:"status"`
	StatusLabel           string                      `json:"status_label"`
	Postprocessing        domain.PostprocessingStatus `json:"postprocessing_status"`
	NotificationAddresses []string                    `json:"notification_addresses,omitempty"`
	StartedAt             *time.Time                  `json:"started_at,omitempty"`
	FinishedAt            *time.Time                  `json:"finished_at,omitempty"`
	CreatedAt             time.Time                   `json:"created_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:                    r.ID,
		Name:                  r.Name,
		TemplateID:            r.TemplateID,
		ParentID:              r.ParentID,
		Status:                r.Status,
		StatusLabel:           r.Status.Label(),
		Postprocessing:        r.PostprocessingStatus,
		NotificationAddresses: r.NotificationAddresses,
		StartedAt:             r.StartedAt,
		FinishedAt:            r.FinishedAt,
		CreatedAt:             r.CreatedAt,
	}
	if r.Body != nil {
		resp.Type = r.Body.Kind()
	}
	return resp
}

// ChannelDataResponse — канал run с текущими данными.
//
// Data — вложенные списки по уровням scatter; nil там, где данных ещё нет.
type ChannelDataResponse struct {
	Channel string          `json:"channel"`
	Type    domain.DataType `json:"type"`
	Mode    string          `json:"mode,omitempty"`
	Ready   bool            `json:"ready"`
	Data    any             `json:"data,omitempty"`
}

// RunDetailResponse — run с детьми, каналами и журналом.
type RunDetailResponse struct {
	RunResponse

	Children []RunResponse         `json:"children,omitempty"`
	Inputs   []ChannelDataResponse `json:"inputs,omitempty"`
	Outputs  []ChannelDataResponse `json:"outputs,omitempty"`
	Events   []*domain.RunEvent    `json:"events,omitempty"`
}

// Task DTOs

// TaskResponse — ответ с task и его попытками.
type TaskResponse struct {
	ID           uuid.UUID             `json:"id"`
	RunID        uuid.UUID             `json:"run_id"`
	Key          string                `json:"key"`
	Command      string                `json:"command"`
	Interpreter  string                `json:"interpreter,omitempty"`
	Environment  domain.Environment    `json:"environment"`
	Resources    domain.Resources      `json:"resources"`
	Status       domain.TaskStatus     `json:"status"`
	AttemptCount int                   `json:"attempt_count"`
	AttemptID    *uuid.UUID            `json:"attempt_id,omitempty"`
	Inputs       []domain.TaskInput    `json:"inputs,omitempty"`
	Outputs      []domain.TaskOutput   `json:"outputs,omitempty"`
	Attempts     []*domain.TaskAttempt `json:"attempts,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	FinishedAt   *time.Time            `json:"finished_at,omitempty"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t *domain.Task, attempts []*domain.TaskAttempt) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		RunID:        t.RunID,
		Key:          t.Key,
		Command:      t.Command,
		Interpreter:  t.Interpreter,
		Environment:  t.Environment,
		Resources:    t.Resources,
		Status:       t.Status,
		AttemptCount: t.AttemptCount,
		AttemptID:    t.AttemptID,
		Inputs:       t.Inputs,
		Outputs:      t.Outputs,
		Attempts:     attempts,
		CreatedAt:    t.CreatedAt,
		FinishedAt:   t.FinishedAt,
	}
}

// Attempt DTOs

// AttemptUpdateRequest — PATCH /task-attempts/{id}.
type AttemptUpdateRequest struct {
	Status    domain.TaskAttemptStatus `json:"status,omitempty"`
	Heartbeat bool                     `json:"heartbeat,omitempty"`
	LogFiles  []uuid.UUID              `json:"log_files,omitempty"`
}

// OutputDataRequest — данные одного выхода попытки.
type OutputDataRequest struct {
	Channel string             `json:"channel"`
	Data    *domain.DataObject `json:"data"`
}

// ErrorRequest — ошибка попытки (/errors и /fail).
type ErrorRequest struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
