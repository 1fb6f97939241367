package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TemplateKind — вид шаблона: step (лист) или workflow (ветка).
type TemplateKind string

const (
	KindStep     TemplateKind = "step"
	KindWorkflow TemplateKind = "workflow"
)

// Environment — окружение выполнения шага.
type Environment struct {
	// DockerImage — образ контейнера ("ubuntu:22.04").
	DockerImage string `json:"docker_image,omitempty" yaml:"docker_image,omitempty"`
}

// Resources — требования шага к вычислительным ресурсам.
type Resources struct {
	// Cores — минимальное число ядер.
	Cores int `json:"cores,omitempty" yaml:"cores,omitempty"`

	// Memory — минимальный объём памяти в GB.
	Memory float64 `json:"memory,omitempty" yaml:"memory,omitempty"`

	// DiskSize — размер рабочего диска в GB (0 — значение по умолчанию).
	DiskSize int `json:"disk_size,omitempty" yaml:"disk_size,omitempty"`
}

// Template — неизменяемое описание step или workflow.
//
// Шаблоны образуют дерево: workflow ссылается на шаги по ID,
// каждый узел хранится отдельной записью.
type Template struct {
	// ID — уникальный идентификатор шаблона.
	ID uuid.UUID `json:"id"`

	// Name — имя шаблона ("align-reads").
	Name string `json:"name"`

	// Body — Step или Workflow.
	Body TemplateBody `json:"-"`

	// Inputs — объявленные входы.
	Inputs []TemplateInput `json:"inputs,omitempty"`

	// Outputs — объявленные выходы.
	Outputs []TemplateOutput `json:"outputs,omitempty"`

	// Postprocessed — все шаги дерева сохранены и доступны.
	Postprocessed bool `json:"postprocessed"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// TemplateBody — тело шаблона. Реализации: StepBody, WorkflowBody.
type TemplateBody interface {
	Kind() TemplateKind
}

// StepBody — лист: команда с окружением и ресурсами.
type StepBody struct {
	Command     string      `json:"command"`
	Interpreter string      `json:"interpreter,omitempty"`
	Environment Environment `json:"environment"`
	Resources   Resources   `json:"resources"`
}

// Kind возвращает KindStep.
func (StepBody) Kind() TemplateKind { return KindStep }

// WorkflowBody — ветка: упорядоченный список дочерних шаблонов.
type WorkflowBody struct {
	Steps []uuid.UUID `json:"steps"`
}

// Kind возвращает KindWorkflow.
func (WorkflowBody) Kind() TemplateKind { return KindWorkflow }

// TemplateInput — объявленный вход шаблона.
type TemplateInput struct {
	Channel   string    `json:"channel" yaml:"channel"`
	AsChannel string    `json:"as_channel,omitempty" yaml:"as_channel,omitempty"`
	Type      DataType  `json:"type" yaml:"type"`
	Mode      InputMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Group     int       `json:"group,omitempty" yaml:"group,omitempty"`
	Hint      string    `json:"hint,omitempty" yaml:"hint,omitempty"`

	// Data — данные по умолчанию; подключаются, только если нет ни
	// источника у родителя, ни пользовательского ввода.
	Data *DataNode `json:"data,omitempty" yaml:"-"`
}

// TemplateOutput — объявленный выход шаблона.
type TemplateOutput struct {
	Channel   string        `json:"channel" yaml:"channel"`
	AsChannel string        `json:"as_channel,omitempty" yaml:"as_channel,omitempty"`
	Type      DataType      `json:"type" yaml:"type"`
	Mode      OutputMode    `json:"mode,omitempty" yaml:"mode,omitempty"`
	Source    OutputSource  `json:"source" yaml:"source"`
	Parser    *OutputParser `json:"parser,omitempty" yaml:"parser,omitempty"`
}

// IsLeaf возвращает true для step.
func (t *Template) IsLeaf() bool {
	_, ok := t.Body.(StepBody)
	return ok
}

// Input возвращает объявленный вход по имени канала.
func (t *Template) Input(channel string) (TemplateInput, bool) {
	for _, in := range t.Inputs {
		if in.Channel == channel {
			return in, true
		}
	}
	return TemplateInput{}, false
}

// templateJSON — плоское представление шаблона для JSON/JSONB.
type templateJSON struct {
	ID            uuid.UUID        `json:"id"`
	Name          string           `json:"name"`
	Type          TemplateKind     `json:"type"`
	Command       string           `json:"command,omitempty"`
	Interpreter   string           `json:"interpreter,omitempty"`
	Environment   *Environment     `json:"environment,omitempty"`
	Resources     *Resources       `json:"resources,omitempty"`
	Steps         []uuid.UUID      `json:"steps,omitempty"`
	Inputs        []TemplateInput  `json:"inputs,omitempty"`
	Outputs       []TemplateOutput `json:"outputs,omitempty"`
	Postprocessed bool             `json:"postprocessed"`
	CreatedAt     time.Time        `json:"created_at"`
}

// MarshalJSON разворачивает Body в поле type и поля варианта.
func (t Template) MarshalJSON() ([]byte, error) {
	w := templateJSON{
		ID:            t.ID,
		Name:          t.Name,
		Inputs:        t.Inputs,
		Outputs:       t.Outputs,
		Postprocessed: t.Postprocessed,
		CreatedAt:     t.CreatedAt,
	}
	switch b := t.Body.(type) {
	case StepBody:
		w.Type = KindStep
		w.Command = b.Command
		w.Interpreter = b.Interpreter
		w.Environment = &b.Environment
		w.Resources = &b.Resources
	case WorkflowBody:
		w.Type = KindWorkflow
		w.Steps = b.Steps
	default:
		return nil, fmt.Errorf("template %s: unknown body %T", t.Name, t.Body)
	}
	return json.Marshal(w)
}

// UnmarshalJSON восстанавливает Body по полю type.
func (t *Template) UnmarshalJSON(b []byte) error {
	var w templateJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*t = Template{
		ID:            w.ID,
		Name:          w.Name,
		Inputs:        w.Inputs,
		Outputs:       w.Outputs,
		Postprocessed: w.Postprocessed,
		CreatedAt:     w.CreatedAt,
	}
	switch w.Type {
	case KindStep:
		body := StepBody{Command: w.Command, Interpreter: w.Interpreter}
		if w.Environment != nil {
			body.Environment = *w.Environment
		}
		if w.Resources != nil {
			body.Resources = *w.Resources
		}
		t.Body = body
	case KindWorkflow:
		t.Body = WorkflowBody{Steps: w.Steps}
	default:
		return fmt.Errorf("template %s: unknown type %q", w.Name, w.Type)
	}
	return nil
}
