package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task — единица работы листового run'а для одного набора входов.
//
// Task создаётся, когда InputCalculator находит новый полный набор
// входов. Пара (RunID, Key) уникальна: повторное создание для того же
// набора возвращает ErrAlreadyExists из хранилища.
//
// Task выполняется через одну или несколько попыток (TaskAttempt).
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// RunID — листовой run.
	RunID uuid.UUID `json:"run_id"`

	// Key — ключ дедупликации: строка DataPath набора входов.
	Key string `json:"key"`

	// DataPath — путь task в пространстве scatter-индексов.
	DataPath DataPath `json:"data_path"`

	// Inputs — значения входов (по внутренним именам каналов).
	Inputs []TaskInput `json:"inputs,omitempty"`

	// Outputs — объявленные выходы; Data заполняется по завершении.
	Outputs []TaskOutput `json:"outputs,omitempty"`

	// Command — команда после подстановки входов.
	Command string `json:"command"`

	// Interpreter — интерпретатор команды ("/bin/bash -euo pipefail").
	Interpreter string `json:"interpreter,omitempty"`

	// Environment — окружение (образ контейнера).
	Environment Environment `json:"environment"`

	// Resources — требования к ресурсам.
	Resources Resources `json:"resources"`

	// Status — видимый статус, выводится из последней попытки.
	Status TaskStatus `json:"status"`

	// AttemptCount — число созданных попыток.
	AttemptCount int `json:"attempt_count"`

	// AttemptID — текущая (последняя) попытка.
	AttemptID *uuid.UUID `json:"attempt_id,omitempty"`

	// Version — версия для optimistic concurrency.
	Version int `json:"version"`

	// CreatedAt — время создания task.
	CreatedAt time.Time `json:"created_at"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskInput — значение входа task.
type TaskInput struct {
	Channel string      `json:"channel"`
	Type    DataType    `json:"type"`
	Mode    InputMode   `json:"mode,omitempty"`
	Data    *DataObject `json:"data"`
}

// TaskOutput — выход task.
type TaskOutput struct {
	Channel string        `json:"channel"`
	Type    DataType      `json:"type"`
	Mode    OutputMode    `json:"mode,omitempty"`
	Source  OutputSource  `json:"source"`
	Parser  *OutputParser `json:"parser,omitempty"`
	Data    *DataObject   `json:"data,omitempty"`
}

// IsFinished возвращает true, если task завершён.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// Input возвращает вход по внутреннему имени канала.
func (t *Task) Input(channel string) (TaskInput, bool) {
	for _, in := range t.Inputs {
		if in.Channel == channel {
			return in, true
		}
	}
	return TaskInput{}, false
}

// MarkRunning переводит task из WAITING в RUNNING.
func (t *Task) MarkRunning() bool {
	if t.Status != TaskStatusWaiting {
		return false
	}
	t.Status = TaskStatusRunning
	return true
}

func (t *Task) finish(status TaskStatus) bool {
	if t.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	t.Status = status
	t.FinishedAt = &now
	return true
}

// MarkFinished переводит task в FINISHED.
func (t *Task) MarkFinished() bool { return t.finish(TaskStatusFinished) }

// MarkFailed переводит task в FAILED.
func (t *Task) MarkFailed() bool { return t.finish(TaskStatusFailed) }

// MarkKilled переводит task в KILLED.
func (t *Task) MarkKilled() bool { return t.finish(TaskStatusKilled) }

// CanRetry проверяет, можно ли сделать ещё одну попытку.
// maxRetries — число повторов после первой попытки.
func (t *Task) CanRetry(maxRetries int) bool {
	return t.AttemptCount <= maxRetries
}

// AttemptError — ошибка, записанная в попытку.
type AttemptError struct {
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskAttempt — одна попытка выполнения task на worker'е.
type TaskAttempt struct {
	// ID — уникальный идентификатор попытки.
	ID uuid.UUID `json:"id"`

	// TaskID — task, к которой относится попытка.
	TaskID uuid.UUID `json:"task_id"`

	// RunID — листовой run task'а.
	RunID uuid.UUID `json:"run_id"`

	// Status — шаг жизненного цикла.
	Status TaskAttemptStatus `json:"status"`

	// Result — итог после FINISHED.
	Result AttemptResult `json:"result,omitempty"`

	// Errors — ошибки, записанные по ходу попытки.
	Errors []AttemptError `json:"errors,omitempty"`

	// WorkerName — имя хоста, на котором выполняется попытка.
	WorkerName string `json:"worker_name,omitempty"`

	// InstanceType — выбранный тип инстанса (для облака).
	InstanceType string `json:"instance_type,omitempty"`

	// Outputs — выходы с данными, присланные агентом.
	Outputs []TaskOutput `json:"outputs,omitempty"`

	// LogFiles — логи попытки в хранилище.
	LogFiles []*FileResource `json:"log_files,omitempty"`

	// LastHeartbeat — последний сигнал от агента.
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// Version — версия для optimistic concurrency.
	Version int `json:"version"`

	// CreatedAt — время создания попытки.
	CreatedAt time.Time `json:"created_at"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewTaskAttempt создаёт попытку для task в статусе NOT_STARTED.
func NewTaskAttempt(task *Task) *TaskAttempt {
	outputs := make([]TaskOutput, len(task.Outputs))
	for i, o := range task.Outputs {
		o.Data = nil
		outputs[i] = o
	}
	return &TaskAttempt{
		ID:        uuid.New(),
		TaskID:    task.ID,
		RunID:     task.RunID,
		Status:    AttemptNotStarted,
		Outputs:   outputs,
		CreatedAt: time.Now(),
	}
}

// IsFinished возвращает true после FINISHED.
func (a *TaskAttempt) IsFinished() bool {
	return a.Status.IsTerminal()
}

// Advance переводит попытку на следующий шаг.
//
// Повтор текущего шага — no-op. Шаг назад — ErrStatusRegression.
// FINISHED выставляется только через Finish.
func (a *TaskAttempt) Advance(status TaskAttemptStatus) error {
	if a.Status.IsTerminal() {
		return ErrTerminalStatus
	}
	if status.rank() < 0 || status.IsTerminal() {
		return ErrStatusRegression
	}
	if status.rank() < a.Status.rank() {
		return ErrStatusRegression
	}
	a.Status = status
	return nil
}

// AddError записывает ошибку в попытку.
func (a *TaskAttempt) AddError(message, detail string) {
	a.Errors = append(a.Errors, AttemptError{
		Message:   message,
		Detail:    TruncateDetail(detail),
		Timestamp: time.Now(),
	})
}

// Finish завершает попытку с результатом. Возвращает false,
// если попытка уже завершена.
func (a *TaskAttempt) Finish(result AttemptResult) bool {
	if a.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	a.Status = AttemptFinished
	a.Result = result
	a.FinishedAt = &now
	return true
}

// Heartbeat фиксирует сигнал от агента.
func (a *TaskAttempt) Heartbeat(at time.Time) {
	a.LastHeartbeat = &at
}

// IsStale возвращает true, если активная попытка не подавала сигнал дольше timeout.
// Попытки до запуска агента сравниваются по времени создания.
func (a *TaskAttempt) IsStale(now time.Time, timeout time.Duration) bool {
	if a.Status.IsTerminal() || timeout <= 0 {
		return false
	}
	last := a.CreatedAt
	if a.LastHeartbeat != nil {
		last = *a.LastHeartbeat
	}
	return now.Sub(last) > timeout
}

// Output возвращает выход по имени канала.
func (a *TaskAttempt) Output(channel string) (*TaskOutput, bool) {
	for i := range a.Outputs {
		if a.Outputs[i].Channel == channel {
			return &a.Outputs[i], true
		}
	}
	return nil, false
}

// AttemptBundle — всё, что нужно агенту для выполнения попытки.
type AttemptBundle struct {
	Attempt *TaskAttempt `json:"attempt"`
	Task    *Task        `json:"task"`
}
