package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/repo"
)

// Хранилища, нужные движку. Реализации: repo.*Repo (Postgres) и repo.Memory.
//
// Update-методы сверяют Version и возвращают repo.ErrConcurrentModification,
// если запись изменилась с момента чтения. Create-методы возвращают
// repo.ErrAlreadyExists при нарушении уникальности.

// RunStore — runs и их журнал.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	Update(ctx context.Context, run *domain.Run) error
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]*domain.Run, error)
	AddEvent(ctx context.Context, ev *domain.RunEvent) error
	ListEvents(ctx context.Context, runID uuid.UUID) ([]*domain.RunEvent, error)
}

// ChannelStore — входы, выходы, пользовательские входы и connectors.
type ChannelStore interface {
	CreateInput(ctx context.Context, in *domain.RunInput) error
	UpdateInput(ctx context.Context, in *domain.RunInput) error
	ListInputs(ctx context.Context, runID uuid.UUID) ([]*domain.RunInput, error)
	ListInputsByTree(ctx context.Context, treeID uuid.UUID) ([]*domain.RunInput, error)

	CreateOutput(ctx context.Context, out *domain.RunOutput) error
	UpdateOutput(ctx context.Context, out *domain.RunOutput) error
	ListOutputs(ctx context.Context, runID uuid.UUID) ([]*domain.RunOutput, error)

	CreateUserInput(ctx context.Context, in *domain.UserInput) error
	ListUserInputs(ctx context.Context, runID uuid.UUID) ([]*domain.UserInput, error)

	GetConnector(ctx context.Context, runID uuid.UUID, channel string) (*domain.Connector, error)
	CreateConnector(ctx context.Context, c *domain.Connector) error
	UpdateConnector(ctx context.Context, c *domain.Connector) error
}

// DataStore — деревья данных и файлы.
type DataStore interface {
	CreateTree(ctx context.Context, tree *domain.DataTree) error
	GetTree(ctx context.Context, id uuid.UUID) (*domain.DataTree, error)
	UpdateTree(ctx context.Context, tree *domain.DataTree) error

	CreateFile(ctx context.Context, f *domain.FileResource) error
	GetFile(ctx context.Context, id uuid.UUID) (*domain.FileResource, error)
	UpdateFile(ctx context.Context, f *domain.FileResource) error
	FindFiles(ctx context.Context, filter repo.FileFilter) ([]*domain.FileResource, error)
}

// TaskStore — tasks и попытки.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Task, error)
	List(ctx context.Context, filter repo.TaskFilter) ([]*domain.Task, error)

	CreateAttempt(ctx context.Context, a *domain.TaskAttempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TaskAttempt, error)
	UpdateAttempt(ctx context.Context, a *domain.TaskAttempt) error
	ListAttempts(ctx context.Context, taskID uuid.UUID) ([]*domain.TaskAttempt, error)
	ListActiveAttempts(ctx context.Context, limit int) ([]*domain.TaskAttempt, error)
}

// TemplateStore — чтение шаблонов.
type TemplateStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Template, error)
}

// Notifier отправляет уведомление о завершении корневого run.
type Notifier interface {
	Notify(ctx context.Context, run *domain.Run) error
}
