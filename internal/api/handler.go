package api

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/filestore"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/orchestrator"
	"github.com/shaiso/loom/internal/repo"
)

// TemplateStore — сохранение и чтение шаблонов.
type TemplateStore interface {
	CreateTree(ctx context.Context, templates []*domain.Template) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Template, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Template, error)
}

// RunReader — чтение runs и журналов.
type RunReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]*domain.Run, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Run, error)
	ListEvents(ctx context.Context, runID uuid.UUID) ([]*domain.RunEvent, error)
}

// ChannelReader — входы и выходы runs.
type ChannelReader interface {
	ListInputs(ctx context.Context, runID uuid.UUID) ([]*domain.RunInput, error)
	ListOutputs(ctx context.Context, runID uuid.UUID) ([]*domain.RunOutput, error)
}

// TreeReader — деревья данных каналов.
type TreeReader interface {
	GetTree(ctx context.Context, id uuid.UUID) (*domain.DataTree, error)
}

// TaskStore — tasks и попытки.
type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Task, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TaskAttempt, error)
	UpdateAttempt(ctx context.Context, a *domain.TaskAttempt) error
	ListAttempts(ctx context.Context, taskID uuid.UUID) ([]*domain.TaskAttempt, error)
}

// Engine — операции движка, вызываемые синхронно.
type Engine interface {
	StartRun(ctx context.Context, req orchestrator.StartRequest) (*domain.Run, error)
	Kill(ctx context.Context, runID uuid.UUID, detail string) error
}

// FileService — импорт и чтение файлов.
type FileService interface {
	Import(ctx context.Context, req filestore.ImportRequest) (*domain.FileResource, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.FileResource, error)
	Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, *domain.FileResource, error)
}

// Publisher — события попыток для оркестратора.
type Publisher interface {
	PublishAttemptEvent(ctx context.Context, payload mq.AttemptEventPayload) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	templates TemplateStore
	runs      RunReader
	channels  ChannelReader
	trees     TreeReader
	tasks     TaskStore
	engine    Engine
	files     FileService
	publisher Publisher
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Templates TemplateStore
	Runs      RunReader
	Channels  ChannelReader
	Trees     TreeReader
	Tasks     TaskStore
	Engine    Engine
	Files     FileService
	Publisher Publisher
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		templates: cfg.Templates,
		runs:      cfg.Runs,
		channels:  cfg.Channels,
		trees:     cfg.Trees,
		tasks:     cfg.Tasks,
		engine:    cfg.Engine,
		files:     cfg.Files,
		publisher: cfg.Publisher,
		logger:    logger,
	}
}
