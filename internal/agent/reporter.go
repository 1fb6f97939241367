package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

// --- Request types (дублируются из api/dto.go, агент не импортирует internal/api) ---

// AttemptUpdate — PATCH /task-attempts/{id}.
type AttemptUpdate struct {
	Status    domain.TaskAttemptStatus `json:"status,omitempty"`
	Heartbeat bool                     `json:"heartbeat,omitempty"`
	LogFiles  []uuid.UUID              `json:"log_files,omitempty"`
}

// OutputData — данные одного выхода.
type OutputData struct {
	Channel string             `json:"channel"`
	Data    *domain.DataObject `json:"data"`
}

// ErrorReport — ошибка попытки.
type ErrorReport struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// dataResponse — обёртка успешного ответа API.
type dataResponse[T any] struct {
	Data T `json:"data"`
}

// Reporter — связь агента с API.
type Reporter interface {
	Bundle(ctx context.Context, attemptID uuid.UUID) (*domain.AttemptBundle, error)
	Update(ctx context.Context, attemptID uuid.UUID, update AttemptUpdate) error
	SubmitOutputs(ctx context.Context, attemptID uuid.UUID, outputs []OutputData) error
	Finish(ctx context.Context, attemptID uuid.UUID) error
	Fail(ctx context.Context, attemptID uuid.UUID, report ErrorReport) error
	UploadFile(ctx context.Context, path string, source domain.FileSource) (*domain.FileResource, error)
	DownloadFile(ctx context.Context, fileID uuid.UUID, dest string) error
}

// APIReporter — Reporter поверх HTTP API.
type APIReporter struct {
	client *resty.Client
}

// NewAPIReporter создаёт APIReporter для адреса API ("http://loom:8080").
func NewAPIReporter(apiURL string, timeout time.Duration) *APIReporter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(apiURL+"/api/v1").
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)
	return &APIReporter{client: client}
}

func (r *APIReporter) Bundle(ctx context.Context, attemptID uuid.UUID) (*domain.AttemptBundle, error) {
	var out dataResponse[domain.AttemptBundle]
	resp, err := r.attempt(ctx, attemptID).
		SetResult(&out).
		Get("/task-attempts/{id}")
	if err := checkResponse("get attempt", resp, err); err != nil {
		return nil, err
	}
	if out.Data.Attempt == nil || out.Data.Task == nil {
		return nil, fmt.Errorf("%w: incomplete attempt bundle", ErrAPI)
	}
	return &out.Data, nil
}

func (r *APIReporter) Update(ctx context.Context, attemptID uuid.UUID, update AttemptUpdate) error {
	resp, err := r.attempt(ctx, attemptID).
		SetBody(update).
		Patch("/task-attempts/{id}")
	return checkResponse("update attempt", resp, err)
}

func (r *APIReporter) SubmitOutputs(ctx context.Context, attemptID uuid.UUID, outputs []OutputData) error {
	resp, err := r.attempt(ctx, attemptID).
		SetBody(outputs).
		Post("/task-attempts/{id}/outputs")
	return checkResponse("submit outputs", resp, err)
}

func (r *APIReporter) Finish(ctx context.Context, attemptID uuid.UUID) error {
	resp, err := r.attempt(ctx, attemptID).Post("/task-attempts/{id}/finish")
	return checkResponse("finish attempt", resp, err)
}

func (r *APIReporter) Fail(ctx context.Context, attemptID uuid.UUID, report ErrorReport) error {
	resp, err := r.attempt(ctx, attemptID).
		SetBody(report).
		Post("/task-attempts/{id}/fail")
	return checkResponse("fail attempt", resp, err)
}

// UploadFile загружает файл через POST /files (multipart).
func (r *APIReporter) UploadFile(ctx context.Context, path string, source domain.FileSource) (*domain.FileResource, error) {
	var out dataResponse[domain.FileResource]
	resp, err := r.client.R().
		SetContext(ctx).
		SetFile("file", path).
		SetFormData(map[string]string{"source": string(source)}).
		SetResult(&out).
		Post("/files")
	if err := checkResponse("upload "+filepath.Base(path), resp, err); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// DownloadFile сохраняет содержимое файла в dest.
func (r *APIReporter) DownloadFile(ctx context.Context, fileID uuid.UUID, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("id", fileID.String()).
		SetOutput(dest).
		Get("/files/{id}/content")
	return checkResponse("download "+filepath.Base(dest), resp, err)
}

func (r *APIReporter) attempt(ctx context.Context, id uuid.UUID) *resty.Request {
	return r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetPathParam("id", id.String())
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: status %d: %s", ErrAPI, op, resp.StatusCode(), resp.String())
	}
	return nil
}
