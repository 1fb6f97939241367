package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// TemplateResponse — шаблон из API.
type TemplateResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Type      string           `json:"type"`
	Command   string           `json:"command,omitempty"`
	Steps     []string         `json:"steps,omitempty"`
	Inputs    []map[string]any `json:"inputs,omitempty"`
	Outputs   []map[string]any `json:"outputs,omitempty"`
	CreatedAt string           `json:"created_at"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	TemplateID     string `json:"template_id"`
	ParentID       string `json:"parent_id,omitempty"`
	Type           string `json:"type,omitempty"`
	Status         string `json:"status"`
	StatusLabel    string `json:"status_label"`
	Postprocessing string `json:"postprocessing_status"`
	StartedAt      string `json:"started_at,omitempty"`
	FinishedAt     string `json:"finished_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// ChannelData — канал run с данными.
type ChannelData struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Mode    string `json:"mode,omitempty"`
	Ready   bool   `json:"ready"`
	Data    any    `json:"data,omitempty"`
}

// RunEvent — запись журнала run.
type RunEvent struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
	IsError   bool   `json:"is_error"`
}

// RunDetailResponse — run с детьми, каналами и журналом.
type RunDetailResponse struct {
	RunResponse

	Children []RunResponse `json:"children,omitempty"`
	Inputs   []ChannelData `json:"inputs,omitempty"`
	Outputs  []ChannelData `json:"outputs,omitempty"`
	Events   []RunEvent    `json:"events,omitempty"`
}

// AttemptResponse — попытка task.
type AttemptResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	WorkerName string `json:"worker_name,omitempty"`
	Errors     []struct {
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	} `json:"errors,omitempty"`
}

// TaskResponse — task из API.
type TaskResponse struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	Key          string            `json:"key"`
	Command      string            `json:"command"`
	Status       string            `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	Attempts     []AttemptResponse `json:"attempts,omitempty"`
	CreatedAt    string            `json:"created_at"`
}

// FileResponse — файл из API.
type FileResponse struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	MD5          string `json:"md5"`
	FileURL      string `json:"file_url"`
	UploadStatus string `json:"upload_status"`
	Source       string `json:"source"`
	CreatedAt    string `json:"created_at"`
}

// --- Request types ---

// StartRunRequest — запуск шаблона.
type StartRunRequest struct {
	Template              string         `json:"template"`
	Name                  string         `json:"name,omitempty"`
	Inputs                map[string]any `json:"inputs,omitempty"`
	NotificationAddresses []string       `json:"notification_addresses,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Status string
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Loom API.
type Client struct {
	http *resty.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Accept", "application/json").
			SetError(&errorResponse{}),
	}
}

// --- Templates ---

// ImportTemplate загружает документ шаблона (YAML или JSON).
func (c *Client) ImportTemplate(doc []byte) (*TemplateResponse, error) {
	var tmpl TemplateResponse
	err := c.do(c.http.R().SetHeader("Content-Type", "application/yaml").SetBody(doc), "POST", "/api/v1/templates", &tmpl)
	return &tmpl, err
}

// ListTemplates возвращает корневые шаблоны.
func (c *Client) ListTemplates(limit int) ([]TemplateResponse, error) {
	var templates []TemplateResponse
	req := c.http.R()
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	err := c.do(req, "GET", "/api/v1/templates", &templates)
	return templates, err
}

// GetTemplate возвращает шаблон по ID.
func (c *Client) GetTemplate(id string) (*TemplateResponse, error) {
	var tmpl TemplateResponse
	err := c.do(c.http.R().SetPathParam("id", id), "GET", "/api/v1/templates/{id}", &tmpl)
	return &tmpl, err
}

// --- Runs ---

// ListRuns возвращает корневые runs.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	req := c.http.R()
	if opts.Status != "" {
		req.SetQueryParam("status", opts.Status)
	}
	if opts.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.do(req, "GET", "/api/v1/runs", &runs)
	return runs, err
}

// StartRun запускает шаблон.
func (c *Client) StartRun(body StartRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.do(c.http.R().SetBody(body), "POST", "/api/v1/runs", &run)
	return &run, err
}

// GetRun возвращает run с деталями.
func (c *Client) GetRun(id string) (*RunDetailResponse, error) {
	var run RunDetailResponse
	err := c.do(c.http.R().SetPathParam("id", id), "GET", "/api/v1/runs/{id}", &run)
	return &run, err
}

// KillRun останавливает run.
func (c *Client) KillRun(id, detail string) (*RunResponse, error) {
	var run RunResponse
	req := c.http.R().SetPathParam("id", id).SetBody(map[string]string{"detail": detail})
	err := c.do(req, "POST", "/api/v1/runs/{id}/kill", &run)
	return &run, err
}

// ListTasks возвращает tasks run.
func (c *Client) ListTasks(runID string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	err := c.do(c.http.R().SetPathParam("id", runID), "GET", "/api/v1/runs/{id}/tasks", &tasks)
	return tasks, err
}

// --- Files ---

// ImportFile загружает файл.
func (c *Client) ImportFile(filename string, body io.Reader, comments string) (*FileResponse, error) {
	var file FileResponse
	req := c.http.R().
		SetFileReader("file", filename, body).
		SetFormData(map[string]string{"source": "imported", "comments": comments})
	err := c.do(req, "POST", "/api/v1/files", &file)
	return &file, err
}

// --- HTTP helpers ---

// do выполняет запрос и разворачивает {"data": ...} в result.
func (c *Client) do(req *resty.Request, method, path string, result any) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		if er, ok := resp.Error().(*errorResponse); ok && er.Error.Code != "" {
			return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode())
	}

	var dr dataResponse
	if err := json.Unmarshal(resp.Body(), &dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}
