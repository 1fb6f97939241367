package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/filestore"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/orchestrator"
	"github.com/shaiso/loom/internal/repo"
)

const helloTemplate = `
name: hello
command: echo {{ .who }}
inputs:
  - channel: who
    type: string
outputs:
  - channel: greeting
    type: string
    source: {stream: stdout}
`

// --- Fixture ---

type nopDispatcher struct{}

func (nopDispatcher) Postprocess(context.Context, uuid.UUID) error { return nil }
func (nopDispatcher) RunTask(context.Context, *domain.Task) error { return nil }
func (nopDispatcher) Notify(context.Context, uuid.UUID) error { return nil }
func (nopDispatcher) DeleteWorker(context.Context, *domain.TaskAttempt) error { return nil }

type fakePublisher struct {
	mu     sync.Mutex
	events []mq.AttemptEventPayload
}

func (p *fakePublisher) PublishAttemptEvent(_ context.Context, payload mq.AttemptEventPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	return nil
}

func (p *fakePublisher) kinds() []mq.AttemptEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]mq.AttemptEvent, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

type testServer struct {
	*httptest.Server
	mem *repo.Memory
	pub *fakePublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := repo.NewMemory()
	pub := &fakePublisher{}

	engine := orchestrator.New(orchestrator.Config{
		Runs:       mem.Runs,
		Channels:   mem.Channels,
		Data:       mem.Data,
		Tasks:      mem.Tasks,
		Templates:  mem.Templates,
		Dispatcher: nopDispatcher{},
	})
	files := filestore.NewService(filestore.Config{
		Store: filestore.NewMemoryStore("loom"),
		Files: mem.Data,
	})

	h := NewHandler(Config{
		Templates: mem.Templates,
		Runs:      mem.Runs,
		Channels:  mem.Channels,
		Trees:     mem.Data,
		Tasks:     mem.Tasks,
		Engine:    engine,
		Files:     files,
		Publisher: pub,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, mem: mem, pub: pub}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+"/api/v1"+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Data
}

func decodeError(t *testing.T, resp *http.Response) ErrorDetail {
	t.Helper()
	var out ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Error
}

func (s *testServer) importTemplate(t *testing.T) TemplateResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/templates", helloTemplate)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeData[TemplateResponse](t, resp)
}

// --- Template Tests ---

func TestTemplates(t *testing.T) {
	s := newTestServer(t)

	tmpl := s.importTemplate(t)
	assert.Equal(t, "hello", tmpl.Name)
	assert.Equal(t, domain.KindStep, tmpl.Type)
	assert.Equal(t, "echo {{ .who }}", tmpl.Command)

	resp := s.do(t, http.MethodGet, "/templates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[[]TemplateResponse](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, tmpl.ID, list[0].ID)

	resp = s.do(t, http.MethodGet, "/templates/"+tmpl.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tmpl.ID, decodeData[TemplateResponse](t, resp).ID)

	resp = s.do(t, http.MethodGet, "/templates/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/templates/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateTemplate_Invalid(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/templates", "name: x\ncommand: echo\nsteps: [{name: y, command: echo}]")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeInvalidTemplate, decodeError(t, resp).Code)
}

// --- Run Tests ---

func TestRuns_Lifecycle(t *testing.T) {
	s := newTestServer(t)
	tmpl := s.importTemplate(t)

	resp := s.do(t, http.MethodPost, "/runs", StartRunRequest{
		Template: "hello@" + tmpl.ID.String()[:8],
		Name:     "greet",
		Inputs:   map[string]any{"who": "world"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeData[RunResponse](t, resp)
	assert.Equal(t, "greet", run.Name)
	assert.Equal(t, tmpl.ID, run.TemplateID)
	assert.Equal(t, domain.RunStatusWaiting, run.Status)

	resp = s.do(t, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]RunResponse](t, resp), 1)

	resp = s.do(t, http.MethodGet, "/runs?status=FINISHED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeData[[]RunResponse](t, resp))

	resp = s.do(t, http.MethodGet, "/runs/"+run.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeData[RunDetailResponse](t, resp)
	assert.Equal(t, run.ID, detail.ID)
	var who *ChannelDataResponse
	for i := range detail.Inputs {
		if detail.Inputs[i].Channel == "who" {
			who = &detail.Inputs[i]
		}
	}
	require.NotNil(t, who, "input channel who not in detail: %+v", detail.Inputs)
	assert.Equal(t, "world", who.Data)
	assert.True(t, who.Ready)

	resp = s.do(t, http.MethodPost, "/runs/"+run.ID.String()+"/kill", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	killed := decodeData[RunResponse](t, resp)
	assert.Equal(t, domain.RunStatusKilled, killed.Status)
	assert.Equal(t, "Killed", killed.StatusLabel)

	resp = s.do(t, http.MethodGet, "/runs/"+run.ID.String()+"/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeData[[]TaskResponse](t, resp))
}

func TestCreateRun_Errors(t *testing.T) {
	s := newTestServer(t)
	s.importTemplate(t)

	tests := []struct {
		name     string
		req      StartRunRequest
		status   int
		contains string
	}{
		{
			name:     "missing input",
			req:      StartRunRequest{Template: "hello"},
			status:   http.StatusBadRequest,
			contains: `Missing input for channel(s) "who"`,
		},
		{
			name:     "unknown channel",
			req:      StartRunRequest{Template: "hello", Inputs: map[string]any{"who": "x", "extra": 1}},
			status:   http.StatusBadRequest,
			contains: "extra",
		},
		{
			name:   "unknown template",
			req:    StartRunRequest{Template: "nope"},
			status: http.StatusNotFound,
		},
		{
			name:   "empty template",
			req:    StartRunRequest{},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/runs", tt.req)
			require.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, decodeError(t, resp).Message, tt.contains)
		})
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/runs/"+uuid.NewString()+"/kill", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- Attempt Tests ---

func (s *testServer) newAttempt(t *testing.T) *domain.TaskAttempt {
	t.Helper()
	ctx := context.Background()
	task := &domain.Task{
		ID:      uuid.New(),
		RunID:   uuid.New(),
		Key:     "0",
		Command: "echo world",
		Status:  domain.TaskStatusRunning,
		Outputs: []domain.TaskOutput{
			{Channel: "greeting", Type: domain.TypeString, Source: domain.OutputSource{Stream: "stdout"}},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.mem.Tasks.Create(ctx, task))
	attempt := domain.NewTaskAttempt(task)
	require.NoError(t, s.mem.Tasks.CreateAttempt(ctx, attempt))
	return attempt
}

func TestAttempt_Callbacks(t *testing.T) {
	s := newTestServer(t)
	attempt := s.newAttempt(t)
	path := "/task-attempts/" + attempt.ID.String()

	resp := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bundle := decodeData[domain.AttemptBundle](t, resp)
	require.NotNil(t, bundle.Attempt)
	require.NotNil(t, bundle.Task)
	assert.Equal(t, attempt.TaskID, bundle.Task.ID)

	resp = s.do(t, http.MethodPatch, path, AttemptUpdateRequest{Status: domain.AttemptRunning, Heartbeat: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeData[domain.TaskAttempt](t, resp)
	assert.Equal(t, domain.AttemptRunning, updated.Status)
	assert.NotNil(t, updated.LastHeartbeat)

	// Повторный RUNNING не публикует событие.
	resp = s.do(t, http.MethodPatch, path, AttemptUpdateRequest{Status: domain.AttemptRunning})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []mq.AttemptEvent{mq.AttemptEventRunning}, s.pub.kinds())

	resp = s.do(t, http.MethodPatch, path, AttemptUpdateRequest{Status: domain.AttemptNotStarted})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = s.do(t, http.MethodPatch, path, AttemptUpdateRequest{Status: "SLEEPING"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, path+"/outputs", []OutputDataRequest{
		{Channel: "greeting", Data: domain.NewString("world")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated = decodeData[domain.TaskAttempt](t, resp)
	out, ok := updated.Output("greeting")
	require.True(t, ok)
	require.NotNil(t, out.Data)
	assert.Equal(t, "world", out.Data.Value)

	resp = s.do(t, http.MethodPost, path+"/outputs", []OutputDataRequest{
		{Channel: "nope", Data: domain.NewString("x")},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, path+"/outputs", []OutputDataRequest{
		{Channel: "greeting", Data: domain.NewInteger(1)},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, path+"/errors", ErrorRequest{Message: "warning", Detail: "disk almost full"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, decodeData[domain.TaskAttempt](t, resp).Errors, 1)

	resp = s.do(t, http.MethodPost, path+"/finish", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []mq.AttemptEvent{mq.AttemptEventRunning, mq.AttemptEventFinished}, s.pub.kinds())

	// Итог выставляет оркестратор; после него callbacks опаздывают.
	ctx := context.Background()
	cur, err := s.mem.Tasks.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.True(t, cur.Finish(domain.AttemptResultSuccess))
	require.NoError(t, s.mem.Tasks.UpdateAttempt(ctx, cur))

	resp = s.do(t, http.MethodPost, path+"/finish", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPost, path+"/fail", ErrorRequest{Message: "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, s.pub.kinds(), 2)
}

func TestAttempt_Fail(t *testing.T) {
	s := newTestServer(t)
	attempt := s.newAttempt(t)
	path := "/task-attempts/" + attempt.ID.String()

	resp := s.do(t, http.MethodPost, path+"/fail", ErrorRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, path+"/fail", ErrorRequest{Message: "Command failed", Detail: "exit code 1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	failed := decodeData[domain.TaskAttempt](t, resp)
	require.Len(t, failed.Errors, 1)
	assert.Equal(t, "Command failed", failed.Errors[0].Message)
	assert.Equal(t, []mq.AttemptEvent{mq.AttemptEventFailed}, s.pub.kinds())
	assert.Equal(t, attempt.ID, s.pub.events[0].AttemptID)
	assert.Equal(t, attempt.RunID, s.pub.events[0].RunID)
}

func TestAttempt_NotFound(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/task-attempts/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodPatch, "/task-attempts/"+uuid.NewString(), AttemptUpdateRequest{Heartbeat: true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- File Tests ---

func TestFiles(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "reads.fq")
	require.NoError(t, err)
	_, err = part.Write([]byte("ACGT\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("comments", "sample 1"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.URL+"/api/v1/files", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeData[domain.FileResource](t, resp)
	assert.Equal(t, "reads.fq", res.Filename)
	assert.Equal(t, domain.FileSourceImported, res.Source)
	assert.True(t, res.IsReady())

	got := s.do(t, http.MethodGet, "/files/"+res.ID.String(), nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, res.ID, decodeData[domain.FileResource](t, got).ID)

	content := s.do(t, http.MethodGet, "/files/"+res.ID.String()+"/content", nil)
	require.Equal(t, http.StatusOK, content.StatusCode)
	data, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, "ACGT\n", string(data))

	missing := s.do(t, http.MethodGet, "/files/"+uuid.NewString()+"/content", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestImportFile_MissingFile(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("source", "imported"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.URL+"/api/v1/files", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- Middleware Tests ---

func TestRequestID(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/templates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := uuid.Parse(resp.Header.Get(HeaderRequestID))
	assert.NoError(t, err, "generated request id should be a uuid")

	req, err := http.NewRequest(http.MethodGet, s.URL+"/api/v1/templates", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "trace-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "trace-42", resp.Header.Get(HeaderRequestID))
}

func TestRecovery(t *testing.T) {
	h := Chain(RequestID(slog.Default()), Observe(slog.Default()), Recovery(slog.Default()))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
}
