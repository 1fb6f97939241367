package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/loom/internal/domain"
)

func TestAPIReporter(t *testing.T) {
	task := newTask("echo hi")
	attempt := domain.NewTaskAttempt(task)
	fileID := uuid.New()

	var (
		update   AttemptUpdate
		report   ErrorReport
		uploaded string
		source   string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/task-attempts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != attempt.ID.String() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": domain.AttemptBundle{Attempt: attempt, Task: task}})
	})
	mux.HandleFunc("PATCH /api/v1/task-attempts/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&update)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/task-attempts/{id}/fail", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&report)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/task-attempts/{id}/finish", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "attempt already finished"}`, http.StatusConflict)
	})
	mux.HandleFunc("POST /api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		body, _ := io.ReadAll(file)
		uploaded = header.Filename + ":" + string(body)
		source = r.FormValue("source")

		res := domain.NewFileResource(header.Filename, domain.FileSource(source))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": res})
	})
	mux.HandleFunc("GET /api/v1/files/{id}/content", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != fileID.String() {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ACGT\n"))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	rep := NewAPIReporter(srv.URL, 0)

	bundle, err := rep.Bundle(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, bundle.Task.ID)
	assert.Equal(t, "echo hi", bundle.Task.Command)

	_, err = rep.Bundle(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrAPI)

	require.NoError(t, rep.Update(ctx, attempt.ID, AttemptUpdate{Status: domain.AttemptRunning}))
	assert.Equal(t, domain.AttemptRunning, update.Status)

	require.NoError(t, rep.Fail(ctx, attempt.ID, ErrorReport{Message: "Command failed", Detail: "exit code 1"}))
	assert.Equal(t, "Command failed", report.Message)

	err = rep.Finish(ctx, attempt.ID)
	assert.ErrorIs(t, err, ErrAPI)
	assert.Contains(t, err.Error(), "409")

	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("result"), 0o644))

	res, err := rep.UploadFile(ctx, path, domain.FileSourceResult)
	require.NoError(t, err)
	assert.Equal(t, "out.txt", res.Filename)
	assert.Equal(t, "out.txt:result", uploaded)
	assert.Equal(t, string(domain.FileSourceResult), source)

	dest := filepath.Join(dir, "inputs", "reads.fq")
	require.NoError(t, rep.DownloadFile(ctx, fileID, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "ACGT\n", string(data))
}
