package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputs(t *testing.T) {
	inputs, err := ParseInputs([]string{"name=world", "reads=[\"a.fq\", \"b.fq\"]", "expr=a=b"})
	require.NoError(t, err)
	assert.Equal(t, "world", inputs["name"])
	assert.Equal(t, []any{"a.fq", "b.fq"}, inputs["reads"])
	assert.Equal(t, "a=b", inputs["expr"])

	_, err = ParseInputs([]string{"novalue"})
	assert.Error(t, err)

	_, err = ParseInputs([]string{"a=1", "a=2"})
	assert.Error(t, err)

	_, err = ParseInputs([]string{"a=[1,"})
	assert.Error(t, err)
}

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func TestClient(t *testing.T) {
	var started StartRunRequest
	var templateDoc string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/templates", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		templateDoc = string(b)
		writeData(w, http.StatusCreated, TemplateResponse{ID: "1b2c3d4e-0000-0000-0000-000000000000", Name: "hello", Type: "step"})
	})
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&started)
		writeData(w, http.StatusCreated, RunResponse{ID: "r1", Name: "hello", Status: "WAITING", StatusLabel: "Waiting"})
	})
	mux.HandleFunc("GET /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "FAILED", r.URL.Query().Get("status"))
		writeData(w, http.StatusOK, []RunResponse{{ID: "r1"}, {ID: "r2"}})
	})
	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"run not found"}}`))
	})
	mux.HandleFunc("POST /api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		f, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "ACGT", string(body))
		assert.Equal(t, "imported", r.FormValue("source"))
		writeData(w, http.StatusCreated, FileResponse{ID: "f1", Filename: header.Filename, UploadStatus: "complete"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewClient(srv.URL)

	tmpl, err := client.ImportTemplate([]byte("name: hello\ncommand: echo\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello", tmpl.Name)
	assert.Contains(t, templateDoc, "command: echo")

	run, err := client.StartRun(StartRunRequest{Template: "hello", Inputs: map[string]any{"who": "world"}})
	require.NoError(t, err)
	assert.Equal(t, "r1", run.ID)
	assert.Equal(t, "hello", started.Template)
	assert.Equal(t, "world", started.Inputs["who"])

	runs, err := client.ListRuns(ListRunsOpts{Status: "FAILED"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = client.GetRun("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND: run not found")

	file, err := client.ImportFile("reads.fq", strings.NewReader("ACGT"), "")
	require.NoError(t, err)
	assert.Equal(t, "reads.fq", file.Filename)
}

func TestOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{jsonMode: true, w: &buf, errW: io.Discard}
	out.Print([]string{"ID"}, [][]string{{"x"}}, map[string]string{"id": "x"})
	assert.JSONEq(t, `{"id":"x"}`, buf.String())

	buf.Reset()
	out.jsonMode = false
	out.Print([]string{"ID", "NAME"}, [][]string{{"1", "hello"}}, nil)
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "--")
}

func TestOutput_Details(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{w: &buf, errW: io.Discard}
	out.Details(
		Field{"Run", "align@1234abcd"},
		Field{"Parent", ""},
		Field{"Status", "Running"},
	)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Run:"))
	assert.Contains(t, lines[1], "Running")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "", formatTime(""))
	assert.Equal(t, "yesterday", formatTime("yesterday"))
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, formatTime("2024-03-01T10:20:30.123Z"))

	assert.Equal(t, "1234abcd", shortID("1234abcd-0000-0000-0000-000000000000"))
	assert.Equal(t, "abc", shortID("abc"))

	long := strings.Repeat("x", 100)
	assert.Len(t, []rune(truncate(long)), maxCellWidth)
	assert.True(t, strings.HasSuffix(truncate(long), "..."))
	assert.Equal(t, "short", truncate("short"))

	assert.Equal(t, "yes", yesNo(true))
	assert.Equal(t, "no", yesNo(false))
}
