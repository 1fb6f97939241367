package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/orchestrator"
	"github.com/shaiso/loom/internal/repo"
)

// ListRuns возвращает корневые runs.
// GET /api/v1/runs?status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := repo.RunFilter{RootsOnly: true, Limit: limit, Offset: offset}

	for _, s := range r.URL.Query()["status"] {
		status, ok := domain.ParseRunStatus(s)
		if !ok {
			BadRequest(w, "invalid status: "+s)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	runs, err := h.runs.List(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// CreateRun запускает шаблон.
// POST /api/v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Template == "" {
		BadRequest(w, "template is required")
		return
	}

	templateID, err := h.resolveTemplate(r.Context(), req.Template)
	if HandleError(w, h.logger, err, "template not found") {
		return
	}

	run, err := h.engine.StartRun(r.Context(), orchestrator.StartRequest{
		TemplateID:            templateID,
		Name:                  req.Name,
		Inputs:                req.Inputs,
		NotificationAddresses: req.NotificationAddresses,
	})
	if HandleError(w, h.logger, err, "template not found") {
		return
	}

	Created(w, RunFromDomain(run))
}

// GetRun возвращает run с детьми, каналами и журналом.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	ctx := r.Context()
	run, err := h.runs.GetByID(ctx, id)
	if HandleError(w, h.logger, err, "run not found") {
		return
	}

	detail, err := h.runDetail(ctx, run)
	if HandleError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, detail)
}

func (h *Handler) runDetail(ctx context.Context, run *domain.Run) (*RunDetailResponse, error) {
	children, err := h.runs.ListChildren(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	events, err := h.runs.ListEvents(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	inputs, err := h.channels.ListInputs(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	outputs, err := h.channels.ListOutputs(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}

	detail := &RunDetailResponse{
		RunResponse: RunFromDomain(run),
		Events:      events,
	}

	statuses := []domain.RunStatus{run.Status}
	for _, child := range children {
		detail.Children = append(detail.Children, RunFromDomain(child))
		statuses = append(statuses, child.Status)
	}
	detail.StatusLabel = domain.StatusLabel(statuses...)

	for _, in := range inputs {
		ch, err := h.channelData(ctx, in.Channel, in.Type, string(in.Mode), in.DataTreeID)
		if err != nil {
			return nil, err
		}
		detail.Inputs = append(detail.Inputs, ch)
	}
	for _, out := range outputs {
		ch, err := h.channelData(ctx, out.Channel, out.Type, string(out.Mode), out.DataTreeID)
		if err != nil {
			return nil, err
		}
		detail.Outputs = append(detail.Outputs, ch)
	}

	return detail, nil
}

// channelData читает дерево канала. Канал без дерева ещё не связан.
func (h *Handler) channelData(ctx context.Context, channel string, t domain.DataType, mode string, treeID *uuid.UUID) (ChannelDataResponse, error) {
	resp := ChannelDataResponse{Channel: channel, Type: t, Mode: mode}
	if treeID == nil {
		return resp, nil
	}
	tree, err := h.trees.GetTree(ctx, *treeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return resp, nil
		}
		return resp, fmt.Errorf("get tree %s: %w", *treeID, err)
	}
	resp.Ready = tree.IsReady()
	resp.Data = nodeValue(tree.Root)
	return resp, nil
}

// nodeValue разворачивает узел в вложенные списки значений.
func nodeValue(n *domain.DataNode) any {
	if n == nil || n.IsEmpty() {
		return nil
	}
	if n.IsLeaf() {
		return n.Data.Native()
	}
	out := make([]any, len(n.Children))
	for i, child := range n.Children {
		out[i] = nodeValue(child)
	}
	return out
}

// KillRun останавливает run и всё его поддерево.
// POST /api/v1/runs/{id}/kill
func (h *Handler) KillRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	var req KillRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Detail == "" {
		req.Detail = "Killed by user"
	}

	ctx := r.Context()
	if err := h.engine.Kill(ctx, id, req.Detail); HandleError(w, h.logger, err, "run not found") {
		return
	}

	run, err := h.runs.GetByID(ctx, id)
	if HandleError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(run))
}

// ListRunTasks возвращает tasks листового run с попытками.
// GET /api/v1/runs/{id}/tasks
func (h *Handler) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	ctx := r.Context()
	if _, err := h.runs.GetByID(ctx, id); HandleError(w, h.logger, err, "run not found") {
		return
	}

	tasks, err := h.tasks.ListByRun(ctx, id)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, task := range tasks {
		attempts, err := h.tasks.ListAttempts(ctx, task.ID)
		if HandleError(w, h.logger, err, "") {
			return
		}
		result[i] = TaskFromDomain(task, attempts)
	}

	List(w, result, len(result))
}
