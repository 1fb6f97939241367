package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/engine"
	"github.com/shaiso/loom/internal/orchestrator"
)

// maxTemplateSize — предельный размер документа шаблона.
const maxTemplateSize = 1 << 20

// templateScanPage — размер страницы при поиске шаблона по имени.
const templateScanPage = 500

// ListTemplates возвращает корневые шаблоны.
// GET /api/v1/templates?limit=...&offset=...
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	templates, err := h.templates.List(r.Context(), limit, offset)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]TemplateResponse, len(templates))
	for i, t := range templates {
		result[i] = TemplateFromDomain(t)
	}

	List(w, result, len(result))
}

// CreateTemplate импортирует шаблон вместе со всеми шагами.
// POST /api/v1/templates (YAML или JSON)
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTemplateSize+1))
	if err != nil {
		BadRequest(w, "cannot read request body")
		return
	}
	if len(body) > maxTemplateSize {
		BadRequest(w, "template document is too large")
		return
	}

	tree, err := engine.ParseTemplate(body)
	if HandleError(w, h.logger, err, "") {
		return
	}

	if err := h.templates.CreateTree(r.Context(), tree.Order); HandleError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("template imported",
		"template_id", tree.Root.ID,
		"name", tree.Root.Name,
		"templates", len(tree.Order),
	)

	Created(w, TemplateFromDomain(tree.Root))
}

// GetTemplate возвращает шаблон по ID.
// GET /api/v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid template id")
		return
	}

	tmpl, err := h.templates.GetByID(r.Context(), id)
	if HandleError(w, h.logger, err, "template not found") {
		return
	}

	Success(w, TemplateFromDomain(tmpl))
}

// resolveTemplate находит шаблон по UUID, "name@idprefix" или имени.
func (h *Handler) resolveTemplate(ctx context.Context, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}

	name, prefix, _ := strings.Cut(ref, "@")
	if name == "" {
		return uuid.Nil, fmt.Errorf("%w: empty template reference", orchestrator.ErrInvalidInput)
	}

	var matches []uuid.UUID
	for offset := 0; ; offset += templateScanPage {
		page, err := h.templates.List(ctx, templateScanPage, offset)
		if err != nil {
			return uuid.Nil, err
		}
		for _, t := range page {
			if t.Name == name && strings.HasPrefix(t.ID.String(), prefix) {
				matches = append(matches, t.ID)
			}
		}
		if len(page) < templateScanPage {
			break
		}
	}

	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("%w: %s", orchestrator.ErrTemplateNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return uuid.Nil, fmt.Errorf("%w: template %q", domain.ErrMultipleMatches, ref)
	}
}

// pagination читает limit и offset из query.
func pagination(r *http.Request) (limit, offset int) {
	limit = parseInt(r.URL.Query().Get("limit"), 50)
	offset = parseInt(r.URL.Query().Get("offset"), 0)
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
