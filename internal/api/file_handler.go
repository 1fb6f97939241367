package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/filestore"
)

// maxUploadMemory — сколько multipart формы держать в памяти.
const maxUploadMemory = 32 << 20

// ImportFile загружает файл в объектное хранилище.
// POST /api/v1/files (multipart: file, source, comments)
func (h *Handler) ImportFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		BadRequest(w, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		BadRequest(w, "file is required")
		return
	}
	defer file.Close()

	source := domain.FileSource(r.FormValue("source"))
	switch source {
	case "":
		source = domain.FileSourceImported
	case domain.FileSourceImported, domain.FileSourceResult, domain.FileSourceLog:
	default:
		BadRequest(w, "invalid source: "+string(source))
		return
	}

	res, err := h.files.Import(r.Context(), filestore.ImportRequest{
		Filename: header.Filename,
		Source:   source,
		Comments: r.FormValue("comments"),
		Body:     file,
	})
	if HandleError(w, h.logger, err, "") {
		return
	}

	Created(w, res)
}

// GetFile возвращает запись о файле.
// GET /api/v1/files/{id}
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid file id")
		return
	}

	res, err := h.files.Get(r.Context(), id)
	if HandleError(w, h.logger, err, "file not found") {
		return
	}

	Success(w, res)
}

// DownloadFile отдаёт содержимое файла.
// GET /api/v1/files/{id}/content
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid file id")
		return
	}

	body, res, err := h.files.Open(r.Context(), id)
	if HandleError(w, h.logger, err, "file not found") {
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("file download interrupted", "file_id", id, "error", err)
	}
}
