package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/engine"
	"github.com/shaiso/loom/internal/filestore"
	"github.com/shaiso/loom/internal/orchestrator"
	"github.com/shaiso/loom/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeInvalidState    ErrorCode = "INVALID_STATE"
	ErrCodeInternalError   ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidTemplate ErrorCode = "INVALID_TEMPLATE"
)

// ErrorResponse — тело ответа с ошибкой: {"error": {"code", "message"}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// envelope — тело успешного ответа. Total есть только у списков.
type envelope struct {
	Data  any  `json:"data"`
	Total *int `json:"total,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// Success — 200 {"data": ...}.
func Success(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

// Created — 201 {"data": ...}.
func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

// List — 200 {"data": [...], "total": n}.
func List(w http.ResponseWriter, data any, total int) {
	writeJSON(w, http.StatusOK, envelope{Data: data, Total: &total})
}

func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrCodeConflict, message)
}

// InternalError логирует причину; клиент получает 500 без деталей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// errorMapping — класс ошибок и ответ на него.
type errorMapping struct {
	targets []error
	status  int
	code    ErrorCode
}

// errorMappings проверяются по порядку, первое совпадение побеждает.
var errorMappings = []errorMapping{
	{
		targets: []error{orchestrator.ErrRunNotFound, orchestrator.ErrTemplateNotFound, filestore.ErrObjectNotFound},
		status:  http.StatusNotFound,
		code:    ErrCodeNotFound,
	},
	{
		targets: []error{
			orchestrator.ErrInvalidInput,
			domain.ErrNoMatch,
			domain.ErrMultipleMatches,
			domain.ErrTypeMismatch,
			domain.ErrInvalidValue,
		},
		status: http.StatusBadRequest,
		code:   ErrCodeBadRequest,
	},
	{
		targets: []error{repo.ErrAlreadyExists, orchestrator.ErrUnexpectedConcurrentModification},
		status:  http.StatusConflict,
		code:    ErrCodeConflict,
	},
	{
		targets: []error{
			domain.ErrTerminalStatus,
			domain.ErrStatusRegression,
			filestore.ErrNotReady,
			repo.ErrInvalidState,
		},
		status: http.StatusUnprocessableEntity,
		code:   ErrCodeInvalidState,
	},
}

// HandleError отправляет ответ для err и возвращает true, если err != nil.
//
// repo.ErrNotFound отвечает 404 с notFoundMsg: сообщение хранилища
// не говорит, что именно не найдено. Неизвестные ошибки — 500.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	var vErr *engine.ValidationError
	if errors.As(err, &vErr) {
		Error(w, http.StatusBadRequest, ErrCodeInvalidTemplate, vErr.Error())
		return true
	}
	if errors.Is(err, repo.ErrNotFound) {
		NotFound(w, notFoundMsg)
		return true
	}
	for _, m := range errorMappings {
		for _, target := range m.targets {
			if errors.Is(err, target) {
				Error(w, m.status, m.code, err.Error())
				return true
			}
		}
	}

	InternalError(w, logger, err)
	return true
}

