package domain

import (
	"time"

	"github.com/google/uuid"
)

// maxEventDetail — сколько последних символов detail сохраняется.
const maxEventDetail = 1000

// RunEvent — запись журнала run'а. Только добавляется, не меняется.
type RunEvent struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	IsError   bool      `json:"is_error"`
}

// NewRunEvent создаёт событие. Длинный detail обрезается до последних
// 1000 символов.
func NewRunEvent(runID uuid.UUID, event, detail string, isError bool) *RunEvent {
	return &RunEvent{
		ID:        uuid.New(),
		RunID:     runID,
		Timestamp: time.Now(),
		Event:     event,
		Detail:    TruncateDetail(detail),
		IsError:   isError,
	}
}

// TruncateDetail оставляет последние 1000 символов строки.
func TruncateDetail(detail string) string {
	r := []rune(detail)
	if len(r) <= maxEventDetail {
		return detail
	}
	return string(r[len(r)-maxEventDetail:])
}
