package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ParseLevel парсит имя уровня без учёта регистра: DEBUG, INFO, WARN,
// ERROR. Неизвестное имя — INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger настраивает глобальный логгер из LOG_LEVEL и LOG_FORMAT.
// Используется до загрузки конфигурации и в loom-agent.
func SetupLogger() *slog.Logger {
	return SetupLoggerWith(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// SetupLoggerWith настраивает глобальный логгер.
//
// format: "json" (по умолчанию) или "text" для разработки.
// На уровне DEBUG в записи добавляется источник.
func SetupLoggerWith(level, format string) *slog.Logger {
	logger := NewLogger(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger создаёт логгер, пишущий в w, не трогая глобальный.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

type loggerKey struct{}

// WithLogger кладёт логгер в контекст. Consumers очередей кладут логгер
// с id и типом сообщения.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext возвращает логгер из контекста или fallback.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// ForRun добавляет run_id.
func ForRun(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("run_id", id)
}

// ForTask добавляет task_id.
func ForTask(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("task_id", id)
}

// ForAttempt добавляет attempt_id.
func ForAttempt(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("attempt_id", id)
}
