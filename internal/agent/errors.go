package agent

import "errors"

// Ошибки агента.
var (
	// ErrCommandFailed — команда завершилась с ненулевым кодом.
	ErrCommandFailed = errors.New("command failed")

	// ErrMissingOutput — источник выхода не найден после выполнения.
	ErrMissingOutput = errors.New("output not found")

	// ErrParse — парсер не смог разобрать текст выхода.
	ErrParse = errors.New("failed to parse output")

	// ErrAPI — API ответил ошибкой.
	ErrAPI = errors.New("api request failed")
)
