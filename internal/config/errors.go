package config

import "errors"

var (
	// ErrLoad — не удалось прочитать источник конфигурации.
	ErrLoad = errors.New("config: load failed")

	// ErrInvalid — конфигурация не прошла проверку.
	ErrInvalid = errors.New("config: invalid")
)
