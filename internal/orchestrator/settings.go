package orchestrator

import "time"

// Settings — параметры движка, передаются явно через Config.
type Settings struct {
	// MaxTaskRetries — сколько раз повторить task после первой неудачной попытки.
	MaxTaskRetries int

	// DefaultInterpreter — интерпретатор команды, если шаблон его не задал.
	DefaultInterpreter string

	// SaveRetries — число повторов compare-and-swap при конфликте версий.
	SaveRetries uint64

	// SaveRetryDelay — начальная задержка между повторами.
	SaveRetryDelay time.Duration
}

// DefaultSettings возвращает значения по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		MaxTaskRetries:     0,
		DefaultInterpreter: "/bin/bash -euo pipefail",
		SaveRetries:        10,
		SaveRetryDelay:     5 * time.Millisecond,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.DefaultInterpreter == "" {
		s.DefaultInterpreter = def.DefaultInterpreter
	}
	if s.SaveRetries == 0 {
		s.SaveRetries = def.SaveRetries
	}
	if s.SaveRetryDelay <= 0 {
		s.SaveRetryDelay = def.SaveRetryDelay
	}
	if s.MaxTaskRetries < 0 {
		s.MaxTaskRetries = 0
	}
	return s
}
