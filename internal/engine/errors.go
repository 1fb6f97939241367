package engine

import "errors"

// Ошибки валидации шаблонов.
var (
	// ErrInvalidDocument — документ шаблона не разбирается или не проходит проверку полей.
	ErrInvalidDocument = errors.New("invalid template document")

	// ErrAmbiguousKind — шаблон одновременно step и workflow (или ни то, ни другое).
	ErrAmbiguousKind = errors.New("template must have either a command or steps")

	// ErrEmptyWorkflow — workflow не содержит шагов.
	ErrEmptyWorkflow = errors.New("workflow has no steps")

	// ErrDuplicateChannel — два входа или два выхода с одним каналом.
	ErrDuplicateChannel = errors.New("duplicate channel")

	// ErrInvalidChannel — некорректное описание канала.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrMultipleSources — у канала больше одного источника в workflow.
	ErrMultipleSources = errors.New("channel has more than one source")

	// ErrMissingSource — вход шага не имеет источника в workflow.
	ErrMissingSource = errors.New("channel has no source")

	// ErrCyclicDependency — шаги workflow зависят друг от друга по кругу.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrInvalidData — данные по умолчанию не соответствуют каналу.
	ErrInvalidData = errors.New("invalid default data")
)

// Ошибки рендеринга команд.
var (
	// ErrTemplateRender — ошибка рендеринга команды.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга команды.
	ErrTemplateParse = errors.New("template parse failed")
)

// Ошибки расчёта наборов входов.
var (
	// ErrUnknownInputChannel — событие пришло по каналу, которого нет у run.
	ErrUnknownInputChannel = errors.New("unknown input channel")

	// ErrGatherTooDeep — gather глубже, чем дерево данных.
	ErrGatherTooDeep = errors.New("gather depth exceeds data depth")

	// ErrInputAlignment — входы одной группы нельзя выровнять.
	ErrInputAlignment = errors.New("inputs cannot be aligned")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Template string // имя шаблона, где произошла ошибка
	Field    string // поле, вызвавшее ошибку
	Message  string // описание ошибки
	Err      error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Template != "" {
		return "template " + e.Template + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(template, field, message string, err error) *ValidationError {
	return &ValidationError{
		Template: template,
		Field:    field,
		Message:  message,
		Err:      err,
	}
}
