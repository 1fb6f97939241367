package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в хранилище.
	ErrRunNotFound = errors.New("run not found")

	// ErrTemplateNotFound — шаблон не найден.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrInvalidInput — запрос на запуск не соответствует входам шаблона.
	ErrInvalidInput = errors.New("invalid run input")

	// ErrMultipleSources — второй источник для канала в одной области видимости.
	ErrMultipleSources = errors.New("channel has more than one source")

	// ErrNoInputData — у входа нет ни источника, ни данных по умолчанию.
	ErrNoInputData = errors.New("no input data available")

	// ErrPostprocessingFailed — раскрытие run завершилось ошибкой; run помечен failed.
	ErrPostprocessingFailed = errors.New("postprocessing failed")

	// ErrUnexpectedConcurrentModification — запись так и не удалось сохранить
	// после всех повторов.
	ErrUnexpectedConcurrentModification = errors.New("unexpected concurrent modification")

	// ErrMissingOutput — попытка завершилась без данных для объявленного выхода.
	ErrMissingOutput = errors.New("missing output data")
)
