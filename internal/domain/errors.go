package domain

import "errors"

// Ошибки модели данных.
var (
	// ErrUnknownType — тип данных не из списка boolean/float/file/integer/string.
	ErrUnknownType = errors.New("unknown data type")

	// ErrTypeMismatch — значение не соответствует объявленному типу.
	ErrTypeMismatch = errors.New("data type mismatch")

	// ErrNestedArrays — попытка положить массив в массив.
	ErrNestedArrays = errors.New("nested arrays are not allowed")

	// ErrNonArray — операция над массивом вызвана для скаляра.
	ErrNonArray = errors.New("data object is not an array")

	// ErrInvalidValue — значение не удалось разобрать в нужный тип.
	ErrInvalidValue = errors.New("invalid value")

	// ErrNoMatch — в хранилище не найден объект по ссылке.
	ErrNoMatch = errors.New("no data object matches reference")

	// ErrMultipleMatches — ссылка неоднозначна.
	ErrMultipleMatches = errors.New("multiple data objects match reference")
)

// Ошибки дерева данных.
var (
	// ErrDegreeMismatch — у узла уже другая степень (число детей).
	ErrDegreeMismatch = errors.New("data node degree mismatch")

	// ErrDataConflict — по пути уже лежит другой объект.
	ErrDataConflict = errors.New("data node already has different data")

	// ErrInvalidPath — некорректный путь (индекс вне степени, путь сквозь лист).
	ErrInvalidPath = errors.New("invalid data path")

	// ErrMissingBranch — по пути ещё нет узла.
	ErrMissingBranch = errors.New("data node does not exist yet")

	// ErrUnevenDepth — листья канала лежат на разной глубине.
	ErrUnevenDepth = errors.New("data tree leaves have uneven depth")
)

// Ошибки каналов.
var (
	// ErrInvalidMode — нераспознанный режим входа/выхода.
	ErrInvalidMode = errors.New("invalid channel mode")

	// ErrChannelConflict — каналы уже связаны с разными деревьями данных.
	ErrChannelConflict = errors.New("channels already hold different data")
)

// Ошибки состояния.
var (
	// ErrTerminalStatus — переход из финального статуса запрещён.
	ErrTerminalStatus = errors.New("status is terminal")

	// ErrStatusRegression — статус попытки не может идти назад.
	ErrStatusRegression = errors.New("attempt status cannot move backwards")
)
