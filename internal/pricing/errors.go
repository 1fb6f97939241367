package pricing

import "errors"

// Ошибки каталога.
var (
	// ErrNoInstanceType — ни один тип не подходит под требования.
	ErrNoInstanceType = errors.New("no instance type found")

	// ErrCatalogUnavailable — нет ни ответа API, ни cache-файла.
	ErrCatalogUnavailable = errors.New("instance catalog unavailable")
)
