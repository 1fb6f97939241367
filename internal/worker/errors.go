package worker

import "errors"

// Ошибки воркера.
var (
	// ErrTaskNotFound — task не найден в БД.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidWorkerName — из hostname и имени шага не получилось имя хоста.
	ErrInvalidWorkerName = errors.New("invalid worker name")

	// ErrHostNotFound — провайдер не знает хост с таким именем.
	ErrHostNotFound = errors.New("host not found")

	// ErrProvider — провайдер вычислений вернул ошибку.
	ErrProvider = errors.New("compute provider error")
)
