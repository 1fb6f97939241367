package filestore

import "errors"

// Ошибки хранилища файлов.
var (
	// ErrNotReady — файл ещё не загружен или загрузка не удалась.
	ErrNotReady = errors.New("file is not uploaded")

	// ErrInvalidURL — FileURL не в формате s3://bucket/key.
	ErrInvalidURL = errors.New("invalid file url")

	// ErrObjectNotFound — объекта нет в хранилище.
	ErrObjectNotFound = errors.New("object not found")
)
