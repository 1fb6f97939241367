package domain

import (
	"time"

	"github.com/google/uuid"
)

// FileSource — откуда появился файл.
type FileSource string

const (
	// FileSourceImported — файл загружен пользователем.
	FileSourceImported FileSource = "imported"

	// FileSourceResult — файл произведён task'ом.
	FileSourceResult FileSource = "result"

	// FileSourceLog — лог выполнения попытки.
	FileSourceLog FileSource = "log"
)

// FileResource — запись о файле в объектном хранилище.
//
// DataObject типа file ссылается на FileResource. Сам файл
// может быть ещё не загружен (UploadStatus=incomplete).
type FileResource struct {
	// ID — уникальный идентификатор ресурса.
	ID uuid.UUID `json:"id"`

	// Filename — имя файла без пути ("reads.fastq").
	Filename string `json:"filename"`

	// MD5 — hex-хэш содержимого.
	MD5 string `json:"md5,omitempty"`

	// FileURL — адрес в хранилище ("s3://loom/imported/...").
	FileURL string `json:"file_url,omitempty"`

	// UploadStatus — статус загрузки.
	UploadStatus UploadStatus `json:"upload_status"`

	// Source — происхождение файла.
	Source FileSource `json:"source"`

	// ImportComments — комментарий пользователя при импорте.
	ImportComments string `json:"import_comments,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`
}

// NewFileResource создаёт запись о файле со статусом incomplete.
func NewFileResource(filename string, source FileSource) *FileResource {
	return &FileResource{
		ID:           uuid.New(),
		Filename:     filename,
		UploadStatus: UploadIncomplete,
		Source:       source,
		CreatedAt:    time.Now(),
	}
}

// IsReady возвращает true, если загрузка завершена.
func (f *FileResource) IsReady() bool {
	return f.UploadStatus == UploadComplete
}

// MarkUploaded фиксирует успешную загрузку.
func (f *FileResource) MarkUploaded(url, md5 string) {
	f.FileURL = url
	f.MD5 = md5
	f.UploadStatus = UploadComplete
}

// MarkUploadFailed фиксирует ошибку загрузки.
func (f *FileResource) MarkUploadFailed() {
	f.UploadStatus = UploadFailed
}
