package filestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/repo"
)

// FileRepo — записи FileResource.
type FileRepo interface {
	CreateFile(ctx context.Context, f *domain.FileResource) error
	GetFile(ctx context.Context, id uuid.UUID) (*domain.FileResource, error)
	UpdateFile(ctx context.Context, f *domain.FileResource) error
	FindFiles(ctx context.Context, filter repo.FileFilter) ([]*domain.FileResource, error)
}

// Service импортирует и отдаёт файлы.
type Service struct {
	store          ObjectStore
	files          FileRepo
	keepDuplicates bool
	logger         *slog.Logger
}

// Config — конфигурация Service.
type Config struct {
	Store ObjectStore
	Files FileRepo

	// KeepDuplicates — хранить одинаковое содержимое отдельными объектами.
	KeepDuplicates bool

	Logger *slog.Logger
}

// NewService создаёт Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          cfg.Store,
		files:          cfg.Files,
		keepDuplicates: cfg.KeepDuplicates,
		logger:         logger,
	}
}

// ImportRequest — файл для импорта.
type ImportRequest struct {
	Filename string
	Source   domain.FileSource
	Comments string
	Body     io.Reader
}

// Import сохраняет содержимое и создаёт FileResource.
//
// Без KeepDuplicates содержимое с уже загруженным md5 не загружается
// повторно: новая запись ссылается на существующий объект, запись с
// тем же именем возвращается как есть.
func (s *Service) Import(ctx context.Context, req ImportRequest) (*domain.FileResource, error) {
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, fmt.Errorf("invalid filename %q", req.Filename)
	}
	source := req.Source
	if source == "" {
		source = domain.FileSourceImported
	}

	spool, sum, size, err := spoolBody(req.Body)
	if err != nil {
		return nil, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	res := domain.NewFileResource(filename, source)
	res.ImportComments = req.Comments
	res.MD5 = sum

	if !s.keepDuplicates {
		existing, err := s.files.FindFiles(ctx, repo.FileFilter{MD5: sum, CompleteOnly: true})
		if err != nil {
			return nil, fmt.Errorf("find duplicates: %w", err)
		}
		for _, f := range existing {
			if f.Filename == filename && f.Source == source {
				s.logger.Debug("reusing file", "file_id", f.ID, "md5", sum)
				return f, nil
			}
		}
		if len(existing) > 0 {
			res.MarkUploaded(existing[0].FileURL, sum)
			if err := s.files.CreateFile(ctx, res); err != nil {
				return nil, fmt.Errorf("create file: %w", err)
			}
			s.logger.Info("file imported as duplicate", "file_id", res.ID, "filename", filename, "url", res.FileURL)
			return res, nil
		}
	}

	if err := s.files.CreateFile(ctx, res); err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	key := s.objectKey(res, time.Now())
	if err := s.store.Put(ctx, key, spool, size, "application/octet-stream"); err != nil {
		res.MarkUploadFailed()
		if uerr := s.files.UpdateFile(ctx, res); uerr != nil {
			s.logger.Error("failed to mark upload failed", "file_id", res.ID, "error", uerr)
		}
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}

	res.MarkUploaded(fmt.Sprintf("s3://%s/%s", s.store.Bucket(), key), sum)
	if err := s.files.UpdateFile(ctx, res); err != nil {
		return nil, fmt.Errorf("update file: %w", err)
	}

	s.logger.Info("file imported",
		"file_id", res.ID,
		"filename", filename,
		"source", source,
		"size", size,
		"url", res.FileURL,
	)
	return res, nil
}

// Get возвращает запись о файле.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.FileResource, error) {
	return s.files.GetFile(ctx, id)
}

// Open открывает содержимое загруженного файла.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, *domain.FileResource, error) {
	res, err := s.files.GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !res.IsReady() {
		return nil, res, fmt.Errorf("%w: %s is %s", ErrNotReady, res.ID, res.UploadStatus)
	}
	key, err := s.keyFromURL(res.FileURL)
	if err != nil {
		return nil, res, err
	}
	body, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, res, err
	}
	return body, res, nil
}

func (s *Service) objectKey(res *domain.FileResource, now time.Time) string {
	if !s.keepDuplicates {
		return res.MD5
	}
	return fmt.Sprintf("%s/%s-%s-%s",
		sourceDir(res.Source),
		now.UTC().Format("20060102150405"),
		strings.ReplaceAll(res.ID.String(), "-", ""),
		res.Filename,
	)
}

func (s *Service) keyFromURL(url string) (string, error) {
	prefix := "s3://" + s.store.Bucket() + "/"
	if !strings.HasPrefix(url, prefix) || len(url) == len(prefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	return strings.TrimPrefix(url, prefix), nil
}

func sourceDir(source domain.FileSource) string {
	switch source {
	case domain.FileSourceResult:
		return "results"
	case domain.FileSourceLog:
		return "logs"
	default:
		return "imported"
	}
}

// spoolBody копирует тело во временный файл и считает md5:
// ключ объекта зависит от хэша, а хэш известен только после чтения.
func spoolBody(body io.Reader) (*os.File, string, int64, error) {
	if body == nil {
		return nil, "", 0, errors.New("empty body")
	}
	f, err := os.CreateTemp("", "loom-import-*")
	if err != nil {
		return nil, "", 0, fmt.Errorf("create spool: %w", err)
	}
	h := md5.New()
	size, err := io.Copy(io.MultiWriter(f, h), body)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, "", 0, fmt.Errorf("spool body: %w", err)
	}
	return f, hex.EncodeToString(h.Sum(nil)), size, nil
}
