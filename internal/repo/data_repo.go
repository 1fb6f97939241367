package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

// DataRepo — репозиторий деревьев данных и файловых ресурсов.
type DataRepo struct {
	db DB
}

// NewDataRepo создаёт новый DataRepo.
func NewDataRepo(db DB) *DataRepo {
	return &DataRepo{db: db}
}

// --- Data trees ---

// CreateTree создаёт дерево данных.
func (r *DataRepo) CreateTree(ctx context.Context, tree *domain.DataTree) error {
	root, err := json.Marshal(tree.Root)
	if err != nil {
		return fmt.Errorf("marshal data tree: %w", err)
	}
	query := `
		INSERT INTO data_trees (id, type, root, version, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.Exec(ctx, query, tree.ID, tree.Type, root, tree.Version, tree.CreatedAt); err != nil {
		return insertError("data tree", err)
	}
	return nil
}

// GetTree возвращает дерево данных по ID.
func (r *DataRepo) GetTree(ctx context.Context, id uuid.UUID) (*domain.DataTree, error) {
	query := `SELECT id, type, root, version, created_at FROM data_trees WHERE id = $1`

	var (
		tree domain.DataTree
		root []byte
	)
	err := r.db.QueryRow(ctx, query, id).Scan(&tree.ID, &tree.Type, &root, &tree.Version, &tree.CreatedAt)
	if err != nil {
		return nil, noRows("data tree", err)
	}
	tree.Root = &domain.DataNode{}
	if err := json.Unmarshal(root, tree.Root); err != nil {
		return nil, fmt.Errorf("unmarshal data tree: %w", err)
	}
	return &tree, nil
}

// UpdateTree сохраняет дерево с проверкой версии.
func (r *DataRepo) UpdateTree(ctx context.Context, tree *domain.DataTree) error {
	root, err := json.Marshal(tree.Root)
	if err != nil {
		return fmt.Errorf("marshal data tree: %w", err)
	}
	query := `
		UPDATE data_trees
		SET root = $3, version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := r.db.Exec(ctx, query, tree.ID, tree.Version, root)
	if err != nil {
		return fmt.Errorf("update data tree: %w", err)
	}
	if err := checkVersion(ctx, r.db, "data_trees", tree.ID, tag); err != nil {
		return err
	}
	tree.Version++
	return nil
}

// --- File resources ---

const fileColumns = `id, filename, md5, file_url, upload_status, source, import_comments, created_at`

// FileFilter — параметры поиска файлов.
type FileFilter struct {
	// Filename — точное имя файла.
	Filename string

	// IDPrefix — начало UUID (ссылка вида "reads.fastq@1a2b").
	IDPrefix string

	// MD5 — хэш содержимого.
	MD5 string

	// CompleteOnly — только загруженные.
	CompleteOnly bool

	// Source — происхождение (пусто — любое).
	Source domain.FileSource

	Limit int
}

// CreateFile создаёт запись о файле.
func (r *DataRepo) CreateFile(ctx context.Context, f *domain.FileResource) error {
	query := `
		INSERT INTO file_resources (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		f.ID, f.Filename, nullString(f.MD5), nullString(f.FileURL), f.UploadStatus, f.Source, nullString(f.ImportComments), f.CreatedAt)
	if err != nil {
		return insertError("file resource", err)
	}
	return nil
}

// GetFile возвращает файл по ID.
func (r *DataRepo) GetFile(ctx context.Context, id uuid.UUID) (*domain.FileResource, error) {
	query := `SELECT ` + fileColumns + ` FROM file_resources WHERE id = $1`
	f, err := scanFile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, noRows("file resource", err)
	}
	return f, nil
}

// UpdateFile сохраняет статус загрузки, адрес и хэш.
func (r *DataRepo) UpdateFile(ctx context.Context, f *domain.FileResource) error {
	query := `
		UPDATE file_resources
		SET md5 = $2, file_url = $3, upload_status = $4
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, f.ID, nullString(f.MD5), nullString(f.FileURL), f.UploadStatus)
	if err != nil {
		return fmt.Errorf("update file resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("file resource %s: %w", f.ID, ErrNotFound)
	}
	return nil
}

// FindFiles ищет файлы по фильтру, новые первыми.
func (r *DataRepo) FindFiles(ctx context.Context, filter FileFilter) ([]*domain.FileResource, error) {
	q := squirrel.Select(fileColumns).
		From("file_resources").
		OrderBy("created_at DESC").
		PlaceholderFormat(squirrel.Dollar)

	if filter.Filename != "" {
		q = q.Where(squirrel.Eq{"filename": filter.Filename})
	}
	if filter.IDPrefix != "" {
		q = q.Where(squirrel.Like{"id::text": filter.IDPrefix + "%"})
	}
	if filter.MD5 != "" {
		q = q.Where(squirrel.Eq{"md5": filter.MD5})
	}
	if filter.CompleteOnly {
		q = q.Where(squirrel.Eq{"upload_status": domain.UploadComplete})
	}
	if filter.Source != "" {
		q = q.Where(squirrel.Eq{"source": filter.Source})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build files query: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}
	defer rows.Close()

	var files []*domain.FileResource
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file resource: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func scanFile(row rowScanner) (*domain.FileResource, error) {
	var (
		f                      domain.FileResource
		md5, fileURL, comments *string
	)
	err := row.Scan(&f.ID, &f.Filename, &md5, &fileURL, &f.UploadStatus, &f.Source, &comments, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.MD5 = derefString(md5)
	f.FileURL = derefString(fileURL)
	f.ImportComments = derefString(comments)
	return &f, nil
}
