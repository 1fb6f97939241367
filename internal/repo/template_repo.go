package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

// TemplateRepo — репозиторий для работы с шаблонами.
//
// Каждый узел дерева шаблонов хранится отдельной строкой,
// тело целиком лежит в JSONB.
type TemplateRepo struct {
	db DB
}

// NewTemplateRepo создаёт новый TemplateRepo.
func NewTemplateRepo(db DB) *TemplateRepo {
	return &TemplateRepo{db: db}
}

// CreateTree сохраняет дерево шаблонов в одной транзакции.
// Первый элемент — корень.
func (r *TemplateRepo) CreateTree(ctx context.Context, templates []*domain.Template) error {
	if len(templates) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO templates (id, name, is_root, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	for i, t := range templates {
		body, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal template %s: %w", t.Name, err)
		}
		if _, err := tx.Exec(ctx, query, t.ID, t.Name, i == 0, body, t.CreatedAt); err != nil {
			return insertError("template", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByID возвращает шаблон по ID.
func (r *TemplateRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	var body []byte
	err := r.db.QueryRow(ctx, `SELECT body FROM templates WHERE id = $1`, id).Scan(&body)
	if err != nil {
		return nil, noRows("template", err)
	}

	var t domain.Template
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("unmarshal template %s: %w", id, err)
	}
	return &t, nil
}

// List возвращает корневые шаблоны, новые первыми.
func (r *TemplateRepo) List(ctx context.Context, limit, offset int) ([]*domain.Template, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT body FROM templates
		WHERE is_root
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []*domain.Template
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		var t domain.Template
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("unmarshal template: %w", err)
		}
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}
