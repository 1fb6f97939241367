package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

// RunRepo — репозиторий для работы с runs и их событиями.
type RunRepo struct {
	db DB
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(db DB) *RunRepo {
	return &RunRepo{db: db}
}

const runColumns = `id, name, template_id, parent_id, kind, body, status, postprocessing_status,
	notification_addresses, version, started_at, finished_at, created_at`

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	// RootsOnly — только корневые runs.
	RootsOnly bool

	// Statuses — допустимые статусы (пусто — любые).
	Statuses []domain.RunStatus

	// Active — только незавершённые runs.
	Active bool

	// Postprocessing — статус раскрытия (пусто — любой).
	Postprocessing domain.PostprocessingStatus

	// CreatedBefore — только созданные раньше этого момента.
	CreatedBefore time.Time

	Limit  int
	Offset int
}

var terminalStatuses = []string{
	string(domain.RunStatusFinished),
	string(domain.RunStatusFailed),
	string(domain.RunStatusKilled),
}

// Create создаёт новый run.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	kind, body, err := marshalRunBody(run.Body)
	if err != nil {
		return err
	}
	addresses, err := json.Marshal(nonNil(run.NotificationAddresses))
	if err != nil {
		return fmt.Errorf("marshal addresses: %w", err)
	}

	query := `
		INSERT INTO runs (id, name, template_id, parent_id, kind, body, status,
		                  postprocessing_status, notification_addresses, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.Exec(ctx, query,
		run.ID,
		run.Name,
		run.TemplateID,
		run.ParentID,
		kind,
		body,
		run.Status,
		run.PostprocessingStatus,
		addresses,
		run.Version,
		run.CreatedAt,
	)
	if err != nil {
		return insertError("run", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	run, err := scanRun(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, noRows("run", err)
	}
	return run, nil
}

// Update сохраняет run, если его версия не изменилась с момента чтения.
// При успехе run.Version увеличивается.
func (r *RunRepo) Update(ctx context.Context, run *domain.Run) error {
	kind, body, err := marshalRunBody(run.Body)
	if err != nil {
		return err
	}
	addresses, err := json.Marshal(nonNil(run.NotificationAddresses))
	if err != nil {
		return fmt.Errorf("marshal addresses: %w", err)
	}

	query := `
		UPDATE runs
		SET kind = $3, body = $4, status = $5, postprocessing_status = $6,
		    notification_addresses = $7, started_at = $8, finished_at = $9,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := r.db.Exec(ctx, query,
		run.ID,
		run.Version,
		kind,
		body,
		run.Status,
		run.PostprocessingStatus,
		addresses,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := checkVersion(ctx, r.db, "runs", run.ID, tag); err != nil {
		return err
	}
	run.Version++
	return nil
}

// ListChildren возвращает детей run в порядке создания.
func (r *RunRepo) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE parent_id = $1 ORDER BY created_at ASC, id ASC`
	return r.query(ctx, "list children", query, parentID)
}

// List возвращает runs с фильтрацией, новые первыми.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]*domain.Run, error) {
	q := squirrel.Select(runColumns).
		From("runs").
		OrderBy("created_at DESC").
		PlaceholderFormat(squirrel.Dollar)

	if filter.RootsOnly {
		q = q.Where("parent_id IS NULL")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where(squirrel.Eq{"status": statuses})
	}
	if filter.Active {
		q = q.Where(squirrel.NotEq{"status": terminalStatuses})
	}
	if filter.Postprocessing != "" {
		q = q.Where(squirrel.Eq{"postprocessing_status": filter.Postprocessing})
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where(squirrel.Lt{"created_at": filter.CreatedBefore})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build runs query: %w", err)
	}
	return r.query(ctx, "list runs", query, args...)
}

func (r *RunRepo) query(ctx context.Context, what, query string, args ...any) ([]*domain.Run, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AddEvent добавляет запись в журнал run.
func (r *RunRepo) AddEvent(ctx context.Context, ev *domain.RunEvent) error {
	query := `
		INSERT INTO run_events (id, run_id, timestamp, event, detail, is_error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, ev.ID, ev.RunID, ev.Timestamp, ev.Event, ev.Detail, ev.IsError)
	if err != nil {
		return insertError("run event", err)
	}
	return nil
}

// ListEvents возвращает журнал run в хронологическом порядке.
func (r *RunRepo) ListEvents(ctx context.Context, runID uuid.UUID) ([]*domain.RunEvent, error) {
	query := `
		SELECT id, run_id, timestamp, event, detail, is_error
		FROM run_events
		WHERE run_id = $1
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []*domain.RunEvent
	for rows.Next() {
		var ev domain.RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Timestamp, &ev.Event, &ev.Detail, &ev.IsError); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- Helpers ---

// rowScanner — общий интерфейс pgx.Row и pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun сканирует одну строку в Run.
func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run       domain.Run
		kind      string
		body      []byte
		addresses []byte
	)
	err := row.Scan(
		&run.ID,
		&run.Name,
		&run.TemplateID,
		&run.ParentID,
		&kind,
		&body,
		&run.Status,
		&run.PostprocessingStatus,
		&addresses,
		&run.Version,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Body, err = unmarshalRunBody(domain.TemplateKind(kind), body)
	if err != nil {
		return nil, err
	}
	if len(addresses) > 0 {
		if err := json.Unmarshal(addresses, &run.NotificationAddresses); err != nil {
			return nil, fmt.Errorf("unmarshal addresses: %w", err)
		}
	}
	return &run, nil
}

func marshalRunBody(body domain.RunBody) (string, []byte, error) {
	if body == nil {
		return "", nil, fmt.Errorf("marshal run body: %w", ErrInvalidState)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("marshal run body: %w", err)
	}
	return string(body.Kind()), data, nil
}

func unmarshalRunBody(kind domain.TemplateKind, data []byte) (domain.RunBody, error) {
	switch kind {
	case domain.KindStep:
		var b domain.LeafBody
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("unmarshal leaf body: %w", err)
		}
		return b, nil
	case domain.KindWorkflow:
		var b domain.BranchBody
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("unmarshal branch body: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown run kind %q: %w", kind, ErrInvalidState)
	}
}

// nonNil заменяет nil-срез пустым, чтобы в JSONB попал [] вместо null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
