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

// TaskRepo — репозиторий для работы с tasks и их попытками.
type TaskRepo struct {
	db DB
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(db DB) *TaskRepo {
	return &TaskRepo{db: db}
}

const taskColumns = `id, run_id, key, data_path, inputs, outputs, command, interpreter,
	environment, resources, status, attempt_count, attempt_id, version, created_at, finished_at`

// TaskFilter — параметры фильтрации tasks.
type TaskFilter struct {
	RunID         *uuid.UUID
	Statuses      []domain.TaskStatus
	CreatedBefore time.Time
	Limit         int
}

// Create создаёт новый task.
// Повтор для того же (run_id, key) возвращает ErrAlreadyExists.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	cols, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.Exec(ctx, query,
		task.ID,
		task.RunID,
		task.Key,
		cols.dataPath,
		cols.inputs,
		cols.outputs,
		task.Command,
		nullString(task.Interpreter),
		cols.environment,
		cols.resources,
		task.Status,
		task.AttemptCount,
		task.AttemptID,
		task.Version,
		task.CreatedAt,
		task.FinishedAt,
	)
	if err != nil {
		return insertError("task", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, noRows("task", err)
	}
	return task, nil
}

// Update сохраняет task с проверкой версии.
func (r *TaskRepo) Update(ctx context.Context, task *domain.Task) error {
	outputs, err := json.Marshal(nonNil(task.Outputs))
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	query := `
		UPDATE tasks
		SET outputs = $3, status = $4, attempt_count = $5, attempt_id = $6,
		    finished_at = $7, version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := r.db.Exec(ctx, query,
		task.ID,
		task.Version,
		outputs,
		task.Status,
		task.AttemptCount,
		task.AttemptID,
		task.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := checkVersion(ctx, r.db, "tasks", task.ID, tag); err != nil {
		return err
	}
	task.Version++
	return nil
}

// ListByRun возвращает tasks листового run.
func (r *TaskRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Task, error) {
	return r.List(ctx, TaskFilter{RunID: &runID})
}

// List возвращает tasks по фильтру в порядке создания.
func (r *TaskRepo) List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error) {
	q := squirrel.Select(taskColumns).
		From("tasks").
		OrderBy("created_at ASC").
		PlaceholderFormat(squirrel.Dollar)

	if filter.RunID != nil {
		// uuid.UUID — массив, squirrel развернул бы его в IN (...)
		q = q.Where(squirrel.Eq{"run_id": filter.RunID.String()})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where(squirrel.Eq{"status": statuses})
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where(squirrel.Lt{"created_at": filter.CreatedBefore})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build tasks query: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// --- Attempts ---

const attemptColumns = `id, task_id, run_id, status, result, errors, worker_name, instance_type,
	outputs, log_files, last_heartbeat, version, created_at, finished_at`

// CreateAttempt создаёт попытку.
func (r *TaskRepo) CreateAttempt(ctx context.Context, a *domain.TaskAttempt) error {
	cols, err := marshalAttemptJSON(a)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO task_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Exec(ctx, query,
		a.ID, a.TaskID, a.RunID, a.Status, a.Result, cols.errors,
		nullString(a.WorkerName), nullString(a.InstanceType), cols.outputs, cols.logFiles,
		a.LastHeartbeat, a.Version, a.CreatedAt, a.FinishedAt,
	)
	if err != nil {
		return insertError("task attempt", err)
	}
	return nil
}

// GetAttempt возвращает попытку по ID.
func (r *TaskRepo) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TaskAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM task_attempts WHERE id = $1`
	a, err := scanAttempt(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, noRows("task attempt", err)
	}
	return a, nil
}

// UpdateAttempt сохраняет попытку с проверкой версии.
func (r *TaskRepo) UpdateAttempt(ctx context.Context, a *domain.TaskAttempt) error {
	cols, err := marshalAttemptJSON(a)
	if err != nil {
		return err
	}
	query := `
		UPDATE task_attempts
		SET status = $3, result = $4, errors = $5, worker_name = $6, instance_type = $7,
		    outputs = $8, log_files = $9, last_heartbeat = $10, finished_at = $11,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := r.db.Exec(ctx, query,
		a.ID, a.Version, a.Status, a.Result, cols.errors,
		nullString(a.WorkerName), nullString(a.InstanceType), cols.outputs, cols.logFiles,
		a.LastHeartbeat, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update task attempt: %w", err)
	}
	if err := checkVersion(ctx, r.db, "task_attempts", a.ID, tag); err != nil {
		return err
	}
	a.Version++
	return nil
}

// ListAttempts возвращает попытки task в порядке создания.
func (r *TaskRepo) ListAttempts(ctx context.Context, taskID uuid.UUID) ([]*domain.TaskAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM task_attempts WHERE task_id = $1 ORDER BY created_at ASC`
	return r.queryAttempts(ctx, query, taskID)
}

// ListActiveAttempts возвращает незавершённые попытки, старые первыми.
func (r *TaskRepo) ListActiveAttempts(ctx context.Context, limit int) ([]*domain.TaskAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM task_attempts
		WHERE status <> 'FINISHED'
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.queryAttempts(ctx, query, limit)
}

func (r *TaskRepo) queryAttempts(ctx context.Context, query string, arg any) ([]*domain.TaskAttempt, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list task attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Helpers ---

type taskJSON struct {
	dataPath, inputs, outputs, environment, resources []byte
}

func marshalTaskJSON(task *domain.Task) (taskJSON, error) {
	var (
		cols taskJSON
		err  error
	)
	if cols.dataPath, err = json.Marshal(nonNil(task.DataPath)); err != nil {
		return cols, fmt.Errorf("marshal data path: %w", err)
	}
	if cols.inputs, err = json.Marshal(nonNil(task.Inputs)); err != nil {
		return cols, fmt.Errorf("marshal inputs: %w", err)
	}
	if cols.outputs, err = json.Marshal(nonNil(task.Outputs)); err != nil {
		return cols, fmt.Errorf("marshal outputs: %w", err)
	}
	if cols.environment, err = json.Marshal(task.Environment); err != nil {
		return cols, fmt.Errorf("marshal environment: %w", err)
	}
	if cols.resources, err = json.Marshal(task.Resources); err != nil {
		return cols, fmt.Errorf("marshal resources: %w", err)
	}
	return cols, nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task        domain.Task
		cols        taskJSON
		interpreter *string
	)
	err := row.Scan(
		&task.ID,
		&task.RunID,
		&task.Key,
		&cols.dataPath,
		&cols.inputs,
		&cols.outputs,
		&task.Command,
		&interpreter,
		&cols.environment,
		&cols.resources,
		&task.Status,
		&task.AttemptCount,
		&task.AttemptID,
		&task.Version,
		&task.CreatedAt,
		&task.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Interpreter = derefString(interpreter)

	fields := []struct {
		data []byte
		dst  any
	}{
		{cols.dataPath, &task.DataPath},
		{cols.inputs, &task.Inputs},
		{cols.outputs, &task.Outputs},
		{cols.environment, &task.Environment},
		{cols.resources, &task.Resources},
	}
	for _, f := range fields {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", task.ID, err)
		}
	}
	return &task, nil
}

type attemptJSON struct {
	errors, outputs, logFiles []byte
}

func marshalAttemptJSON(a *domain.TaskAttempt) (attemptJSON, error) {
	var (
		cols attemptJSON
		err  error
	)
	if cols.errors, err = json.Marshal(nonNil(a.Errors)); err != nil {
		return cols, fmt.Errorf("marshal errors: %w", err)
	}
	if cols.outputs, err = json.Marshal(nonNil(a.Outputs)); err != nil {
		return cols, fmt.Errorf("marshal outputs: %w", err)
	}
	if cols.logFiles, err = json.Marshal(nonNil(a.LogFiles)); err != nil {
		return cols, fmt.Errorf("marshal log files: %w", err)
	}
	return cols, nil
}

func scanAttempt(row rowScanner) (*domain.TaskAttempt, error) {
	var (
		a                    domain.TaskAttempt
		cols                 attemptJSON
		worker, instanceType *string
	)
	err := row.Scan(
		&a.ID,
		&a.TaskID,
		&a.RunID,
		&a.Status,
		&a.Result,
		&cols.errors,
		&worker,
		&instanceType,
		&cols.outputs,
		&cols.logFiles,
		&a.LastHeartbeat,
		&a.Version,
		&a.CreatedAt,
		&a.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	a.WorkerName = derefString(worker)
	a.InstanceType = derefString(instanceType)

	fields := []struct {
		data []byte
		dst  any
	}{
		{cols.errors, &a.Errors},
		{cols.outputs, &a.Outputs},
		{cols.logFiles, &a.LogFiles},
	}
	for _, f := range fields {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal attempt %s: %w", a.ID, err)
		}
	}
	return &a, nil
}
