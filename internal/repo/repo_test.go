package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/loom/internal/domain"
)

// anyArgs — n аргументов, совпадающих с любым значением.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newLeafRun() *domain.Run {
	tmpl := &domain.Template{
		ID:   uuid.New(),
		Name: "hello",
		Body: domain.StepBody{Command: "echo hello"},
	}
	return domain.NewRunFromTemplate(tmpl, nil)
}

// --- RunRepo Tests ---

func TestRunRepo_Update(t *testing.T) {
	t.Run("Should bump version on success", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		run := newLeafRun()
		mock.ExpectExec("UPDATE runs").
			WithArgs(run.ID, 0, "step", pgxmock.AnyArg(), run.Status, run.PostprocessingStatus,
				pgxmock.AnyArg(), run.StartedAt, run.FinishedAt).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = NewRunRepo(mock).Update(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, 1, run.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should report concurrent modification", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		run := newLeafRun()
		mock.ExpectExec("UPDATE runs").
			WithArgs(anyArgs(9)...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(run.ID).
			WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

		err = NewRunRepo(mock).Update(context.Background(), run)
		assert.True(t, errors.Is(err, ErrConcurrentModification))
		assert.Equal(t, 0, run.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should report missing run", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		run := newLeafRun()
		mock.ExpectExec("UPDATE runs").
			WithArgs(anyArgs(9)...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(run.ID).
			WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))

		err = NewRunRepo(mock).Update(context.Background(), run)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRunRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id = \\$1").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	run, err := NewRunRepo(mock).GetByID(context.Background(), id)
	assert.Nil(t, run)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepo_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM runs WHERE parent_id IS NULL AND status IN \\(\\$1,\\$2\\) ORDER BY created_at DESC LIMIT 20").
		WithArgs("RUNNING", "WAITING").
		WillReturnRows(mock.NewRows([]string{"id"}))

	runs, err := NewRunRepo(mock).List(context.Background(), RunFilter{
		RootsOnly: true,
		Statuses:  []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusWaiting},
		Limit:     20,
	})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepo_List_Active(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM runs WHERE status NOT IN \\(\\$1,\\$2,\\$3\\) AND postprocessing_status = \\$4 ORDER BY created_at DESC LIMIT 5").
		WithArgs("FINISHED", "FAILED", "KILLED", domain.PostprocessingNotStarted).
		WillReturnRows(mock.NewRows([]string{"id"}))

	runs, err := NewRunRepo(mock).List(context.Background(), RunFilter{
		Active:         true,
		Postprocessing: domain.PostprocessingNotStarted,
		Limit:          5,
	})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- TaskRepo Tests ---

func TestTaskRepo_Create_Duplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	task := &domain.Task{ID: uuid.New(), RunID: uuid.New(), Key: "", Status: domain.TaskStatusWaiting}
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(anyArgs(16)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = NewTaskRepo(mock).Create(context.Background(), task)
	assert.True(t, errors.Is(err, ErrAlreadyExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	mock.ExpectQuery("FROM tasks WHERE run_id = \\$1 AND status IN \\(\\$2\\) ORDER BY created_at ASC").
		WithArgs(runID.String(), "WAITING").
		WillReturnRows(mock.NewRows([]string{"id"}))

	tasks, err := NewTaskRepo(mock).List(context.Background(), TaskFilter{
		RunID:    &runID,
		Statuses: []domain.TaskStatus{domain.TaskStatusWaiting},
	})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_UpdateAttempt_Conflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a := &domain.TaskAttempt{ID: uuid.New(), Status: domain.AttemptRunning, Version: 3}
	mock.ExpectExec("UPDATE task_attempts").
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM task_attempts").
		WithArgs(a.ID).
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	err = NewTaskRepo(mock).UpdateAttempt(context.Background(), a)
	assert.True(t, errors.Is(err, ErrConcurrentModification))
	assert.Equal(t, 3, a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- TemplateRepo Tests ---

func TestTemplateRepo_CreateTree(t *testing.T) {
	t.Run("Should insert all nodes in one transaction", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		step := &domain.Template{ID: uuid.New(), Name: "step", Body: domain.StepBody{Command: "true"}}
		root := &domain.Template{ID: uuid.New(), Name: "wf", Body: domain.WorkflowBody{Steps: []uuid.UUID{step.ID}}}

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO templates").
			WithArgs(root.ID, "wf", true, pgxmock.AnyArg(), root.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO templates").
			WithArgs(step.ID, "step", false, pgxmock.AnyArg(), step.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		err = NewTemplateRepo(mock).CreateTree(context.Background(), []*domain.Template{root, step})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back on insert error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		root := &domain.Template{ID: uuid.New(), Name: "x", Body: domain.StepBody{Command: "true"}}

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO templates").
			WithArgs(anyArgs(5)...).
			WillReturnError(errors.New("boom"))
		mock.ExpectRollback()

		err = NewTemplateRepo(mock).CreateTree(context.Background(), []*domain.Template{root})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
