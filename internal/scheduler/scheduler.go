package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/repo"
)

// LockKey — ключ advisory lock лидера.
const LockKey int64 = 424242

const msgTimedOut = "Attempt timed out"

// RunLister — выборка runs.
type RunLister interface {
	List(ctx context.Context, filter repo.RunFilter) ([]*domain.Run, error)
}

// TaskStore — tasks и попытки.
type TaskStore interface {
	List(ctx context.Context, filter repo.TaskFilter) ([]*domain.Task, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TaskAttempt, error)
	UpdateAttempt(ctx context.Context, a *domain.TaskAttempt) error
	ListActiveAttempts(ctx context.Context, limit int) ([]*domain.TaskAttempt, error)
}

// Publisher — публикация восстановленной работы.
type Publisher interface {
	PublishPostprocess(ctx context.Context, runID uuid.UUID) error
	PublishTaskRun(ctx context.Context, payload mq.TaskRunPayload) error
	PublishAttemptEvent(ctx context.Context, payload mq.AttemptEventPayload) error
}

// Refresher обновляет каталог цен.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Locker — лидерство между экземплярами.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Sweeper выполняет проверки по расписанию.
type Sweeper struct {
	runs      RunLister
	tasks     TaskStore
	publisher Publisher
	pricing   Refresher
	lock      Locker
	logger    *slog.Logger

	sweepSchedule    string
	pricingSchedule  string
	stuckAfter       time.Duration
	heartbeatTimeout time.Duration
	batchSize        int
	now              func() time.Time

	cron     *cron.Cron
	leaderMu sync.Mutex
	leader   bool
}

// Config — конфигурация Sweeper.
type Config struct {
	Runs      RunLister
	Tasks     TaskStore
	Publisher Publisher

	// Pricing — nil, если каталог не обновляется.
	Pricing Refresher

	// Lock — nil, если экземпляр один.
	Lock Locker

	SweepSchedule    string        // default: "@every 1m"
	PricingSchedule  string        // default: "@every 1h"
	StuckAfter       time.Duration // default: 2m
	HeartbeatTimeout time.Duration // default: 5m
	BatchSize        int           // записей за одну проверку (default: 100)

	Logger *slog.Logger
}

// New создаёт Sweeper. Расписания проверяются сразу.
func New(cfg Config) (*Sweeper, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		runs:             cfg.Runs,
		tasks:            cfg.Tasks,
		publisher:        cfg.Publisher,
		pricing:          cfg.Pricing,
		lock:             cfg.Lock,
		logger:           logger,
		sweepSchedule:    cfg.SweepSchedule,
		pricingSchedule:  cfg.PricingSchedule,
		stuckAfter:       cfg.StuckAfter,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		batchSize:        cfg.BatchSize,
		now:              time.Now,
	}
	if s.sweepSchedule == "" {
		s.sweepSchedule = "@every 1m"
	}
	if s.pricingSchedule == "" {
		s.pricingSchedule = "@every 1h"
	}
	if s.stuckAfter <= 0 {
		s.stuckAfter = 2 * time.Minute
	}
	if s.heartbeatTimeout <= 0 {
		s.heartbeatTimeout = 5 * time.Minute
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	for _, expr := range []string{s.sweepSchedule, s.pricingSchedule} {
		if err := ValidateSchedule(expr); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start запускает cron. Задания получают ctx и прекращаются вместе с ним.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	// Ошибки разбора исключены проверкой в New.
	_, _ = s.cron.AddFunc(s.sweepSchedule, func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if s.pricing != nil {
		_, _ = s.cron.AddFunc(s.pricingSchedule, func() {
			if !s.isLeader(ctx) {
				return
			}
			if err := s.pricing.Refresh(ctx); err != nil {
				s.logger.Warn("failed to refresh pricing", "error", err)
			}
		})
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "sweep", s.sweepSchedule, "pricing", s.pricingSchedule)
}

// Stop ждёт завершения текущих проверок и отдаёт лидерство.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()
	if s.leader && s.lock != nil {
		if err := s.lock.Unlock(context.Background()); err != nil {
			s.logger.Warn("failed to release leader lock", "error", err)
		}
		s.leader = false
	}
	s.logger.Info("sweeper stopped")
}

// isLeader пытается стать лидером (или подтверждает лидерство).
func (s *Sweeper) isLeader(ctx context.Context) bool {
	if s.lock == nil {
		return true
	}
	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()
	if s.leader {
		return true
	}
	ok, err := s.lock.TryLock(ctx)
	if err != nil {
		s.logger.Warn("failed to acquire leader lock", "error", err)
		return false
	}
	s.leader = ok
	return ok
}

// Sweep выполняет все проверки один раз, если этот экземпляр — лидер.
//
// Ошибки отдельных записей логируются и не прерывают проверку.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if !s.isLeader(ctx) {
		return nil
	}

	runs, err := s.RecoverPostprocessing(ctx)
	if err != nil {
		return err
	}
	expired, err := s.ExpireAttempts(ctx)
	if err != nil {
		return err
	}
	tasks, err := s.RecoverTasks(ctx)
	if err != nil {
		return err
	}

	if runs+expired+tasks > 0 {
		s.logger.Info("sweep completed",
			"runs_redispatched", runs,
			"attempts_expired", expired,
			"tasks_recovered", tasks,
		)
	}
	return nil
}

// RecoverPostprocessing снова ставит в очередь раскрытие runs,
// ждущих его дольше StuckAfter.
func (s *Sweeper) RecoverPostprocessing(ctx context.Context) (int, error) {
	runs, err := s.runs.List(ctx, repo.RunFilter{
		Postprocessing: domain.PostprocessingNotStarted,
		Active:         true,
		CreatedBefore:  s.now().Add(-s.stuckAfter),
		Limit:          s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list runs awaiting postprocessing: %w", err)
	}

	var n int
	for _, run := range runs {
		if run.HasTerminalStatus() {
			continue
		}
		if err := s.publisher.PublishPostprocess(ctx, run.ID); err != nil {
			s.logger.Error("failed to redispatch postprocessing", "run_id", run.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// ExpireAttempts завершает попытки без heartbeat дольше HeartbeatTimeout.
//
// Попытка закрывается с результатом FAILURE, дальше её обрабатывает
// оркестратор как обычную неудачу (повтор или провал task).
func (s *Sweeper) ExpireAttempts(ctx context.Context) (int, error) {
	attempts, err := s.tasks.ListActiveAttempts(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list active attempts: %w", err)
	}

	now := s.now()
	var n int
	for _, a := range attempts {
		if !a.IsStale(now, s.heartbeatTimeout) {
			continue
		}

		detail := fmt.Sprintf("no heartbeat for %s", s.heartbeatTimeout)
		a.AddError(msgTimedOut, detail)
		if !a.Finish(domain.AttemptResultFailure) {
			continue
		}
		if err := s.tasks.UpdateAttempt(ctx, a); err != nil {
			// Конфликт версии — попытка изменилась, проверим в следующий раз.
			s.logger.Warn("failed to expire attempt", "attempt_id", a.ID, "error", err)
			continue
		}

		s.logger.Warn("attempt timed out",
			"attempt_id", a.ID,
			"task_id", a.TaskID,
			"worker", a.WorkerName,
		)
		s.publishEvent(ctx, a, mq.AttemptEventFailed)
		n++
	}
	return n, nil
}

// RecoverTasks находит незавершённые tasks, у которых нет живой попытки.
//
// Нет попытки — task снова ставится в tasks.run с тем же номером
// попытки (worker отбросит дубликат). Попытка закончилась, а task
// нет — событие попытки публикуется повторно.
func (s *Sweeper) RecoverTasks(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.stuckAfter)
	tasks, err := s.tasks.List(ctx, repo.TaskFilter{
		Statuses:      []domain.TaskStatus{domain.TaskStatusWaiting, domain.TaskStatusRunning},
		CreatedBefore: cutoff,
		Limit:         s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished tasks: %w", err)
	}

	var n int
	for _, task := range tasks {
		if task.AttemptID == nil {
			if err := s.publisher.PublishTaskRun(ctx, mq.TaskRunPayload{
				TaskID:  task.ID,
				RunID:   task.RunID,
				Attempt: task.AttemptCount,
			}); err != nil {
				s.logger.Error("failed to redispatch task", "task_id", task.ID, "error", err)
				continue
			}
			n++
			continue
		}

		attempt, err := s.tasks.GetAttempt(ctx, *task.AttemptID)
		if err != nil {
			s.logger.Error("failed to get attempt", "task_id", task.ID, "attempt_id", *task.AttemptID, "error", err)
			continue
		}
		if !attempt.IsFinished() || attempt.FinishedAt == nil || attempt.FinishedAt.After(cutoff) {
			continue
		}

		event := mq.AttemptEventFailed
		if attempt.Result == domain.AttemptResultSuccess {
			event = mq.AttemptEventFinished
		}
		s.publishEvent(ctx, attempt, event)
		n++
	}
	return n, nil
}

func (s *Sweeper) publishEvent(ctx context.Context, a *domain.TaskAttempt, event mq.AttemptEvent) {
	err := s.publisher.PublishAttemptEvent(ctx, mq.AttemptEventPayload{
		AttemptID: a.ID,
		TaskID:    a.TaskID,
		RunID:     a.RunID,
		Event:     event,
	})
	if err != nil {
		s.logger.Error("failed to publish attempt event", "attempt_id", a.ID, "event", event, "error", err)
	}
}
