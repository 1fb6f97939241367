package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 100
)

// Orchestrator ведёт дерево runs от запуска до финального статуса.
//
// Orchestrator:
//   - Раскрывает runs в детей (postprocessing), ровно один раз на run
//   - Связывает каналы детей через connectors родителя
//   - Создаёт tasks для готовых наборов входов листовых runs
//   - Обрабатывает события попыток (running/finished/failed)
//   - Поднимает статусы вверх по дереву и отправляет уведомления
//
// Методы движка (StartRun, Postprocess, Finish, Fail, Kill, ...) можно
// вызывать напрямую, например из API. Start добавляет consumers
// RabbitMQ и polling fallback для зависших раскрытий.
type Orchestrator struct {
	// Stores
	runs      RunStore
	channels  ChannelStore
	data      DataStore
	tasks     TaskStore
	templates TemplateStore

	// Async
	dispatcher Dispatcher
	notifier   Notifier
	conn       *mq.Connection

	settings Settings

	// Consumers
	postprocessConsumer *mq.Consumer
	attemptConsumer     *mq.Consumer
	notifyConsumer      *mq.Consumer

	// Configuration
	pollInterval time.Duration
	batchSize    int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Stores
	Runs      RunStore
	Channels  ChannelStore
	Data      DataStore
	Tasks     TaskStore
	Templates TemplateStore

	// Dispatcher — отправка асинхронной работы.
	Dispatcher Dispatcher

	// Notifier — отправка уведомлений (только для Start).
	Notifier Notifier

	// Conn — соединение RabbitMQ (только для Start).
	Conn *mq.Connection

	// Settings — параметры движка.
	Settings Settings

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 30s)
	BatchSize    int           // runs за один poll (default: 100)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		runs:         cfg.Runs,
		channels:     cfg.Channels,
		data:         cfg.Data,
		tasks:        cfg.Tasks,
		templates:    cfg.Templates,
		dispatcher:   cfg.Dispatcher,
		notifier:     cfg.Notifier,
		conn:         cfg.Conn,
		settings:     cfg.Settings.withDefaults(),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для runs.postprocess
//   - Consumer для attempts.events
//   - Consumer для runs.notify
//   - Polling горутину для раскрытий, потерявших сообщение
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"max_task_retries", o.settings.MaxTaskRetries,
	)

	o.postprocessConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueRunsPostprocess),
		Handler:  mq.HandlerFor(o.handlePostprocess),
		Prefetch: 10,
		Workers:  4,
	})

	o.attemptConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueAttemptsEvents),
		Handler:  mq.HandlerFor(o.handleAttemptEvent),
		Prefetch: 10,
		Workers:  4,
	})

	o.notifyConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueRunsNotify),
		Handler:  mq.HandlerFor(o.handleNotify),
		Prefetch: 5,
		Timeout:  time.Minute,
	})

	for _, c := range []*mq.Consumer{o.postprocessConsumer, o.attemptConsumer, o.notifyConsumer} {
		o.wg.Add(1)
		go func(c *mq.Consumer) {
			defer o.wg.Done()
			if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("consumer error", "error", err)
			}
		}(c)
	}

	// Запускаем polling
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	for _, c := range []*mq.Consumer{o.postprocessConsumer, o.attemptConsumer, o.notifyConsumer} {
		if c != nil {
			c.Stop()
		}
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем runs, созданные пока были выключены)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll раскрывает runs, которые дольше pollInterval ждут postprocessing.
func (o *Orchestrator) poll(ctx context.Context) {
	runs, err := o.runs.List(ctx, repo.RunFilter{
		Postprocessing: domain.PostprocessingNotStarted,
		Active:         true,
		CreatedBefore:  time.Now().Add(-o.pollInterval),
		Limit:          o.batchSize,
	})
	if err != nil {
		o.logger.Error("failed to list runs awaiting postprocessing", "error", err)
		return
	}

	if len(runs) == 0 {
		return
	}

	o.logger.Debug("poll found runs awaiting postprocessing", "count", len(runs))

	for _, run := range runs {
		if ctx.Err() != nil {
			return
		}
		if err := o.Postprocess(ctx, run.ID); err != nil {
			o.logger.Error("failed to postprocess run from poll",
				"run_id", run.ID,
				"error", err,
			)
		}
	}
}

// --- Helpers ---

// saveWithRetries читает запись, применяет mutate и сохраняет с проверкой версии.
//
// mutate возвращает false, если изменять нечего, тогда запись не
// сохраняется и changed=false. Конфликт версий повторяется заново с
// чтения; если повторы кончились — ErrUnexpectedConcurrentModification.
func saveWithRetries[T any](
	ctx context.Context,
	s Settings,
	load func(ctx context.Context) (T, error),
	mutate func(T) bool,
	save func(ctx context.Context, v T) error,
) (result T, changed bool, err error) {
	backoff := retry.WithMaxRetries(s.SaveRetries, retry.NewExponential(s.SaveRetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := load(ctx)
		if err != nil {
			return err
		}
		result = v
		changed = false
		if !mutate(v) {
			return nil
		}
		if err := save(ctx, v); err != nil {
			if errors.Is(err, repo.ErrConcurrentModification) {
				return retry.RetryableError(err)
			}
			return err
		}
		changed = true
		return nil
	})
	if errors.Is(err, repo.ErrConcurrentModification) {
		return result, false, fmt.Errorf("%w: %v", ErrUnexpectedConcurrentModification, err)
	}
	return result, changed, err
}

// updateRun — saveWithRetries для run.
func (o *Orchestrator) updateRun(ctx context.Context, id uuid.UUID, mutate func(*domain.Run) bool) (*domain.Run, bool, error) {
	return saveWithRetries(ctx, o.settings,
		func(ctx context.Context) (*domain.Run, error) { return o.getRun(ctx, id) },
		mutate,
		o.runs.Update,
	)
}

// updateTask — saveWithRetries для task.
func (o *Orchestrator) updateTask(ctx context.Context, id uuid.UUID, mutate func(*domain.Task) bool) (*domain.Task, bool, error) {
	return saveWithRetries(ctx, o.settings,
		func(ctx context.Context) (*domain.Task, error) { return o.tasks.GetByID(ctx, id) },
		mutate,
		o.tasks.Update,
	)
}

// updateAttempt — saveWithRetries для попытки.
func (o *Orchestrator) updateAttempt(ctx context.Context, id uuid.UUID, mutate func(*domain.TaskAttempt) bool) (*domain.TaskAttempt, bool, error) {
	return saveWithRetries(ctx, o.settings,
		func(ctx context.Context) (*domain.TaskAttempt, error) { return o.tasks.GetAttempt(ctx, id) },
		mutate,
		o.tasks.UpdateAttempt,
	)
}

// updateTree — saveWithRetries для дерева данных.
func (o *Orchestrator) updateTree(ctx context.Context, id uuid.UUID, mutate func(*domain.DataTree) bool) (*domain.DataTree, bool, error) {
	return saveWithRetries(ctx, o.settings,
		func(ctx context.Context) (*domain.DataTree, error) { return o.data.GetTree(ctx, id) },
		mutate,
		o.data.UpdateTree,
	)
}

func (o *Orchestrator) getRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := o.runs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (o *Orchestrator) getTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	tmpl, err := o.templates.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return tmpl, nil
}

// addEvent пишет событие в журнал run; ошибка только логируется.
func (o *Orchestrator) addEvent(ctx context.Context, runID uuid.UUID, event, detail string, isError bool) {
	if err := o.runs.AddEvent(ctx, domain.NewRunEvent(runID, event, detail, isError)); err != nil {
		o.logger.Error("failed to add run event", "run_id", runID, "event", event, "error", err)
	}
}

// dispatched логирует ошибку асинхронной отправки. Потерянные сообщения
// подбирают poll и scheduler, поэтому ошибка не возвращается.
func (o *Orchestrator) dispatched(what string, id uuid.UUID, err error) {
	if err != nil {
		o.logger.Error("dispatch failed", "what", what, "id", id, "error", err)
	}
}
