package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/pricing"
)

// Default configuration values.
const (
	defaultPrefetch        = 5
	defaultScratchDiskSize = 10
	teardownParallelism    = 8
)

// TaskStore — tasks и попытки.
type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	CreateAttempt(ctx context.Context, a *domain.TaskAttempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TaskAttempt, error)
	UpdateAttempt(ctx context.Context, a *domain.TaskAttempt) error
}

// RunReader — чтение runs (имя шага для имени хоста).
type RunReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
}

// Publisher — события попыток и запросы на удаление хостов.
type Publisher interface {
	PublishAttemptEvent(ctx context.Context, payload mq.AttemptEventPayload) error
	PublishWorkerDelete(ctx context.Context, payload mq.WorkerDeletePayload) error
}

// Worker — task manager: создаёт попытки и поднимает для них хосты.
//
// Worker:
//   - Получает tasks.run и создаёт очередную попытку task
//   - Выбирает тип инстанса по каталогу цен (облако)
//   - Создаёт хост и запускает на нём агента
//   - Получает workers.delete и удаляет хосты
//
// Команду выполняет агент на хосте; о результате он сообщает в API.
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Worker struct {
	tasks       TaskStore
	runs        RunReader
	publisher   Publisher
	conn        *mq.Connection
	provisioner HostProvisioner
	catalog     pricing.Catalog

	hostname        string
	scratchDiskSize int
	destroyOnStop   bool

	// хосты, созданные этим процессом и ещё не удалённые
	hostsMu sync.Mutex
	hosts   map[string]struct{}

	// Consumers
	runConsumer    *mq.Consumer
	deleteConsumer *mq.Consumer
	prefetch       int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Tasks     TaskStore
	Runs      RunReader
	Publisher Publisher

	// Conn — соединение RabbitMQ (только для Start).
	Conn *mq.Connection

	Provisioner HostProvisioner

	// Catalog — каталог цен; nil — тип инстанса не выбирается.
	Catalog pricing.Catalog

	// Hostname — имя этого сервера в именах хостов (default: os.Hostname).
	Hostname string

	// ScratchDiskSize — диск по умолчанию, GB (default: 10).
	ScratchDiskSize int

	// DestroyOnStop — удалить свои хосты при остановке (локальный режим).
	DestroyOnStop bool

	// Prefetch — сообщений tasks.run в работе одновременно (default: 5).
	Prefetch int

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	scratch := cfg.ScratchDiskSize
	if scratch <= 0 {
		scratch = defaultScratchDiskSize
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	return &Worker{
		tasks:           cfg.Tasks,
		runs:            cfg.Runs,
		publisher:       cfg.Publisher,
		conn:            cfg.Conn,
		provisioner:     cfg.Provisioner,
		catalog:         cfg.Catalog,
		hostname:        hostname,
		scratchDiskSize: scratch,
		destroyOnStop:   cfg.DestroyOnStop,
		hosts:           make(map[string]struct{}),
		prefetch:        prefetch,
		logger:          logger,
	}
}

// Start запускает Worker.
//
// Запускает:
//   - Consumer для tasks.run
//   - Consumer для workers.delete
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"provider", w.provisioner.Name(),
		"hostname", w.hostname,
		"prefetch", w.prefetch,
	)

	w.runConsumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueTasksRun),
		Handler:  mq.HandlerFor(w.handleTaskRun),
		Prefetch: w.prefetch,
	})
	w.deleteConsumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueWorkersDelete),
		Handler:  mq.HandlerFor(w.handleWorkerDelete),
		Prefetch: w.prefetch,
	})

	for _, c := range []*mq.Consumer{w.runConsumer, w.deleteConsumer} {
		w.wg.Add(1)
		go func(c *mq.Consumer) {
			defer w.wg.Done()
			if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("consumer error", "error", err)
			}
		}(c)
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	for _, c := range []*mq.Consumer{w.runConsumer, w.deleteConsumer} {
		if c != nil {
			c.Stop()
		}
	}

	// Ждём завершения горутин
	w.wg.Wait()

	if w.destroyOnStop {
		if err := w.DestroyHosts(context.Background(), w.ownHosts()); err != nil {
			w.logger.Error("failed to destroy hosts", "error", err)
		}
	}

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// DestroyHosts удаляет хосты параллельно. Ошибка одного хоста не
// останавливает остальные; возвращается первая.
func (w *Worker) DestroyHosts(ctx context.Context, names []string) error {
	var g errgroup.Group
	g.SetLimit(teardownParallelism)

	for _, name := range names {
		g.Go(func() error {
			return w.destroyHost(ctx, name)
		})
	}
	return g.Wait()
}

func (w *Worker) destroyHost(ctx context.Context, name string) error {
	if err := w.provisioner.DestroyHost(ctx, name); err != nil {
		w.logger.Warn("failed to destroy host", "worker", name, "error", err)
		return err
	}
	w.forgetHost(name)
	w.logger.Info("host destroyed", "worker", name)
	return nil
}

func (w *Worker) rememberHost(name string) {
	w.hostsMu.Lock()
	w.hosts[name] = struct{}{}
	w.hostsMu.Unlock()
}

func (w *Worker) forgetHost(name string) {
	w.hostsMu.Lock()
	delete(w.hosts, name)
	w.hostsMu.Unlock()
}

func (w *Worker) ownHosts() []string {
	w.hostsMu.Lock()
	defer w.hostsMu.Unlock()
	names := make([]string, 0, len(w.hosts))
	for name := range w.hosts {
		names = append(names, name)
	}
	return names
}
