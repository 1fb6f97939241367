package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики регистрируются в глобальном registry и отдаются на /metrics.
var (
	// MessagesHandled — обработанные сообщения очереди
	// (result: ok/error/rejected/malformed).
	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_mq_messages_handled_total",
		Help: "Messages handled by queue consumers",
	}, []string{"queue", "result"})

	// MessageDuration — время обработки одного сообщения.
	MessageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_mq_message_duration_seconds",
		Help:    "Time spent in queue message handlers",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// RunsFinished — runs, достигшие финального статуса.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_runs_finished_total",
		Help: "Runs that reached a terminal status",
	}, []string{"status"})

	// TasksCreated — созданные tasks (без дубликатов).
	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_tasks_created_total",
		Help: "Tasks created for new input sets",
	})

	// AttemptsFinished — завершённые попытки по результату.
	AttemptsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_task_attempts_finished_total",
		Help: "Task attempts finished, by result",
	}, []string{"result"})

	// PostprocessDuration — длительность раскрытия run.
	PostprocessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_postprocess_duration_seconds",
		Help:    "Time spent expanding a run",
		Buckets: prometheus.DefBuckets,
	})

	// ProvisionDuration — время создания хоста для попытки.
	ProvisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_worker_provision_duration_seconds",
		Help:    "Time spent provisioning worker hosts",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"provider", "result"})

	// NotificationsSent — отправленные уведомления (kind: email/webhook).
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_notifications_sent_total",
		Help: "Run completion notifications, by kind and result",
	}, []string{"kind", "result"})

	// HTTPRequests — запросы к HTTP API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_api_http_requests_total",
		Help: "Total HTTP requests handled by loom-api",
	}, []string{"method", "code"})
)
