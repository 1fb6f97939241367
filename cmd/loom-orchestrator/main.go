// Loom Orchestrator — продвигает runs по дереву.
//
// Orchestrator:
//   - Раскрывает ветки из очереди runs.postprocess
//   - Обрабатывает события attempts и продвигает статусы runs
//   - Рассылает уведомления о завершении корневых runs
//   - Периодически подбирает runs с незаконченным раскрытием
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/loom/internal/config"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/notify"
	"github.com/shaiso/loom/internal/orchestrator"
	"github.com/shaiso/loom/internal/repo"
	"github.com/shaiso/loom/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLoggerWith(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting loom-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	runRepo := repo.NewRunRepo(pool)
	channelRepo := repo.NewChannelRepo(pool)
	dataRepo := repo.NewDataRepo(pool)
	taskRepo := repo.NewTaskRepo(pool)

	templates, err := orchestrator.NewCachedTemplates(repo.NewTemplateRepo(pool), 0)
	if err != nil {
		logger.Error("failed to create template cache", "error", err)
		os.Exit(1)
	}

	// RabbitMQ обязателен: без очередей раскрытие не работает
	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	publisher := mq.NewPublisher(mqConn, logger)

	// Уведомления
	var email notify.EmailSender
	if smtpCfg := cfg.SMTP(); smtpCfg != nil {
		email = notify.NewSMTPSender(*smtpCfg)
	}
	notifier := notify.New(notify.Config{
		ServerName:     cfg.Server.Name,
		ServerURL:      cfg.Server.URL,
		Addresses:      cfg.Notify.Addresses,
		Email:          email,
		WebhookTimeout: cfg.Notify.WebhookTimeout,
		Logger:         logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		Runs:       runRepo,
		Channels:   channelRepo,
		Data:       dataRepo,
		Tasks:      taskRepo,
		Templates:  templates,
		Dispatcher: orchestrator.NewQueueDispatcher(publisher),
		Notifier:   notifier,
		Conn:       mqConn,
		Settings:   cfg.Settings(),
		Logger:     logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(w, "rabbitmq disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger.Info("listening", "addr", cfg.Server.MetricsAddr)
		if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	orch.Stop()
	logger.Info("loom-orchestrator stopped")
}
