// Loom API — HTTP API для шаблонов, runs, файлов и callbacks агентов.
//
// При старте применяет миграции (database.migrate_on_start),
// подключается к Postgres, RabbitMQ и объектному хранилищу.
// Запуск и остановка runs выполняются синхронно, раскрытие уходит
// в очередь runs.postprocess.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/loom/internal/api"
	"github.com/shaiso/loom/internal/config"
	"github.com/shaiso/loom/internal/filestore"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/orchestrator"
	"github.com/shaiso/loom/internal/repo"
	"github.com/shaiso/loom/internal/telemetry"
)

var startTime = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLoggerWith(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting loom-api", "server", cfg.Server.Name)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Database.MigrateOnStart {
		if err := repo.Migrate(ctx, cfg.Database.URL); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Создаём репозитории
	runRepo := repo.NewRunRepo(pool)
	channelRepo := repo.NewChannelRepo(pool)
	dataRepo := repo.NewDataRepo(pool)
	taskRepo := repo.NewTaskRepo(pool)
	templateRepo := repo.NewTemplateRepo(pool)

	templates, err := orchestrator.NewCachedTemplates(templateRepo, 0)
	if err != nil {
		logger.Error("failed to create template cache", "error", err)
		os.Exit(1)
	}

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	publisher := mq.NewPublisher(mqConn, logger)

	// Объектное хранилище
	store, err := filestore.NewMinioStore(cfg.Minio())
	if err != nil {
		logger.Error("failed to create object store", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logger.Error("failed to ensure bucket", "bucket", cfg.Storage.Bucket, "error", err)
		os.Exit(1)
	}
	files := filestore.NewService(filestore.Config{
		Store:          store,
		Files:          dataRepo,
		KeepDuplicates: cfg.Storage.KeepDuplicateFiles,
		Logger:         logger,
	})

	// Движок без consumers: только StartRun и Kill
	engine := orchestrator.New(orchestrator.Config{
		Runs:       runRepo,
		Channels:   channelRepo,
		Data:       dataRepo,
		Tasks:      taskRepo,
		Templates:  templates,
		Dispatcher: orchestrator.NewQueueDispatcher(publisher),
		Settings:   cfg.Settings(),
		Logger:     logger,
	})

	handler := api.NewHandler(api.Config{
		Templates: templateRepo,
		Runs:      runRepo,
		Channels:  channelRepo,
		Trees:     dataRepo,
		Tasks:     taskRepo,
		Engine:    engine,
		Files:     files,
		Publisher: publisher,
		Logger:    logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:              cfg.Server.APIAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.APIAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
