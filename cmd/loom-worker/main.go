// Loom Worker — task manager.
//
// Worker:
//   - Получает tasks из RabbitMQ и создаёт попытки
//   - Выбирает тип инстанса и поднимает хост (локально или в облаке)
//   - Запускает на хосте агента, который выполняет команду
//   - Удаляет хосты завершённых попыток
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/loom/internal/config"
	"github.com/shaiso/loom/internal/mq"
	"github.com/shaiso/loom/internal/pricing"
	"github.com/shaiso/loom/internal/repo"
	"github.com/shaiso/loom/internal/telemetry"
	"github.com/shaiso/loom/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLoggerWith(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting loom-worker", "provider", cfg.Worker.Provider)

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

	// RabbitMQ
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

	// Провайдер хостов
	var (
		provisioner   worker.HostProvisioner
		catalog       pricing.Catalog
		destroyOnStop bool
	)
	switch cfg.Worker.Provider {
	case config.ProviderCompute:
		provisioner = worker.NewComputeClient(cfg.Compute())
		if httpCfg, ok := cfg.PricingHTTP(); ok {
			httpCfg.Logger = logger
			catalog = pricing.NewHTTPSource(httpCfg)
		} else {
			catalog = pricing.DefaultCatalog
		}
	default:
		localCfg := cfg.Local()
		localCfg.Logger = logger
		provisioner = worker.NewLocalProvisioner(localCfg)
		destroyOnStop = true
	}

	w := worker.New(worker.Config{
		Tasks:           repo.NewTaskRepo(pool),
		Runs:            repo.NewRunRepo(pool),
		Publisher:       publisher,
		Conn:            mqConn,
		Provisioner:     provisioner,
		Catalog:         catalog,
		ScratchDiskSize: cfg.Worker.ScratchDiskSize,
		DestroyOnStop:   destroyOnStop,
		Prefetch:        cfg.RabbitMQ.Prefetch,
		Logger:          logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(rw, "rabbitmq disconnected", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем worker
	w.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("loom-worker stopped")
}
