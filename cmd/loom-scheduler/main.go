// Loom Scheduler — периодические проверки.
//
// Один экземпляр в кластере становится лидером через advisory lock и:
//   - Повторяет раскрытие и уведомления, застрявшие в очередях
//   - Снимает попытки без heartbeat
//   - Обновляет каталог цен
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
	"github.com/shaiso/loom/internal/pricing"
	"github.com/shaiso/loom/internal/repo"
	"github.com/shaiso/loom/internal/scheduler"
	"github.com/shaiso/loom/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLoggerWith(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting loom-scheduler")

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

	var refresher scheduler.Refresher
	if httpCfg, ok := cfg.PricingHTTP(); ok {
		httpCfg.Logger = logger
		refresher = pricing.NewHTTPSource(httpCfg)
	}

	sweeper, err := scheduler.New(scheduler.Config{
		Runs:             repo.NewRunRepo(pool),
		Tasks:            repo.NewTaskRepo(pool),
		Publisher:        mq.NewPublisher(mqConn, logger),
		Pricing:          refresher,
		Lock:             repo.NewAdvisoryLock(pool, scheduler.LockKey),
		SweepSchedule:    cfg.Scheduler.SweepSchedule,
		PricingSchedule:  cfg.Scheduler.PricingSchedule,
		StuckAfter:       cfg.Scheduler.StuckAfter,
		HeartbeatTimeout: cfg.Worker.HeartbeatTimeout,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	sweeper.Start(ctx)

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

	<-ctx.Done()

	sweeper.Stop()
	logger.Info("loom-scheduler stopped")
}
