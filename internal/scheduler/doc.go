// Package scheduler — периодические проверки, восстанавливающие работу,
// которая потеряла сообщение из очереди.
//
// Структура:
//   - scheduler.go — Sweeper: cron, лидерство и проверки
//   - cron.go      — разбор расписаний
//
// Проверки (каждая идемпотентна, очереди допускают повторы):
//   - runs, дольше StuckAfter ждущие раскрытия, снова ставятся в runs.postprocess
//   - tasks без живой попытки снова ставятся в tasks.run; закончившаяся,
//     но не обработанная попытка повторно публикует своё событие
//   - попытки без heartbeat дольше HeartbeatTimeout завершаются с
//     ошибкой "Attempt timed out"
//   - каталог цен обновляется по отдельному расписанию
//
// Использование:
//
//	sweeper, err := scheduler.New(scheduler.Config{
//	    Runs:      runRepo,
//	    Tasks:     taskRepo,
//	    Publisher: publisher,
//	    Lock:      repo.NewAdvisoryLock(pool, scheduler.LockKey),
//	    Logger:    logger,
//	})
//	sweeper.Start(ctx)
//	defer sweeper.Stop()
//
// Leader Election:
//
// Несколько экземпляров могут работать одновременно; проверки выполняет
// только владелец pg_try_advisory_lock.
package scheduler
