// Package worker — task manager: создаёт попытки tasks и хосты для них.
//
// # Обзор
//
// Worker — stateless компонент системы Loom. Команду task он не
// выполняет: он создаёт попытку, поднимает хост и запускает на нём
// агента (cmd/loom-agent). Агент сам сообщает в API о статусе,
// выходах и результате.
//
//   - tasks.run — создать попытку номер N+1, если её ещё нет
//   - workers.delete — удалить хост завершённой попытки
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди tasks.run.
//
// # Ключевые компоненты
//
// ## Worker
//
//	w := worker.New(worker.Config{
//	    Tasks:       taskRepo,
//	    Runs:        runRepo,
//	    Publisher:   publisher,
//	    Conn:        mqConn,
//	    Provisioner: worker.NewLocalProvisioner(worker.LocalConfig{APIURL: apiURL}),
//	    Logger:      logger,
//	})
//
// ## HostProvisioner
//
// Создаёт и удаляет хосты:
//   - LocalProvisioner — агент процессом на этой машине
//   - ComputeClient — HTTP API облачного провайдера (с ограничением частоты)
//
// # Жизненный цикл попытки
//
//  1. NOT_STARTED — попытка создана, task.AttemptCount увеличен
//  2. PROVISIONING_HOST — выбран тип инстанса, создаётся хост
//  3. LAUNCHING_MONITOR — на хост запускается агент
//  4. RUNNING — агент сообщил о старте (через API)
//  5. FINISHED — SUCCESS / FAILURE / KILLED
//
// Ошибка на шагах 2-3 завершает попытку FAILURE с сообщением
// "Failed to provision host" или "Failed to launch monitor process
// on worker"; решение о повторе принимает оркестратор.
//
// # Имена хостов
//
// "<hostname>-<step>-<attempt hex>", в нижнем регистре, до 58 символов.
package worker
