// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — таблица маршрутов и объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - run.postprocess — раскрыть run в дерево и запустить входы
//   - run.notify      — корневой run завершён, отправить уведомления
//   - task.run        — создать попытку для task и выполнить её
//   - attempt.event   — попытка изменила статус (running/finished/failed)
//   - worker.delete   — освободить хост попытки
//
// Доставка at-least-once: все обработчики идемпотентны.
package mq
