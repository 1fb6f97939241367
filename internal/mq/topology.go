package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeRuns    Exchange = "loom.runs"
	ExchangeTasks   Exchange = "loom.tasks"
	ExchangeWorkers Exchange = "loom.workers"
	ExchangeDLQ     Exchange = "loom.dlq"
)

const (
	QueueRunsPostprocess Queue = "runs.postprocess"
	QueueRunsNotify      Queue = "runs.notify"
	QueueTasksRun        Queue = "tasks.run"
	QueueAttemptsEvents  Queue = "attempts.events"
	QueueWorkersDelete   Queue = "workers.delete"
	QueueDLQ             Queue = "dlq.loom"
)

const routingKeyDLQ RoutingKey = "dead"

// Route — путь сообщения одного типа: exchange, ключ и очередь,
// которая его получает.
type Route struct {
	Exchange   Exchange
	RoutingKey RoutingKey
	Queue      Queue
}

// routes — маршрут каждого типа сообщения. Топология строится
// по этой же таблице, так что тип без маршрута опубликовать нельзя.
var routes = map[MessageType]Route{
	MessageTypeRunPostprocess: {ExchangeRuns, "postprocess", QueueRunsPostprocess},
	MessageTypeRunNotify:      {ExchangeRuns, "notify", QueueRunsNotify},
	MessageTypeTaskRun:        {ExchangeTasks, "run", QueueTasksRun},
	MessageTypeAttemptEvent:   {ExchangeTasks, "attempt", QueueAttemptsEvents},
	MessageTypeWorkerDelete:   {ExchangeWorkers, "delete", QueueWorkersDelete},
}

// RouteFor возвращает маршрут типа сообщения.
func RouteFor(t MessageType) (Route, bool) {
	r, ok := routes[t]
	return r, ok
}

// SetupTopology объявляет exchanges, очереди с DLQ и привязки.
// Идемпотентна, каждый сервис вызывает её при старте.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareDLQ(ch); err != nil {
			return err
		}

		deadLetter := amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(routingKeyDLQ),
		}
		declared := make(map[Exchange]bool)
		for _, r := range routes {
			if !declared[r.Exchange] {
				if err := ch.ExchangeDeclare(string(r.Exchange), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
					return fmt.Errorf("declare exchange %s: %w", r.Exchange, err)
				}
				declared[r.Exchange] = true
			}
			if err := declareBound(ch, r, deadLetter); err != nil {
				return err
			}
		}
		return nil
	})
}

func declareDLQ(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(string(ExchangeDLQ), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeDLQ, err)
	}
	return declareBound(ch, Route{ExchangeDLQ, routingKeyDLQ, QueueDLQ}, nil)
}

// declareBound объявляет durable очередь маршрута и привязывает её.
func declareBound(ch *amqp.Channel, r Route, args amqp.Table) error {
	if _, err := ch.QueueDeclare(string(r.Queue), true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", r.Queue, err)
	}
	if err := ch.QueueBind(string(r.Queue), string(r.RoutingKey), string(r.Exchange), false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", r.Queue, r.Exchange, err)
	}
	return nil
}
