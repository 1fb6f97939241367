package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunPostprocess MessageType = "run.postprocess"
	MessageTypeRunNotify      MessageType = "run.notify"
	MessageTypeTaskRun        MessageType = "task.run"
	MessageTypeAttemptEvent   MessageType = "attempt.event"
	MessageTypeWorkerDelete   MessageType = "worker.delete"
)

// Publisher публикует сообщения в RabbitMQ по таблице маршрутов.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher на общем канале conn.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Message — конверт сообщения. Payload после разбора — map,
// типизированный payload достаёт ParsePayload.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunPayload — payload для run.postprocess и run.notify.
type RunPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// TaskRunPayload — payload для запуска попытки task.
//
// Attempt — число попыток task на момент публикации. Worker пропускает
// сообщение, если попытка с этим номером уже создана.
type TaskRunPayload struct {
	TaskID  uuid.UUID `json:"task_id"`
	RunID   uuid.UUID `json:"run_id"`
	Attempt int       `json:"attempt"`
}

// AttemptEvent — что произошло с попыткой.
type AttemptEvent string

const (
	AttemptEventRunning  AttemptEvent = "running"
	AttemptEventFinished AttemptEvent = "finished"
	AttemptEventFailed   AttemptEvent = "failed"
)

// AttemptEventPayload — payload для attempt.event.
type AttemptEventPayload struct {
	AttemptID uuid.UUID    `json:"attempt_id"`
	TaskID    uuid.UUID    `json:"task_id"`
	RunID     uuid.UUID    `json:"run_id"`
	Event     AttemptEvent `json:"event"`
}

// WorkerDeletePayload — payload для освобождения хоста.
type WorkerDeletePayload struct {
	WorkerName string    `json:"worker_name"`
	AttemptID  uuid.UUID `json:"attempt_id"`
}

// publish оборачивает payload в Message и отправляет по маршруту типа.
func (p *Publisher) publish(ctx context.Context, msgType MessageType, payload any) error {
	route, ok := RouteFor(msgType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, msgType)
	}

	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(route.Exchange), string(route.RoutingKey), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         string(msgType),
			AppId:        p.conn.name,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish %s to %s: %w", msgType, route.Queue, err)
		}
		p.logger.Debug("published message", "queue", route.Queue, "message_id", msg.ID, "type", msgType)
		return nil
	})
}

// PublishPostprocess ставит раскрытие run. Потребитель: orchestrator.
func (p *Publisher) PublishPostprocess(ctx context.Context, runID uuid.UUID) error {
	return p.publish(ctx, MessageTypeRunPostprocess, RunPayload{RunID: runID})
}

// PublishNotify ставит уведомление о завершении корневого run.
func (p *Publisher) PublishNotify(ctx context.Context, runID uuid.UUID) error {
	return p.publish(ctx, MessageTypeRunNotify, RunPayload{RunID: runID})
}

// PublishTaskRun ставит новую попытку task. Потребитель: worker.
func (p *Publisher) PublishTaskRun(ctx context.Context, payload TaskRunPayload) error {
	return p.publish(ctx, MessageTypeTaskRun, payload)
}

// PublishAttemptEvent сообщает orchestrator'у о событии попытки.
func (p *Publisher) PublishAttemptEvent(ctx context.Context, payload AttemptEventPayload) error {
	return p.publish(ctx, MessageTypeAttemptEvent, payload)
}

// PublishWorkerDelete ставит освобождение хоста.
func (p *Publisher) PublishWorkerDelete(ctx context.Context, payload WorkerDeletePayload) error {
	return p.publish(ctx, MessageTypeWorkerDelete, payload)
}
