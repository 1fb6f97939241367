package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/loom/internal/telemetry"
)

// Handler — обработчик сообщения.
//
// Ошибка — nack: первая даёт одну повторную доставку, вторая отправляет
// сообщение в DLQ. Ошибка, обёрнутая в Permanent, сразу уходит в DLQ.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// Redelivered — сообщение уже доставлялось и не было подтверждено.
func (d *Delivery) Redelivered() bool {
	return d.Raw.Redelivered
}

// HandlerFor оборачивает обработчик типизированного payload.
// Payload, который не разбирается, сразу уходит в DLQ.
func HandlerFor[T any](fn func(ctx context.Context, payload T) error) Handler {
	return func(ctx context.Context, d *Delivery) error {
		payload, err := ParsePayload[T](&d.Message)
		if err != nil {
			return err
		}
		return fn(ctx, payload)
	}
}

// ParsePayload разбирает payload сообщения в T.
//
// После json.Unmarshal Message.Payload — это map, поэтому payload
// сериализуется ещё раз и декодируется в нужный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, Permanent(fmt.Errorf("encode %s payload: %w", msg.Type, err))
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, Permanent(fmt.Errorf("decode %s payload: %w", msg.Type, err))
	}
	return result, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку, которую повторная доставка не исправит.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue   string
	Handler Handler

	// Prefetch — неподтверждённых сообщений на канале (default: 1).
	Prefetch int

	// Workers — параллельных обработчиков (default: Prefetch).
	Workers int

	// Timeout — на обработку одного сообщения; 0 — без ограничения.
	Timeout time.Duration
}

// Consumer читает очередь и раздаёт сообщения пулу обработчиков.
// После переподключения RabbitMQ потребление возобновляется само.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int
	workers  int
	timeout  time.Duration

	cancelFunc context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	workers := cfg.Workers
	if workers <= 0 || workers > prefetch {
		workers = prefetch
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
		workers:  workers,
		timeout:  cfg.Timeout,
	}
}

// Start блокируется до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		reconnected := c.conn.ReconnectNotify()

		ch, deliveries, err := c.subscribe()
		if err == nil {
			c.logger.Info("consumer started", "workers", c.workers)
			err = c.drain(ctx, deliveries)
			if !ch.IsClosed() {
				ch.Close()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consumer interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
		}
	}
}

// Stop останавливает потребление. Начатые обработки получают
// отменённый контекст.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// subscribe открывает собственный канал consumer'а и начинает потребление.
func (c *Consumer) subscribe() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	// ack вручную, consumer tag генерирует сервер
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return ch, deliveries, nil
}

// drain обрабатывает сообщения в c.workers горутинах, пока канал
// доставки открыт.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-deliveries:
					if !ok {
						return
					}
					c.handle(ctx, raw)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrDeliveriesClosed
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	start := time.Now()

	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed message", "error", err, "body", string(raw.Body))
		c.settle(raw.Nack(false, false), "malformed")
		return
	}

	logger := c.logger.With("message_id", msg.ID, "type", msg.Type)
	ctx = telemetry.WithLogger(ctx, logger)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	logger.Debug("received message", "redelivered", raw.Redelivered)
	err := c.handler(ctx, &Delivery{Message: msg, Raw: raw})
	telemetry.MessageDuration.WithLabelValues(c.queue).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		c.settle(raw.Ack(false), "ok")
	case IsPermanent(err):
		logger.Error("message rejected", "error", err)
		c.settle(raw.Nack(false, false), "rejected")
	default:
		logger.Error("handler failed", "redelivered", raw.Redelivered, "error", err)
		c.settle(raw.Nack(false, !raw.Redelivered), "error")
	}
}

// settle записывает результат; ошибка ack/nack означает, что канал
// закрыт и сообщение вернётся в очередь само.
func (c *Consumer) settle(err error, result string) {
	telemetry.MessagesHandled.WithLabelValues(c.queue, result).Inc()
	if err != nil {
		c.logger.Warn("failed to settle message", "result", result, "error", err)
	}
}
