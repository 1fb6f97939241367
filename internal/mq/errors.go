package mq

import "errors"

// Ошибки очереди.
var (
	// ErrNotConnected — нет открытого канала к RabbitMQ.
	ErrNotConnected = errors.New("no channel available")

	// ErrDeliveriesClosed — сервер закрыл канал доставки.
	ErrDeliveriesClosed = errors.New("deliveries channel closed")

	// ErrUnknownMessageType — для типа сообщения нет маршрута.
	ErrUnknownMessageType = errors.New("unknown message type")
)
