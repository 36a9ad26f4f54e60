package bus

import "errors"

var (
	// ErrPublishFailed — транспорт недоступен после исчерпания retry-бюджета.
	// Callers, которым нужен at-least-once, перепубликуют идемпотентно
	// (стабильный CorrelationID делает это безопасным).
	ErrPublishFailed = errors.New("publish failed: transport unreachable")

	// ErrBusClosed — операция после Shutdown.
	ErrBusClosed = errors.New("coordination bus is closed")

	// ErrQueueFull — переполнение очереди батчинга (load shedding).
	ErrQueueFull = errors.New("publish queue overflow")
)
