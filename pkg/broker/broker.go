// Package broker предоставляет единый интерфейс обмена сообщениями
// поверх взаимозаменяемых провайдеров (RabbitMQ, Kafka).
// Остальной код знает только интерфейс Adapter: провайдер выбирается
// конфигурацией и подключается фабрикой New.
package broker

import (
	"context"
	"errors"
	"fmt"

	"example.com/order-processor/pkg/config"
	"example.com/order-processor/pkg/logger"
)

// Ключи для headers сообщений.
const (
	// HeaderTraceID - идентификатор трассировки для distributed tracing.
	HeaderTraceID = "trace_id"

	// HeaderCorrelationID - идентификатор корреляции, связывает все
	// сообщения одной саги.
	HeaderCorrelationID = "X-Correlation-Id"

	// HeaderTimestamp - временная метка создания сообщения.
	HeaderTimestamp = "timestamp"
)

// ErrUnprocessable - сентинел для сообщений, которые невозможно обработать
// ни при каком числе повторов (битый JSON, неизвестный формат).
// Адаптер, получив такую ошибку от обработчика, отправляет сообщение
// в dead letter (DLX для RabbitMQ, DLQ-топик для Kafka) вместо redelivery.
var ErrUnprocessable = errors.New("сообщение невозможно обработать")

// Delivery представляет доставленное или отправляемое сообщение.
type Delivery struct {
	// Topic - routing key (RabbitMQ) или топик (Kafka).
	Topic string

	// Key - ключ партиционирования. Для саги это order_id,
	// чтобы все события одного заказа обрабатывались по порядку.
	Key []byte

	// Body - тело сообщения (JSON).
	Body []byte

	// Headers - заголовки сообщения (correlation id, trace id и т.д.).
	Headers map[string]string
}

// Handler - функция обработки входящего сообщения.
// Возврат ошибки, обёрнутой в ErrUnprocessable, означает "не повторять".
// Любая другая ошибка приводит к redelivery сообщения брокером.
type Handler func(ctx context.Context, d *Delivery) error

// Adapter - единый интерфейс провайдера сообщений.
type Adapter interface {
	// Initialize создаёт инфраструктуру брокера (exchange, очереди, биндинги).
	// Вызывается один раз на старте, до Publish и Consume.
	Initialize(ctx context.Context) error

	// Publish отправляет сообщение в указанный топик (routing key).
	Publish(ctx context.Context, topic string, key []byte, body []byte, headers map[string]string) error

	// Consume запускает чтение сообщений из указанных топиков.
	// Блокирует до отмены context; штатная остановка возвращает nil,
	// ошибкой считается только аварийное завершение чтения.
	Consume(ctx context.Context, topics []string, handler Handler) error

	// IsHealthy сообщает, живо ли подключение к брокеру.
	IsHealthy(ctx context.Context) bool

	// ProviderName возвращает имя провайдера ("rabbitmq", "kafka").
	ProviderName() string

	// Shutdown закрывает подключения. Вызывается при остановке приложения.
	Shutdown(ctx context.Context) error
}

// New создаёт адаптер брокера по конфигурации.
// Неизвестный провайдер - ошибка на старте, а не тихий fallback.
func New(cfg *config.Config) (Adapter, error) {
	switch cfg.Messaging.Provider {
	case "rabbitmq":
		logger.Info().Str("provider", "rabbitmq").Msg("Выбран провайдер сообщений")
		return NewRabbitMQ(cfg.RabbitMQ, cfg.Ingress.Workers), nil
	case "kafka":
		logger.Info().Str("provider", "kafka").Msg("Выбран провайдер сообщений")
		return NewKafka(cfg.Kafka), nil
	default:
		return nil, fmt.Errorf("неизвестный провайдер сообщений: %q", cfg.Messaging.Provider)
	}
}
