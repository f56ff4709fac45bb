// Package ingress принимает сообщения из брокера и маршрутизирует их
// в координатор саг. Единственное место, где разбирается JSON входящих
// событий: координатор работает уже с типизированными структурами.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"example.com/order-processor/internal/events"
	"example.com/order-processor/internal/saga"
	"example.com/order-processor/pkg/broker"
	"example.com/order-processor/pkg/logger"
)

// Dispatcher маршрутизирует входящие сообщения по топикам.
type Dispatcher struct {
	orchestrator saga.Orchestrator
}

// NewDispatcher создаёт новый диспетчер поверх координатора.
func NewDispatcher(orchestrator saga.Orchestrator) *Dispatcher {
	return &Dispatcher{orchestrator: orchestrator}
}

// Topics возвращает список топиков, которые потребляет диспетчер.
func (d *Dispatcher) Topics() []string {
	return events.InboundTopics
}

// Handle — broker.Handler: разбирает сообщение и вызывает обработчик
// координатора. Ошибка разбора оборачивается в broker.ErrUnprocessable —
// повторять доставку битого JSON бессмысленно, сообщение уходит
// в dead letter. Ошибки обработки пробрасываются брокеру для redelivery.
func (d *Dispatcher) Handle(ctx context.Context, del *broker.Delivery) error {
	switch del.Topic {
	case events.TopicOrderCreated:
		return d.handleOrderCreated(ctx, del)

	case events.TopicPaymentProcessed:
		var event events.PaymentProcessedEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		ctx = d.bindContext(ctx, del, "")
		return d.orchestrator.HandlePaymentProcessed(ctx, &event, del.Body)

	case events.TopicPaymentFailed:
		var event events.StepFailedEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		ctx = d.bindContext(ctx, del, "")
		return d.orchestrator.HandlePaymentFailed(ctx, &event, del.Body)

	case events.TopicInventoryReserved:
		var event events.InventoryReservedEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		ctx = d.bindContext(ctx, del, "")
		return d.orchestrator.HandleInventoryReserved(ctx, &event, del.Body)

	case events.TopicInventoryFailed:
		var event events.StepFailedEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		ctx = d.bindContext(ctx, del, "")
		return d.orchestrator.HandleInventoryFailed(ctx, &event, del.Body)

	case events.TopicShippingPrepared:
		var event events.ShippingPreparedEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		ctx = d.bindContext(ctx, del, "")
		return d.orchestrator.HandleShippingPrepared(ctx, &event, del.Body)

	case events.TopicShippingFailed:
		var event events.StepFailedEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		ctx = d.bindContext(ctx, del, "")
		return d.orchestrator.HandleShippingFailed(ctx, &event, del.Body)

	case events.TopicOrderCancelled:
		var event events.OrderCancelledEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		ctx = d.bindContext(ctx, del, event.CorrelationID)
		return d.orchestrator.HandleOrderCancelled(ctx, &event, del.Body)

	case events.TopicOrderShipped, events.TopicOrderDelivered:
		var event events.OrderStatusEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		if event.NewStatus == "" {
			event.NewStatus = statusFromTopic(del.Topic)
		}
		ctx = d.bindContext(ctx, del, event.CorrelationID)
		return d.orchestrator.HandleOrderStatusUpdate(ctx, &event, del.Body)

	case events.TopicOrderDeleted:
		var event events.OrderDeletedEvent
		if err := decode(del, &event); err != nil {
			return err
		}
		ctx = d.bindContext(ctx, del, event.CorrelationID)
		return d.orchestrator.HandleOrderDeleted(ctx, &event, del.Body)

	default:
		// Диспетчер подписан только на известные топики; чужой топик —
		// ошибка конфигурации биндингов, сообщение в dead letter.
		log := logger.FromContext(ctx)
		log.Error().
			Str("topic", del.Topic).
			Msg("Сообщение из неизвестного топика")
		return fmt.Errorf("неизвестный топик %s: %w", del.Topic, broker.ErrUnprocessable)
	}
}

// handleOrderCreated разбирает order.created в обеих формах и
// разрешает correlation id до создания саги.
func (d *Dispatcher) handleOrderCreated(ctx context.Context, del *broker.Delivery) error {
	event, envCorrelation, err := events.DecodeOrderCreated(del.Body)
	if err != nil {
		return fmt.Errorf("разбор %s: %v: %w", del.Topic, err, broker.ErrUnprocessable)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("валидация %s: %v: %w", del.Topic, err, broker.ErrUnprocessable)
	}

	// Приоритет: тело события → обёртка → заголовок → новый UUID.
	// Разрешённый идентификатор сохраняется в саге и идёт во все
	// исходящие сообщения этого заказа.
	if event.CorrelationID == "" {
		event.CorrelationID = envCorrelation
	}
	if event.CorrelationID == "" {
		event.CorrelationID = headerCorrelationID(del.Headers)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}

	ctx = d.bindContext(ctx, del, event.CorrelationID)
	return d.orchestrator.HandleOrderCreated(ctx, event, del.Body)
}

// bindContext привязывает к контексту correlation id и trace id,
// чтобы все логи обработки несли сквозные идентификаторы.
func (d *Dispatcher) bindContext(ctx context.Context, del *broker.Delivery, bodyCorrelation string) context.Context {
	correlationID := bodyCorrelation
	if correlationID == "" {
		correlationID = headerCorrelationID(del.Headers)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = logger.WithCorrelationID(ctx, correlationID)

	if traceID := del.Headers[broker.HeaderTraceID]; traceID != "" {
		ctx = logger.WithTraceID(ctx, traceID)
	}
	return ctx
}

// decode разбирает тело сообщения, оборачивая ошибку в ErrUnprocessable.
func decode(del *broker.Delivery, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(del.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("разбор %s: %v: %w", del.Topic, err, broker.ErrUnprocessable)
	}
	return nil
}

// headerCorrelationID ищет correlation id в заголовках без учёта регистра:
// разные издатели пишут X-Correlation-Id по-разному.
func headerCorrelationID(headers map[string]string) string {
	for key, value := range headers {
		if strings.EqualFold(key, broker.HeaderCorrelationID) {
			return value
		}
	}
	return ""
}

// statusFromTopic выводит статус заказа из топика события.
func statusFromTopic(topic string) string {
	switch topic {
	case events.TopicOrderShipped:
		return "SHIPPED"
	case events.TopicOrderDelivered:
		return "DELIVERED"
	default:
		return ""
	}
}
