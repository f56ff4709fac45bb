// Package publisher отправляет команды и уведомления саги в брокер.
// По одному типизированному методу на исходящий топик: обработчики
// не собирают routing key и заголовки вручную.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/order-processor/internal/events"
	"example.com/order-processor/pkg/broker"
	"example.com/order-processor/pkg/logger"
)

// Publisher публикует исходящие события через адаптер брокера.
type Publisher struct {
	adapter broker.Adapter
}

// New создаёт Publisher поверх адаптера брокера.
func New(adapter broker.Adapter) *Publisher {
	return &Publisher{adapter: adapter}
}

// publish сериализует payload и отправляет его с ключом orderID.
// Заголовок X-Correlation-Id присутствует в каждом исходящем сообщении.
func (p *Publisher) publish(ctx context.Context, topic, orderID, correlationID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события %s: %w", topic, err)
	}

	headers := map[string]string{
		broker.HeaderCorrelationID: correlationID,
		broker.HeaderTimestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if traceID := logger.TraceIDFromContext(ctx); traceID != "" {
		headers[broker.HeaderTraceID] = traceID
	}

	if err := p.adapter.Publish(ctx, topic, []byte(orderID), body, headers); err != nil {
		return fmt.Errorf("ошибка публикации %s: %w", topic, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("topic", topic).
		Str("order_id", orderID).
		Msg("Событие опубликовано")

	return nil
}

// =============================================================================
// Команды шагов саги
// =============================================================================

// PublishPaymentProcessing отправляет команду на списание оплаты.
func (p *Publisher) PublishPaymentProcessing(ctx context.Context, cmd *events.PaymentProcessingCommand) error {
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	return p.publish(ctx, events.TopicPaymentProcessing, cmd.OrderID, cmd.CorrelationID, cmd)
}

// PublishInventoryReservation отправляет команду на резервирование товаров.
func (p *Publisher) PublishInventoryReservation(ctx context.Context, cmd *events.InventoryReservationCommand) error {
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	return p.publish(ctx, events.TopicInventoryReservation, cmd.OrderID, cmd.CorrelationID, cmd)
}

// PublishShippingPreparation отправляет команду на подготовку отгрузки.
func (p *Publisher) PublishShippingPreparation(ctx context.Context, cmd *events.ShippingPreparationCommand) error {
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	return p.publish(ctx, events.TopicShippingPreparation, cmd.OrderID, cmd.CorrelationID, cmd)
}

// =============================================================================
// Команды компенсации
// =============================================================================

// PublishPaymentRefund отправляет команду возврата платежа.
func (p *Publisher) PublishPaymentRefund(ctx context.Context, orderID, paymentID, reason, correlationID string) error {
	cmd := events.PaymentRefundCommand{
		OrderID:       orderID,
		PaymentID:     paymentID,
		RefundID:      uuid.NewString(),
		Reason:        reason,
		CorrelationID: correlationID,
		RequestedAt:   time.Now().UTC(),
	}
	return p.publish(ctx, events.TopicPaymentRefund, orderID, correlationID, cmd)
}

// PublishInventoryRelease отправляет команду снятия резерва.
func (p *Publisher) PublishInventoryRelease(ctx context.Context, orderID, reservationID, reason, correlationID string) error {
	cmd := events.InventoryReleaseCommand{
		OrderID:       orderID,
		ReservationID: reservationID,
		Reason:        reason,
		CorrelationID: correlationID,
		RequestedAt:   time.Now().UTC(),
	}
	return p.publish(ctx, events.TopicInventoryRelease, orderID, correlationID, cmd)
}

// PublishShippingCancellation отправляет команду отмены отгрузки.
func (p *Publisher) PublishShippingCancellation(ctx context.Context, orderID, shippingID, reason, correlationID string) error {
	cmd := events.ShippingCancellationCommand{
		OrderID:       orderID,
		ShippingID:    shippingID,
		Reason:        reason,
		CorrelationID: correlationID,
		RequestedAt:   time.Now().UTC(),
	}
	return p.publish(ctx, events.TopicShippingCancellation, orderID, correlationID, cmd)
}

// =============================================================================
// Уведомления о результате
// =============================================================================

// PublishOrderCompleted уведомляет об успешном завершении саги.
func (p *Publisher) PublishOrderCompleted(ctx context.Context, orderID, correlationID string) error {
	event := events.OrderCompletedEvent{
		OrderID:       orderID,
		CorrelationID: correlationID,
		CompletedAt:   time.Now().UTC(),
	}
	return p.publish(ctx, events.TopicOrderCompleted, orderID, correlationID, event)
}

// PublishOrderFailed уведомляет о неудаче саги.
func (p *Publisher) PublishOrderFailed(ctx context.Context, orderID, reason, failureStep, correlationID string) error {
	event := events.OrderFailedEvent{
		OrderID:       orderID,
		Reason:        reason,
		FailureStep:   failureStep,
		ErrorCode:     "SAGA_FAILURE",
		CorrelationID: correlationID,
		FailedAt:      time.Now().UTC(),
	}
	return p.publish(ctx, events.TopicOrderFailed, orderID, correlationID, event)
}

// PublishOrderStatusChanged уведомляет о смене статуса заказа.
func (p *Publisher) PublishOrderStatusChanged(ctx context.Context, orderID, newStatus, correlationID string) error {
	event := events.OrderStatusChangedEvent{
		OrderID:       orderID,
		NewStatus:     newStatus,
		CorrelationID: correlationID,
		ChangedAt:     time.Now().UTC(),
	}
	return p.publish(ctx, events.TopicOrderStatusChanged, orderID, correlationID, event)
}
