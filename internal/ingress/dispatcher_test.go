package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/order-processor/internal/events"
	"example.com/order-processor/internal/saga"
	"example.com/order-processor/pkg/broker"
	"example.com/order-processor/pkg/logger"
)

// =============================================================================
// Мок координатора
// =============================================================================

// mockOrchestrator запоминает последний вызванный обработчик и его контекст.
type mockOrchestrator struct {
	called        string
	correlationID string
	newStatus     string
	err           error
}

func (m *mockOrchestrator) mark(ctx context.Context, handler string) error {
	m.called = handler
	m.correlationID = logger.CorrelationIDFromContext(ctx)
	return m.err
}

func (m *mockOrchestrator) HandleOrderCreated(ctx context.Context, event *events.OrderCreatedEvent, payload json.RawMessage) error {
	m.correlationID = event.CorrelationID
	m.called = "order.created"
	return m.err
}

func (m *mockOrchestrator) HandlePaymentProcessed(ctx context.Context, event *events.PaymentProcessedEvent, payload json.RawMessage) error {
	return m.mark(ctx, "payment.processed")
}

func (m *mockOrchestrator) HandlePaymentFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error {
	return m.mark(ctx, "payment.failed")
}

func (m *mockOrchestrator) HandleInventoryReserved(ctx context.Context, event *events.InventoryReservedEvent, payload json.RawMessage) error {
	return m.mark(ctx, "inventory.reserved")
}

func (m *mockOrchestrator) HandleInventoryFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error {
	return m.mark(ctx, "inventory.failed")
}

func (m *mockOrchestrator) HandleShippingPrepared(ctx context.Context, event *events.ShippingPreparedEvent, payload json.RawMessage) error {
	return m.mark(ctx, "shipping.prepared")
}

func (m *mockOrchestrator) HandleShippingFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error {
	return m.mark(ctx, "shipping.failed")
}

func (m *mockOrchestrator) HandleOrderCancelled(ctx context.Context, event *events.OrderCancelledEvent, payload json.RawMessage) error {
	return m.mark(ctx, "order.cancelled")
}

func (m *mockOrchestrator) HandleOrderStatusUpdate(ctx context.Context, event *events.OrderStatusEvent, payload json.RawMessage) error {
	m.newStatus = event.NewStatus
	return m.mark(ctx, "order.status")
}

func (m *mockOrchestrator) HandleOrderDeleted(ctx context.Context, event *events.OrderDeletedEvent, payload json.RawMessage) error {
	return m.mark(ctx, "order.deleted")
}

func (m *mockOrchestrator) ProcessStuckSaga(ctx context.Context, s *saga.Saga) error {
	return m.mark(ctx, "stuck")
}

// =============================================================================
// Маршрутизация по топикам
// =============================================================================

func TestDispatcher_Routing(t *testing.T) {
	tests := []struct {
		topic string
		body  string
		want  string
	}{
		{events.TopicPaymentProcessed, `{"orderId":"o1","paymentId":"p1"}`, "payment.processed"},
		{events.TopicPaymentFailed, `{"orderId":"o1","reason":"отказ"}`, "payment.failed"},
		{events.TopicInventoryReserved, `{"orderId":"o1","reservationId":"r1"}`, "inventory.reserved"},
		{events.TopicInventoryFailed, `{"orderId":"o1"}`, "inventory.failed"},
		{events.TopicShippingPrepared, `{"orderId":"o1","shippingId":"s1"}`, "shipping.prepared"},
		{events.TopicShippingFailed, `{"orderId":"o1"}`, "shipping.failed"},
		{events.TopicOrderCancelled, `{"orderId":"o1"}`, "order.cancelled"},
		{events.TopicOrderShipped, `{"orderId":"o1"}`, "order.status"},
		{events.TopicOrderDelivered, `{"orderId":"o1"}`, "order.status"},
		{events.TopicOrderDeleted, `{"orderId":"o1"}`, "order.deleted"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			orch := &mockOrchestrator{}
			d := NewDispatcher(orch)

			err := d.Handle(context.Background(), &broker.Delivery{
				Topic: tt.topic,
				Body:  []byte(tt.body),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, orch.called)
		})
	}
}

func TestDispatcher_OrderShippedStatus(t *testing.T) {
	orch := &mockOrchestrator{}
	d := NewDispatcher(orch)

	err := d.Handle(context.Background(), &broker.Delivery{
		Topic: events.TopicOrderShipped,
		Body:  []byte(`{"orderId":"o1"}`),
	})
	require.NoError(t, err)
	// Статус не пришёл в теле — выводится из топика.
	assert.Equal(t, "SHIPPED", orch.newStatus)
}

// =============================================================================
// order.created: формы тела и correlation id
// =============================================================================

func TestDispatcher_OrderCreated_Direct(t *testing.T) {
	orch := &mockOrchestrator{}
	d := NewDispatcher(orch)

	err := d.Handle(context.Background(), &broker.Delivery{
		Topic: events.TopicOrderCreated,
		Body:  []byte(`{"orderId":"o1","correlationId":"corr-body","totalAmount":99.99}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "order.created", orch.called)
	assert.Equal(t, "corr-body", orch.correlationID)
}

func TestDispatcher_OrderCreated_Envelope(t *testing.T) {
	orch := &mockOrchestrator{}
	d := NewDispatcher(orch)

	body := `{"id":"evt-1","topic":"order.created","correlationId":"corr-env","data":{"orderId":"o1","totalAmount":50}}`
	err := d.Handle(context.Background(), &broker.Delivery{
		Topic: events.TopicOrderCreated,
		Body:  []byte(body),
	})
	require.NoError(t, err)
	// В теле события correlationId нет — берётся из обёртки.
	assert.Equal(t, "corr-env", orch.correlationID)
}

func TestDispatcher_CorrelationFromHeader(t *testing.T) {
	orch := &mockOrchestrator{}
	d := NewDispatcher(orch)

	err := d.Handle(context.Background(), &broker.Delivery{
		Topic:   events.TopicOrderCreated,
		Body:    []byte(`{"orderId":"o1"}`),
		Headers: map[string]string{"x-correlation-id": "corr-header"},
	})
	require.NoError(t, err)
	// Регистр заголовка не важен.
	assert.Equal(t, "corr-header", orch.correlationID)
}

func TestDispatcher_CorrelationGenerated(t *testing.T) {
	orch := &mockOrchestrator{}
	d := NewDispatcher(orch)

	err := d.Handle(context.Background(), &broker.Delivery{
		Topic: events.TopicOrderCreated,
		Body:  []byte(`{"orderId":"o1"}`),
	})
	require.NoError(t, err)
	// Идентификатора нет нигде — генерируется новый.
	assert.NotEmpty(t, orch.correlationID)
}

// =============================================================================
// Ошибки: битые сообщения и отказ обработчика
// =============================================================================

func TestDispatcher_MalformedBody(t *testing.T) {
	orch := &mockOrchestrator{}
	d := NewDispatcher(orch)

	err := d.Handle(context.Background(), &broker.Delivery{
		Topic: events.TopicPaymentProcessed,
		Body:  []byte(`{broken json`),
	})
	// Битый JSON не станет лучше при redelivery — dead letter.
	assert.ErrorIs(t, err, broker.ErrUnprocessable)
	assert.Empty(t, orch.called)
}

func TestDispatcher_OrderCreated_InvalidEvent(t *testing.T) {
	orch := &mockOrchestrator{}
	d := NewDispatcher(orch)

	// orderId обязателен.
	err := d.Handle(context.Background(), &broker.Delivery{
		Topic: events.TopicOrderCreated,
		Body:  []byte(`{"totalAmount":10}`),
	})
	assert.ErrorIs(t, err, broker.ErrUnprocessable)
}

func TestDispatcher_UnknownTopic(t *testing.T) {
	orch := &mockOrchestrator{}
	d := NewDispatcher(orch)

	err := d.Handle(context.Background(), &broker.Delivery{
		Topic: "order.unknown",
		Body:  []byte(`{}`),
	})
	assert.ErrorIs(t, err, broker.ErrUnprocessable)
}

func TestDispatcher_HandlerErrorReraised(t *testing.T) {
	handlerErr := errors.New("конкурентное обновление саги")
	orch := &mockOrchestrator{err: handlerErr}
	d := NewDispatcher(orch)

	err := d.Handle(context.Background(), &broker.Delivery{
		Topic: events.TopicPaymentProcessed,
		Body:  []byte(`{"orderId":"o1","paymentId":"p1"}`),
	})
	// Ошибка обработчика уходит брокеру для redelivery.
	assert.ErrorIs(t, err, handlerErr)
}

func TestDispatcher_Topics(t *testing.T) {
	d := NewDispatcher(&mockOrchestrator{})
	assert.Equal(t, events.InboundTopics, d.Topics())
}
