package saga

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/order-processor/internal/events"
)

// =============================================================================
// Тесты State Machine (переходы состояний)
// =============================================================================

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusCreated, false},
		{StatusPaymentProcessing, false},
		{StatusPaymentCompleted, false},
		{StatusInventoryProcessing, false},
		{StatusInventoryCompleted, false},
		{StatusShippingProcessing, false},
		{StatusCompensating, false},
		{StatusCompleted, true},
		{StatusCompensated, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestStatus_IsProcessing(t *testing.T) {
	assert.True(t, StatusPaymentProcessing.IsProcessing())
	assert.True(t, StatusInventoryProcessing.IsProcessing())
	assert.True(t, StatusShippingProcessing.IsProcessing())

	assert.False(t, StatusCreated.IsProcessing())
	assert.False(t, StatusCompensating.IsProcessing())
	assert.False(t, StatusCompleted.IsProcessing())
}

func TestSaga_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name  string
		from  Status
		to    Status
		canDo bool
	}{
		// Нормальный ход саги
		{"PAYMENT_PROCESSING → INVENTORY_PROCESSING", StatusPaymentProcessing, StatusInventoryProcessing, true},
		{"INVENTORY_PROCESSING → SHIPPING_PROCESSING", StatusInventoryProcessing, StatusShippingProcessing, true},
		{"SHIPPING_PROCESSING → COMPLETED", StatusShippingProcessing, StatusCompleted, true},

		// Шаги не перепрыгиваются
		{"PAYMENT_PROCESSING → SHIPPING_PROCESSING", StatusPaymentProcessing, StatusShippingProcessing, false},
		{"PAYMENT_PROCESSING → COMPENSATED", StatusPaymentProcessing, StatusCompensated, false},

		// Компенсация доступна из любого нетерминального состояния
		{"PAYMENT_PROCESSING → COMPENSATING", StatusPaymentProcessing, StatusCompensating, true},
		{"INVENTORY_PROCESSING → COMPENSATING", StatusInventoryProcessing, StatusCompensating, true},
		{"SHIPPING_PROCESSING → COMPENSATING", StatusShippingProcessing, StatusCompensating, true},

		// Force-advance по order.shipped
		{"PAYMENT_PROCESSING → COMPLETED", StatusPaymentProcessing, StatusCompleted, true},
		{"INVENTORY_PROCESSING → COMPLETED", StatusInventoryProcessing, StatusCompleted, true},

		// COMPENSATING → COMPENSATED или FAILED
		{"COMPENSATING → COMPENSATED", StatusCompensating, StatusCompensated, true},
		{"COMPENSATING → FAILED", StatusCompensating, StatusFailed, true},
		{"COMPENSATING → COMPLETED", StatusCompensating, StatusCompleted, false},
		{"COMPENSATING → PAYMENT_PROCESSING", StatusCompensating, StatusPaymentProcessing, false},

		// Терминальные состояния — никуда нельзя
		{"COMPLETED → любой", StatusCompleted, StatusCompensating, false},
		{"COMPENSATED → любой", StatusCompensated, StatusPaymentProcessing, false},
		{"FAILED → любой", StatusFailed, StatusCompensating, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saga := &Saga{Status: tt.from}
			assert.Equal(t, tt.canDo, saga.CanTransitionTo(tt.to))
		})
	}
}

func TestSaga_TransitionTo_Terminal(t *testing.T) {
	saga := &Saga{Status: StatusCompleted}

	err := saga.TransitionTo(StatusCompensating)
	assert.ErrorIs(t, err, ErrSagaTerminal)
	assert.Equal(t, StatusCompleted, saga.Status)
}

func TestSaga_TransitionTo_Invalid(t *testing.T) {
	saga := &Saga{Status: StatusPaymentProcessing}

	err := saga.TransitionTo(StatusCompensated)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPaymentProcessing, saga.Status)
}

// =============================================================================
// Тесты фабрики и полного хода саги
// =============================================================================

func TestNewSaga(t *testing.T) {
	event := &events.OrderCreatedEvent{
		OrderID:         "order-1",
		CustomerID:      "cust-1",
		OrderNumber:     "ORD-001",
		TotalAmount:     json.Number("99.99"),
		Currency:        "USD",
		Items:           json.RawMessage(`[{"productId":"A","quantity":2}]`),
		ShippingAddress: json.RawMessage(`{"city":"Москва"}`),
	}

	saga := NewSaga(event, "corr-1")

	assert.NotEmpty(t, saga.ID)
	assert.Equal(t, "order-1", saga.OrderID)
	assert.Equal(t, StatusPaymentProcessing, saga.Status)
	assert.Equal(t, StepPayment, saga.CurrentStep)
	assert.Equal(t, "corr-1", saga.CorrelationID)
	assert.Equal(t, json.Number("99.99"), saga.TotalAmount)
	assert.Zero(t, saga.RetryCount)
	assert.Nil(t, saga.PaymentID)
	assert.Nil(t, saga.CompletedAt)
}

func TestSaga_HappyPath(t *testing.T) {
	saga := NewSaga(&events.OrderCreatedEvent{OrderID: "order-1"}, "corr-1")

	require.NoError(t, saga.MarkPaymentCompleted("pay-1"))
	assert.Equal(t, StatusInventoryProcessing, saga.Status)
	assert.Equal(t, StepInventory, saga.CurrentStep)
	require.NotNil(t, saga.PaymentID)
	assert.Equal(t, "pay-1", *saga.PaymentID)

	require.NoError(t, saga.MarkInventoryReserved("res-1"))
	assert.Equal(t, StatusShippingProcessing, saga.Status)
	assert.Equal(t, StepShipping, saga.CurrentStep)

	require.NoError(t, saga.MarkCompleted("ship-1"))
	assert.Equal(t, StatusCompleted, saga.Status)
	assert.Equal(t, StepCompleted, saga.CurrentStep)
	require.NotNil(t, saga.ShippingID)
	assert.Equal(t, "ship-1", *saga.ShippingID)
	assert.NotNil(t, saga.CompletedAt)
}

func TestSaga_RetryResetPerStep(t *testing.T) {
	saga := NewSaga(&events.OrderCreatedEvent{OrderID: "order-1"}, "corr-1")

	saga.IncrementRetry()
	saga.IncrementRetry()
	assert.Equal(t, 2, saga.RetryCount)

	// Повторы считаются на шаг: после успеха шага счётчик обнуляется.
	require.NoError(t, saga.MarkPaymentCompleted("pay-1"))
	assert.Zero(t, saga.RetryCount)
}

func TestSaga_CanRetry_Boundary(t *testing.T) {
	const maxRetries = 3

	saga := &Saga{RetryCount: 2}
	assert.True(t, saga.CanRetry(maxRetries))

	// retryCount == maxRetries: повторы исчерпаны, следующая ошибка — компенсация.
	saga.RetryCount = 3
	assert.False(t, saga.CanRetry(maxRetries))
}

// =============================================================================
// Тесты компенсации
// =============================================================================

func TestSaga_Compensation(t *testing.T) {
	saga := NewSaga(&events.OrderCreatedEvent{OrderID: "order-1"}, "corr-1")
	require.NoError(t, saga.MarkPaymentCompleted("pay-1"))

	require.NoError(t, saga.StartCompensation("склад отказал"))
	assert.Equal(t, StatusCompensating, saga.Status)
	require.NotNil(t, saga.ErrorMessage)
	assert.Equal(t, "склад отказал", *saga.ErrorMessage)

	require.NoError(t, saga.MarkCompensated())
	assert.Equal(t, StatusCompensated, saga.Status)
}

func TestSaga_MarkFailed(t *testing.T) {
	saga := &Saga{Status: StatusCompensating}

	require.NoError(t, saga.MarkFailed("не удалось опубликовать компенсацию"))
	assert.Equal(t, StatusFailed, saga.Status)
	require.NotNil(t, saga.ErrorMessage)
}

func TestSaga_FailureStep(t *testing.T) {
	payID, resID, shipID := "p1", "r1", "s1"

	tests := []struct {
		name string
		saga Saga
		want string
	}{
		{"ничего не получено", Saga{}, "payment"},
		{"оплата прошла", Saga{PaymentID: &payID}, "inventory"},
		{"резерв получен", Saga{PaymentID: &payID, InventoryReservationID: &resID}, "shipping"},
		{"все ресурсы получены", Saga{PaymentID: &payID, InventoryReservationID: &resID, ShippingID: &shipID}, "completed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.saga.FailureStep())
		})
	}
}

func TestSaga_ForceComplete(t *testing.T) {
	saga := NewSaga(&events.OrderCreatedEvent{OrderID: "order-1"}, "corr-1")

	require.NoError(t, saga.ForceComplete())
	assert.Equal(t, StatusCompleted, saga.Status)
	assert.Equal(t, StepCompleted, saga.CurrentStep)
	assert.NotNil(t, saga.CompletedAt)
	// Ресурсы шагов не выдумываются при force-advance.
	assert.Nil(t, saga.ShippingID)
}
