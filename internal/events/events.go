// Package events содержит типы входящих событий и исходящих команд саги.
// Единый источник правды для формата сообщений — исключает рассинхронизацию
// с сервисами платежей, склада и доставки.
//
// JSON-поля в camelCase: формат задан сервисами-источниками событий.
// Суммы передаются как json.Number, чтобы не терять точность десятичных
// значений при прохождении через координатор.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Топики входящих событий
// =============================================================================

const (
	TopicOrderCreated      = "order.created"
	TopicPaymentProcessed  = "payment.processed"
	TopicPaymentFailed     = "payment.failed"
	TopicInventoryReserved = "inventory.reserved"
	TopicInventoryFailed   = "inventory.failed"
	TopicShippingPrepared  = "shipping.prepared"
	TopicShippingFailed    = "shipping.failed"
	TopicOrderCancelled    = "order.cancelled"
	TopicOrderShipped      = "order.shipped"
	TopicOrderDelivered    = "order.delivered"
	TopicOrderDeleted      = "order.deleted"
)

// InboundTopics — полный список потребляемых топиков.
// Порядок фиксирован для стабильности логов и тестов.
var InboundTopics = []string{
	TopicOrderCreated,
	TopicPaymentProcessed,
	TopicPaymentFailed,
	TopicInventoryReserved,
	TopicInventoryFailed,
	TopicShippingPrepared,
	TopicShippingFailed,
	TopicOrderCancelled,
	TopicOrderShipped,
	TopicOrderDelivered,
	TopicOrderDeleted,
}

// =============================================================================
// Топики исходящих команд и уведомлений
// =============================================================================

const (
	// Команды шагов саги.
	TopicPaymentProcessing    = "payment.processing"
	TopicInventoryReservation = "inventory.reservation"
	TopicShippingPreparation  = "shipping.preparation"

	// Команды компенсации (в обратном порядке получения ресурсов).
	TopicShippingCancellation = "shipping.cancellation"
	TopicInventoryRelease     = "inventory.release"
	TopicPaymentRefund        = "payment.refund"

	// Уведомления о результате саги.
	TopicOrderStatusChanged = "order.status.changed"
	TopicOrderCompleted     = "order.completed"
	TopicOrderFailed        = "order.failed"
)

// =============================================================================
// Входящие события
// =============================================================================

// Envelope — обёртка события, в которой order.created может прийти
// от сервиса заказов: {id, topic, data, timestamp, correlationId}.
type Envelope struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Data          json.RawMessage `json:"data"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
}

// OrderCreatedEvent — заказ создан, сага стартует.
// Items и адреса хранятся как сырой JSON: координатор не интерпретирует их,
// а лишь копирует в команды нижестоящим сервисам.
type OrderCreatedEvent struct {
	OrderID         string          `json:"orderId"`
	CorrelationID   string          `json:"correlationId"`
	CustomerID      string          `json:"customerId"`
	OrderNumber     string          `json:"orderNumber"`
	TotalAmount     json.Number     `json:"totalAmount"`
	Currency        string          `json:"currency"`
	CreatedAt       time.Time       `json:"createdAt"`
	Items           json.RawMessage `json:"items"`
	ShippingAddress json.RawMessage `json:"shippingAddress"`
	BillingAddress  json.RawMessage `json:"billingAddress"`
}

// Validate проверяет обязательные поля события создания заказа.
func (e *OrderCreatedEvent) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("orderId обязателен")
	}
	if e.TotalAmount != "" {
		amount, err := e.TotalAmount.Float64()
		if err != nil {
			return fmt.Errorf("некорректный totalAmount %q: %w", e.TotalAmount, err)
		}
		if amount < 0 {
			return fmt.Errorf("totalAmount не может быть отрицательным: %s", e.TotalAmount)
		}
	}
	return nil
}

// DecodeOrderCreated разбирает order.created в любой из двух форм:
// прямое тело события либо обёртка Envelope с телом в поле data.
// Возвращает событие и correlationId из обёртки (пустой для прямой формы).
func DecodeOrderCreated(body []byte) (*OrderCreatedEvent, string, error) {
	// Сначала пробуем обёртку: у неё есть поле data с телом события.
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 {
		var event OrderCreatedEvent
		if err := json.Unmarshal(env.Data, &event); err != nil {
			return nil, "", fmt.Errorf("ошибка разбора data обёртки: %w", err)
		}
		return &event, env.CorrelationID, nil
	}

	var event OrderCreatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, "", fmt.Errorf("ошибка разбора order.created: %w", err)
	}
	return &event, "", nil
}

// PaymentProcessedEvent — платёж успешно проведён.
type PaymentProcessedEvent struct {
	OrderID     string      `json:"orderId"`
	PaymentID   string      `json:"paymentId"`
	Amount      json.Number `json:"amount"`
	ProcessedAt time.Time   `json:"processedAt"`
}

// StepFailedEvent — общий формат отказа шага:
// payment.failed, inventory.failed, shipping.failed.
type StepFailedEvent struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	ErrorCode string    `json:"errorCode"`
	FailedAt  time.Time `json:"failedAt"`
}

// InventoryReservedEvent — товары зарезервированы на складе.
type InventoryReservedEvent struct {
	OrderID       string    `json:"orderId"`
	ReservationID string    `json:"reservationId"`
	ReservedAt    time.Time `json:"reservedAt"`
}

// ShippingPreparedEvent — отгрузка подготовлена.
type ShippingPreparedEvent struct {
	OrderID        string    `json:"orderId"`
	ShippingID     string    `json:"shippingId"`
	TrackingNumber string    `json:"trackingNumber"`
	PreparedAt     time.Time `json:"preparedAt"`
}

// OrderCancelledEvent — заказ отменён, сага компенсируется.
type OrderCancelledEvent struct {
	OrderID       string    `json:"orderId"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	CancelledAt   time.Time `json:"cancelledAt"`
}

// OrderStatusEvent — внешняя смена статуса заказа (order.shipped, order.delivered).
type OrderStatusEvent struct {
	OrderID       string    `json:"orderId"`
	NewStatus     string    `json:"newStatus"`
	UpdatedAt     time.Time `json:"updatedAt"`
	CorrelationID string    `json:"correlationId"`
}

// OrderDeletedEvent — заказ удалён, сагу нужно компенсировать и удалить.
type OrderDeletedEvent struct {
	OrderID       string    `json:"orderId"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	DeletedAt     time.Time `json:"deletedAt"`
}

// =============================================================================
// Исходящие команды шагов
// =============================================================================

// PaymentProcessingCommand — команда сервису платежей на списание.
type PaymentProcessingCommand struct {
	OrderID       string      `json:"orderId"`
	CustomerID    string      `json:"customerId"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	CorrelationID string      `json:"correlationId"`
	RequestedAt   time.Time   `json:"requestedAt"`
}

// InventoryReservationCommand — команда складу на резервирование позиций.
type InventoryReservationCommand struct {
	OrderID       string          `json:"orderId"`
	Items         json.RawMessage `json:"items"`
	CorrelationID string          `json:"correlationId"`
	RequestedAt   time.Time       `json:"requestedAt"`
}

// ShippingPreparationCommand — команда службе доставки на подготовку отгрузки.
type ShippingPreparationCommand struct {
	OrderID         string          `json:"orderId"`
	CustomerID      string          `json:"customerId"`
	ShippingAddress json.RawMessage `json:"shippingAddress"`
	CorrelationID   string          `json:"correlationId"`
	RequestedAt     time.Time       `json:"requestedAt"`
}

// =============================================================================
// Исходящие команды компенсации
// =============================================================================

// PaymentRefundCommand — возврат платежа при компенсации.
type PaymentRefundCommand struct {
	OrderID       string    `json:"orderId"`
	PaymentID     string    `json:"paymentId"`
	RefundID      string    `json:"refundId"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// InventoryReleaseCommand — снятие резерва при компенсации.
type InventoryReleaseCommand struct {
	OrderID       string    `json:"orderId"`
	ReservationID string    `json:"reservationId"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// ShippingCancellationCommand — отмена отгрузки при компенсации.
type ShippingCancellationCommand struct {
	OrderID       string    `json:"orderId"`
	ShippingID    string    `json:"shippingId"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// =============================================================================
// Исходящие уведомления
// =============================================================================

// OrderCompletedEvent — сага завершена успешно.
type OrderCompletedEvent struct {
	OrderID       string    `json:"orderId"`
	CorrelationID string    `json:"correlationId"`
	CompletedAt   time.Time `json:"completedAt"`
}

// OrderFailedEvent — сага завершена неудачей, заказ не выполнен.
// FailureStep — первый шаг, ресурс которого не был получен.
type OrderFailedEvent struct {
	OrderID       string    `json:"orderId"`
	Reason        string    `json:"reason"`
	FailureStep   string    `json:"failureStep"`
	ErrorCode     string    `json:"errorCode"`
	CorrelationID string    `json:"correlationId"`
	FailedAt      time.Time `json:"failedAt"`
}

// OrderStatusChangedEvent — уведомление о смене статуса заказа.
type OrderStatusChangedEvent struct {
	OrderID       string    `json:"orderId"`
	NewStatus     string    `json:"newStatus"`
	CorrelationID string    `json:"correlationId"`
	ChangedAt     time.Time `json:"changedAt"`
}
