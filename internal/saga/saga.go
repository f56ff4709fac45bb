// Package saga реализует координатор саги обработки заказа.
// Каждый заказ проходит фиксированную последовательность шагов:
// 1. Списание оплаты → Payment Service
// 2. Резервирование товаров → Inventory Service
// 3. Подготовка отгрузки → Shipping Service
// При фатальной ошибке выполненные шаги компенсируются в обратном порядке.
package saga

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"example.com/order-processor/internal/events"
)

// =============================================================================
// Состояния Saga
// =============================================================================

// Status — состояние саги в state machine.
type Status string

const (
	// StatusCreated — сага создана, команда оплаты ещё не отправлена.
	// Транзитное состояние: при создании сага сразу переводится
	// в PAYMENT_PROCESSING в той же транзакции.
	StatusCreated Status = "CREATED"

	// StatusPaymentProcessing — команда оплаты отправлена в Payment Service.
	StatusPaymentProcessing Status = "PAYMENT_PROCESSING"

	// StatusPaymentCompleted — оплата подтверждена, резервирование ещё не запущено.
	StatusPaymentCompleted Status = "PAYMENT_COMPLETED"

	// StatusInventoryProcessing — команда резервирования отправлена на склад.
	StatusInventoryProcessing Status = "INVENTORY_PROCESSING"

	// StatusInventoryCompleted — резерв подтверждён, отгрузка ещё не запущена.
	StatusInventoryCompleted Status = "INVENTORY_COMPLETED"

	// StatusShippingProcessing — команда подготовки отгрузки отправлена.
	StatusShippingProcessing Status = "SHIPPING_PROCESSING"

	// StatusCompleted — все шаги выполнены, заказ обработан.
	StatusCompleted Status = "COMPLETED"

	// StatusCompensating — выполняются компенсирующие действия.
	StatusCompensating Status = "COMPENSATING"

	// StatusCompensated — компенсация завершена, заказ отменён корректно.
	StatusCompensated Status = "COMPENSATED"

	// StatusFailed — не удалось даже компенсировать: требуется вмешательство оператора.
	StatusFailed Status = "FAILED"
)

// IsTerminal возвращает true, если сага в финальном состоянии.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// IsProcessing возвращает true для состояний ожидания ответа внешнего сервиса.
// Именно эти состояния сканирует reconciler в поиске зависших саг.
func (s Status) IsProcessing() bool {
	return s == StatusPaymentProcessing ||
		s == StatusInventoryProcessing ||
		s == StatusShippingProcessing
}

// ProcessingStatuses — список состояний ожидания для выборок из хранилища.
var ProcessingStatuses = []Status{
	StatusPaymentProcessing,
	StatusInventoryProcessing,
	StatusShippingProcessing,
}

// =============================================================================
// Шаги Saga
// =============================================================================

// Step — текущий шаг саги. Двигается только вперёд:
// PAYMENT → INVENTORY → SHIPPING → COMPLETED.
type Step string

const (
	StepPayment   Step = "PAYMENT"
	StepInventory Step = "INVENTORY"
	StepShipping  Step = "SHIPPING"
	StepCompleted Step = "COMPLETED"
)

// =============================================================================
// Saga — доменная сущность
// =============================================================================

// Saga — персистентное состояние обработки одного заказа.
type Saga struct {
	ID          string      // UUID саги
	OrderID     string      // ID заказа, уникален среди всех саг
	CustomerID  string      // ID покупателя (для команд нижестоящим сервисам)
	OrderNumber string      // Номер заказа (для уведомлений)
	TotalAmount json.Number // Сумма заказа, десятичная без потери точности
	Currency    string      // Трёхбуквенный код валюты

	Status      Status // Текущее состояние state machine
	CurrentStep Step   // Текущий шаг последовательности

	// Идентификаторы полученных ресурсов. Каждый устанавливается ровно
	// один раз при успехе соответствующего шага; по ним строится компенсация.
	PaymentID              *string
	InventoryReservationID *string
	ShippingID             *string

	// Копии данных заказа для команд нижестоящим сервисам:
	// координатор никогда не ходит обратно в сервис заказов.
	OrderItems      json.RawMessage
	ShippingAddress json.RawMessage
	BillingAddress  json.RawMessage

	RetryCount    int     // Выполненные повторы текущего шага
	ErrorMessage  *string // Текст последней ошибки
	CorrelationID string  // Сквозной идентификатор для логов и событий

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Version     int // Optimistic Locking: инкрементируется при каждом обновлении
}

// NewSaga создаёт сагу из события order.created.
// Состояние CREATED транзитное: сага сразу в PAYMENT_PROCESSING,
// команда оплаты публикуется в той же транзакции.
func NewSaga(event *events.OrderCreatedEvent, correlationID string) *Saga {
	now := time.Now()
	return &Saga{
		ID:              uuid.NewString(),
		OrderID:         event.OrderID,
		CustomerID:      event.CustomerID,
		OrderNumber:     event.OrderNumber,
		TotalAmount:     event.TotalAmount,
		Currency:        event.Currency,
		Status:          StatusPaymentProcessing,
		CurrentStep:     StepPayment,
		OrderItems:      event.Items,
		ShippingAddress: event.ShippingAddress,
		BillingAddress:  event.BillingAddress,
		CorrelationID:   correlationID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// =============================================================================
// Переходы состояний (State Machine)
// =============================================================================

// Ошибки переходов состояний.
var (
	ErrInvalidTransition = errors.New("недопустимый переход состояния саги")
	ErrSagaTerminal      = errors.New("сага уже в терминальном состоянии")
)

// allowedTransitions определяет допустимые переходы состояний.
// Из любого нетерминального состояния разрешены COMPENSATING (отмена,
// исчерпание повторов) и COMPLETED (внешнее force-advance по order.shipped).
var allowedTransitions = map[Status][]Status{
	StatusCreated:             {StatusPaymentProcessing, StatusCompensating, StatusCompleted},
	StatusPaymentProcessing:   {StatusPaymentCompleted, StatusInventoryProcessing, StatusCompensating, StatusCompleted},
	StatusPaymentCompleted:    {StatusInventoryProcessing, StatusCompensating, StatusCompleted},
	StatusInventoryProcessing: {StatusInventoryCompleted, StatusShippingProcessing, StatusCompensating, StatusCompleted},
	StatusInventoryCompleted:  {StatusShippingProcessing, StatusCompensating, StatusCompleted},
	StatusShippingProcessing:  {StatusCompleted, StatusCompensating},
	StatusCompensating:        {StatusCompensated, StatusFailed},
	// COMPLETED, COMPENSATED и FAILED — терминальные, переходов нет
}

// CanTransitionTo проверяет, допустим ли переход в указанное состояние.
func (s *Saga) CanTransitionTo(newStatus Status) bool {
	allowed, ok := allowedTransitions[s.Status]
	if !ok {
		return false // Терминальное состояние
	}

	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo выполняет переход в новое состояние.
// Возвращает ошибку, если переход недопустим.
func (s *Saga) TransitionTo(newStatus Status) error {
	if s.Status.IsTerminal() {
		return ErrSagaTerminal
	}

	if !s.CanTransitionTo(newStatus) {
		return ErrInvalidTransition
	}

	s.Status = newStatus
	s.UpdatedAt = time.Now()
	return nil
}

// =============================================================================
// Доменные операции
// =============================================================================

// CanRetry возвращает true, если текущий шаг можно повторить.
func (s *Saga) CanRetry(maxRetries int) bool {
	return s.RetryCount < maxRetries
}

// IncrementRetry увеличивает счётчик повторов текущего шага.
func (s *Saga) IncrementRetry() {
	s.RetryCount++
	s.UpdatedAt = time.Now()
}

// MarkPaymentCompleted фиксирует успешную оплату и запускает шаг резервирования.
// Счётчик повторов обнуляется: повторы считаются на каждый шаг отдельно.
func (s *Saga) MarkPaymentCompleted(paymentID string) error {
	if err := s.TransitionTo(StatusInventoryProcessing); err != nil {
		return err
	}
	s.PaymentID = &paymentID
	s.CurrentStep = StepInventory
	s.RetryCount = 0
	return nil
}

// MarkInventoryReserved фиксирует резерв товаров и запускает шаг отгрузки.
func (s *Saga) MarkInventoryReserved(reservationID string) error {
	if err := s.TransitionTo(StatusShippingProcessing); err != nil {
		return err
	}
	s.InventoryReservationID = &reservationID
	s.CurrentStep = StepShipping
	s.RetryCount = 0
	return nil
}

// MarkCompleted завершает сагу после подготовки отгрузки.
func (s *Saga) MarkCompleted(shippingID string) error {
	if err := s.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	s.ShippingID = &shippingID
	s.CurrentStep = StepCompleted
	now := time.Now()
	s.CompletedAt = &now
	return nil
}

// ForceComplete переводит сагу в COMPLETED по внешнему событию
// (order.shipped / order.delivered): заказ фактически выполнен,
// дожидаться оставшихся подтверждений шагов не имеет смысла.
func (s *Saga) ForceComplete() error {
	if err := s.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	s.CurrentStep = StepCompleted
	now := time.Now()
	s.CompletedAt = &now
	return nil
}

// StartCompensation переводит сагу в COMPENSATING и запоминает причину.
func (s *Saga) StartCompensation(reason string) error {
	if err := s.TransitionTo(StatusCompensating); err != nil {
		return err
	}
	s.ErrorMessage = &reason
	return nil
}

// MarkCompensated завершает компенсацию: все undo-команды опубликованы.
func (s *Saga) MarkCompensated() error {
	return s.TransitionTo(StatusCompensated)
}

// MarkFailed фиксирует фатальную ошибку компенсации.
// Дальнейшее восстановление — только вручную оператором.
func (s *Saga) MarkFailed(reason string) error {
	if err := s.TransitionTo(StatusFailed); err != nil {
		return err
	}
	s.ErrorMessage = &reason
	return nil
}

// FailureStep возвращает шаг, на котором сага остановилась:
// первый шаг, ресурс которого не был получен.
func (s *Saga) FailureStep() string {
	switch {
	case s.PaymentID == nil:
		return "payment"
	case s.InventoryReservationID == nil:
		return "inventory"
	case s.ShippingID == nil:
		return "shipping"
	default:
		return "completed"
	}
}

// AcquiredResources возвращает идентификаторы полученных ресурсов
// в обратном порядке получения — порядке компенсации.
func (s *Saga) AcquiredResources() (shippingID, reservationID, paymentID *string) {
	return s.ShippingID, s.InventoryReservationID, s.PaymentID
}
