package saga

import (
	"context"
	"errors"
	"time"

	"example.com/order-processor/internal/events"
)

// =============================================================================
// Мок репозитория саг (in-memory)
// =============================================================================

// mockRepo — in-memory реализация SagaRepository для unit тестов координатора.
type mockRepo struct {
	sagas      map[string]*Saga // ключ — orderID
	logEntries []*EventLogEntry
	deleted    []string

	createErr error
	saveErr   error
	saveCalls int
}

func newMockRepo() *mockRepo {
	return &mockRepo{sagas: make(map[string]*Saga)}
}

func (m *mockRepo) Create(ctx context.Context, saga *Saga) error {
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.sagas[saga.OrderID]; exists {
		return ErrSagaAlreadyExists
	}
	m.sagas[saga.OrderID] = saga
	return nil
}

func (m *mockRepo) FindByID(ctx context.Context, id string) (*Saga, error) {
	for _, s := range m.sagas {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, ErrSagaNotFound
}

func (m *mockRepo) FindByOrderID(ctx context.Context, orderID string) (*Saga, error) {
	saga, ok := m.sagas[orderID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return saga, nil
}

func (m *mockRepo) Save(ctx context.Context, saga *Saga) error {
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sagas[saga.OrderID] = saga
	saga.Version++
	return nil
}

func (m *mockRepo) Delete(ctx context.Context, saga *Saga) error {
	if _, ok := m.sagas[saga.OrderID]; !ok {
		return ErrSagaNotFound
	}
	delete(m.sagas, saga.OrderID)
	m.deleted = append(m.deleted, saga.ID)
	return nil
}

func (m *mockRepo) FindStuck(ctx context.Context, statuses []Status, olderThan time.Time) ([]*Saga, error) {
	var result []*Saga
	for _, s := range m.sagas {
		for _, status := range statuses {
			if s.Status == status && s.UpdatedAt.Before(olderThan) {
				result = append(result, s)
			}
		}
	}
	return result, nil
}

func (m *mockRepo) List(ctx context.Context, status *Status, limit, offset int) ([]*Saga, error) {
	var result []*Saga
	for _, s := range m.sagas {
		if status == nil || s.Status == *status {
			result = append(result, s)
		}
	}
	return result, nil
}

func (m *mockRepo) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	for _, s := range m.sagas {
		if s.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) CountByStatusIn(ctx context.Context, statuses []Status) (int64, error) {
	var count int64
	for _, status := range statuses {
		n, _ := m.CountByStatus(ctx, status)
		count += n
	}
	return count, nil
}

func (m *mockRepo) CountStuck(ctx context.Context, statuses []Status, olderThan time.Time) (int64, error) {
	stuck, _ := m.FindStuck(ctx, statuses, olderThan)
	return int64(len(stuck)), nil
}

func (m *mockRepo) LogEvent(ctx context.Context, entry *EventLogEntry) error {
	m.logEntries = append(m.logEntries, entry)
	return nil
}

// lastLogEntry возвращает последнюю запись журнала, nil если журнал пуст.
func (m *mockRepo) lastLogEntry() *EventLogEntry {
	if len(m.logEntries) == 0 {
		return nil
	}
	return m.logEntries[len(m.logEntries)-1]
}

// =============================================================================
// Мок издателя событий
// =============================================================================

// pubCall — одна перехваченная публикация.
type pubCall struct {
	topic   string
	orderID string
}

// mockPublisher записывает публикации и умеет ронять заданный топик.
type mockPublisher struct {
	calls     []pubCall
	failTopic string

	lastReason      string
	lastFailureStep string
}

func (m *mockPublisher) record(topic, orderID string) error {
	if m.failTopic == topic {
		return errors.New("брокер недоступен")
	}
	m.calls = append(m.calls, pubCall{topic: topic, orderID: orderID})
	return nil
}

// topics возвращает топики публикаций в порядке вызовов.
func (m *mockPublisher) topics() []string {
	result := make([]string, len(m.calls))
	for i, c := range m.calls {
		result[i] = c.topic
	}
	return result
}

func (m *mockPublisher) PublishPaymentProcessing(ctx context.Context, cmd *events.PaymentProcessingCommand) error {
	return m.record(events.TopicPaymentProcessing, cmd.OrderID)
}

func (m *mockPublisher) PublishInventoryReservation(ctx context.Context, cmd *events.InventoryReservationCommand) error {
	return m.record(events.TopicInventoryReservation, cmd.OrderID)
}

func (m *mockPublisher) PublishShippingPreparation(ctx context.Context, cmd *events.ShippingPreparationCommand) error {
	return m.record(events.TopicShippingPreparation, cmd.OrderID)
}

func (m *mockPublisher) PublishPaymentRefund(ctx context.Context, orderID, paymentID, reason, correlationID string) error {
	return m.record(events.TopicPaymentRefund, orderID)
}

func (m *mockPublisher) PublishInventoryRelease(ctx context.Context, orderID, reservationID, reason, correlationID string) error {
	return m.record(events.TopicInventoryRelease, orderID)
}

func (m *mockPublisher) PublishShippingCancellation(ctx context.Context, orderID, shippingID, reason, correlationID string) error {
	return m.record(events.TopicShippingCancellation, orderID)
}

func (m *mockPublisher) PublishOrderCompleted(ctx context.Context, orderID, correlationID string) error {
	return m.record(events.TopicOrderCompleted, orderID)
}

func (m *mockPublisher) PublishOrderFailed(ctx context.Context, orderID, reason, failureStep, correlationID string) error {
	if err := m.record(events.TopicOrderFailed, orderID); err != nil {
		return err
	}
	m.lastReason = reason
	m.lastFailureStep = failureStep
	return nil
}

func (m *mockPublisher) PublishOrderStatusChanged(ctx context.Context, orderID, newStatus, correlationID string) error {
	return m.record(events.TopicOrderStatusChanged, orderID)
}
