package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/order-processor/internal/events"
	"example.com/order-processor/pkg/logger"
	"example.com/order-processor/pkg/metrics"
)

// =============================================================================
// Orchestrator — координатор Saga-транзакций
// =============================================================================

// EventPublisher — исходящий порт координатора: команды шагов, команды
// компенсации и уведомления о результате. Реализация — internal/publisher.
type EventPublisher interface {
	PublishPaymentProcessing(ctx context.Context, cmd *events.PaymentProcessingCommand) error
	PublishInventoryReservation(ctx context.Context, cmd *events.InventoryReservationCommand) error
	PublishShippingPreparation(ctx context.Context, cmd *events.ShippingPreparationCommand) error

	PublishPaymentRefund(ctx context.Context, orderID, paymentID, reason, correlationID string) error
	PublishInventoryRelease(ctx context.Context, orderID, reservationID, reason, correlationID string) error
	PublishShippingCancellation(ctx context.Context, orderID, shippingID, reason, correlationID string) error

	PublishOrderCompleted(ctx context.Context, orderID, correlationID string) error
	PublishOrderFailed(ctx context.Context, orderID, reason, failureStep, correlationID string) error
	PublishOrderStatusChanged(ctx context.Context, orderID, newStatus, correlationID string) error
}

// Orchestrator координирует распределённую обработку заказа.
// Реализует паттерн Saga Orchestration:
// 1. На order.created создаёт сагу и отправляет команду оплаты
// 2. По ответам сервисов двигает сагу к следующему шагу
// 3. При фатальной ошибке компенсирует выполненные шаги в обратном порядке
//
// Каждый обработчик идемпотентен: событие вне ожидаемого состояния саги
// отбрасывается с записью в журнал, а не ломает state machine.
type Orchestrator interface {
	// HandleOrderCreated создаёт сагу и запускает шаг оплаты.
	// Дубликат order.created (сага уже существует) молча отбрасывается.
	HandleOrderCreated(ctx context.Context, event *events.OrderCreatedEvent, payload json.RawMessage) error

	// HandlePaymentProcessed фиксирует оплату и запускает резервирование.
	HandlePaymentProcessed(ctx context.Context, event *events.PaymentProcessedEvent, payload json.RawMessage) error

	// HandlePaymentFailed повторяет шаг оплаты либо запускает компенсацию.
	HandlePaymentFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error

	// HandleInventoryReserved фиксирует резерв и запускает подготовку отгрузки.
	HandleInventoryReserved(ctx context.Context, event *events.InventoryReservedEvent, payload json.RawMessage) error

	// HandleInventoryFailed повторяет шаг резервирования либо компенсирует.
	HandleInventoryFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error

	// HandleShippingPrepared завершает сагу и публикует order.completed.
	HandleShippingPrepared(ctx context.Context, event *events.ShippingPreparedEvent, payload json.RawMessage) error

	// HandleShippingFailed повторяет шаг отгрузки либо компенсирует.
	HandleShippingFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error

	// HandleOrderCancelled компенсирует незавершённую сагу по запросу покупателя.
	// Для саги в COMPENSATING или терминальном состоянии — no-op.
	HandleOrderCancelled(ctx context.Context, event *events.OrderCancelledEvent, payload json.RawMessage) error

	// HandleOrderStatusUpdate обрабатывает order.shipped / order.delivered:
	// заказ фактически выполнен, сага принудительно завершается.
	HandleOrderStatusUpdate(ctx context.Context, event *events.OrderStatusEvent, payload json.RawMessage) error

	// HandleOrderDeleted компенсирует (если нужно) и удаляет сагу.
	HandleOrderDeleted(ctx context.Context, event *events.OrderDeletedEvent, payload json.RawMessage) error

	// ProcessStuckSaga обрабатывает зависшую сагу, найденную reconciler-ом:
	// повторяет команду текущего шага либо компенсирует при исчерпании повторов.
	ProcessStuckSaga(ctx context.Context, saga *Saga) error
}

// orchestrator — реализация Orchestrator.
type orchestrator struct {
	repo       SagaRepository
	publisher  EventPublisher
	maxRetries int
}

// NewOrchestrator создаёт новый координатор саг.
func NewOrchestrator(repo SagaRepository, publisher EventPublisher, maxRetries int) Orchestrator {
	return &orchestrator{
		repo:       repo,
		publisher:  publisher,
		maxRetries: maxRetries,
	}
}

// =============================================================================
// Запуск саги
// =============================================================================

// HandleOrderCreated создаёт сагу и публикует команду оплаты.
func (o *orchestrator) HandleOrderCreated(ctx context.Context, event *events.OrderCreatedEvent, payload json.RawMessage) error {
	log := logger.FromContext(ctx)

	saga := NewSaga(event, event.CorrelationID)

	if err := o.repo.Create(ctx, saga); err != nil {
		if errors.Is(err, ErrSagaAlreadyExists) {
			// Повторная доставка order.created: сага уже запущена.
			log.Warn().
				Str("order_id", event.OrderID).
				Msg("Сага для заказа уже существует, событие отброшено")
			metrics.SagaEventsIgnoredTotal.WithLabelValues(events.TopicOrderCreated).Inc()
			o.logEvent(ctx, "", event.OrderID, events.TopicOrderCreated, payload, EventIgnored, "сага уже существует")
			return nil
		}
		return fmt.Errorf("ошибка создания саги: %w", err)
	}

	metrics.SagasStartedTotal.Inc()

	// Публикация после коммита: если она упадёт, брокер доставит событие
	// повторно, дубликат отбросится, а зависшую сагу добьёт reconciler.
	if err := o.publishStepCommand(ctx, saga); err != nil {
		log.Error().Err(err).Str("saga_id", saga.ID).Msg("Ошибка публикации команды оплаты")
		return err
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("amount", saga.TotalAmount.String()).
		Str("currency", saga.Currency).
		Msg("Сага запущена, команда оплаты отправлена")

	o.logEvent(ctx, saga.ID, saga.OrderID, events.TopicOrderCreated, payload, EventProcessed, "")
	return nil
}

// =============================================================================
// Успехи шагов
// =============================================================================

// HandlePaymentProcessed — оплата подтверждена, запускаем резервирование.
func (o *orchestrator) HandlePaymentProcessed(ctx context.Context, event *events.PaymentProcessedEvent, payload json.RawMessage) error {
	log := logger.FromContext(ctx)

	saga, ok, err := o.loadExpecting(ctx, event.OrderID, events.TopicPaymentProcessed, payload, StatusPaymentProcessing)
	if err != nil || !ok {
		return err
	}

	if err := saga.MarkPaymentCompleted(event.PaymentID); err != nil {
		return fmt.Errorf("ошибка перехода состояния: %w", err)
	}
	if err := o.repo.Save(ctx, saga); err != nil {
		return fmt.Errorf("ошибка сохранения саги: %w", err)
	}

	if err := o.publishStepCommand(ctx, saga); err != nil {
		return err
	}

	// Уведомление подписчиков заказа о прогрессе. Сага уже продвинута,
	// поэтому ошибка уведомления не откатывает обработку события.
	if err := o.publisher.PublishOrderStatusChanged(ctx, saga.OrderID, string(saga.Status), saga.CorrelationID); err != nil {
		log.Warn().Err(err).
			Str("saga_id", saga.ID).
			Msg("Ошибка публикации order.status.changed")
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("payment_id", event.PaymentID).
		Msg("Оплата подтверждена, команда резервирования отправлена")

	o.logEvent(ctx, saga.ID, saga.OrderID, events.TopicPaymentProcessed, payload, EventProcessed, "")
	return nil
}

// HandleInventoryReserved — резерв подтверждён, запускаем отгрузку.
func (o *orchestrator) HandleInventoryReserved(ctx context.Context, event *events.InventoryReservedEvent, payload json.RawMessage) error {
	log := logger.FromContext(ctx)

	saga, ok, err := o.loadExpecting(ctx, event.OrderID, events.TopicInventoryReserved, payload, StatusInventoryProcessing)
	if err != nil || !ok {
		return err
	}

	if err := saga.MarkInventoryReserved(event.ReservationID); err != nil {
		return fmt.Errorf("ошибка перехода состояния: %w", err)
	}
	if err := o.repo.Save(ctx, saga); err != nil {
		return fmt.Errorf("ошибка сохранения саги: %w", err)
	}

	if err := o.publishStepCommand(ctx, saga); err != nil {
		return err
	}

	if err := o.publisher.PublishOrderStatusChanged(ctx, saga.OrderID, string(saga.Status), saga.CorrelationID); err != nil {
		log.Warn().Err(err).
			Str("saga_id", saga.ID).
			Msg("Ошибка публикации order.status.changed")
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("reservation_id", event.ReservationID).
		Msg("Товары зарезервированы, команда подготовки отгрузки отправлена")

	o.logEvent(ctx, saga.ID, saga.OrderID, events.TopicInventoryReserved, payload, EventProcessed, "")
	return nil
}

// HandleShippingPrepared — последний шаг выполнен, сага завершена.
func (o *orchestrator) HandleShippingPrepared(ctx context.Context, event *events.ShippingPreparedEvent, payload json.RawMessage) error {
	log := logger.FromContext(ctx)

	saga, ok, err := o.loadExpecting(ctx, event.OrderID, events.TopicShippingPrepared, payload, StatusShippingProcessing)
	if err != nil || !ok {
		return err
	}

	if err := saga.MarkCompleted(event.ShippingID); err != nil {
		return fmt.Errorf("ошибка перехода состояния: %w", err)
	}
	if err := o.repo.Save(ctx, saga); err != nil {
		return fmt.Errorf("ошибка сохранения саги: %w", err)
	}

	metrics.RecordSagaOutcome("completed", saga.CreatedAt)

	if err := o.publisher.PublishOrderCompleted(ctx, saga.OrderID, saga.CorrelationID); err != nil {
		// Сага уже COMPLETED; уведомление доедет при повторной доставке
		// shipping.prepared, дубликат которого отбросится по статусу.
		log.Error().Err(err).
			Str("saga_id", saga.ID).
			Msg("Ошибка публикации order.completed")
		return err
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("shipping_id", event.ShippingID).
		Msg("Сага завершена успешно")

	o.logEvent(ctx, saga.ID, saga.OrderID, events.TopicShippingPrepared, payload, EventProcessed, "")
	return nil
}

// =============================================================================
// Отказы шагов: повтор или компенсация
// =============================================================================

// HandlePaymentFailed — отказ сервиса платежей.
func (o *orchestrator) HandlePaymentFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error {
	return o.handleStepFailure(ctx, event, events.TopicPaymentFailed, payload, StatusPaymentProcessing)
}

// HandleInventoryFailed — отказ склада.
func (o *orchestrator) HandleInventoryFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error {
	return o.handleStepFailure(ctx, event, events.TopicInventoryFailed, payload, StatusInventoryProcessing)
}

// HandleShippingFailed — отказ службы доставки.
func (o *orchestrator) HandleShippingFailed(ctx context.Context, event *events.StepFailedEvent, payload json.RawMessage) error {
	return o.handleStepFailure(ctx, event, events.TopicShippingFailed, payload, StatusShippingProcessing)
}

// handleStepFailure — общая логика отказа шага: пока повторы не исчерпаны —
// повторная отправка той же команды, дальше — компенсация.
func (o *orchestrator) handleStepFailure(ctx context.Context, event *events.StepFailedEvent, eventType string, payload json.RawMessage, expected Status) error {
	log := logger.FromContext(ctx)

	saga, ok, err := o.loadExpecting(ctx, event.OrderID, eventType, payload, expected)
	if err != nil || !ok {
		return err
	}

	if saga.CanRetry(o.maxRetries) {
		saga.IncrementRetry()
		if err := o.repo.Save(ctx, saga); err != nil {
			return fmt.Errorf("ошибка сохранения саги: %w", err)
		}

		if err := o.publishStepCommand(ctx, saga); err != nil {
			return err
		}

		metrics.SagaRetriesTotal.WithLabelValues(string(saga.CurrentStep)).Inc()
		log.Warn().
			Str("saga_id", saga.ID).
			Str("order_id", saga.OrderID).
			Str("step", string(saga.CurrentStep)).
			Int("retry", saga.RetryCount).
			Str("reason", event.Reason).
			Msg("Шаг саги завершился ошибкой, команда отправлена повторно")

		o.logEvent(ctx, saga.ID, saga.OrderID, eventType, payload, EventProcessed, fmt.Sprintf("повтор %d", saga.RetryCount))
		return nil
	}

	log.Warn().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("step", string(saga.CurrentStep)).
		Int("retries", saga.RetryCount).
		Msg("Повторы шага исчерпаны, запускаем компенсацию")

	if err := o.compensate(ctx, saga, event.Reason); err != nil {
		return err
	}

	o.logEvent(ctx, saga.ID, saga.OrderID, eventType, payload, EventProcessed, "компенсация после исчерпания повторов")
	return nil
}

// =============================================================================
// Внешние события заказа
// =============================================================================

// HandleOrderCancelled — отмена заказа покупателем или оператором.
func (o *orchestrator) HandleOrderCancelled(ctx context.Context, event *events.OrderCancelledEvent, payload json.RawMessage) error {
	log := logger.FromContext(ctx)

	saga, err := o.repo.FindByOrderID(ctx, event.OrderID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			o.ignore(ctx, "", event.OrderID, events.TopicOrderCancelled, payload, "сага не найдена")
			return nil
		}
		return fmt.Errorf("ошибка загрузки саги: %w", err)
	}

	// Компенсация уже идёт или сага закрыта — отменять нечего.
	if saga.Status == StatusCompensating || saga.Status.IsTerminal() {
		o.ignore(ctx, saga.ID, saga.OrderID, events.TopicOrderCancelled, payload,
			fmt.Sprintf("отмена в статусе %s не требует действий", saga.Status))
		return nil
	}

	reason := event.Reason
	if reason == "" {
		reason = "заказ отменён"
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("reason", reason).
		Msg("Заказ отменён, запускаем компенсацию")

	if err := o.compensate(ctx, saga, reason); err != nil {
		return err
	}

	o.logEvent(ctx, saga.ID, saga.OrderID, events.TopicOrderCancelled, payload, EventProcessed, "")
	return nil
}

// HandleOrderStatusUpdate — заказ отгружен или доставлен внешним процессом.
// Сага принудительно завершается: дожидаться ответов шагов бессмысленно.
func (o *orchestrator) HandleOrderStatusUpdate(ctx context.Context, event *events.OrderStatusEvent, payload json.RawMessage) error {
	log := logger.FromContext(ctx)

	eventType := events.TopicOrderShipped
	if event.NewStatus == "DELIVERED" {
		eventType = events.TopicOrderDelivered
	}

	saga, err := o.repo.FindByOrderID(ctx, event.OrderID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			o.ignore(ctx, "", event.OrderID, eventType, payload, "сага не найдена")
			return nil
		}
		return fmt.Errorf("ошибка загрузки саги: %w", err)
	}

	if saga.Status.IsTerminal() {
		o.ignore(ctx, saga.ID, saga.OrderID, eventType, payload,
			fmt.Sprintf("сага уже в терминальном статусе %s", saga.Status))
		return nil
	}

	if err := saga.ForceComplete(); err != nil {
		return fmt.Errorf("ошибка перехода состояния: %w", err)
	}
	if err := o.repo.Save(ctx, saga); err != nil {
		return fmt.Errorf("ошибка сохранения саги: %w", err)
	}

	metrics.RecordSagaOutcome("completed", saga.CreatedAt)

	if err := o.publisher.PublishOrderStatusChanged(ctx, saga.OrderID, event.NewStatus, saga.CorrelationID); err != nil {
		log.Error().Err(err).Str("saga_id", saga.ID).Msg("Ошибка публикации order.status.changed")
		return err
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("new_status", event.NewStatus).
		Msg("Сага принудительно завершена по внешнему статусу заказа")

	o.logEvent(ctx, saga.ID, saga.OrderID, eventType, payload, EventProcessed, "")
	return nil
}

// HandleOrderDeleted — заказ удалён: компенсируем незакрытую сагу и удаляем её.
func (o *orchestrator) HandleOrderDeleted(ctx context.Context, event *events.OrderDeletedEvent, payload json.RawMessage) error {
	log := logger.FromContext(ctx)

	saga, err := o.repo.FindByOrderID(ctx, event.OrderID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			o.ignore(ctx, "", event.OrderID, events.TopicOrderDeleted, payload, "сага не найдена")
			return nil
		}
		return fmt.Errorf("ошибка загрузки саги: %w", err)
	}

	if !saga.Status.IsTerminal() && saga.Status != StatusCompensating {
		reason := event.Reason
		if reason == "" {
			reason = "заказ удалён"
		}
		if err := o.compensate(ctx, saga, reason); err != nil {
			return err
		}
	} else if saga.Status == StatusCompensating {
		// Компенсация была прервана: какие undo-команды уже ушли — неизвестно,
		// их повторная публикация может продублировать возвраты. Фиксируем
		// незакрытые ресурсы, дальше разбирается оператор.
		evt := log.Warn().
			Str("saga_id", saga.ID).
			Str("order_id", saga.OrderID)
		if saga.PaymentID != nil {
			evt.Str("payment_id", *saga.PaymentID)
		}
		if saga.InventoryReservationID != nil {
			evt.Str("reservation_id", *saga.InventoryReservationID)
		}
		if saga.ShippingID != nil {
			evt.Str("shipping_id", *saga.ShippingID)
		}
		evt.Msg("Сага удаляется в статусе COMPENSATING: ресурсы могли остаться неосвобождёнными")
	}

	if err := o.repo.Delete(ctx, saga); err != nil {
		return fmt.Errorf("ошибка удаления саги: %w", err)
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Msg("Сага удалена вместе с заказом")

	o.logEvent(ctx, saga.ID, saga.OrderID, events.TopicOrderDeleted, payload, EventProcessed, "")
	return nil
}

// =============================================================================
// Зависшие саги (вызывается reconciler-ом)
// =============================================================================

// ProcessStuckSaga повторяет команду текущего шага зависшей саги
// либо компенсирует её, если повторы исчерпаны.
func (o *orchestrator) ProcessStuckSaga(ctx context.Context, saga *Saga) error {
	log := logger.FromContext(ctx)

	if !saga.Status.IsProcessing() {
		return nil
	}

	if saga.CanRetry(o.maxRetries) {
		saga.IncrementRetry()
		if err := o.repo.Save(ctx, saga); err != nil {
			return fmt.Errorf("ошибка сохранения саги: %w", err)
		}

		if err := o.publishStepCommand(ctx, saga); err != nil {
			return err
		}

		metrics.SagaRetriesTotal.WithLabelValues(string(saga.CurrentStep)).Inc()
		log.Warn().
			Str("saga_id", saga.ID).
			Str("order_id", saga.OrderID).
			Str("step", string(saga.CurrentStep)).
			Int("retry", saga.RetryCount).
			Msg("Команда зависшей саги отправлена повторно")
		return nil
	}

	log.Warn().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("status", string(saga.Status)).
		Msg("Зависшая сага исчерпала повторы, запускаем компенсацию")

	return o.compensate(ctx, saga, "Saga stuck in processing state")
}

// =============================================================================
// Компенсация
// =============================================================================

// compensate откатывает выполненные шаги саги в обратном порядке получения
// ресурсов, публикует order.failed и закрывает сагу как COMPENSATED.
// Любая ошибка публикации переводит сагу в FAILED: частично отправленная
// компенсация требует вмешательства оператора, а не слепого повтора.
func (o *orchestrator) compensate(ctx context.Context, saga *Saga, reason string) error {
	log := logger.FromContext(ctx)

	// failureStep фиксируется до компенсации: это первый шаг,
	// ресурс которого так и не был получен.
	failureStep := saga.FailureStep()

	if err := saga.StartCompensation(reason); err != nil {
		return fmt.Errorf("ошибка перехода в COMPENSATING: %w", err)
	}
	if err := o.repo.Save(ctx, saga); err != nil {
		return fmt.Errorf("ошибка сохранения саги: %w", err)
	}

	shippingID, reservationID, paymentID := saga.AcquiredResources()

	if shippingID != nil {
		if err := o.publisher.PublishShippingCancellation(ctx, saga.OrderID, *shippingID, reason, saga.CorrelationID); err != nil {
			return o.failCompensation(ctx, saga, "shipping.cancellation", err)
		}
	}
	if reservationID != nil {
		if err := o.publisher.PublishInventoryRelease(ctx, saga.OrderID, *reservationID, reason, saga.CorrelationID); err != nil {
			return o.failCompensation(ctx, saga, "inventory.release", err)
		}
	}
	if paymentID != nil {
		if err := o.publisher.PublishPaymentRefund(ctx, saga.OrderID, *paymentID, reason, saga.CorrelationID); err != nil {
			return o.failCompensation(ctx, saga, "payment.refund", err)
		}
	}

	if err := o.publisher.PublishOrderFailed(ctx, saga.OrderID, reason, failureStep, saga.CorrelationID); err != nil {
		return o.failCompensation(ctx, saga, "order.failed", err)
	}

	if err := saga.MarkCompensated(); err != nil {
		return fmt.Errorf("ошибка перехода в COMPENSATED: %w", err)
	}
	if err := o.repo.Save(ctx, saga); err != nil {
		return fmt.Errorf("ошибка сохранения саги: %w", err)
	}

	metrics.RecordSagaOutcome("compensated", saga.CreatedAt)

	log.Info().
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("failure_step", failureStep).
		Str("reason", reason).
		Msg("Компенсация выполнена, сага закрыта")

	return nil
}

// failCompensation переводит сагу в FAILED после ошибки публикации
// компенсирующей команды. Повторять нельзя: часть команд уже ушла,
// слепой повтор продублирует refund или release.
func (o *orchestrator) failCompensation(ctx context.Context, saga *Saga, topic string, cause error) error {
	log := logger.FromContext(ctx)

	log.Error().Err(cause).
		Str("saga_id", saga.ID).
		Str("order_id", saga.OrderID).
		Str("topic", topic).
		Msg("Ошибка публикации компенсации, сага переводится в FAILED")

	reason := fmt.Sprintf("ошибка публикации %s: %v", topic, cause)
	if err := saga.MarkFailed(reason); err != nil {
		return fmt.Errorf("ошибка перехода в FAILED: %w", err)
	}
	if err := o.repo.Save(ctx, saga); err != nil {
		return fmt.Errorf("ошибка сохранения саги: %w", err)
	}

	metrics.RecordSagaOutcome("failed", saga.CreatedAt)

	// Событие считается обработанным: сага в терминальном FAILED,
	// повторная доставка ничего не изменит.
	return nil
}

// =============================================================================
// Вспомогательные методы
// =============================================================================

// loadExpecting загружает сагу по orderID и проверяет ожидаемое состояние.
// Возвращает ok=false (и nil error), если событие нужно отбросить:
// сага не найдена, терминальна или не в ожидаемом статусе.
func (o *orchestrator) loadExpecting(ctx context.Context, orderID, eventType string, payload json.RawMessage, expected Status) (*Saga, bool, error) {
	saga, err := o.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			o.ignore(ctx, "", orderID, eventType, payload, "сага не найдена")
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ошибка загрузки саги: %w", err)
	}

	if saga.Status != expected {
		// Дубликат, событие вне очереди или сага уже закрыта.
		o.ignore(ctx, saga.ID, saga.OrderID, eventType, payload,
			fmt.Sprintf("ожидался статус %s, текущий %s", expected, saga.Status))
		return nil, false, nil
	}

	return saga, true, nil
}

// ignore отбрасывает событие: warn в лог, метрика, запись IGNORED в журнал.
func (o *orchestrator) ignore(ctx context.Context, sagaID, orderID, eventType string, payload json.RawMessage, detail string) {
	log := logger.FromContext(ctx)
	log.Warn().
		Str("saga_id", sagaID).
		Str("order_id", orderID).
		Str("event_type", eventType).
		Str("detail", detail).
		Msg("Входящее событие отброшено")

	metrics.SagaEventsIgnoredTotal.WithLabelValues(eventType).Inc()
	o.logEvent(ctx, sagaID, orderID, eventType, payload, EventIgnored, detail)
}

// publishStepCommand публикует команду текущего шага саги.
// Используется при запуске шага, повторе после отказа и добивании
// зависшей саги reconciler-ом — команда всегда строится из состояния саги.
func (o *orchestrator) publishStepCommand(ctx context.Context, saga *Saga) error {
	switch saga.CurrentStep {
	case StepPayment:
		return o.publisher.PublishPaymentProcessing(ctx, &events.PaymentProcessingCommand{
			OrderID:       saga.OrderID,
			CustomerID:    saga.CustomerID,
			Amount:        saga.TotalAmount,
			Currency:      saga.Currency,
			CorrelationID: saga.CorrelationID,
		})
	case StepInventory:
		return o.publisher.PublishInventoryReservation(ctx, &events.InventoryReservationCommand{
			OrderID:       saga.OrderID,
			Items:         saga.OrderItems,
			CorrelationID: saga.CorrelationID,
		})
	case StepShipping:
		return o.publisher.PublishShippingPreparation(ctx, &events.ShippingPreparationCommand{
			OrderID:         saga.OrderID,
			CustomerID:      saga.CustomerID,
			ShippingAddress: saga.ShippingAddress,
			CorrelationID:   saga.CorrelationID,
		})
	default:
		return fmt.Errorf("для шага %s нет команды", saga.CurrentStep)
	}
}

// logEvent добавляет запись в append-only журнал событий.
// Журнал — аудит, а не источник правды: ошибка записи логируется,
// но не прерывает обработку события.
func (o *orchestrator) logEvent(ctx context.Context, sagaID, orderID, eventType string, payload json.RawMessage, status EventProcessingStatus, detail string) {
	entry := &EventLogEntry{
		ID:               uuid.NewString(),
		SagaID:           sagaID,
		OrderID:          orderID,
		EventType:        eventType,
		Payload:          payload,
		CorrelationID:    logger.CorrelationIDFromContext(ctx),
		ProcessingStatus: status,
		Detail:           detail,
		CreatedAt:        time.Now(),
	}

	if err := o.repo.LogEvent(ctx, entry); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).
			Str("order_id", orderID).
			Str("event_type", eventType).
			Msg("Ошибка записи в журнал событий")
	}
}
