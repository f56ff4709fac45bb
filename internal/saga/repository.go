package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// Ошибки репозитория
// =============================================================================

var (
	// ErrSagaNotFound — сага не найдена.
	ErrSagaNotFound = errors.New("сага не найдена")

	// ErrSagaAlreadyExists — сага для этого заказа уже существует.
	// Уникальный индекс order_id — защита от дубликата order.created.
	ErrSagaAlreadyExists = errors.New("сага для заказа уже существует")

	// ErrSagaConcurrentUpdate — оптимистическая блокировка: версия строки
	// изменилась между чтением и записью. Событие нужно отдать брокеру
	// на повторную доставку.
	ErrSagaConcurrentUpdate = errors.New("конкурентное обновление саги")
)

// =============================================================================
// Журнал событий
// =============================================================================

// EventProcessingStatus — результат обработки входящего события.
type EventProcessingStatus string

const (
	// EventProcessed — событие обработано, состояние саги изменилось.
	EventProcessed EventProcessingStatus = "PROCESSED"

	// EventIgnored — событие отброшено (дубликат, вне текущего шага,
	// сага не найдена или уже терминальна).
	EventIgnored EventProcessingStatus = "IGNORED"

	// EventFailed — обработка завершилась ошибкой.
	EventFailed EventProcessingStatus = "FAILED"
)

// EventLogEntry — append-only запись аудита: одно входящее событие.
type EventLogEntry struct {
	ID               string
	SagaID           string // пустой, если сага не найдена
	OrderID          string
	EventType        string
	Payload          json.RawMessage
	CorrelationID    string
	ProcessingStatus EventProcessingStatus
	Detail           string // пояснение для IGNORED/FAILED
	CreatedAt        time.Time
}

// =============================================================================
// GORM модели
// =============================================================================

// SagaModel — GORM модель для таблицы order_processing_saga.
// Колонки updated_at и version обновляет триггер БД при каждом UPDATE,
// поэтому Save их не перечисляет.
type SagaModel struct {
	ID                     string     `gorm:"column:id;type:varchar(36);primaryKey"`
	OrderID                string     `gorm:"column:order_id;type:varchar(36);not null;uniqueIndex"`
	CustomerID             string     `gorm:"column:customer_id;type:varchar(64)"`
	OrderNumber            string     `gorm:"column:order_number;type:varchar(64)"`
	TotalAmount            string     `gorm:"column:total_amount;type:decimal(19,4)"`
	Currency               string     `gorm:"column:currency;type:varchar(3)"`
	Status                 string     `gorm:"column:status;type:varchar(30);not null;index;index:idx_saga_status_updated,priority:1"`
	CurrentStep            string     `gorm:"column:current_step;type:varchar(20);not null"`
	PaymentID              *string    `gorm:"column:payment_id;type:varchar(64)"`
	InventoryReservationID *string    `gorm:"column:inventory_reservation_id;type:varchar(64)"`
	ShippingID             *string    `gorm:"column:shipping_id;type:varchar(64)"`
	OrderItems             []byte     `gorm:"column:order_items;type:json"`
	ShippingAddress        []byte     `gorm:"column:shipping_address;type:json"`
	BillingAddress         []byte     `gorm:"column:billing_address;type:json"`
	RetryCount             int        `gorm:"column:retry_count;not null;default:0"`
	ErrorMessage           *string    `gorm:"column:error_message;type:text"`
	CorrelationID          string     `gorm:"column:correlation_id;type:varchar(64);index"`
	CreatedAt              time.Time  `gorm:"column:created_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at;index:idx_saga_status_updated,priority:2"`
	CompletedAt            *time.Time `gorm:"column:completed_at"`
	Version                int        `gorm:"column:version;not null;default:0"`
}

func (SagaModel) TableName() string {
	return "order_processing_saga"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *SagaModel) toDomain() *Saga {
	return &Saga{
		ID:                     m.ID,
		OrderID:                m.OrderID,
		CustomerID:             m.CustomerID,
		OrderNumber:            m.OrderNumber,
		TotalAmount:            json.Number(m.TotalAmount),
		Currency:               m.Currency,
		Status:                 Status(m.Status),
		CurrentStep:            Step(m.CurrentStep),
		PaymentID:              m.PaymentID,
		InventoryReservationID: m.InventoryReservationID,
		ShippingID:             m.ShippingID,
		OrderItems:             m.OrderItems,
		ShippingAddress:        m.ShippingAddress,
		BillingAddress:         m.BillingAddress,
		RetryCount:             m.RetryCount,
		ErrorMessage:           m.ErrorMessage,
		CorrelationID:          m.CorrelationID,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
		CompletedAt:            m.CompletedAt,
		Version:                m.Version,
	}
}

// sagaModelFromDomain конвертирует доменную сущность в GORM модель.
func sagaModelFromDomain(s *Saga) *SagaModel {
	return &SagaModel{
		ID:                     s.ID,
		OrderID:                s.OrderID,
		CustomerID:             s.CustomerID,
		OrderNumber:            s.OrderNumber,
		TotalAmount:            s.TotalAmount.String(),
		Currency:               s.Currency,
		Status:                 string(s.Status),
		CurrentStep:            string(s.CurrentStep),
		PaymentID:              s.PaymentID,
		InventoryReservationID: s.InventoryReservationID,
		ShippingID:             s.ShippingID,
		OrderItems:             s.OrderItems,
		ShippingAddress:        s.ShippingAddress,
		BillingAddress:         s.BillingAddress,
		RetryCount:             s.RetryCount,
		ErrorMessage:           s.ErrorMessage,
		CorrelationID:          s.CorrelationID,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
		CompletedAt:            s.CompletedAt,
		Version:                s.Version,
	}
}

// EventLogModel — GORM модель для таблицы saga_event_log.
type EventLogModel struct {
	ID               string    `gorm:"column:id;type:varchar(36);primaryKey"`
	SagaID           string    `gorm:"column:saga_id;type:varchar(36);index"`
	OrderID          string    `gorm:"column:order_id;type:varchar(36);index"`
	EventType        string    `gorm:"column:event_type;type:varchar(50);not null"`
	Payload          []byte    `gorm:"column:payload;type:json"`
	CorrelationID    string    `gorm:"column:correlation_id;type:varchar(64);index"`
	ProcessingStatus string    `gorm:"column:processing_status;type:varchar(10);not null"`
	Detail           string    `gorm:"column:detail;type:text"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (EventLogModel) TableName() string {
	return "saga_event_log"
}

// =============================================================================
// SagaRepository — интерфейс хранилища саг
// =============================================================================

// SagaRepository определяет операции над таблицами саг.
// Интерфейс минимизирован — содержит только реально используемые методы.
type SagaRepository interface {
	// Create вставляет новую сагу.
	// Возвращает ErrSagaAlreadyExists при дубликате order_id.
	Create(ctx context.Context, saga *Saga) error

	// FindByID возвращает сагу по ID саги.
	FindByID(ctx context.Context, id string) (*Saga, error)

	// FindByOrderID возвращает сагу по ID заказа.
	FindByOrderID(ctx context.Context, orderID string) (*Saga, error)

	// Save обновляет сагу с оптимистической проверкой версии.
	// Возвращает ErrSagaConcurrentUpdate, если версия строки изменилась.
	Save(ctx context.Context, saga *Saga) error

	// Delete удаляет сагу. Вызывается только обработчиком order.deleted.
	Delete(ctx context.Context, saga *Saga) error

	// FindStuck возвращает саги в указанных статусах, не обновлявшиеся
	// строго дольше olderThan. Граница не включается.
	FindStuck(ctx context.Context, statuses []Status, olderThan time.Time) ([]*Saga, error)

	// List возвращает страницу саг для admin API, новые первыми.
	// status == nil — без фильтра.
	List(ctx context.Context, status *Status, limit, offset int) ([]*Saga, error)

	// CountByStatus возвращает число саг в статусе.
	CountByStatus(ctx context.Context, status Status) (int64, error)

	// CountByStatusIn возвращает число саг в любом из статусов.
	CountByStatusIn(ctx context.Context, statuses []Status) (int64, error)

	// CountStuck возвращает число зависших саг.
	CountStuck(ctx context.Context, statuses []Status, olderThan time.Time) (int64, error)

	// LogEvent добавляет запись в append-only журнал событий.
	LogEvent(ctx context.Context, entry *EventLogEntry) error
}

// =============================================================================
// GORM реализация
// =============================================================================

// sagaRepository — GORM реализация SagaRepository.
type sagaRepository struct {
	db *gorm.DB
}

// NewSagaRepository создаёт новый репозиторий саг.
func NewSagaRepository(db *gorm.DB) SagaRepository {
	return &sagaRepository{db: db}
}

func (r *sagaRepository) Create(ctx context.Context, saga *Saga) error {
	model := sagaModelFromDomain(saga)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		// TranslateError в конфигурации GORM превращает нарушение
		// уникального индекса в gorm.ErrDuplicatedKey.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSagaAlreadyExists
		}
		return err
	}
	return nil
}

func (r *sagaRepository) FindByID(ctx context.Context, id string) (*Saga, error) {
	var model SagaModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	return model.toDomain(), nil
}

func (r *sagaRepository) FindByOrderID(ctx context.Context, orderID string) (*Saga, error) {
	var model SagaModel
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	return model.toDomain(), nil
}

// Save — обновление с оптимистической блокировкой.
// Версию и updated_at бампает триггер БД, поэтому они не в списке полей;
// после успешной записи доменная версия инкрементируется в памяти,
// чтобы повторный Save в том же обработчике не словил ложный конфликт.
func (r *sagaRepository) Save(ctx context.Context, saga *Saga) error {
	model := sagaModelFromDomain(saga)

	result := r.db.WithContext(ctx).Model(&SagaModel{}).
		Where("id = ? AND version = ?", saga.ID, saga.Version).
		Updates(map[string]interface{}{
			"status":                   model.Status,
			"current_step":             model.CurrentStep,
			"payment_id":               model.PaymentID,
			"inventory_reservation_id": model.InventoryReservationID,
			"shipping_id":              model.ShippingID,
			"retry_count":              model.RetryCount,
			"error_message":            model.ErrorMessage,
			"completed_at":             model.CompletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Сага была загружена до вызова, значит строка существует:
		// нулевой результат — это проигранная гонка версий.
		return ErrSagaConcurrentUpdate
	}

	saga.Version++
	saga.UpdatedAt = time.Now()
	return nil
}

func (r *sagaRepository) Delete(ctx context.Context, saga *Saga) error {
	result := r.db.WithContext(ctx).Where("id = ?", saga.ID).Delete(&SagaModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSagaNotFound
	}
	return nil
}

// FindStuck — выборка для stuck-sweep. Сравнение строгое:
// строка с updated_at ровно на границе не выбирается.
func (r *sagaRepository) FindStuck(ctx context.Context, statuses []Status, olderThan time.Time) ([]*Saga, error) {
	var models []SagaModel
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusStrings(statuses), olderThan).
		Order("updated_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toDomainList(models), nil
}

func (r *sagaRepository) List(ctx context.Context, status *Status, limit, offset int) ([]*Saga, error) {
	query := r.db.WithContext(ctx).Model(&SagaModel{})
	if status != nil {
		query = query.Where("status = ?", string(*status))
	}

	var models []SagaModel
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toDomainList(models), nil
}

func (r *sagaRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&SagaModel{}).
		Where("status = ?", string(status)).
		Count(&count).Error
	return count, err
}

func (r *sagaRepository) CountByStatusIn(ctx context.Context, statuses []Status) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&SagaModel{}).
		Where("status IN ?", statusStrings(statuses)).
		Count(&count).Error
	return count, err
}

func (r *sagaRepository) CountStuck(ctx context.Context, statuses []Status, olderThan time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&SagaModel{}).
		Where("status IN ? AND updated_at < ?", statusStrings(statuses), olderThan).
		Count(&count).Error
	return count, err
}

func (r *sagaRepository) LogEvent(ctx context.Context, entry *EventLogEntry) error {
	model := &EventLogModel{
		ID:               entry.ID,
		SagaID:           entry.SagaID,
		OrderID:          entry.OrderID,
		EventType:        entry.EventType,
		Payload:          entry.Payload,
		CorrelationID:    entry.CorrelationID,
		ProcessingStatus: string(entry.ProcessingStatus),
		Detail:           entry.Detail,
		CreatedAt:        entry.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(model).Error
}

// statusStrings конвертирует статусы в строки для SQL IN.
func statusStrings(statuses []Status) []string {
	result := make([]string, len(statuses))
	for i, s := range statuses {
		result[i] = string(s)
	}
	return result
}

func toDomainList(models []SagaModel) []*Saga {
	result := make([]*Saga, len(models))
	for i := range models {
		result[i] = models[i].toDomain()
	}
	return result
}
