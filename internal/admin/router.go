// Package admin содержит HTTP API оператора: просмотр саг и статистики.
// API только читает — управление сагами идёт исключительно через события.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/order-processor/internal/saga"
	"example.com/order-processor/pkg/logger"
	"example.com/order-processor/pkg/metrics"
)

// Ограничения пагинации списка саг.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// Router — HTTP роутер admin API.
type Router struct {
	engine         *gin.Engine
	repo           saga.SagaRepository
	stuckThreshold time.Duration
	readinessCheck ReadinessChecker
}

// RouterConfig — параметры создания роутера.
type RouterConfig struct {
	Repo           saga.SagaRepository
	StuckThreshold time.Duration    // порог зависания для /sagas/stats
	ReadinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
	Debug          bool             // режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер admin API.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	// Prometheus метрики — requests_total, request_duration_seconds
	engine.Use(metrics.GinMetricsMiddleware("order-processor-admin"))

	r := &Router{
		engine:         engine,
		repo:           cfg.Repo,
		stuckThreshold: cfg.StuckThreshold,
		readinessCheck: cfg.ReadinessCheck,
	}

	r.setupRoutes()
	return r
}

// setupRoutes настраивает маршруты API.
func (r *Router) setupRoutes() {
	// Health endpoints
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	admin := r.engine.Group("/api/v1/admin")
	{
		admin.GET("/sagas", r.listSagas)
		admin.GET("/sagas/stats", r.getStats)
		admin.GET("/sagas/:id", r.getSaga)
		admin.GET("/sagas/order/:orderId", r.getSagaByOrder)
	}
}

// Engine возвращает Gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// === Request/Response DTOs ===

// SagaResponse — сага в ответе admin API.
type SagaResponse struct {
	ID                     string  `json:"id"`
	OrderID                string  `json:"order_id"`
	CustomerID             string  `json:"customer_id,omitempty"`
	OrderNumber            string  `json:"order_number,omitempty"`
	TotalAmount            string  `json:"total_amount"`
	Currency               string  `json:"currency"`
	Status                 string  `json:"status"`
	CurrentStep            string  `json:"current_step"`
	PaymentID              *string `json:"payment_id,omitempty"`
	InventoryReservationID *string `json:"inventory_reservation_id,omitempty"`
	ShippingID             *string `json:"shipping_id,omitempty"`
	RetryCount             int     `json:"retry_count"`
	ErrorMessage           *string `json:"error_message,omitempty"`
	CorrelationID          string  `json:"correlation_id"`
	CreatedAt              int64   `json:"created_at"`
	UpdatedAt              int64   `json:"updated_at"`
	CompletedAt            *int64  `json:"completed_at,omitempty"`
	Version                int     `json:"version"`
}

// ListSagasResponse — страница списка саг.
type ListSagasResponse struct {
	Sagas      []SagaResponse     `json:"sagas"`
	Pagination PaginationResponse `json:"pagination"`
}

// PaginationResponse — информация о пагинации.
type PaginationResponse struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// StatsResponse — сводка по сагам для дашборда оператора.
type StatsResponse struct {
	ByStatus map[string]int64 `json:"by_status"`
	Active   int64            `json:"active"`
	Stuck    int64            `json:"stuck"`
}

func toSagaResponse(s *saga.Saga) SagaResponse {
	resp := SagaResponse{
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
		RetryCount:             s.RetryCount,
		ErrorMessage:           s.ErrorMessage,
		CorrelationID:          s.CorrelationID,
		CreatedAt:              s.CreatedAt.Unix(),
		UpdatedAt:              s.UpdatedAt.Unix(),
		Version:                s.Version,
	}
	if s.CompletedAt != nil {
		completed := s.CompletedAt.Unix()
		resp.CompletedAt = &completed
	}
	return resp
}

// === Handlers ===

// listSagas возвращает страницу саг, новые первыми.
// GET /api/v1/admin/sagas?status=COMPENSATED&page=1&page_size=20
func (r *Router) listSagas(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	var statusFilter *saga.Status
	if raw := c.Query("status"); raw != "" {
		status := saga.Status(raw)
		if !knownStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "неизвестный статус: " + raw})
			return
		}
		statusFilter = &status
	}

	page, pageSize := pagination(c)

	sagas, err := r.repo.List(ctx, statusFilter, pageSize, (page-1)*pageSize)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка выборки списка саг")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "внутренняя ошибка"})
		return
	}

	resp := ListSagasResponse{
		Sagas:      make([]SagaResponse, 0, len(sagas)),
		Pagination: PaginationResponse{Page: page, PageSize: pageSize},
	}
	for _, s := range sagas {
		resp.Sagas = append(resp.Sagas, toSagaResponse(s))
	}

	c.JSON(http.StatusOK, resp)
}

// getSaga возвращает сагу по её ID.
// GET /api/v1/admin/sagas/:id
func (r *Router) getSaga(c *gin.Context) {
	r.respondSaga(c, func(ctx context.Context) (*saga.Saga, error) {
		return r.repo.FindByID(ctx, c.Param("id"))
	})
}

// getSagaByOrder возвращает сагу по ID заказа.
// GET /api/v1/admin/sagas/order/:orderId
func (r *Router) getSagaByOrder(c *gin.Context) {
	r.respondSaga(c, func(ctx context.Context) (*saga.Saga, error) {
		return r.repo.FindByOrderID(ctx, c.Param("orderId"))
	})
}

// respondSaga — общий ответ для запросов одной саги.
func (r *Router) respondSaga(c *gin.Context, find func(ctx context.Context) (*saga.Saga, error)) {
	ctx := c.Request.Context()

	s, err := find(ctx)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "сага не найдена"})
			return
		}
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Ошибка загрузки саги")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "внутренняя ошибка"})
		return
	}

	c.JSON(http.StatusOK, toSagaResponse(s))
}

// getStats возвращает сводку по статусам и зависшим сагам.
// GET /api/v1/admin/sagas/stats
func (r *Router) getStats(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	resp := StatsResponse{ByStatus: make(map[string]int64)}

	for _, status := range allStatuses {
		count, err := r.repo.CountByStatus(ctx, status)
		if err != nil {
			log.Error().Err(err).Str("status", string(status)).Msg("Ошибка подсчёта саг")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "внутренняя ошибка"})
			return
		}
		resp.ByStatus[string(status)] = count
		if !status.IsTerminal() {
			resp.Active += count
		}
	}

	stuck, err := r.repo.CountStuck(ctx, saga.ProcessingStatuses, time.Now().Add(-r.stuckThreshold))
	if err != nil {
		log.Error().Err(err).Msg("Ошибка подсчёта зависших саг")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "внутренняя ошибка"})
		return
	}
	resp.Stuck = stuck

	c.JSON(http.StatusOK, resp)
}

// livenessCheck — liveness probe.
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler — readiness probe.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// === Вспомогательные функции ===

// allStatuses — все статусы саги для сводки /sagas/stats.
var allStatuses = []saga.Status{
	saga.StatusCreated,
	saga.StatusPaymentProcessing,
	saga.StatusPaymentCompleted,
	saga.StatusInventoryProcessing,
	saga.StatusInventoryCompleted,
	saga.StatusShippingProcessing,
	saga.StatusCompleted,
	saga.StatusCompensating,
	saga.StatusCompensated,
	saga.StatusFailed,
}

// knownStatus проверяет, что статус из query существует.
func knownStatus(status saga.Status) bool {
	for _, s := range allStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// pagination разбирает параметры пагинации с безопасными границами.
func pagination(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}

	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
