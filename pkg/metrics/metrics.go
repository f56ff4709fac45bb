// Package metrics предоставляет Prometheus метрики координатора саг.
// Содержит счётчики жизненного цикла саги, HTTP метрики admin API
// и HTTP server для /metrics endpoint.
//
// Типы метрик в Prometheus:
//   - Counter: только растёт (запущенные саги, ошибки) — "сколько всего произошло"
//   - Histogram: распределение значений (длительность саги) — "как быстро работает"
//   - Gauge: текущее значение (активные саги) — "сколько сейчас"
//
// Использование:
//
//	go metrics.StartServer(":9090", "order-processor")
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/order-processor/pkg/logger"
)

// =============================================================================
// Метрики жизненного цикла саги
// =============================================================================

var (
	// SagasStartedTotal — счётчик запущенных саг.
	// PromQL пример: rate(saga_started_total[5m]) — сколько заказов в секунду
	SagasStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Общее количество запущенных саг",
		},
	)

	// SagasCompletedTotal — счётчик успешно завершённых саг.
	SagasCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_completed_total",
			Help: "Общее количество успешно завершённых саг",
		},
	)

	// SagasCompensatedTotal — счётчик саг, завершившихся компенсацией.
	SagasCompensatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_compensated_total",
			Help: "Общее количество саг, завершённых компенсацией",
		},
	)

	// SagasFailedTotal — счётчик саг, попавших в FAILED.
	// FAILED означает, что даже компенсацию не удалось опубликовать.
	SagasFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_failed_total",
			Help: "Общее количество саг в статусе FAILED",
		},
	)

	// SagaRetriesTotal — счётчик повторов шагов по шагам саги.
	// PromQL пример: rate(saga_retries_total{step="PAYMENT"}[5m])
	SagaRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_retries_total",
			Help: "Общее количество повторов шагов саги",
		},
		[]string{"step"},
	)

	// SagaEventsIgnoredTotal — счётчик отброшенных событий (дубликаты,
	// события вне текущего шага, события для несуществующих саг).
	SagaEventsIgnoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_ignored_total",
			Help: "Общее количество проигнорированных входящих событий",
		},
		[]string{"event_type"},
	)

	// SagaStuckTotal — счётчик саг, признанных зависшими reconciler-ом.
	SagaStuckTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_stuck_total",
			Help: "Общее количество обнаруженных зависших саг",
		},
	)

	// SagaDuration — гистограмма длительности саги от создания до терминала.
	// Buckets: от долей секунды до получаса (зависшие саги добивает reconciler).
	SagaDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Длительность саги от создания до терминального статуса",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"outcome"}, // completed / compensated / failed
	)

	// SagasActive — gauge активных (нетерминальных) саг.
	// Обновляется периодически по данным хранилища.
	SagasActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active",
			Help: "Текущее количество активных саг",
		},
	)

	// RequestsTotal — счётчик HTTP запросов admin API.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration — гистограмма latency HTTP запросов.
	// PromQL пример: histogram_quantile(0.95, rate(request_duration_seconds_bucket[5m]))
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Время выполнения запроса в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)
)

// RecordSagaOutcome записывает завершение саги: счётчик исхода и длительность.
// outcome: "completed", "compensated" или "failed".
func RecordSagaOutcome(outcome string, startedAt time.Time) {
	switch outcome {
	case "completed":
		SagasCompletedTotal.Inc()
	case "compensated":
		SagasCompensatedTotal.Inc()
	case "failed":
		SagasFailedTotal.Inc()
	}
	SagaDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
}

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker — функция проверки готовности сервиса.
// Возвращает nil если сервис готов принимать трафик, иначе — ошибку.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
}

// Option — функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz endpoint.
// Если checker возвращает ошибку — /readyz вернёт 503 Service Unavailable.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт новый metrics server.
// addr — адрес для прослушивания (например ":9090")
// service — имя сервиса для логирования
// opts — опциональные настройки (например WithReadinessCheck)
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{
		service: service,
	}

	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	// /metrics — endpoint для Prometheus (он сам приходит сюда и забирает метрики)
	mux.Handle("/metrics", promhttp.Handler())

	// /health — простой health check (полезно для отладки)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// /healthz — liveness probe для Kubernetes
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	// /readyz — readiness probe для Kubernetes
	// Возвращает 200 OK если сервис готов принимать трафик (все зависимости доступны)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			// Не выводим детали ошибки наружу
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", service).Msg("Readiness check failed")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start запускает HTTP сервер для метрик.
// Блокирующий вызов — запускать в горутине.
func (s *Server) Start() error {
	log := logger.With().Str("service", s.service).Logger()
	log.Info().Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Вспомогательные функции для записи метрик
// =============================================================================

// RecordRequest записывает метрики запроса (вызывать в конце обработки).
// duration — время выполнения запроса
// method — имя метода или маршрут
// status — результат: "success" или "error"
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// =============================================================================
// Gin Middleware для HTTP метрик admin API
// =============================================================================

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
// Записывает requests_total, request_duration_seconds для каждого запроса.
func GinMetricsMiddleware(service string) func(c *gin.Context) {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		RecordRequest(service, c.FullPath(), status, time.Since(start))
	}
}
