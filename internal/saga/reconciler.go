package saga

import (
	"context"
	"errors"
	"time"

	"example.com/order-processor/pkg/logger"
	"example.com/order-processor/pkg/metrics"
)

// =============================================================================
// Reconciler — фоновое восстановление зависших саг
// =============================================================================

// ReconcilerConfig — настройки фонового восстановления.
type ReconcilerConfig struct {
	// StuckSagasRate — интервал между сканированиями зависших саг.
	StuckSagasRate time.Duration

	// RetrySagasRate — интервал ретрай-прохода. Проход зарезервирован
	// под отложенные повторы с backoff; сейчас повторы выполняются
	// немедленно в обработчиках *.failed, поэтому проход пустой.
	RetrySagasRate time.Duration

	// StuckThreshold — сколько сага может не обновляться в PROCESSING
	// статусе, прежде чем будет признана зависшей.
	StuckThreshold time.Duration
}

// DefaultReconcilerConfig возвращает конфигурацию по умолчанию.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		StuckSagasRate: 15 * time.Minute,
		RetrySagasRate: 5 * time.Minute,
		StuckThreshold: 30 * time.Minute,
	}
}

// Reconciler периодически сканирует таблицу саг и находит зависшие:
// саги в PROCESSING статусах, чей updated_at старше StuckThreshold.
// Такое случается, когда ответ нижестоящего сервиса потерян — без
// reconciler-а сага ждала бы его вечно.
//
// Каждая найденная сага передаётся в Orchestrator.ProcessStuckSaga:
// повтор команды текущего шага либо компенсация при исчерпании повторов.
type Reconciler struct {
	repo         SagaRepository
	orchestrator Orchestrator
	cfg          ReconcilerConfig
}

// NewReconciler создаёт новый reconciler.
func NewReconciler(repo SagaRepository, orchestrator Orchestrator, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		repo:         repo,
		orchestrator: orchestrator,
		cfg:          cfg,
	}
}

// Run запускает reconciler. Блокирует выполнение до отмены контекста.
// Оба прохода выполняются в одной горутине: сканирования никогда
// не накладываются друг на друга и не конкурируют за одни и те же саги.
func (r *Reconciler) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("stuck_rate", r.cfg.StuckSagasRate).
		Dur("retry_rate", r.cfg.RetrySagasRate).
		Dur("stuck_threshold", r.cfg.StuckThreshold).
		Msg("Запуск Saga Reconciler")

	stuckTicker := time.NewTicker(r.cfg.StuckSagasRate)
	defer stuckTicker.Stop()

	retryTicker := time.NewTicker(r.cfg.RetrySagasRate)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Saga Reconciler")
			return
		case <-stuckTicker.C:
			r.sweepStuckSagas(ctx)
		case <-retryTicker.C:
			r.sweepRetries(ctx)
		}
	}
}

// sweepStuckSagas находит зависшие саги и передаёт их координатору.
func (r *Reconciler) sweepStuckSagas(ctx context.Context) {
	log := logger.FromContext(ctx)

	// Граница строгая: сага ровно на пороге ещё не считается зависшей.
	cutoff := time.Now().Add(-r.cfg.StuckThreshold)

	sagas, err := r.repo.FindStuck(ctx, ProcessingStatuses, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка поиска зависших саг")
		return
	}

	r.updateActiveGauge(ctx)

	if len(sagas) == 0 {
		return
	}

	log.Warn().Int("count", len(sagas)).Msg("Обнаружены зависшие саги")

	for _, saga := range sagas {
		select {
		case <-ctx.Done():
			return
		default:
		}

		metrics.SagaStuckTotal.Inc()
		log.Warn().
			Str("saga_id", saga.ID).
			Str("order_id", saga.OrderID).
			Str("status", string(saga.Status)).
			Int("retry_count", saga.RetryCount).
			Time("updated_at", saga.UpdatedAt).
			Msg("Обработка зависшей саги")

		if err := r.orchestrator.ProcessStuckSaga(ctx, saga); err != nil {
			// Конкурентное обновление — штатная гонка: ответ сервиса
			// пришёл одновременно со сканированием. Сагу подберёт
			// следующий проход, если она всё ещё зависла.
			if errors.Is(err, ErrSagaConcurrentUpdate) {
				log.Info().
					Str("saga_id", saga.ID).
					Msg("Сага обновлена другим обработчиком, пропускаем")
				continue
			}
			log.Error().Err(err).
				Str("saga_id", saga.ID).
				Msg("Ошибка обработки зависшей саги")
		}
	}
}

// sweepRetries — ретрай-проход. Повторы сейчас выполняются немедленно
// в обработчиках *.failed; проход оставлен как точка подключения
// отложенных повторов с backoff.
func (r *Reconciler) sweepRetries(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Debug().Msg("Ретрай-проход reconciler: нет отложенных повторов")
}

// updateActiveGauge обновляет gauge активных саг по данным хранилища.
func (r *Reconciler) updateActiveGauge(ctx context.Context) {
	active, err := r.repo.CountByStatusIn(ctx, []Status{
		StatusCreated,
		StatusPaymentProcessing,
		StatusPaymentCompleted,
		StatusInventoryProcessing,
		StatusInventoryCompleted,
		StatusShippingProcessing,
		StatusCompensating,
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Ошибка подсчёта активных саг")
		return
	}
	metrics.SagasActive.Set(float64(active))
}
