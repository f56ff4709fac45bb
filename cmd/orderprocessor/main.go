// Order Processor — координатор саги обработки заказа.
// Потребляет события заказов из брокера, ведёт сагу по шагам
// оплата → резервирование → отгрузка и компенсирует её при ошибках.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"example.com/order-processor/internal/admin"
	"example.com/order-processor/internal/ingress"
	"example.com/order-processor/internal/publisher"
	"example.com/order-processor/internal/saga"
	"example.com/order-processor/pkg/broker"
	"example.com/order-processor/pkg/config"
	"example.com/order-processor/pkg/db"
	"example.com/order-processor/pkg/healthcheck"
	"example.com/order-processor/pkg/logger"
	"example.com/order-processor/pkg/metrics"
	"example.com/order-processor/pkg/tracing"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", cfg.App.Name).Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Str("provider", cfg.Messaging.Provider).
		Msg("Запуск Order Processor")

	// Инициализируем tracing
	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.App.Name,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации tracing")
	}

	// Подключаемся к MySQL
	gormDB, err := db.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	// Подключаемся к брокеру сообщений
	adapter, err := broker.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания адаптера брокера")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adapter.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации брокера")
	}
	log.Info().Str("provider", adapter.ProviderName()).Msg("Брокер сообщений инициализирован")

	// Собираем слои приложения
	repo := saga.NewSagaRepository(gormDB)
	pub := publisher.New(adapter)
	orchestrator := saga.NewOrchestrator(repo, pub, cfg.Saga.RetryMaxAttempts)
	dispatcher := ingress.NewDispatcher(orchestrator)

	// Запускаем потребление входящих событий. Отмена context при остановке
	// сервиса не ошибка: graceful shutdown ниже должен отработать целиком.
	go func() {
		if err := adapter.Consume(ctx, dispatcher.Topics(), dispatcher.Handle); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Ошибка consumer-а брокера")
		}
	}()

	// Запускаем reconciler зависших саг
	reconciler := saga.NewReconciler(repo, orchestrator, saga.ReconcilerConfig{
		StuckSagasRate: cfg.Saga.StuckSagasRate,
		RetrySagasRate: cfg.Saga.RetrySagasRate,
		StuckThreshold: cfg.Saga.StuckThreshold,
	})
	go reconciler.Run(ctx)

	// Общая проверка готовности: MySQL и брокер
	readiness := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, gormDB) },
		func(ctx context.Context) error { return healthcheck.CheckBroker(ctx, adapter) },
	)

	// Запускаем Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), cfg.App.Name,
			metrics.WithReadinessCheck(readiness))
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// Запускаем admin HTTP API
	router := admin.NewRouter(admin.RouterConfig{
		Repo:           repo,
		StuckThreshold: cfg.Saga.StuckThreshold,
		ReadinessCheck: readiness,
		Debug:          cfg.IsDevelopment(),
	})
	adminServer := &http.Server{
		Addr:    cfg.Admin.Addr(),
		Handler: router.Engine(),
	}
	go func() {
		log.Info().Str("addr", adminServer.Addr).Msg("Admin API запущен")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ошибка admin HTTP сервера")
		}
	}()

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервис...")

	// Останавливаем consumer и reconciler
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки admin HTTP сервера")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
	}

	if err := adapter.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки брокера")
	}

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки трейсера")
	}

	if sqlDB, err := gormDB.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	log.Info().Msg("Order Processor остановлен")
}
