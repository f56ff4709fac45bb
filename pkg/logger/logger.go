// Package logger предоставляет структурированное логирование на базе zerolog.
// JSON формат для production, pretty-print для локальной разработки.
// Каждая запись в рамках обработки события несёт correlation_id саги (см. context.go).
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// log — глобальный экземпляр логгера.
// Инициализируется при вызове Init() или автоматически при импорте пакета.
var log zerolog.Logger

// Config содержит настройки для инициализации логгера.
type Config struct {
	// Level задаёт минимальный уровень логирования:
	// "debug", "info", "warn", "error". По умолчанию: "info".
	Level string

	// Pretty включает форматированный цветной вывод для разработки.
	// При Pretty=false логи пишутся в JSON для production.
	Pretty bool

	// Output задаёт writer для вывода логов. По умолчанию: os.Stdout.
	Output io.Writer
}

// init настраивает логгер по переменным окружения LOG_LEVEL / LOG_PRETTY,
// чтобы логирование работало ещё до загрузки полной конфигурации.
func init() {
	pretty := strings.ToLower(os.Getenv("LOG_PRETTY")) == "true"

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	Init(Config{
		Level:  level,
		Pretty: pretty,
	})
}

// Init инициализирует глобальный логгер с заданной конфигурацией.
// Вызывается в начале работы приложения.
func Init(cfg Config) {
	var output io.Writer = os.Stdout

	if cfg.Output != nil {
		output = cfg.Output
	}

	// ConsoleWriter форматирует логи в читаемый вид с цветами.
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	level := parseLevel(cfg.Level)

	// Базовые поля каждой записи: timestamp и caller (файл:строка).
	log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
}

// parseLevel преобразует строковое представление уровня в zerolog.Level.
// При неизвестном уровне возвращает InfoLevel.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug создаёт событие лога уровня debug.
// Пример: logger.Debug().Str("saga_id", id).Msg("Начало обработки события")
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info создаёт событие лога уровня info.
// Пример: logger.Info().Str("order_id", orderID).Msg("Сага создана")
func Info() *zerolog.Event {
	return log.Info()
}

// Warn создаёт событие лога уровня warn.
// Пример: logger.Warn().Int("retry_count", n).Msg("Повторная отправка команды")
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error создаёт событие лога уровня error.
// Пример: logger.Error().Err(err).Msg("Ошибка публикации команды компенсации")
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal создаёт событие лога уровня fatal и завершает приложение с кодом 1.
// Используется только при ошибках инициализации, после которых работа невозможна.
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// With создаёт новый логгер с дополнительными полями.
//
//	workerLog := logger.With().Str("component", "reconciler").Logger()
func With() zerolog.Context {
	return log.With()
}

// Logger возвращает глобальный экземпляр zerolog.Logger.
func Logger() zerolog.Logger {
	return log
}

// SetGlobalLogger устанавливает глобальный логгер. Используется в тестах.
func SetGlobalLogger(l zerolog.Logger) {
	log = l
}
