package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/order-processor/pkg/config"
	"example.com/order-processor/pkg/logger"
)

// innerRetries - число быстрых попыток обработчика на одно сообщение.
// В отличие от RabbitMQ, у Kafka нет встроенного redelivery: offset либо
// коммитится, либо нет, поэтому повторы делаем на стороне адаптера.
const innerRetries = 3

// redeliveryPause - пауза между циклами обработки сообщения, которое
// не удалось обработать из-за временной ошибки. Offset при этом
// не коммитится, поэтому сообщение не теряется.
const redeliveryPause = 5 * time.Second

// Kafka реализует Adapter поверх segmentio/kafka-go.
// Один Writer для публикации во все топики и Reader на каждый
// потребляемый топик в общей consumer group.
type Kafka struct {
	cfg    config.KafkaConfig
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafka создаёт адаптер Kafka. Writer создаётся в Initialize.
func NewKafka(cfg config.KafkaConfig) *Kafka {
	return &Kafka{cfg: cfg}
}

// ProviderName возвращает имя провайдера.
func (k *Kafka) ProviderName() string {
	return "kafka"
}

// Initialize создаёт Writer. Топики создаются брокером автоматически
// либо заранее средствами эксплуатации.
func (k *Kafka) Initialize(ctx context.Context) error {
	if len(k.cfg.Brokers) == 0 {
		return fmt.Errorf("не указаны брокеры Kafka")
	}

	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond, // Быстрая отправка для саги
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	logger.Info().
		Strs("brokers", k.cfg.Brokers).
		Str("consumer_group", k.cfg.ConsumerGroup).
		Msg("Kafka адаптер инициализирован")

	return nil
}

// Publish отправляет сообщение в указанный топик.
func (k *Kafka) Publish(ctx context.Context, topic string, key []byte, body []byte, headers map[string]string) error {
	if k.writer == nil {
		return fmt.Errorf("Kafka адаптер не инициализирован")
	}

	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for hk, hv := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: hk, Value: []byte(hv)})
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   body,
		Headers: kafkaHeaders,
		Time:    time.Now(),
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", string(key)).
			Msg("Ошибка отправки сообщения в Kafka")
		return fmt.Errorf("ошибка отправки в Kafka: %w", err)
	}

	logger.Debug().
		Str("topic", topic).
		Str("key", string(key)).
		Msg("Сообщение отправлено в Kafka")

	return nil
}

// Consume запускает Reader на каждый топик в общей consumer group.
// Блокирует до отмены context; штатная остановка возвращает nil.
func (k *Kafka) Consume(ctx context.Context, topics []string, handler Handler) error {
	if k.writer == nil {
		return fmt.Errorf("Kafka адаптер не инициализирован")
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(topics))

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        k.cfg.Brokers,
			Topic:          topic,
			GroupID:        k.cfg.ConsumerGroup,
			MinBytes:       1,
			MaxBytes:       10e6, // 10MB максимум
			MaxWait:        100 * time.Millisecond,
			CommitInterval: 0, // Коммитим вручную после обработки
			StartOffset:    kafka.LastOffset,
		})

		k.mu.Lock()
		k.readers = append(k.readers, reader)
		k.mu.Unlock()

		wg.Add(1)
		go func(topic string, reader *kafka.Reader) {
			defer wg.Done()
			if err := k.consumeTopic(ctx, topic, reader, handler); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}(topic, reader)
	}

	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return err
	}
	// Штатная остановка по отмене context.
	return nil
}

// consumeTopic читает сообщения одного топика до отмены context.
func (k *Kafka) consumeTopic(ctx context.Context, topic string, reader *kafka.Reader, handler Handler) error {
	logger.Info().
		Str("topic", topic).
		Str("consumer_group", k.cfg.ConsumerGroup).
		Msg("Запущен Kafka consumer")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info().Str("topic", topic).Msg("Остановка Kafka consumer")
				return err
			}
			logger.Error().Err(err).Str("topic", topic).Msg("Ошибка чтения сообщения из Kafka")
			continue
		}

		d := &Delivery{
			Topic:   msg.Topic,
			Key:     msg.Key,
			Body:    msg.Value,
			Headers: headersFromKafka(msg.Headers),
		}

		// Offset коммитится только после успеха или ухода сообщения в DLQ.
		// Временная ошибка (БД, конкурентное обновление) блокирует offset:
		// сообщение обрабатывается повторно после паузы, а не теряется.
		for {
			commit, err := k.processMessage(ctx, d, handler)
			if commit {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger.Warn().
				Err(err).
				Str("topic", topic).
				Str("key", string(d.Key)).
				Dur("pause", redeliveryPause).
				Msg("Сообщение не обработано, повтор после паузы")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(redeliveryPause):
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("Ошибка коммита offset")
		}
	}
}

// processMessage обрабатывает одно сообщение и сообщает, можно ли коммитить
// offset. Коммит разрешён в двух случаях: сообщение обработано либо
// неразбираемое сообщение ушло в DLQ. Остальные ошибки offset не коммитят.
func (k *Kafka) processMessage(ctx context.Context, d *Delivery, handler Handler) (bool, error) {
	err := k.handleWithRetry(ctx, d, handler)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, err
	}
	if errors.Is(err, ErrUnprocessable) {
		if sendErr := k.sendToDLQ(ctx, d, err); sendErr != nil {
			return false, fmt.Errorf("ошибка отправки в DLQ: %w", sendErr)
		}
		return true, nil
	}
	return false, err
}

// handleWithRetry вызывает обработчик с внутренними повторами.
// ErrUnprocessable не повторяется: сообщение не станет корректным от повторов.
func (k *Kafka) handleWithRetry(ctx context.Context, d *Delivery, handler Handler) error {
	var lastErr error
	for attempt := 0; attempt < innerRetries; attempt++ {
		if attempt > 0 {
			// Экспоненциальная задержка: 100ms, 200ms, 400ms...
			delay := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			logger.Warn().
				Int("attempt", attempt).
				Str("topic", d.Topic).
				Str("key", string(d.Key)).
				Dur("delay", delay).
				Msg("Повторная попытка обработки сообщения")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := handler(ctx, d)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnprocessable) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("исчерпаны попытки обработки: %w", lastErr)
}

// sendToDLQ отправляет сообщение в DLQ-топик с информацией об ошибке.
func (k *Kafka) sendToDLQ(ctx context.Context, d *Delivery, processingErr error) error {
	logger.Warn().
		Err(processingErr).
		Str("topic", d.Topic).
		Str("key", string(d.Key)).
		Str("dlq_topic", k.cfg.DLQTopic).
		Msg("Отправка сообщения в DLQ")

	headers := make(map[string]string, len(d.Headers)+3)
	for hk, hv := range d.Headers {
		headers[hk] = hv
	}
	headers["dlq_error"] = processingErr.Error()
	headers["dlq_original_topic"] = d.Topic
	headers["dlq_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	return k.Publish(ctx, k.cfg.DLQTopic, d.Key, d.Body, headers)
}

// headersFromKafka конвертирует заголовки kafka-go в map[string]string.
func headersFromKafka(headers []kafka.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

// IsHealthy проверяет доступность первого брокера.
func (k *Kafka) IsHealthy(ctx context.Context) bool {
	if len(k.cfg.Brokers) == 0 {
		return false
	}

	dialer := &kafka.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Shutdown закрывает Writer и все Reader.
func (k *Kafka) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Закрытие Kafka адаптера")

	k.mu.Lock()
	readers := k.readers
	k.readers = nil
	k.mu.Unlock()

	var firstErr error
	for _, reader := range readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ошибка закрытия consumer: %w", err)
		}
	}

	if k.writer != nil {
		if err := k.writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ошибка закрытия producer: %w", err)
		}
	}

	return firstErr
}
