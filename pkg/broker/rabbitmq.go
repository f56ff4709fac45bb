package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"example.com/order-processor/pkg/config"
	"example.com/order-processor/pkg/logger"
)

// RabbitMQ реализует Adapter поверх amqp091-go.
// Одно подключение, канал для публикации и отдельный канал на каждого
// consumer-воркера (каналы amqp не потокобезопасны).
type RabbitMQ struct {
	cfg     config.RabbitMQConfig
	workers int

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	started bool
}

// NewRabbitMQ создаёт адаптер RabbitMQ. Подключение происходит в Initialize.
func NewRabbitMQ(cfg config.RabbitMQConfig, workers int) *RabbitMQ {
	if workers < 1 {
		workers = 1
	}
	return &RabbitMQ{cfg: cfg, workers: workers}
}

// ProviderName возвращает имя провайдера.
func (r *RabbitMQ) ProviderName() string {
	return "rabbitmq"
}

// Initialize подключается к RabbitMQ и объявляет топологию:
// topic exchange для событий, dead letter exchange и durable очередь
// с привязкой к DLX для неразбираемых сообщений.
func (r *RabbitMQ) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	conn, err := amqp.Dial(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("ошибка подключения к RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("ошибка открытия канала: %w", err)
	}

	// Основной exchange для событий и команд саги.
	if err := ch.ExchangeDeclare(
		r.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		conn.Close()
		return fmt.Errorf("ошибка объявления exchange %s: %w", r.cfg.Exchange, err)
	}

	// Dead letter exchange: сюда попадают сообщения после Nack без requeue.
	if err := ch.ExchangeDeclare(r.cfg.DLX, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("ошибка объявления DLX %s: %w", r.cfg.DLX, err)
	}

	if _, err := ch.QueueDeclare(
		r.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		amqp.Table{
			"x-dead-letter-exchange": r.cfg.DLX,
		},
	); err != nil {
		conn.Close()
		return fmt.Errorf("ошибка объявления очереди %s: %w", r.cfg.Queue, err)
	}

	r.conn = conn
	r.pubCh = ch
	r.started = true

	logger.Info().
		Str("exchange", r.cfg.Exchange).
		Str("queue", r.cfg.Queue).
		Str("dlx", r.cfg.DLX).
		Msg("RabbitMQ адаптер инициализирован")

	return nil
}

// Publish отправляет persistent-сообщение в exchange с routing key = topic.
func (r *RabbitMQ) Publish(ctx context.Context, topic string, key []byte, body []byte, headers map[string]string) error {
	r.mu.Lock()
	ch := r.pubCh
	r.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("RabbitMQ адаптер не инициализирован")
	}

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
	}
	if corrID, ok := headers[HeaderCorrelationID]; ok {
		pub.CorrelationId = corrID
	}
	if len(key) > 0 {
		pub.MessageId = string(key)
	}

	if err := ch.PublishWithContext(ctx, r.cfg.Exchange, topic, false, false, pub); err != nil {
		logger.Error().
			Err(err).
			Str("routing_key", topic).
			Msg("Ошибка публикации сообщения в RabbitMQ")
		return fmt.Errorf("ошибка публикации в RabbitMQ: %w", err)
	}

	logger.Debug().
		Str("routing_key", topic).
		Str("key", string(key)).
		Msg("Сообщение опубликовано в RabbitMQ")

	return nil
}

// Consume привязывает очередь к указанным routing keys и запускает
// воркеров чтения. Блокирует до отмены context; штатная остановка
// возвращает nil.
func (r *RabbitMQ) Consume(ctx context.Context, topics []string, handler Handler) error {
	r.mu.Lock()
	conn := r.conn
	pubCh := r.pubCh
	r.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("RabbitMQ адаптер не инициализирован")
	}

	for _, topic := range topics {
		if err := pubCh.QueueBind(r.cfg.Queue, topic, r.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("ошибка привязки очереди к %s: %w", topic, err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, r.workers)

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := r.consumeWorker(ctx, conn, worker, handler); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	// Возвращаем первую ошибку воркера, если была.
	if err, ok := <-errCh; ok {
		return err
	}
	// Штатная остановка по отмене context.
	return nil
}

// consumeWorker читает сообщения из очереди на собственном канале.
func (r *RabbitMQ) consumeWorker(ctx context.Context, conn *amqp.Connection, worker int, handler Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("воркер %d: ошибка открытия канала: %w", worker, err)
	}
	defer ch.Close()

	// По одному неподтверждённому сообщению на воркера: обработка события
	// саги упирается в БД, prefetch ничего не ускорит.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("воркер %d: ошибка Qos: %w", worker, err)
	}

	deliveries, err := ch.Consume(
		r.cfg.Queue,                     // queue
		fmt.Sprintf("worker-%d", worker), // consumer tag
		false,                           // auto-ack: подтверждаем вручную
		false,                           // exclusive
		false,                           // no-local
		false,                           // no-wait
		nil,                             // args
	)
	if err != nil {
		return fmt.Errorf("воркер %d: ошибка подписки: %w", worker, err)
	}

	logger.Info().
		Int("worker", worker).
		Str("queue", r.cfg.Queue).
		Msg("Запущен RabbitMQ consumer-воркер")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Int("worker", worker).Msg("Остановка RabbitMQ consumer-воркера")
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("воркер %d: канал доставки закрыт", worker)
			}
			r.handleDelivery(ctx, worker, msg, handler)
		}
	}
}

// handleDelivery обрабатывает одно сообщение и подтверждает его.
// ErrUnprocessable -> Nack без requeue (сообщение уходит в DLX).
// Другая ошибка -> Nack с requeue (брокер доставит повторно).
func (r *RabbitMQ) handleDelivery(ctx context.Context, worker int, msg amqp.Delivery, handler Handler) {
	d := &Delivery{
		Topic:   msg.RoutingKey,
		Key:     []byte(msg.MessageId),
		Body:    msg.Body,
		Headers: headersFromTable(msg.Headers),
	}
	if msg.CorrelationId != "" {
		if _, ok := d.Headers[HeaderCorrelationID]; !ok {
			d.Headers[HeaderCorrelationID] = msg.CorrelationId
		}
	}

	err := handler(ctx, d)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			logger.Error().Err(ackErr).Int("worker", worker).Msg("Ошибка Ack сообщения")
		}
	case errors.Is(err, ErrUnprocessable):
		logger.Warn().
			Err(err).
			Int("worker", worker).
			Str("routing_key", msg.RoutingKey).
			Msg("Неразбираемое сообщение отправлено в DLX")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			logger.Error().Err(nackErr).Int("worker", worker).Msg("Ошибка Nack сообщения")
		}
	default:
		logger.Error().
			Err(err).
			Int("worker", worker).
			Str("routing_key", msg.RoutingKey).
			Msg("Ошибка обработки, сообщение вернётся в очередь")
		if nackErr := msg.Nack(false, true); nackErr != nil {
			logger.Error().Err(nackErr).Int("worker", worker).Msg("Ошибка Nack сообщения")
		}
	}
}

// headersFromTable конвертирует amqp.Table в map[string]string.
// Нестроковые значения приводятся через fmt.Sprint.
func headersFromTable(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		if s, ok := v.(string); ok {
			headers[k] = s
			continue
		}
		headers[k] = fmt.Sprint(v)
	}
	return headers
}

// IsHealthy сообщает, живо ли подключение.
func (r *RabbitMQ) IsHealthy(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && !r.conn.IsClosed()
}

// Shutdown закрывает канал публикации и подключение.
func (r *RabbitMQ) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger.Info().Msg("Закрытие RabbitMQ адаптера")

	if r.pubCh != nil {
		if err := r.pubCh.Close(); err != nil {
			logger.Error().Err(err).Msg("Ошибка закрытия канала публикации")
		}
		r.pubCh = nil
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("ошибка закрытия подключения RabbitMQ: %w", err)
		}
		r.conn = nil
	}
	r.started = false
	return nil
}
