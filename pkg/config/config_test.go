package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Загрузка из окружения
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "order-processor", cfg.App.Name)
	assert.Equal(t, 20*time.Second, cfg.App.ShutdownTimeout)
	assert.Equal(t, "rabbitmq", cfg.Messaging.Provider)
	assert.Equal(t, "order.events", cfg.RabbitMQ.Exchange)
	assert.Equal(t, "order-processor", cfg.RabbitMQ.Queue)
	assert.Equal(t, "dlx.order-processor", cfg.RabbitMQ.DLX)
	assert.Equal(t, "dlq.order-processor", cfg.Kafka.DLQTopic)
	assert.Equal(t, 3, cfg.Saga.RetryMaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Saga.StuckThreshold)
	assert.Equal(t, 3, cfg.Ingress.Workers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MESSAGING_PROVIDER", "kafka")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("INGRESS_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.Messaging.Provider)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.App.ShutdownTimeout)
	assert.Equal(t, 8, cfg.Ingress.Workers)
}

// =============================================================================
// Валидация
// =============================================================================

func validConfig() *Config {
	return &Config{
		Messaging: MessagingConfig{Provider: "rabbitmq"},
		Saga: SagaConfig{
			RetryMaxAttempts: 3,
			StuckSagasRate:   15 * time.Minute,
			RetrySagasRate:   5 * time.Minute,
			StuckThreshold:   30 * time.Minute,
		},
		Ingress: IngressConfig{Workers: 3},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Messaging.Provider = "nats"
	assert.Error(t, cfg.Validate())
}

func TestValidate_WorkersOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Ingress.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg.Ingress.Workers = 17
	assert.Error(t, cfg.Validate())
}

func TestValidate_NonPositiveRetries(t *testing.T) {
	cfg := validConfig()
	cfg.Saga.RetryMaxAttempts = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_NonPositiveThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.Saga.StuckThreshold = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_NonPositiveRates(t *testing.T) {
	cfg := validConfig()
	cfg.Saga.StuckSagasRate = 0
	assert.Error(t, cfg.Validate())
}

// =============================================================================
// Производные значения
// =============================================================================

func TestMySQLConfig_DSN(t *testing.T) {
	cfg := MySQLConfig{
		Host:     "db",
		Port:     3307,
		User:     "saga",
		Password: "secret",
		Database: "orders",
	}
	assert.Equal(t,
		"saga:secret@tcp(db:3307)/orders?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.DSN())
}

func TestAddrs(t *testing.T) {
	assert.Equal(t, ":8080", AdminConfig{Port: 8080}.Addr())
	assert.Equal(t, ":9090", MetricsConfig{Port: 9090}.Addr())
	assert.Equal(t, "jaeger:4317", JaegerConfig{Host: "jaeger", OTLPPort: 4317}.OTLPEndpoint())
}
