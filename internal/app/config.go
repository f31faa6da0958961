package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	ProviderModeHTTP = "http"
	ProviderModeMock = "mock"

	OutboxBrokerNone  = "none"
	OutboxBrokerKafka = "kafka"
	OutboxBrokerNATS  = "nats"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	HoldDuration      time.Duration
	HoldSweepInterval time.Duration
	HoldSweepBatch    int

	StatusRefreshInterval time.Duration
	StatusRefreshBatch    int
	StatusRefreshAge      time.Duration

	// ReconcileInterval: период фоновой сверки денег; 0 отключает её.
	ReconcileInterval time.Duration

	ProviderMode    string
	ProviderTimeout time.Duration
	SubmitTimeout   time.Duration

	OutboxBroker       string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	// KafkaBrokers: список брокеров через запятую.
	KafkaBrokers       string
	KafkaClientID      string
	KafkaConsumerGroup string
	// KafkaStatusConsumer включает приём статусов провайдера из reseller.provider.status.
	KafkaStatusConsumer bool

	NATSURL    string
	NATSStream string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTELEnabled  bool
	OTLPEndpoint string

	// SeedDemoData заводит демо-провайдера, услугу и пользователя в memory-хранилище.
	SeedDemoData    bool
	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,

		HoldDuration:      15 * time.Minute,
		HoldSweepInterval: 30 * time.Second,
		HoldSweepBatch:    100,

		StatusRefreshInterval: time.Minute,
		StatusRefreshBatch:    100,
		StatusRefreshAge:      5 * time.Minute,

		ProviderMode:    ProviderModeMock,
		ProviderTimeout: 15 * time.Second,
		SubmitTimeout:   30 * time.Second,

		OutboxBroker:       OutboxBrokerNone,
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  10,
		OutboxRetryDelay:   500 * time.Millisecond,

		KafkaClientID:      "reseller",
		KafkaConsumerGroup: "reseller-provider-status",

		NATSStream: "RESELLER",

		OTLPEndpoint: "localhost:4317",

		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires a DSN"))
		}
		if c.PostgresMaxConns <= 0 {
			errs = append(errs, errors.New("postgres max conns must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.ProviderMode {
	case ProviderModeHTTP, ProviderModeMock:
	default:
		errs = append(errs, fmt.Errorf("unsupported provider mode %q", c.ProviderMode))
	}

	switch c.OutboxBroker {
	case OutboxBrokerNone:
	case OutboxBrokerKafka:
		if len(c.KafkaBrokerList()) == 0 {
			errs = append(errs, errors.New("kafka outbox broker requires brokers"))
		}
	case OutboxBrokerNATS:
		if strings.TrimSpace(c.NATSURL) == "" {
			errs = append(errs, errors.New("nats outbox broker requires a URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported outbox broker %q", c.OutboxBroker))
	}

	if c.KafkaStatusConsumer && len(c.KafkaBrokerList()) == 0 {
		errs = append(errs, errors.New("provider status consumer requires kafka brokers"))
	}
	if c.HoldDuration <= 0 {
		errs = append(errs, errors.New("hold duration must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	return errors.Join(errs...)
}

// KafkaBrokerList разбирает KafkaBrokers.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
