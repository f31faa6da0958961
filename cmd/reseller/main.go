package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/app"
	"github.com/vladislavdragonenkov/reseller/internal/version"
)

const (
	envGRPCAddr    = "RESELLER_GRPC_ADDR"
	envMetricsAddr = "RESELLER_METRICS_ADDR"
	envLogLevel    = "RESELLER_LOG_LEVEL"

	envStorageDriver       = "RESELLER_STORAGE_DRIVER"
	envPostgresDSN         = "RESELLER_POSTGRES_DSN"
	envPostgresAutoMigrate = "RESELLER_POSTGRES_AUTO_MIGRATE"
	envPostgresMaxConns    = "RESELLER_POSTGRES_MAX_CONNS"

	envHoldDuration      = "RESELLER_HOLD_DURATION"
	envHoldSweepInterval = "RESELLER_HOLD_SWEEP_INTERVAL"
	envHoldSweepBatch    = "RESELLER_HOLD_SWEEP_BATCH"

	envStatusRefreshInterval = "RESELLER_STATUS_REFRESH_INTERVAL"
	envStatusRefreshBatch    = "RESELLER_STATUS_REFRESH_BATCH"
	envStatusRefreshAge      = "RESELLER_STATUS_REFRESH_AGE"
	envReconcileInterval     = "RESELLER_RECONCILE_INTERVAL"

	envProviderMode    = "RESELLER_PROVIDER_MODE"
	envProviderTimeout = "RESELLER_PROVIDER_TIMEOUT"
	envSubmitTimeout   = "RESELLER_SUBMIT_TIMEOUT"

	envOutboxBroker       = "RESELLER_OUTBOX_BROKER"
	envOutboxPollInterval = "RESELLER_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "RESELLER_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "RESELLER_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "RESELLER_OUTBOX_RETRY_DELAY"

	envKafkaBrokers        = "RESELLER_KAFKA_BROKERS"
	envKafkaClientID       = "RESELLER_KAFKA_CLIENT_ID"
	envKafkaConsumerGroup  = "RESELLER_KAFKA_CONSUMER_GROUP"
	envKafkaStatusConsumer = "RESELLER_KAFKA_STATUS_CONSUMER"

	envNATSURL    = "RESELLER_NATS_URL"
	envNATSStream = "RESELLER_NATS_STREAM"

	envRedisAddr     = "RESELLER_REDIS_ADDR"
	envRedisPassword = "RESELLER_REDIS_PASSWORD"
	envRedisDB       = "RESELLER_REDIS_DB"

	envOTELEnabled  = "RESELLER_OTEL_ENABLED"
	envOTLPEndpoint = "RESELLER_OTLP_ENDPOINT"

	envSeedDemoData    = "RESELLER_SEED_DEMO_DATA"
	envShutdownTimeout = "RESELLER_SHUTDOWN_TIMEOUT"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

// readConfigFromEnv накладывает переменные окружения на app.DefaultConfig.
// Некорректное значение оставляет настройку по умолчанию и добавляет предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	lower := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	integer := func(key string, dst *int, validate func(int) bool, msg string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, validate, msg)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	duration := func(key string, dst *time.Duration, validate func(time.Duration) bool, msg string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, validate, msg)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)
	lower(envLogLevel, &cfg.LogLevel)

	lower(envStorageDriver, &cfg.StorageDriver)
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	integer(envPostgresMaxConns, &cfg.PostgresMaxConns, positive, "must be > 0")

	duration(envHoldDuration, &cfg.HoldDuration, positiveDuration, "must be > 0")
	duration(envHoldSweepInterval, &cfg.HoldSweepInterval, positiveDuration, "must be > 0")
	integer(envHoldSweepBatch, &cfg.HoldSweepBatch, positive, "must be > 0")

	duration(envStatusRefreshInterval, &cfg.StatusRefreshInterval, positiveDuration, "must be > 0")
	integer(envStatusRefreshBatch, &cfg.StatusRefreshBatch, positive, "must be > 0")
	duration(envStatusRefreshAge, &cfg.StatusRefreshAge, nonNegativeDuration, "must be >= 0")
	duration(envReconcileInterval, &cfg.ReconcileInterval, nonNegativeDuration, "must be >= 0")

	lower(envProviderMode, &cfg.ProviderMode)
	duration(envProviderTimeout, &cfg.ProviderTimeout, positiveDuration, "must be > 0")
	duration(envSubmitTimeout, &cfg.SubmitTimeout, positiveDuration, "must be > 0")

	lower(envOutboxBroker, &cfg.OutboxBroker)
	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")

	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envKafkaClientID, &cfg.KafkaClientID)
	str(envKafkaConsumerGroup, &cfg.KafkaConsumerGroup)
	boolean(envKafkaStatusConsumer, &cfg.KafkaStatusConsumer)

	str(envNATSURL, &cfg.NATSURL)
	str(envNATSStream, &cfg.NATSStream)

	str(envRedisAddr, &cfg.RedisAddr)
	str(envRedisPassword, &cfg.RedisPassword)
	integer(envRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0")

	boolean(envOTELEnabled, &cfg.OTELEnabled)
	str(envOTLPEndpoint, &cfg.OTLPEndpoint)

	boolean(envSeedDemoData, &cfg.SeedDemoData)
	duration(envShutdownTimeout, &cfg.ShutdownTimeout, positiveDuration, "must be > 0")

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", raw)
	}
}

func parseInt(raw string, validate func(int) bool, msg string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if validate != nil && !validate(value) {
		return 0, errors.New(msg)
	}
	return value, nil
}

func parseDuration(raw string, validate func(time.Duration) bool, msg string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if validate != nil && !validate(value) {
		return 0, errors.New(msg)
	}
	return value, nil
}

func main() {
	// .env необязателен: в контейнере настройки приходят из окружения.
	_ = godotenv.Load()

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	setupLogger(cfg.LogLevel)
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"provider_mode":  cfg.ProviderMode,
		"outbox_broker":  cfg.OutboxBroker,
	}).Info("запускаем reseller")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("reseller остановлен")
}
