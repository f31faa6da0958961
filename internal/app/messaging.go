package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/reseller/internal/health"
	"github.com/vladislavdragonenkov/reseller/internal/messaging/kafka"
	natspub "github.com/vladislavdragonenkov/reseller/internal/messaging/nats"
)

const statusConsumerMaxAttempts = 3

// messaging: подключения к брокерам, выбранные конфигурацией.
type messaging struct {
	publisher    domain.OutboxPublisher
	dlqPublisher domain.OutboxPublisher
	// brokerChecker проверяет брокер outbox; nil, если брокер не нужен.
	brokerChecker healthcheck.Checker

	kafkaProducer *kafka.Producer
	natsPublisher *natspub.Publisher
}

// logPublisher используется без брокера: события пишутся в лог и считаются отправленными.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":     event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	}).Debug("outbox event dropped: no broker configured")
	return nil
}

// initMessaging поднимает паблишер outbox по cfg.OutboxBroker.
// Kafka producer создаётся и тогда, когда он нужен только consumer-у статусов для DLQ.
func initMessaging(cfg Config, logger *log.Entry) (*messaging, error) {
	m := &messaging{}

	needKafka := cfg.OutboxBroker == OutboxBrokerKafka || cfg.KafkaStatusConsumer
	if needKafka {
		brokers := cfg.KafkaBrokerList()
		producer, err := kafka.NewProducer(brokers, cfg.KafkaClientID)
		if err != nil {
			return nil, fmt.Errorf("init kafka producer: %w", err)
		}
		m.kafkaProducer = producer
		logger.WithField("brokers", brokers).Info("kafka producer initialized")
	}

	switch cfg.OutboxBroker {
	case OutboxBrokerKafka:
		m.publisher = kafka.NewOutboxPublisher(m.kafkaProducer, "")
		m.dlqPublisher = kafka.NewOutboxPublisher(m.kafkaProducer, kafka.TopicDeadLetterQueue)
	case OutboxBrokerNATS:
		publisher, err := natspub.NewPublisher(natspub.Config{
			URL:    cfg.NATSURL,
			Stream: cfg.NATSStream,
			Logger: logger.WithField("component", "nats-publisher"),
		})
		if err != nil {
			m.close(logger)
			return nil, fmt.Errorf("init nats publisher: %w", err)
		}
		m.natsPublisher = publisher
		m.publisher = publisher
		m.brokerChecker = healthcheck.NewPingChecker("nats", publisher)
		logger.WithField("url", cfg.NATSURL).Info("nats publisher initialized")
	default:
		m.publisher = logPublisher{logger: logger.WithField("component", "outbox-log")}
	}
	return m, nil
}

// startStatusConsumer подписывается на статусы провайдера, если это включено.
func startStatusConsumer(ctx context.Context, cfg Config, m *messaging, applier kafka.StatusApplier, logger *log.Entry) (*kafka.Consumer, error) {
	if !cfg.KafkaStatusConsumer {
		return nil, nil
	}
	consumer, err := kafka.NewConsumer(
		cfg.KafkaBrokerList(),
		cfg.KafkaConsumerGroup,
		[]string{kafka.TopicProviderStatus},
		kafka.NewProviderStatusHandler(applier, logger.WithField("component", "provider-status-consumer")),
		kafka.WithDeadLetter(m.kafkaProducer),
		kafka.WithMaxAttempts(statusConsumerMaxAttempts),
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
	)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, err
	}
	return consumer, nil
}

func (m *messaging) close(logger *log.Entry) {
	if m == nil {
		return
	}
	if m.natsPublisher != nil {
		if err := m.natsPublisher.Close(); err != nil {
			logger.WithError(err).Warn("failed to close nats publisher")
		}
	}
	if m.kafkaProducer != nil {
		if err := m.kafkaProducer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka producer")
		} else {
			logger.Info("kafka producer closed")
		}
	}
}
