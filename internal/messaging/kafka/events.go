package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "reseller.order.events"
	TopicHoldEvents      = "reseller.hold.events"
	TopicProviderStatus  = "reseller.provider.status"
	TopicDeadLetterQueue = "reseller.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
	HeaderMessageID     = "x-message-id"
)

// Envelope: обёртка outbox-события в топике.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope заворачивает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage, now time.Time) Envelope {
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   now,
	}
}

// ProviderStatusEvent: статус заказа, присланный провайдером (webhook-релей).
type ProviderStatusEvent struct {
	ProviderID      string    `json:"provider_id"`
	ProviderOrderID string    `json:"provider_order_id"`
	Status          string    `json:"status"`
	StartCount      int64     `json:"start_count"`
	Remains         int64     `json:"remains"`
	Charge          string    `json:"charge,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ProviderStatus переводит событие в статус шлюза.
func (e ProviderStatusEvent) ProviderStatus() domain.ProviderOrderStatus {
	return domain.ProviderOrderStatus{
		Status:     e.Status,
		StartCount: e.StartCount,
		Remains:    e.Remains,
		Charge:     e.Charge,
	}
}

// ParseEnvelope парсит Envelope из сообщения
func ParseEnvelope(message *sarama.ConsumerMessage) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &envelope, nil
}

// ParseProviderStatusEvent парсит ProviderStatusEvent из сообщения
func ParseProviderStatusEvent(message *sarama.ConsumerMessage) (*ProviderStatusEvent, error) {
	var event ProviderStatusEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider status event: %w", err)
	}
	if event.ProviderID == "" || event.ProviderOrderID == "" {
		return nil, fmt.Errorf("provider status event without provider or order id")
	}
	return &event, nil
}

// TopicFor выбирает топик по типу агрегата.
func TopicFor(aggregateType string) string {
	if aggregateType == domain.AggregateHold {
		return TopicHoldEvents
	}
	return TopicOrderEvents
}
