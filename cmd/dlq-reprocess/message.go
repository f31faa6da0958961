package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/reseller/internal/messaging/kafka"
)

// replayMessage: сообщение, готовое к повторной отправке.
type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

// extractReplayMessage определяет, куда и что вернуть из DLQ.
// Сообщения consumer-а несут исходный топик в заголовке x-original-topic и уходят как есть.
// Сообщения outbox: Envelope с обёрткой dead letter; топик выводится из типа агрегата.
func extractReplayMessage(msg *sarama.ConsumerMessage, override string) (replayMessage, error) {
	if len(msg.Value) == 0 {
		return replayMessage{}, errors.New("empty dlq message")
	}
	headers := headerMap(msg.Headers)

	replay := replayMessage{
		key:   string(msg.Key),
		value: msg.Value,
		headers: map[string]string{
			kafka.HeaderRetryCount: "0",
		},
	}
	for _, name := range []string{kafka.HeaderMessageID, kafka.HeaderEventType} {
		if v := headers[name]; v != "" {
			replay.headers[name] = v
		}
	}

	if original := strings.TrimSpace(headers[kafka.HeaderOriginalTopic]); original != "" {
		replay.topic = original
	} else if err := fromOutboxEnvelope(msg.Value, &replay); err != nil {
		return replayMessage{}, err
	}

	if override != "" {
		replay.topic = override
	}
	if replay.topic == kafka.TopicDeadLetterQueue {
		return replayMessage{}, fmt.Errorf("refusing to replay into %s", kafka.TopicDeadLetterQueue)
	}
	return replay, nil
}

func fromOutboxEnvelope(raw []byte, replay *replayMessage) error {
	var envelope kafka.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode outbox envelope: %w", err)
	}
	if envelope.ID == "" || envelope.EventType == "" {
		return fmt.Errorf("dlq message has neither %s header nor outbox envelope", kafka.HeaderOriginalTopic)
	}

	value, err := unwrapDeadLetter(envelope)
	if err != nil {
		return err
	}
	replay.value = value
	replay.topic = kafka.TopicFor(envelope.AggregateType)
	replay.headers[kafka.HeaderMessageID] = envelope.ID
	replay.headers[kafka.HeaderEventType] = envelope.EventType
	if replay.key == "" {
		replay.key = envelope.AggregateID
	}
	return nil
}

// unwrapDeadLetter возвращает в Envelope исходный payload события.
// Outbox кладёт в DLQ обёртку с полями outbox_id и payload; прочие сообщения переотправляются как есть.
func unwrapDeadLetter(envelope kafka.Envelope) ([]byte, error) {
	var dead struct {
		OutboxID string          `json:"outbox_id"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(envelope.Payload, &dead); err == nil && dead.OutboxID != "" && len(dead.Payload) > 0 {
		envelope.Payload = dead.Payload
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode replay envelope: %w", err)
	}
	return value, nil
}

func headerMap(headers []*sarama.RecordHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		if h != nil {
			m[string(h.Key)] = string(h.Value)
		}
	}
	return m
}
