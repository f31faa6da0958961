package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// deadLetterPayload: тело сообщения в reseller.dlq для событий outbox.
// dlq-reprocess разворачивает его обратно в исходное событие.
type deadLetterPayload struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	FailedAt      time.Time       `json:"failed_at"`
}

func newDeadLetter(msg domain.OutboxMessage, cause error, at time.Time) domain.OutboxMessage {
	body, _ := json.Marshal(deadLetterPayload{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishError:  cause.Error(),
		FailedAt:      at.UTC(),
	})
	dead := msg
	dead.Payload = body
	return dead
}

// onFailure переносит сообщение в DLQ и помечает его failed.
// Без DLQ или при сбое DLQ сообщение остаётся pending и повторяется следующим проходом.
func (w *Worker) onFailure(ctx context.Context, msg domain.OutboxMessage, cause error) {
	relayResults.WithLabelValues("failed").Inc()
	logger := w.entry(msg)
	logger.WithError(cause).Error("outbox message not delivered")

	if w.dlq == nil {
		return
	}
	if err := w.dlq.Publish(ctx, newDeadLetter(msg, cause, w.now())); err != nil {
		relayResults.WithLabelValues("dlq_failed").Inc()
		logger.WithError(fmt.Errorf("publish to dlq: %w", err)).Warn("outbox message kept pending")
		return
	}
	relayResults.WithLabelValues("dead_letter").Inc()
	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("dead-lettered outbox message not marked failed")
	}
}
