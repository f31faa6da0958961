// Package events пишет события заказа и холда в timeline и transactional outbox
// в той же транзакции, что и изменение состояния.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/metrics"
)

// Recorder: общий писатель событий. Любой из репозиториев может быть nil.
type Recorder struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.SagaMetrics
}

// NewRecorder создаёт Recorder.
func NewRecorder(outbox domain.OutboxRepository, timeline domain.TimelineRepository, m *metrics.SagaMetrics) *Recorder {
	return &Recorder{outbox: outbox, timeline: timeline, metrics: m}
}

// OrderEvent добавляет запись в timeline и outbox.
func (r *Recorder) OrderEvent(ctx context.Context, eventType string, order domain.Order, reason string, now time.Time) error {
	if r == nil {
		return nil
	}
	if r.timeline != nil {
		if err := r.timeline.Append(ctx, domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     eventType,
			Reason:   reason,
			Occurred: now,
		}); err != nil {
			return fmt.Errorf("append timeline event %s: %w", eventType, err)
		}
	}
	if r.outbox == nil {
		return nil
	}
	msg, err := domain.NewOrderEvent(eventType, order, reason, now)
	if err != nil {
		return err
	}
	return r.enqueue(ctx, msg)
}

// HoldEvent добавляет событие холда в outbox.
func (r *Recorder) HoldEvent(ctx context.Context, eventType string, hold domain.Hold, now time.Time) error {
	if r == nil || r.outbox == nil {
		return nil
	}
	msg, err := domain.NewHoldEvent(eventType, hold, now)
	if err != nil {
		return err
	}
	return r.enqueue(ctx, msg)
}

func (r *Recorder) enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	if _, err := r.outbox.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue outbox event %s: %w", msg.EventType, err)
	}
	r.metrics.RecordOutboxEvent()
	return nil
}
