package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Типы событий заказа и холда (timeline + outbox).
const (
	EventOrderCreated    = "order.created"
	EventOrderProcessing = "order.processing"
	EventOrderProgress   = "order.progress"
	EventOrderCompleted  = "order.completed"
	EventOrderFailed     = "order.failed"
	EventOrderCancelled  = "order.cancelled"
	EventOrderRefunded   = "order.refunded"
	EventOrderRefill     = "order.refill_requested"
	EventHoldCaptured    = "hold.captured"
	EventHoldReleased    = "hold.released"
	EventHoldExpired     = "hold.expired"
)

// Типы агрегатов для outbox.
const (
	AggregateOrder = "order"
	AggregateHold  = "hold"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

// OrderEventPayload: тело outbox-события по заказу.
type OrderEventPayload struct {
	OrderID         string      `json:"order_id"`
	UserID          string      `json:"user_id"`
	HoldID          string      `json:"hold_id"`
	Status          OrderStatus `json:"status"`
	ProviderOrderID string      `json:"provider_order_id,omitempty"`
	Charge          string      `json:"charge"`
	Reason          string      `json:"reason,omitempty"`
	OccurredAt      time.Time   `json:"occurred_at"`
}

// HoldEventPayload: тело outbox-события по холду.
type HoldEventPayload struct {
	HoldID     string     `json:"hold_id"`
	UserID     string     `json:"user_id"`
	Status     HoldStatus `json:"status"`
	Amount     string     `json:"amount"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewOrderEvent собирает outbox-сообщение по заказу.
func NewOrderEvent(eventType string, order Order, reason string, now time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(OrderEventPayload{
		OrderID:         order.ID,
		UserID:          order.UserID,
		HoldID:          order.HoldID,
		Status:          order.Status,
		ProviderOrderID: order.ProviderOrderID,
		Charge:          order.Charge.StringFixed(MoneyScale),
		Reason:          reason,
		OccurredAt:      now,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal order event: %w", err)
	}
	return OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     now,
	}, nil
}

// NewHoldEvent собирает outbox-сообщение по холду.
func NewHoldEvent(eventType string, hold Hold, now time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(HoldEventPayload{
		HoldID:     hold.ID,
		UserID:     hold.UserID,
		Status:     hold.Status,
		Amount:     hold.Amount.StringFixed(MoneyScale),
		Reason:     hold.ReleaseReason,
		OccurredAt: now,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal hold event: %w", err)
	}
	return OutboxMessage{
		AggregateType: AggregateHold,
		AggregateID:   hold.ID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     now,
	}, nil
}
