package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HoldStatus описывает состояние резерва средств.
type HoldStatus string

const (
	// HoldStatusHeld: средства списаны с баланса и ждут исхода заказа.
	HoldStatusHeld HoldStatus = "held"
	// HoldStatusCaptured: заказ принят провайдером, списание окончательное.
	HoldStatusCaptured HoldStatus = "captured"
	// HoldStatusReleased: средства вернулись пользователю.
	HoldStatusReleased HoldStatus = "released"
	// HoldStatusExpired: холд истёк, средства вернулись пользователю.
	HoldStatusExpired HoldStatus = "expired"
)

// Типы ссылок, которые проставляются при захвате холда и в проводках.
const (
	ReferenceTypeOrder   = "order"
	ReferenceTypeHold    = "hold"
	ReferenceTypeDeposit = "deposit"
)

// IsFinal: из финального статуса холд никуда не переходит.
func (s HoldStatus) IsFinal() bool {
	return s == HoldStatusCaptured || s == HoldStatusReleased || s == HoldStatusExpired
}

// Valid проверяет, что статус известен.
func (s HoldStatus) Valid() bool {
	return s == HoldStatusHeld || s.IsFinal()
}

// CanTransitionHold разрешает только переходы из HELD в один из финальных статусов.
func CanTransitionHold(from, to HoldStatus) bool {
	return from == HoldStatusHeld && to.IsFinal()
}

// Hold: резерв средств пользователя под будущий заказ.
type Hold struct {
	ID             string
	UserID         string
	Amount         decimal.Decimal
	Status         HoldStatus
	IdempotencyKey string
	ReleaseReason  string
	ReferenceType  string
	ReferenceID    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	CapturedAt     *time.Time
	ReleasedAt     *time.Time
	Version        int64
}

// IsExpired сообщает, что HELD-холд просрочен на момент now.
func (h Hold) IsExpired(now time.Time) bool {
	return h.Status == HoldStatusHeld && h.ExpiresAt.Before(now)
}

// HoldCursor: позиция в выборке просроченных холдов по (expires_at, id).
// Нулевое значение означает начало выборки.
type HoldCursor struct {
	ExpiresAt time.Time
	ID        string
}

// CursorOf возвращает позицию сразу после h.
func CursorOf(h Hold) HoldCursor {
	return HoldCursor{ExpiresAt: h.ExpiresAt, ID: h.ID}
}

// Passed сообщает, что холд h уже пройден курсором.
func (c HoldCursor) Passed(h Hold) bool {
	if c.ID == "" {
		return false
	}
	if !h.ExpiresAt.Equal(c.ExpiresAt) {
		return h.ExpiresAt.Before(c.ExpiresAt)
	}
	return h.ID <= c.ID
}
