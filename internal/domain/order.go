package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending: заказ сохранён, провайдеру ещё не отправлен.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing: провайдер принял заказ.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusInProgress: провайдер выполняет заказ.
	OrderStatusInProgress OrderStatus = "in_progress"
	// OrderStatusPartial: заказ выполнен частично.
	OrderStatusPartial OrderStatus = "partial"
	// OrderStatusCompleted: заказ выполнен.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled: заказ отменён, средства возвращены.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed: заказ не удалось отправить, средства возвращены.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusRefunded: выполненный заказ возвращён пользователю.
	OrderStatusRefunded OrderStatus = "refunded"
)

type orderStatusTraits struct {
	final      bool
	successful bool
}

var orderStatusTable = map[OrderStatus]orderStatusTraits{
	OrderStatusPending:    {},
	OrderStatusProcessing: {},
	OrderStatusInProgress: {},
	OrderStatusPartial:    {},
	OrderStatusCompleted:  {final: true, successful: true},
	OrderStatusCancelled:  {final: true},
	OrderStatusFailed:     {final: true},
	OrderStatusRefunded:   {final: true},
}

// forward-переходы между нефинальными статусами и в COMPLETED.
var orderForwardTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing},
	OrderStatusProcessing: {OrderStatusInProgress, OrderStatusPartial, OrderStatusCompleted},
	OrderStatusInProgress: {OrderStatusPartial, OrderStatusCompleted},
	OrderStatusPartial:    {OrderStatusInProgress, OrderStatusCompleted},
}

// Valid проверяет, что статус известен.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusTable[s]
	return ok
}

// IsFinal сообщает, что статус терминальный.
func (s OrderStatus) IsFinal() bool {
	return orderStatusTable[s].final
}

// IsSuccessful сообщает, что заказ выполнен.
func (s OrderStatus) IsSuccessful() bool {
	return orderStatusTable[s].successful
}

// CanTransitionOrder проверяет допустимость перехода from -> to.
// REFUNDED достижим только из COMPLETED; из остальных финальных статусов переходов нет.
func CanTransitionOrder(from, to OrderStatus) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == OrderStatusRefunded {
		return from == OrderStatusCompleted
	}
	if from.IsFinal() {
		return false
	}
	if to == OrderStatusCancelled || to == OrderStatusFailed {
		return true
	}
	for _, next := range orderForwardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order: заказ пользователя на услугу провайдера.
type Order struct {
	ID                string
	UserID            string
	ServiceID         string
	ProviderID        string
	Link              string
	Quantity          int64
	Remains           int64
	StartCount        int64
	UnitPrice         decimal.Decimal
	UnitCost          decimal.Decimal
	Charge            decimal.Decimal
	Cost              decimal.Decimal
	Profit            decimal.Decimal
	HoldID            string
	IdempotencyKey    string
	ProviderOrderID   string
	RefillEligible    bool
	RefillDays        int
	RefillDeadline    *time.Time
	Status            OrderStatus
	FailureReason     string
	LastStatusCheckAt *time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TransitionTo меняет статус заказа, если переход допустим.
func (o *Order) TransitionTo(status OrderStatus, now time.Time) error {
	if !CanTransitionOrder(o.Status, status) {
		return ErrInvalidStateTransition
	}
	o.Status = status
	o.UpdatedAt = now
	return nil
}

// CanRefill проверяет, что по заказу можно запросить рефилл на момент now.
func (o Order) CanRefill(now time.Time) bool {
	if !o.RefillEligible || o.Status != OrderStatusCompleted || o.ProviderOrderID == "" {
		return false
	}
	return o.RefillDeadline != nil && !now.After(*o.RefillDeadline)
}
