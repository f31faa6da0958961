package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntryType: тип проводки.
type LedgerEntryType string

const (
	LedgerEntryDeposit LedgerEntryType = "deposit"
	LedgerEntryOrder   LedgerEntryType = "order"
	LedgerEntryRefund  LedgerEntryType = "refund"
)

// LedgerEntry: неизменяемая запись журнала, создаётся один раз на событие.
type LedgerEntry struct {
	ID            string
	UserID        string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Type          LedgerEntryType
	ReferenceType string
	ReferenceID   string
	Description   string
	CreatedAt     time.Time
}
