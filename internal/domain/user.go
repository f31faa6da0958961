package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User: владелец баланса. Баланс меняется только под блокировкой строки пользователя.
type User struct {
	ID        string
	Email     string
	Balance   decimal.Decimal
	Banned    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanSpend проверяет, хватает ли средств на списание amount.
func (u User) CanSpend(amount decimal.Decimal) bool {
	return u.Balance.GreaterThanOrEqual(amount)
}
