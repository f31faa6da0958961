package domain

import "github.com/shopspring/decimal"

// MoneyScale: точность денежных сумм (знаков после запятой).
const MoneyScale int32 = 4

var perThousand = decimal.NewFromInt(1000)

// CalculateCharge считает сумму за quantity единиц при цене за 1000:
// price × quantity / 1000 с округлением half-up до MoneyScale знаков.
func CalculateCharge(pricePer1000 decimal.Decimal, quantity int64) decimal.Decimal {
	return RoundMoney(pricePer1000.Mul(decimal.NewFromInt(quantity)).Div(perThousand))
}

// RoundMoney округляет сумму до MoneyScale знаков.
// Для неотрицательных сумм decimal.Round совпадает с half-up.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyScale)
}
