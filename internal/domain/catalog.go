package domain

import "github.com/shopspring/decimal"

// Service: позиция каталога, которую перепродаём. Цены указаны за 1000 единиц.
type Service struct {
	ID                string
	ProviderID        string
	ProviderServiceID string
	Name              string
	PricePer1000      decimal.Decimal
	CostPer1000       decimal.Decimal
	MinQuantity       int64
	MaxQuantity       int64
	Active            bool
	RefillEligible    bool
	RefillDays        int
}

// AcceptsQuantity проверяет границы количества.
func (s Service) AcceptsQuantity(qty int64) bool {
	return qty >= s.MinQuantity && qty <= s.MaxQuantity
}

// Provider: внешний исполнитель заказов и его учётные данные.
type Provider struct {
	ID     string
	Name   string
	APIURL string
	APIKey string
	Active bool
}
