package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// UnitPrice returns the flash price when set, otherwise the discounted
// original price, rounded half-up to minor units.
func (s *Sale) UnitPrice() int64 {
	if s.FlashPrice != nil {
		return *s.FlashPrice
	}
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(s.DiscountPercentage).Div(hundred))
	return decimal.NewFromInt(s.OriginalPrice).Mul(factor).Round(0).IntPart()
}

func (s *Sale) TotalPrice(quantity int) int64 {
	return decimal.NewFromInt(s.UnitPrice()).Mul(decimal.NewFromInt(int64(quantity))).IntPart()
}

// FormatAmount renders minor units as a decimal string with two places.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
