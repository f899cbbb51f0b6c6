package trader

import "github.com/shopspring/decimal"

// Size converts margin and leverage into an order quantity at price, formatted
// with the symbol's quantity precision. ok is false when no order should be
// placed: a non-positive input or a quantity that rounds to zero.
func Size(marginUSD float64, leverage int, price float64, precision int) (qty string, ok bool) {
	if price <= 0 || marginUSD <= 0 || leverage <= 0 || precision < 0 {
		return "", false
	}
	notional := decimal.NewFromFloat(marginUSD).Mul(decimal.NewFromInt(int64(leverage)))
	quantity := notional.Div(decimal.NewFromFloat(price)).Round(int32(precision))
	if !quantity.IsPositive() {
		return "", false
	}
	return quantity.StringFixed(int32(precision)), true
}
