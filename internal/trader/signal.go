package trader

import "binance-candle-bot-go/internal/models"

// Evaluate 根据已收盘K线的开盘价和收盘价给出交易方向。
// 平盘 (close == open) 不产生信号。
func Evaluate(mode models.TradeMode, open, close float64) (models.Side, bool) {
	var side models.Side
	switch {
	case close > open:
		side = models.Buy
	case close < open:
		side = models.Sell
	default:
		return "", false
	}

	switch mode {
	case models.TradeModeFollow:
		return side, true
	case models.TradeModeOpposite:
		return side.Opposite(), true
	}
	return "", false
}
