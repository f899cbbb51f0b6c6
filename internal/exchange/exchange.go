package exchange

import (
	"binance-candle-bot-go/internal/models"
	"context"
	"errors"
)

// 币安返回的“无需处理”类错误码
const (
	codeNoSuchOrder       = -2011 // Unknown order sent
	codeOrderNotExist     = -2013 // Order does not exist
	codeNoNeedChangeMType = -4046 // No need to change margin type
)

// Exchange 定义了交易 worker 需要的交易所能力。
// 实盘 (BinanceExchange) 和回测 (SimExchange) 都实现该接口。
type Exchange interface {
	ServerTime(ctx context.Context) (int64, error)
	QuantityPrecision(ctx context.Context, symbol string) (int, error)
	Position(ctx context.Context, symbol string) (*models.PositionSnapshot, error)
	Klines(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Kline, error)
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType string) error
}

// ErrorCode 返回币安API错误码，非API错误返回0
func ErrorCode(err error) int {
	var apiErr *models.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsNoOrderError 判断是否是“没有可撤销的订单”，这种情况视为成功
func IsNoOrderError(err error) bool {
	code := ErrorCode(err)
	return code == codeNoSuchOrder || code == codeOrderNotExist
}
