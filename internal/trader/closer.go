package trader

import (
	"binance-candle-bot-go/internal/exchange"
	"binance-candle-bot-go/internal/metrics"
	"binance-candle-bot-go/internal/models"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CloseRecorder receives a record for every position the closer flattens.
type CloseRecorder interface {
	RecordClose(c models.TradeClose)
}

// CloseResult 平仓结果
type CloseResult struct {
	Closed   bool
	Position models.PositionSnapshot // 平仓前的持仓
	Order    *models.Order
}

// FlattenResult 一键撤单/平仓的逐交易对结果
type FlattenResult struct {
	Cancelled []string          `json:"cancelled"`
	Closed    []string          `json:"closed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (r *FlattenResult) fail(symbol string, err error) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[symbol] = err.Error()
}

// PositionCloser 市价平掉一个交易对的持仓
type PositionCloser struct {
	ex          exchange.Exchange
	bot         models.BotConfig
	recorder    CloseRecorder
	settleDelay time.Duration
	sleep       SleepFunc
	logger      *zap.Logger
}

// NewPositionCloser recorder and sleep may be nil.
func NewPositionCloser(ex exchange.Exchange, bot models.BotConfig, recorder CloseRecorder, settleDelay time.Duration, sleep SleepFunc, logger *zap.Logger) *PositionCloser {
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionCloser{
		ex:          ex,
		bot:         bot,
		recorder:    recorder,
		settleDelay: settleDelay,
		sleep:       sleep,
		logger:      logger,
	}
}

// CloseIfOpen 如果持仓不为零，提交反方向的 reduce-only 市价单，然后等待 settle delay。
// 下单失败直接返回，不会吞掉错误。
func (c *PositionCloser) CloseIfOpen(ctx context.Context, symbol string) (CloseResult, error) {
	return c.close(ctx, symbol, models.CloseReasonCandle, c.settleDelay)
}

func (c *PositionCloser) close(ctx context.Context, symbol, reason string, settle time.Duration) (CloseResult, error) {
	pos, err := c.ex.Position(ctx, symbol)
	if err != nil {
		return CloseResult{}, err
	}
	res := CloseResult{Position: *pos}
	if pos.Amount == 0 {
		return res, nil
	}

	side := models.Buy
	if pos.Amount > 0 {
		side = models.Sell
	}
	qty := decimal.NewFromFloat(math.Abs(pos.Amount)).String()

	c.logger.Info("平掉上一根K线的持仓",
		zap.String("symbol", symbol),
		zap.Float64("amount", pos.Amount),
		zap.String("side", string(side)))

	order, err := c.ex.PlaceMarketOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: exchange.NewClientOrderID(c.bot.ID, "close"),
	})
	metrics.RecordOrder(symbol, string(side), "close", err)
	if err != nil {
		return res, err
	}
	res.Closed = true
	res.Order = order

	if c.recorder != nil {
		c.recorder.RecordClose(c.closeRecord(*pos, order, reason))
	}

	if settle > 0 {
		// 等待成交，使本周期后续的持仓读取反映平仓结果
		if err := c.sleep(ctx, settle); err != nil {
			return res, err
		}
	}
	return res, nil
}

// closeRecord exit price is the fill average, falling back to the mark price.
func (c *PositionCloser) closeRecord(pos models.PositionSnapshot, order *models.Order, reason string) models.TradeClose {
	exit := pos.MarkPrice
	exitTime := time.Now()
	if order != nil {
		if order.AvgPrice > 0 {
			exit = order.AvgPrice
		}
		if order.UpdateTime > 0 {
			exitTime = time.UnixMilli(order.UpdateTime)
		}
	}
	side := models.Buy
	if pos.Amount < 0 {
		side = models.Sell
	}
	pnl := (exit - pos.EntryPrice) * pos.Amount
	roi := 0.0
	if c.bot.MarginUSD > 0 {
		roi = pnl / c.bot.MarginUSD * 100
	}
	return models.TradeClose{
		BotID:      c.bot.ID,
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   math.Abs(pos.Amount),
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		ExitTime:   exitTime,
		MarginUsed: c.bot.MarginUSD,
		PnL:        pnl,
		ROIPercent: roi,
		Reason:     reason,
	}
}

// CancelOrders 撤销每个交易对的所有挂单。“没有挂单”视为成功。
func (c *PositionCloser) CancelOrders(ctx context.Context, symbols []string) FlattenResult {
	var res FlattenResult
	for _, symbol := range symbols {
		if err := c.cancel(ctx, symbol); err != nil {
			res.fail(symbol, err)
			continue
		}
		res.Cancelled = append(res.Cancelled, symbol)
	}
	return res
}

func (c *PositionCloser) cancel(ctx context.Context, symbol string) error {
	err := c.ex.CancelAllOpenOrders(ctx, symbol)
	if err != nil && !exchange.IsNoOrderError(err) {
		return err
	}
	return nil
}

// Flatten 先撤单再市价平仓。撤单失败仍然会平仓，一个交易对失败不影响其他交易对。
func (c *PositionCloser) Flatten(ctx context.Context, symbols []string) FlattenResult {
	var res FlattenResult
	for _, symbol := range symbols {
		cancelErr := c.cancel(ctx, symbol)
		if cancelErr != nil {
			res.fail(symbol, fmt.Errorf("cancel: %w", cancelErr))
		} else {
			res.Cancelled = append(res.Cancelled, symbol)
		}

		closed, err := c.close(ctx, symbol, models.CloseReasonManual, 0)
		if err != nil {
			if cancelErr != nil {
				err = fmt.Errorf("cancel: %v; close: %w", cancelErr, err)
			}
			res.fail(symbol, err)
			continue
		}
		if closed.Closed {
			res.Closed = append(res.Closed, symbol)
		}
	}
	return res
}
