package exchange

import (
	"binance-candle-bot-go/internal/metrics"
	"binance-candle-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BinanceExchange 基于 go-binance 的 USDT-M 合约实现。
// 同一账户的所有 worker 共享一个实例，从而共享限速器。
type BinanceExchange struct {
	account string
	client  *futures.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.RWMutex
	precision map[string]int
}

// BinanceOptions 创建 BinanceExchange 的参数
type BinanceOptions struct {
	Account           string
	APIKey            string
	SecretKey         string
	BaseURL           string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewBinanceExchange 创建一个新的实盘交易所实例
func NewBinanceExchange(opts BinanceOptions, logger *zap.Logger) (*BinanceExchange, error) {
	if opts.APIKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("账户 %s 的 API 密钥未设置", opts.Account)
	}

	client := futures.NewClient(opts.APIKey, opts.SecretKey)
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	client.HTTPClient = &http.Client{Timeout: opts.RequestTimeout}

	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &BinanceExchange{
		account:   opts.Account,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		logger:    logger.With(zap.String("account", opts.Account)),
		precision: make(map[string]int),
	}, nil
}

// call 等待限速令牌，记录耗时，并把 go-binance 的错误统一转换为 models.Error
func (e *BinanceExchange) call(ctx context.Context, endpoint string, fn func() error) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := normalizeError(fn())
	metrics.ObserveExchangeRequest(e.account, endpoint, start, err)
	if err != nil {
		e.logger.Debug("交易所请求失败", zap.String("endpoint", endpoint), zap.Error(err))
	}
	return err
}

func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &models.Error{Code: int(apiErr.Code), Msg: apiErr.Message}
	}
	return err
}

func (e *BinanceExchange) ServerTime(ctx context.Context) (int64, error) {
	var serverTime int64
	err := e.call(ctx, "time", func() (err error) {
		serverTime, err = e.client.NewServerTimeService().Do(ctx)
		return err
	})
	return serverTime, err
}

// QuantityPrecision 从 exchangeInfo 获取数量精度。结果按交易对缓存。
func (e *BinanceExchange) QuantityPrecision(ctx context.Context, symbol string) (int, error) {
	e.mu.RLock()
	p, ok := e.precision[symbol]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	var info *futures.ExchangeInfo
	err := e.call(ctx, "exchangeInfo", func() (err error) {
		info, err = e.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range info.Symbols {
		e.precision[s.Symbol] = s.QuantityPrecision
	}
	p, ok = e.precision[symbol]
	if !ok {
		return 0, fmt.Errorf("未找到交易对 %s 的信息", symbol)
	}
	return p, nil
}

func (e *BinanceExchange) Position(ctx context.Context, symbol string) (*models.PositionSnapshot, error) {
	var risks []*futures.PositionRisk
	err := e.call(ctx, "positionRisk", func() (err error) {
		risks, err = e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	snapshot := &models.PositionSnapshot{Symbol: symbol}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		// 单向持仓模式下只有一条 BOTH 记录
		amt, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil {
			return nil, fmt.Errorf("解析持仓数量失败: %w", err)
		}
		if amt == 0 {
			continue
		}
		entry, err := strconv.ParseFloat(r.EntryPrice, 64)
		if err != nil {
			return nil, fmt.Errorf("解析开仓均价失败: %w", err)
		}
		mark, err := strconv.ParseFloat(r.MarkPrice, 64)
		if err != nil {
			return nil, fmt.Errorf("解析标记价格失败: %w", err)
		}
		snapshot.Amount += amt
		snapshot.EntryPrice = entry
		snapshot.MarkPrice = mark
	}
	return snapshot, nil
}

func (e *BinanceExchange) Klines(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Kline, error) {
	var raw []*futures.Kline
	err := e.call(ctx, "klines", func() (err error) {
		raw, err = e.client.NewKlinesService().
			Symbol(symbol).
			Interval(string(tf)).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	klines := make([]models.Kline, 0, len(raw))
	for _, k := range raw {
		kline, err := convertKline(k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, err
		}
		klines = append(klines, kline)
	}
	return klines, nil
}

func convertKline(openTime, closeTime int64, open, high, low, close, volume string) (models.Kline, error) {
	k := models.Kline{OpenTime: openTime, CloseTime: closeTime}
	var err error
	fields := []struct {
		dst *float64
		src string
	}{
		{&k.Open, open}, {&k.High, high}, {&k.Low, low}, {&k.Close, close}, {&k.Volume, volume},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.ParseFloat(f.src, 64); err != nil {
			return k, fmt.Errorf("解析K线数据失败: %w", err)
		}
	}
	return k, nil
}

// PlaceMarketOrder 提交市价单。下单请求不会重试，失败直接返回。
func (e *BinanceExchange) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	var resp *futures.CreateOrderResponse
	err := e.call(ctx, "order", func() (err error) {
		svc := e.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(req.Side)).
			Type(futures.OrderTypeMarket).
			Quantity(req.Quantity).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT)
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		if req.ClientOrderID != "" {
			svc = svc.NewClientOrderID(req.ClientOrderID)
		}
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("quantity", req.Quantity),
			zap.Error(err))
		return nil, err
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return &models.Order{
		Symbol:        resp.Symbol,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Side:          models.Side(resp.Side),
		Quantity:      resp.OrigQuantity,
		ExecutedQty:   executed,
		AvgPrice:      avgPrice,
		Status:        string(resp.Status),
		UpdateTime:    resp.UpdateTime,
	}, nil
}

func (e *BinanceExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	err := e.call(ctx, "allOpenOrders", func() error {
		return e.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	if IsNoOrderError(err) {
		return nil
	}
	return err
}

func (e *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return e.call(ctx, "leverage", func() error {
		_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return err
	})
}

// SetMarginType 设置保证金模式，-4046 (无需更改) 视为成功
func (e *BinanceExchange) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	err := e.call(ctx, "marginType", func() error {
		return e.client.NewChangeMarginTypeService().
			Symbol(symbol).
			MarginType(futures.MarginType(marginType)).
			Do(ctx)
	})
	if ErrorCode(err) == codeNoNeedChangeMType {
		e.logger.Info("保证金模式无需更改", zap.String("symbol", symbol), zap.String("margin_type", marginType))
		return nil
	}
	return err
}
