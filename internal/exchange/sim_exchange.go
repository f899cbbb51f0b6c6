package exchange

import (
	"binance-candle-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrReplayExhausted 回放数据已经用完
var ErrReplayExhausted = errors.New("历史K线数据已回放完毕")

const codeReduceOnlyRejected = -2022

// SimFill 一笔模拟成交
type SimFill struct {
	Time        time.Time
	Symbol      string
	Side        models.Side
	Quantity    float64
	Price       float64
	Fee         float64
	RealizedPnL float64
	ReduceOnly  bool
}

type simPosition struct {
	amount float64
	entry  float64
}

// SimExchange 实现了 Exchange 接口，用历史K线和虚拟时钟模拟交易所。
// 市价单按当前正在形成的K线开盘价成交，计入滑点和吃单手续费。
type SimExchange struct {
	mu sync.Mutex

	timeframe models.Timeframe
	klines    map[string][]models.Kline
	now       int64 // 虚拟时钟 (毫秒)

	precision    int
	takerFeeRate float64
	slippageRate float64

	InitialBalance float64
	Cash           float64
	TotalFees      float64

	positions   map[string]*simPosition
	leverage    map[string]int
	marginType  map[string]string
	fills       []SimFill
	nextOrderID int64
}

// SimOptions 模拟交易所参数
type SimOptions struct {
	Timeframe      models.Timeframe
	Precision      int
	InitialBalance float64
	TakerFeeRate   float64
	SlippageRate   float64
}

// NewSimExchange 创建一个新的模拟交易所，时钟从最早一根K线的开盘时间开始
func NewSimExchange(opts SimOptions, data map[string][]models.Kline) (*SimExchange, error) {
	if !opts.Timeframe.Valid() {
		return nil, fmt.Errorf("不支持的K线周期: %s", opts.Timeframe)
	}
	e := &SimExchange{
		timeframe:      opts.Timeframe,
		klines:         make(map[string][]models.Kline, len(data)),
		now:            math.MaxInt64,
		precision:      opts.Precision,
		takerFeeRate:   opts.TakerFeeRate,
		slippageRate:   opts.SlippageRate,
		InitialBalance: opts.InitialBalance,
		Cash:           opts.InitialBalance,
		positions:      make(map[string]*simPosition),
		leverage:       make(map[string]int),
		marginType:     make(map[string]string),
		nextOrderID:    1,
	}
	for symbol, ks := range data {
		if len(ks) == 0 {
			continue
		}
		sorted := make([]models.Kline, len(ks))
		copy(sorted, ks)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenTime < sorted[j].OpenTime })
		e.klines[symbol] = sorted
		if sorted[0].OpenTime < e.now {
			e.now = sorted[0].OpenTime
		}
	}
	if len(e.klines) == 0 {
		return nil, errors.New("没有可回放的K线数据")
	}
	return e, nil
}

// Now 返回虚拟时钟
func (e *SimExchange) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.UnixMilli(e.now)
}

// Sleep 推进虚拟时钟。超过最后一根K线的开盘时间后返回 ErrReplayExhausted。
func (e *SimExchange) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	target := e.now + d.Milliseconds()
	if target > e.lastOpenTime() {
		return ErrReplayExhausted
	}
	e.now = target
	return nil
}

func (e *SimExchange) lastOpenTime() int64 {
	var last int64
	for _, ks := range e.klines {
		if t := ks[len(ks)-1].OpenTime; t > last {
			last = t
		}
	}
	return last
}

// formingIndex 返回当前时间所在K线的下标。必须在持有锁的情况下调用。
func (e *SimExchange) formingIndex(symbol string) (int, error) {
	ks, ok := e.klines[symbol]
	if !ok {
		return 0, &models.Error{Code: -1121, Msg: "Invalid symbol."}
	}
	i := sort.Search(len(ks), func(i int) bool { return ks[i].OpenTime > e.now }) - 1
	if i < 0 {
		return 0, fmt.Errorf("%s 在 %d 之前没有K线数据", symbol, e.now)
	}
	return i, nil
}

// currentPrice 当前K线的开盘价。必须在持有锁的情况下调用。
func (e *SimExchange) currentPrice(symbol string) (float64, error) {
	i, err := e.formingIndex(symbol)
	if err != nil {
		return 0, err
	}
	return e.klines[symbol][i].Open, nil
}

func (e *SimExchange) ServerTime(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now, nil
}

func (e *SimExchange) QuantityPrecision(ctx context.Context, symbol string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.klines[symbol]; !ok {
		return 0, fmt.Errorf("未找到交易对 %s 的信息", symbol)
	}
	return e.precision, nil
}

func (e *SimExchange) Position(ctx context.Context, symbol string) (*models.PositionSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, err := e.currentPrice(symbol)
	if err != nil {
		return nil, err
	}
	snapshot := &models.PositionSnapshot{Symbol: symbol, MarkPrice: price}
	if pos, ok := e.positions[symbol]; ok {
		snapshot.Amount = pos.amount
		snapshot.EntryPrice = pos.entry
	}
	return snapshot, nil
}

// Klines 返回截至当前时间的最近 limit 根K线，最后一根是正在形成的K线
func (e *SimExchange) Klines(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Kline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tf != e.timeframe {
		return nil, fmt.Errorf("回放数据周期为 %s，请求的是 %s", e.timeframe, tf)
	}
	i, err := e.formingIndex(symbol)
	if err != nil {
		return nil, err
	}
	start := i + 1 - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Kline, i+1-start)
	copy(out, e.klines[symbol][start:i+1])
	return out, nil
}

func (e *SimExchange) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	qty, err := strconv.ParseFloat(req.Quantity, 64)
	if err != nil || qty <= 0 {
		return nil, &models.Error{Code: -1111, Msg: "Precision is over the maximum defined for this asset."}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price, err := e.currentPrice(req.Symbol)
	if err != nil {
		return nil, err
	}
	pos := e.positions[req.Symbol]
	if pos == nil {
		pos = &simPosition{}
		e.positions[req.Symbol] = pos
	}

	signed := qty
	if req.Side == models.Sell {
		signed = -qty
	}
	if req.ReduceOnly {
		if pos.amount == 0 || (pos.amount > 0) == (signed > 0) {
			return nil, &models.Error{Code: codeReduceOnlyRejected, Msg: "ReduceOnly Order is rejected."}
		}
		if math.Abs(signed) > math.Abs(pos.amount) {
			signed = -pos.amount
			qty = math.Abs(signed)
		}
	}

	fillPrice := price * (1 + e.slippageRate)
	if req.Side == models.Sell {
		fillPrice = price * (1 - e.slippageRate)
	}
	fee := fillPrice * qty * e.takerFeeRate
	e.TotalFees += fee
	e.Cash -= fee

	realized := 0.0
	switch {
	case pos.amount == 0 || (pos.amount > 0) == (signed > 0):
		// 开仓或加仓
		total := pos.amount + signed
		pos.entry = (pos.entry*math.Abs(pos.amount) + fillPrice*qty) / math.Abs(total)
		pos.amount = total
	default:
		// 减仓，超出部分反向开仓
		closing := math.Min(math.Abs(signed), math.Abs(pos.amount))
		direction := 1.0
		if pos.amount < 0 {
			direction = -1.0
		}
		realized = (fillPrice - pos.entry) * closing * direction
		e.Cash += realized
		remaining := pos.amount + signed
		if math.Abs(remaining) < 1e-12 {
			pos.amount, pos.entry = 0, 0
		} else if (remaining > 0) != (pos.amount > 0) {
			pos.amount, pos.entry = remaining, fillPrice
		} else {
			pos.amount = remaining
		}
	}

	ts := time.UnixMilli(e.now)
	e.fills = append(e.fills, SimFill{
		Time:        ts,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    qty,
		Price:       fillPrice,
		Fee:         fee,
		RealizedPnL: realized,
		ReduceOnly:  req.ReduceOnly,
	})

	order := &models.Order{
		Symbol:        req.Symbol,
		OrderID:       e.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Quantity:      req.Quantity,
		ExecutedQty:   qty,
		AvgPrice:      fillPrice,
		Status:        "FILLED",
		UpdateTime:    e.now,
	}
	e.nextOrderID++
	return order, nil
}

// CancelAllOpenOrders 模拟交易所只有市价单，没有挂单
func (e *SimExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.klines[symbol]; !ok {
		return &models.Error{Code: -1121, Msg: "Invalid symbol."}
	}
	return nil
}

func (e *SimExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if leverage <= 0 || leverage > 125 {
		return &models.Error{Code: -4028, Msg: "Leverage is not valid"}
	}
	e.leverage[symbol] = leverage
	return nil
}

func (e *SimExchange) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marginType[symbol] = marginType
	return nil
}

// Fills 返回所有模拟成交的副本
func (e *SimExchange) Fills() []SimFill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SimFill, len(e.fills))
	copy(out, e.fills)
	return out
}

// Equity 现金加上按当前价计算的未实现盈亏
func (e *SimExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	equity := e.Cash
	for symbol, pos := range e.positions {
		if pos.amount == 0 {
			continue
		}
		if price, err := e.currentPrice(symbol); err == nil {
			equity += (price - pos.entry) * pos.amount
		}
	}
	return equity
}

// Leverage 返回交易对上设置的杠杆，未设置返回0
func (e *SimExchange) Leverage(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverage[symbol]
}
