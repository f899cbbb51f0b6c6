package trader

import (
	"binance-candle-bot-go/internal/models"
	"context"
	"strconv"
	"sync"
	"time"
)

// mockExchange is an in-memory Exchange with a manually driven clock.
type mockExchange struct {
	sync.Mutex
	now        int64
	precision  int
	positions  map[string]*models.PositionSnapshot
	klines     []models.Kline
	orders     []models.OrderRequest
	cancelled  []string
	leverage   map[string]int
	marginType map[string]string

	leverageErr error
	klinesErr   error
	orderErr    error // 注入下单失败，只作用于非 reduce-only 订单
	cancelErr   map[string]error
}

func newMockExchange(now int64) *mockExchange {
	return &mockExchange{
		now:        now,
		precision:  3,
		positions:  make(map[string]*models.PositionSnapshot),
		leverage:   make(map[string]int),
		marginType: make(map[string]string),
		cancelErr:  make(map[string]error),
	}
}

func (m *mockExchange) advance(d time.Duration) {
	m.Lock()
	defer m.Unlock()
	m.now += d.Milliseconds()
}

func (m *mockExchange) setPosition(symbol string, amount, entry float64) {
	m.Lock()
	defer m.Unlock()
	m.positions[symbol] = &models.PositionSnapshot{Symbol: symbol, Amount: amount, EntryPrice: entry, MarkPrice: entry}
}

func (m *mockExchange) placed() []models.OrderRequest {
	m.Lock()
	defer m.Unlock()
	out := make([]models.OrderRequest, len(m.orders))
	copy(out, m.orders)
	return out
}

func (m *mockExchange) ServerTime(ctx context.Context) (int64, error) {
	m.Lock()
	defer m.Unlock()
	return m.now, nil
}

func (m *mockExchange) QuantityPrecision(ctx context.Context, symbol string) (int, error) {
	return m.precision, nil
}

func (m *mockExchange) Position(ctx context.Context, symbol string) (*models.PositionSnapshot, error) {
	m.Lock()
	defer m.Unlock()
	if p, ok := m.positions[symbol]; ok {
		cp := *p
		return &cp, nil
	}
	return &models.PositionSnapshot{Symbol: symbol}, nil
}

func (m *mockExchange) Klines(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Kline, error) {
	m.Lock()
	defer m.Unlock()
	if m.klinesErr != nil {
		return nil, m.klinesErr
	}
	out := m.klines
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]models.Kline(nil), out...), nil
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	m.Lock()
	defer m.Unlock()
	m.orders = append(m.orders, req)
	if m.orderErr != nil && !req.ReduceOnly {
		return nil, m.orderErr
	}
	qty, _ := strconv.ParseFloat(req.Quantity, 64)
	p, ok := m.positions[req.Symbol]
	if !ok {
		p = &models.PositionSnapshot{Symbol: req.Symbol}
		m.positions[req.Symbol] = p
	}
	price := p.MarkPrice
	if len(m.klines) > 0 {
		price = m.klines[len(m.klines)-1].Open
	}
	if req.ReduceOnly {
		p.Amount = 0
		p.EntryPrice = 0
	} else {
		if req.Side == models.Sell {
			qty = -qty
		}
		p.Amount += qty
		p.EntryPrice = price
		p.MarkPrice = price
	}
	return &models.Order{
		Symbol:        req.Symbol,
		OrderID:       int64(len(m.orders)),
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Quantity:      req.Quantity,
		AvgPrice:      price,
		Status:        "FILLED",
		UpdateTime:    m.now,
	}, nil
}

func (m *mockExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	m.Lock()
	defer m.Unlock()
	if err := m.cancelErr[symbol]; err != nil {
		return err
	}
	m.cancelled = append(m.cancelled, symbol)
	return nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.Lock()
	defer m.Unlock()
	if m.leverageErr != nil {
		return m.leverageErr
	}
	m.leverage[symbol] = leverage
	return nil
}

func (m *mockExchange) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	m.Lock()
	defer m.Unlock()
	m.marginType[symbol] = marginType
	return nil
}

// mockRecorder collects everything a worker publishes.
type mockRecorder struct {
	sync.Mutex
	states []models.WorkerState
	opens  []models.TradeRecord
	closes []models.TradeClose
}

func (r *mockRecorder) UpdateWorker(state models.WorkerState) {
	r.Lock()
	defer r.Unlock()
	r.states = append(r.states, state)
}

func (r *mockRecorder) RecordOpen(trade models.TradeRecord) {
	r.Lock()
	defer r.Unlock()
	r.opens = append(r.opens, trade)
}

func (r *mockRecorder) RecordClose(c models.TradeClose) {
	r.Lock()
	defer r.Unlock()
	r.closes = append(r.closes, c)
}

func (r *mockRecorder) last() models.WorkerState {
	r.Lock()
	defer r.Unlock()
	return r.states[len(r.states)-1]
}

func (r *mockRecorder) phases() []models.WorkerPhase {
	r.Lock()
	defer r.Unlock()
	var out []models.WorkerPhase
	for _, s := range r.states {
		out = append(out, s.Phase)
	}
	return out
}

// sleepCall 记录一次 sleep 调用以及当时已提交的订单数
type sleepCall struct {
	d      time.Duration
	orders int
}

// recordingSleeper advances the mock clock instead of sleeping and cancels
// the worker after maxCalls sleeps.
type recordingSleeper struct {
	sync.Mutex
	ex       *mockExchange
	calls    []sleepCall
	maxCalls int
	cancel   context.CancelFunc
	onSleep  func(call int)
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.Lock()
	s.calls = append(s.calls, sleepCall{d: d, orders: len(s.ex.placed())})
	n := len(s.calls)
	hook := s.onSleep
	s.Unlock()

	if hook != nil {
		hook(n)
	}
	if n >= s.maxCalls {
		s.cancel()
		return ctx.Err()
	}
	s.ex.advance(d)
	return nil
}

func (s *recordingSleeper) recorded() []sleepCall {
	s.Lock()
	defer s.Unlock()
	return append([]sleepCall(nil), s.calls...)
}
