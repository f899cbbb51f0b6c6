package controller

import (
	"binance-candle-bot-go/internal/exchange"
	"binance-candle-bot-go/internal/models"
	"binance-candle-bot-go/internal/persistence"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockExchange 最小的交易所实现：服务器时间可以被阻塞，用来模拟卡住的网络调用
type mockExchange struct {
	sync.Mutex
	positions map[string]float64
	orders    []models.OrderRequest
	cancelled []string
	block     chan struct{} // 非空时 ServerTime 在它关闭前一直阻塞，忽略 ctx
	leverage  map[string]error
}

func newMockExchange() *mockExchange {
	return &mockExchange{positions: make(map[string]float64), leverage: make(map[string]error)}
}

func (m *mockExchange) ServerTime(ctx context.Context) (int64, error) {
	m.Lock()
	block := m.block
	m.Unlock()
	if block != nil {
		<-block
	}
	return time.Now().UnixMilli(), nil
}

func (m *mockExchange) QuantityPrecision(ctx context.Context, symbol string) (int, error) {
	return 3, nil
}

func (m *mockExchange) Position(ctx context.Context, symbol string) (*models.PositionSnapshot, error) {
	m.Lock()
	defer m.Unlock()
	return &models.PositionSnapshot{Symbol: symbol, Amount: m.positions[symbol], EntryPrice: 100, MarkPrice: 110}, nil
}

func (m *mockExchange) Klines(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Kline, error) {
	return nil, nil
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	m.Lock()
	defer m.Unlock()
	m.orders = append(m.orders, req)
	qty, _ := strconv.ParseFloat(req.Quantity, 64)
	if req.ReduceOnly {
		m.positions[req.Symbol] = 0
	}
	return &models.Order{Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, ExecutedQty: qty, AvgPrice: 110, Status: "FILLED"}, nil
}

func (m *mockExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	m.Lock()
	defer m.Unlock()
	m.cancelled = append(m.cancelled, symbol)
	if symbol == "XRPUSDT" {
		return &models.Error{Code: -2011, Msg: "Unknown order sent."}
	}
	return nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.Lock()
	defer m.Unlock()
	return m.leverage[symbol]
}

func (m *mockExchange) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	return nil
}

type mockProvider struct {
	exchanges map[string]exchange.Exchange
}

func (p *mockProvider) ForAccount(name string) (exchange.Exchange, error) {
	if ex, ok := p.exchanges[name]; ok {
		return ex, nil
	}
	return nil, fmt.Errorf("unknown account %q", name)
}

// mockRecorder keeps the latest snapshot per worker synchronously.
type mockRecorder struct {
	sync.Mutex
	snapshots map[int64]map[string]models.WorkerState
	closes    []models.TradeClose
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{snapshots: make(map[int64]map[string]models.WorkerState)}
}

func (r *mockRecorder) UpdateWorker(state models.WorkerState) {
	r.Lock()
	defer r.Unlock()
	if r.snapshots[state.BotID] == nil {
		r.snapshots[state.BotID] = make(map[string]models.WorkerState)
	}
	r.snapshots[state.BotID][state.Symbol] = state
}

func (r *mockRecorder) RecordOpen(models.TradeRecord) {}

func (r *mockRecorder) RecordClose(c models.TradeClose) {
	r.Lock()
	defer r.Unlock()
	r.closes = append(r.closes, c)
}

func (r *mockRecorder) Snapshot(botID int64) []models.WorkerState {
	r.Lock()
	defer r.Unlock()
	var out []models.WorkerState
	for _, s := range r.snapshots[botID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *mockRecorder) Forget(botID int64) {
	r.Lock()
	defer r.Unlock()
	delete(r.snapshots, botID)
}

type mockPublisher struct {
	sync.Mutex
	events []models.StatusEvent
}

func (p *mockPublisher) Publish(e models.StatusEvent) {
	p.Lock()
	defer p.Unlock()
	p.events = append(p.events, e)
}

func (p *mockPublisher) states() []string {
	p.Lock()
	defer p.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.State)
	}
	return out
}

type fixture struct {
	ctrl     *Controller
	repo     persistence.BotRepository
	ex       *mockExchange
	recorder *mockRecorder
	events   *mockPublisher
}

func newFixture(t *testing.T, stopTimeoutSec int) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, stopTimeoutSec, nil)
}

// newFixtureWithRepo lets a test wrap the repository the controller sees.
func newFixtureWithRepo(t *testing.T, stopTimeoutSec int, wrap func(persistence.BotRepository) persistence.BotRepository) *fixture {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ctrlRepo := repo
	if wrap != nil {
		ctrlRepo = wrap(repo)
	}
	f := &fixture{
		repo:     repo,
		ex:       newMockExchange(),
		recorder: newMockRecorder(),
		events:   &mockPublisher{},
	}
	f.ctrl = New(context.Background(), Options{
		Repo:      ctrlRepo,
		Exchanges: &mockProvider{exchanges: map[string]exchange.Exchange{"main": f.ex}},
		Recorder:  f.recorder,
		Events:    f.events,
		Worker:    models.WorkerConfig{RetryDelaySec: 30, SettleDelaySec: 0, StopTimeoutSec: stopTimeoutSec},
		Logger:    zap.NewNop(),
	})
	t.Cleanup(f.ctrl.Shutdown)
	return f
}

func (f *fixture) saveBot(t *testing.T, id int64, symbols ...string) models.BotConfig {
	t.Helper()
	bot := models.BotConfig{
		ID:        id,
		Name:      fmt.Sprintf("bot-%d", id),
		Account:   "main",
		Symbols:   symbols,
		Timeframe: models.Timeframe1m,
		TradeMode: models.TradeModeFollow,
		Leverage:  5,
		MarginUSD: 50,
		RunMode:   models.RunModeOngoing,
	}
	require.NoError(t, f.repo.SaveBot(&models.BotRecord{Config: bot}))
	return bot
}

func TestStartTwiceIsRejected(t *testing.T) {
	f := newFixture(t, 5)
	f.saveBot(t, 1, "BTCUSDT", "ETHUSDT")

	require.NoError(t, f.ctrl.Start(1))
	assert.ErrorIs(t, f.ctrl.Start(1), ErrAlreadyRunning)

	record, err := f.repo.GetBot(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, record.Status)
	assert.Equal(t, []int64{1}, f.ctrl.Running())
	assert.Equal(t, []string{models.EventRunning}, f.events.states(), "rejected start emits nothing")
}

func TestStopJoinsWorkers(t *testing.T) {
	f := newFixture(t, 5)
	f.saveBot(t, 1, "BTCUSDT", "ETHUSDT")
	require.NoError(t, f.ctrl.Start(1))

	require.NoError(t, f.ctrl.Stop(1))

	for _, s := range f.recorder.Snapshot(1) {
		assert.Equal(t, models.PhaseStopped, s.Phase, s.Symbol)
	}
	assert.Len(t, f.recorder.Snapshot(1), 2)

	record, err := f.repo.GetBot(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, record.Status)
	assert.Empty(t, f.ctrl.Running())

	assert.ErrorIs(t, f.ctrl.Stop(1), ErrNotRunning, "stopping a stopped bot is rejected")
	assert.Equal(t, []string{models.EventRunning, models.EventStopped}, f.events.states())

	require.NoError(t, f.ctrl.Start(1), "bot can be started again after stop")
}

func TestPushAndResume(t *testing.T) {
	f := newFixture(t, 5)
	f.saveBot(t, 2, "BTCUSDT")

	assert.ErrorIs(t, f.ctrl.Push(2), ErrNotRunning)
	assert.ErrorIs(t, f.ctrl.Resume(2), ErrNotRunning)

	require.NoError(t, f.ctrl.Start(2))
	require.NoError(t, f.ctrl.Push(2))
	require.NoError(t, f.ctrl.Push(2))

	status, err := f.ctrl.Status(2)
	require.NoError(t, err)
	assert.True(t, status.Paused, "repeated push leaves the flag set")
	assert.True(t, f.ctrl.reg.paused(2))

	require.NoError(t, f.ctrl.Resume(2))
	status, err = f.ctrl.Status(2)
	require.NoError(t, err)
	assert.False(t, status.Paused)

	assert.Equal(t, []string{
		models.EventRunning, models.EventPaused, models.EventPaused, models.EventResumed,
	}, f.events.states())

	require.NoError(t, f.ctrl.Stop(2))
	assert.False(t, f.ctrl.reg.paused(2), "flag is dropped with the registry entry")
}

func TestStartRejectsInvalidBots(t *testing.T) {
	f := newFixture(t, 5)

	assert.ErrorIs(t, f.ctrl.Start(99), ErrBotNotFound)

	bot := f.saveBot(t, 3, "BTCUSDT")
	bot.Leverage = 0
	require.NoError(t, f.repo.SaveBot(&models.BotRecord{Config: bot}))
	err := f.ctrl.Start(3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leverage")

	bot.Leverage = 5
	bot.Account = "missing"
	require.NoError(t, f.repo.SaveBot(&models.BotRecord{Config: bot}))
	err = f.ctrl.Start(3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	assert.Empty(t, f.ctrl.Running())
	assert.Empty(t, f.events.states())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 5)
	f.saveBot(t, 4, "ethusdt", "BTCUSDT")

	status, err := f.ctrl.Status(4)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, models.StatusStopped, status.DBStatus)
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, status.Symbols, "configured set while stopped")

	require.NoError(t, f.ctrl.Start(4))
	status, err = f.ctrl.Status(4)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, models.StatusRunning, status.DBStatus)
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, status.Symbols)
	assert.Equal(t, "bot-4", status.Name)

	require.Eventually(t, func() bool {
		s, _ := f.ctrl.Status(4)
		return len(s.Workers) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.ctrl.Status(404)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestStartRejectedWhileWorkersLinger(t *testing.T) {
	f := newFixture(t, 0)
	f.saveBot(t, 5, "BTCUSDT")
	block := make(chan struct{})
	f.ex.Lock()
	f.ex.block = block
	f.ex.Unlock()

	require.NoError(t, f.ctrl.Start(5))
	require.Eventually(t, func() bool {
		for _, s := range f.recorder.Snapshot(5) {
			if s.Phase == models.PhaseWaitingForCandle {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ctrl.Stop(5), "stop returns after the timeout even if a worker is stuck")
	assert.ErrorIs(t, f.ctrl.Start(5), ErrStillStopping)

	f.ex.Lock()
	f.ex.block = nil
	f.ex.Unlock()
	close(block)

	require.Eventually(t, func() bool {
		return f.ctrl.Start(5) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClosePositionsWithoutWorker(t *testing.T) {
	f := newFixture(t, 5)
	f.saveBot(t, 6, "BTCUSDT", "XRPUSDT")
	f.ex.positions["BTCUSDT"] = -0.5

	res, err := f.ctrl.ClosePositions(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "XRPUSDT"}, res.Cancelled)
	assert.Equal(t, []string{"BTCUSDT"}, res.Closed)
	assert.Empty(t, res.Errors)

	require.Len(t, f.ex.orders, 1)
	assert.Equal(t, models.Buy, f.ex.orders[0].Side)
	assert.Equal(t, "0.5", f.ex.orders[0].Quantity)
	assert.True(t, f.ex.orders[0].ReduceOnly)

	require.Len(t, f.recorder.closes, 1)
	assert.Equal(t, models.CloseReasonManual, f.recorder.closes[0].Reason)

	res, err = f.ctrl.CancelOrders(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "XRPUSDT"}, res.Cancelled)

	_, err = f.ctrl.ClosePositions(context.Background(), 404)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestReconcileAndAutostart(t *testing.T) {
	f := newFixture(t, 5)
	f.saveBot(t, 7, "BTCUSDT")
	auto := f.saveBot(t, 8, "ETHUSDT")
	auto.Autostart = true
	require.NoError(t, f.repo.SaveBot(&models.BotRecord{Config: auto}))
	require.NoError(t, f.repo.SetStatus(7, models.StatusRunning))

	require.NoError(t, f.ctrl.ReconcileStatuses())
	record, err := f.repo.GetBot(7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, record.Status, "stale running status is reset")

	started, err := f.ctrl.StartAutostart()
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, []int64{8}, f.ctrl.Running())

	f.ctrl.PushAll()
	assert.True(t, f.ctrl.reg.paused(8))
	f.ctrl.ResumeAll()
	assert.False(t, f.ctrl.reg.paused(8))

	f.ctrl.Shutdown()
	assert.Empty(t, f.ctrl.Running())
}

// gatedRepo 在写入 running 状态时阻塞，直到 release 被关闭
type gatedRepo struct {
	persistence.BotRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRepo) SetStatus(id int64, status models.BotStatus) error {
	if status == models.StatusRunning {
		r.once.Do(func() { close(r.entered) })
		<-r.release
	}
	return r.BotRepository.SetStatus(id, status)
}

func TestStopDuringStartPersistsStopped(t *testing.T) {
	gate := &gatedRepo{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWithRepo(t, 5, func(repo persistence.BotRepository) persistence.BotRepository {
		gate.BotRepository = repo
		return gate
	})
	f.saveBot(t, 10, "BTCUSDT")

	startErr := make(chan error, 1)
	go func() { startErr <- f.ctrl.Start(10) }()
	<-gate.entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- f.ctrl.Stop(10) }()
	require.Eventually(t, func() bool { return len(f.ctrl.Running()) == 0 }, 2*time.Second, 5*time.Millisecond,
		"stop has taken the bot out of the registry")
	select {
	case err := <-stopErr:
		t.Fatalf("stop finished before start persisted its status: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-startErr)
	require.NoError(t, <-stopErr)

	record, err := f.repo.GetBot(10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, record.Status)
	assert.Equal(t, []string{models.EventRunning, models.EventStopped}, f.events.states())
}

func TestStatusDropsExitedWorkers(t *testing.T) {
	f := newFixture(t, 5)
	f.ex.leverage["ETHUSDT"] = &models.Error{Code: -4028, Msg: "Leverage 5 is not valid"}
	f.saveBot(t, 11, "BTCUSDT", "ETHUSDT")
	require.NoError(t, f.ctrl.Start(11))

	require.Eventually(t, func() bool {
		s, err := f.ctrl.Status(11)
		return err == nil && len(s.Symbols) == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, err := f.ctrl.Status(11)
	require.NoError(t, err)
	assert.True(t, status.Running, "the bot stays registered until stopped")
	assert.Equal(t, []string{"BTCUSDT"}, status.Symbols)

	var eth *models.WorkerState
	for i := range status.Workers {
		if status.Workers[i].Symbol == "ETHUSDT" {
			eth = &status.Workers[i]
		}
	}
	require.NotNil(t, eth)
	assert.Equal(t, models.PhaseStopped, eth.Phase)
	assert.Contains(t, eth.LastError, "-4028")
}
