package trader

import (
	"binance-candle-bot-go/internal/exchange"
	"binance-candle-bot-go/internal/metrics"
	"binance-candle-bot-go/internal/models"
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Recorder receives worker snapshots and trade records. Implementations
// must not block.
type Recorder interface {
	CloseRecorder
	UpdateWorker(state models.WorkerState)
	RecordOpen(trade models.TradeRecord)
}

type nopRecorder struct{}

func (nopRecorder) UpdateWorker(models.WorkerState) {}
func (nopRecorder) RecordOpen(models.TradeRecord)   {}
func (nopRecorder) RecordClose(models.TradeClose)   {}

// WorkerConfig 构建一个 SymbolWorker 所需的依赖
type WorkerConfig struct {
	Bot         models.BotConfig
	Symbol      string
	Exchange    exchange.Exchange
	Paused      func() bool // 每个周期开始时读取一次
	Recorder    Recorder
	Logger      *zap.Logger
	RetryDelay  time.Duration
	SettleDelay time.Duration
	Sleep       SleepFunc
}

// SymbolWorker 在每根K线开盘时平掉旧仓位、评估刚收盘的K线并按条件开新仓。
// 一个 (bot, symbol) 对应一个 worker，状态只由 worker 自己修改。
type SymbolWorker struct {
	cfg    WorkerConfig
	closer *PositionCloser
	logger *zap.Logger
	state  models.WorkerState

	lastBoundary int64
}

// NewSymbolWorker fills defaults for the optional collaborators.
func NewSymbolWorker(cfg WorkerConfig) *SymbolWorker {
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Paused == nil {
		cfg.Paused = func() bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.Int64("bot_id", cfg.Bot.ID), zap.String("symbol", cfg.Symbol))
	return &SymbolWorker{
		cfg:    cfg,
		closer: NewPositionCloser(cfg.Exchange, cfg.Bot, cfg.Recorder, cfg.SettleDelay, cfg.Sleep, logger),
		logger: logger,
		state: models.WorkerState{
			BotID:  cfg.Bot.ID,
			Symbol: cfg.Symbol,
		},
		lastBoundary: -1,
	}
}

// Run blocks until ctx is cancelled. It returns a *StepError when startup
// fails, the sleep error when the clock cannot advance (replay exhausted),
// and nil on cancellation. Cycle failures never escape: they move the
// worker into backoff.
func (w *SymbolWorker) Run(ctx context.Context) error {
	defer w.setPhase(models.PhaseStopped)

	if err := w.start(ctx); err != nil {
		w.state.LastError = err.Error()
		w.logger.Error("worker 启动失败", zap.Error(err))
		return err
	}

	for {
		var stepErr *StepError
		err := w.waitForCandle(ctx)
		if err == nil {
			err = w.runCycle(ctx)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			w.logger.Info("worker 已停止")
			return nil
		}
		if !errors.As(err, &stepErr) || errors.Is(err, exchange.ErrReplayExhausted) {
			return err
		}
		if err := w.backoff(ctx, stepErr); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker 已停止")
				return nil
			}
			return err
		}
	}
}

func (w *SymbolWorker) start(ctx context.Context) error {
	w.setPhase(models.PhaseStarting)
	bot := w.cfg.Bot

	if err := w.cfg.Exchange.SetLeverage(ctx, w.cfg.Symbol, bot.Leverage); err != nil {
		return &StepError{Step: StepSetLeverage, Symbol: w.cfg.Symbol, Err: err}
	}
	if bot.MarginType != "" {
		if err := w.cfg.Exchange.SetMarginType(ctx, w.cfg.Symbol, bot.MarginType); err != nil {
			return &StepError{Step: StepSetMarginType, Symbol: w.cfg.Symbol, Err: err}
		}
	}
	precision, err := w.cfg.Exchange.QuantityPrecision(ctx, w.cfg.Symbol)
	if err != nil {
		return &StepError{Step: StepFetchPrecision, Symbol: w.cfg.Symbol, Err: err}
	}
	// 精度在整个运行期间固定，不会中途重新获取
	w.state.Precision = precision

	w.logger.Info("worker 已启动",
		zap.Int("leverage", bot.Leverage),
		zap.Int("precision", precision),
		zap.String("timeframe", string(bot.Timeframe)),
		zap.String("trade_mode", string(bot.TradeMode)))
	return nil
}

// waitForCandle 使用交易所服务器时间对齐到下一根K线的开盘时间
func (w *SymbolWorker) waitForCandle(ctx context.Context) error {
	w.setPhase(models.PhaseWaitingForCandle)

	now, err := w.cfg.Exchange.ServerTime(ctx)
	if err != nil {
		return &StepError{Step: StepServerTime, Symbol: w.cfg.Symbol, Err: err}
	}
	tf := w.cfg.Bot.Timeframe.Seconds()
	wait := WaitDuration(now, tf)
	if now+wait == w.lastBoundary {
		// 本周期在同一毫秒内完成，不重复处理同一根K线
		wait += tf * 1000
	}
	w.lastBoundary = now + wait

	w.logger.Debug("等待下一根K线", zap.Duration("wait", time.Duration(wait)*time.Millisecond))
	return w.cfg.Sleep(ctx, time.Duration(wait)*time.Millisecond)
}

func (w *SymbolWorker) runCycle(ctx context.Context) error {
	bot := w.cfg.Bot
	symbol := w.cfg.Symbol
	cycleAt := time.UnixMilli(w.lastBoundary)
	w.state.LastCycleAt = cycleAt

	// push 标志只在周期开始时读取一次，本周期内的变化要到下一根K线才生效
	paused := w.cfg.Paused()

	w.setPhase(models.PhaseClosingPrevious)
	if _, err := w.closer.CloseIfOpen(ctx, symbol); err != nil {
		return &StepError{Step: StepClosePrevious, Symbol: symbol, Err: err}
	}

	w.setPhase(models.PhaseEvaluating)
	klines, err := w.cfg.Exchange.Klines(ctx, symbol, bot.Timeframe, 2)
	if err != nil {
		return &StepError{Step: StepFetchKlines, Symbol: symbol, Err: err}
	}
	if len(klines) < 2 {
		w.logger.Info("历史K线不足，等待下一个周期", zap.Int("klines", len(klines)))
		w.finishCycle("skipped")
		return nil
	}
	// 倒数第二根是刚收盘的K线，最后一根仍在形成中
	candle := klines[len(klines)-2]
	side, ok := Evaluate(bot.TradeMode, candle.Open, candle.Close)
	if !ok {
		w.logger.Info("没有满足开仓条件", zap.Float64("open", candle.Open), zap.Float64("close", candle.Close))
		w.finishCycle("skipped")
		return nil
	}

	w.setPhase(models.PhaseGating)
	if !MayOpen(bot, w.state, paused) {
		w.logger.Info("不开新仓",
			zap.Bool("push", paused),
			zap.Int("entries_opened", w.state.EntriesOpened),
			zap.Int("max_trades_limit", bot.MaxTradesLimit))
		w.finishCycle("skipped")
		return nil
	}

	w.setPhase(models.PhasePlacingOrder)
	qty, ok := Size(bot.MarginUSD, bot.Leverage, candle.Close, w.state.Precision)
	if !ok {
		w.logger.Warn("计算出的下单数量为零，跳过", zap.Float64("price", candle.Close))
		w.finishCycle("skipped")
		return nil
	}

	clientID := exchange.NewClientOrderID(bot.ID, "open")
	order, err := w.cfg.Exchange.PlaceMarketOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		ClientOrderID: clientID,
	})
	metrics.RecordOrder(symbol, string(side), "entry", err)
	if err != nil {
		// 下单失败不重试，避免重复成交
		return &StepError{Step: StepPlaceOrder, Symbol: symbol, Err: err}
	}
	w.state.EntriesOpened++

	w.cfg.Recorder.RecordOpen(w.openRecord(order, side, qty, candle.Close, cycleAt, clientID))
	w.logger.Info("已开新仓",
		zap.String("side", string(side)),
		zap.String("quantity", qty),
		zap.Int("entries_opened", w.state.EntriesOpened))
	w.finishCycle("opened")
	return nil
}

func (w *SymbolWorker) openRecord(order *models.Order, side models.Side, qty string, refPrice float64, at time.Time, clientID string) models.TradeRecord {
	quantity, _ := strconv.ParseFloat(qty, 64)
	price := refPrice
	if order != nil {
		if order.ExecutedQty > 0 {
			quantity = order.ExecutedQty
		}
		if order.AvgPrice > 0 {
			price = order.AvgPrice
		}
	}
	return models.TradeRecord{
		BotID:         w.cfg.Bot.ID,
		Symbol:        w.cfg.Symbol,
		Side:          side,
		Quantity:      quantity,
		EntryPrice:    price,
		EntryTime:     at,
		MarginUsed:    w.cfg.Bot.MarginUSD,
		ClientOrderID: clientID,
	}
}

func (w *SymbolWorker) finishCycle(outcome string) {
	w.state.LastError = ""
	metrics.RecordCycle(w.cfg.Bot.ID, w.cfg.Symbol, outcome)
}

// backoff 记录失败并等待 RetryDelay。失败的周期被放弃，不会中途重试。
func (w *SymbolWorker) backoff(ctx context.Context, stepErr *StepError) error {
	w.state.LastError = stepErr.Error()
	w.setPhase(models.PhaseRetryBackoff)
	metrics.RecordStepError(w.cfg.Bot.ID, w.cfg.Symbol, string(stepErr.Step))
	metrics.RecordCycle(w.cfg.Bot.ID, w.cfg.Symbol, "failed")

	w.logger.Error("交易周期失败，进入退避",
		zap.String("step", string(stepErr.Step)),
		zap.Int("code", stepErr.Code()),
		zap.Duration("retry_in", w.cfg.RetryDelay),
		zap.Error(stepErr.Err))
	return w.cfg.Sleep(ctx, w.cfg.RetryDelay)
}

func (w *SymbolWorker) setPhase(phase models.WorkerPhase) {
	w.state.Phase = phase
	w.cfg.Recorder.UpdateWorker(w.state)
}
