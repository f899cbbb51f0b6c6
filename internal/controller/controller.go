package controller

import (
	"binance-candle-bot-go/internal/config"
	"binance-candle-bot-go/internal/exchange"
	"binance-candle-bot-go/internal/metrics"
	"binance-candle-bot-go/internal/models"
	"binance-candle-bot-go/internal/persistence"
	"binance-candle-bot-go/internal/trader"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
	ErrStillStopping  = errors.New("workers of the previous run have not exited yet")
	ErrBotNotFound    = errors.New("bot not found")
)

// ExchangeProvider 按账户名返回交易所客户端
type ExchangeProvider interface {
	ForAccount(name string) (exchange.Exchange, error)
}

// StateRecorder receives worker snapshots and trade records and serves the
// last known snapshot of each worker.
type StateRecorder interface {
	trader.Recorder
	Snapshot(botID int64) []models.WorkerState
	Forget(botID int64)
}

// EventPublisher 状态事件的广播端，不能阻塞
type EventPublisher interface {
	Publish(event models.StatusEvent)
}

// Options Controller 的依赖
type Options struct {
	Repo      persistence.BotRepository
	Exchanges ExchangeProvider
	Recorder  StateRecorder
	Events    EventPublisher
	Worker    models.WorkerConfig
	Logger    *zap.Logger
	// Sleep 替换 worker 的等待函数，测试使用
	Sleep trader.SleepFunc
}

// Controller 是机器人的控制面：start/stop/push/resume/status 以及一键撤单/平仓。
// 所有命令都可以并发调用。
type Controller struct {
	baseCtx   context.Context
	reg       *registry
	repo      persistence.BotRepository
	exchanges ExchangeProvider
	recorder  StateRecorder
	events    EventPublisher
	worker    models.WorkerConfig
	sleep     trader.SleepFunc
	logger    *zap.Logger
}

// New 创建 Controller。ctx 是所有 worker 的父 context。
func New(ctx context.Context, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		baseCtx:   ctx,
		reg:       newRegistry(),
		repo:      opts.Repo,
		exchanges: opts.Exchanges,
		recorder:  opts.Recorder,
		events:    opts.Events,
		worker:    opts.Worker,
		sleep:     opts.Sleep,
		logger:    logger.Named("controller"),
	}
}

func (c *Controller) loadBot(id int64) (*models.BotRecord, error) {
	record, err := c.repo.GetBot(id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("读取机器人 %d 失败: %w", id, err)
	}
	return record, nil
}

// Start spawns one worker per configured symbol. It fails with
// ErrAlreadyRunning when the bot is registered and with ErrStillStopping
// while workers of a previous run are still shutting down.
func (c *Controller) Start(id int64) error {
	record, err := c.loadBot(id)
	if err != nil {
		return err
	}
	bot := record.Config
	config.NormalizeBot(&bot)
	if err := config.ValidateBot(&bot); err != nil {
		return fmt.Errorf("机器人 %d 配置无效: %w", id, err)
	}
	ex, err := c.exchanges.ForAccount(bot.Account)
	if err != nil {
		return fmt.Errorf("机器人 %d 无法连接交易所账户 %s: %w", id, bot.Account, err)
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	entry := &botEntry{
		bot:       bot,
		cancel:    cancel,
		workers:   make(map[string]*workerHandle, len(bot.Symbols)),
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
	for _, symbol := range bot.Symbols {
		entry.workers[symbol] = newWorkerHandle(symbol)
	}
	if err := c.reg.insert(id, entry); err != nil {
		cancel()
		return err
	}
	defer close(entry.ready)
	c.recorder.Forget(id)

	logger := c.logger.With(zap.Int64("bot_id", id), zap.String("bot", bot.Name))
	for _, symbol := range bot.Symbols {
		w := trader.NewSymbolWorker(trader.WorkerConfig{
			Bot:         bot,
			Symbol:      symbol,
			Exchange:    ex,
			Paused:      func() bool { return c.reg.paused(id) },
			Recorder:    c.recorder,
			Logger:      c.logger.Named("worker"),
			RetryDelay:  c.worker.RetryDelay(),
			SettleDelay: c.worker.SettleDelay(),
			Sleep:       c.sleep,
		})
		go c.runWorker(ctx, id, entry.workers[symbol], w, logger)
	}

	if err := c.repo.SetStatus(id, models.StatusRunning); err != nil {
		logger.Error("持久化运行状态失败", zap.Error(err))
	}
	metrics.SetWorkersRunning(id, len(bot.Symbols))
	metrics.SetPaused(id, false)
	c.publish(id, models.EventRunning, false)
	logger.Info("机器人已启动",
		zap.Strings("symbols", bot.Symbols),
		zap.String("timeframe", string(bot.Timeframe)),
		zap.String("trade_mode", string(bot.TradeMode)))
	return nil
}

func (c *Controller) runWorker(ctx context.Context, id int64, h *workerHandle, w *trader.SymbolWorker, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("worker panic: %v", r)
			logger.Error("worker panic", zap.String("symbol", h.symbol), zap.Any("panic", r))
		}
		close(h.done)
		metrics.SetWorkersRunning(id, c.reg.alive(id))
	}()
	h.err = w.Run(ctx)
	if h.err != nil {
		logger.Error("worker 异常退出", zap.String("symbol", h.symbol), zap.Error(h.err))
	}
}

// Stop cancels every worker of the bot and waits for them up to the stop
// timeout. Workers still blocked in an exchange call after the timeout are
// abandoned: they keep the bot from being started again until they exit.
func (c *Controller) Stop(id int64) error {
	entry, ok := c.reg.remove(id)
	if !ok {
		return ErrNotRunning
	}
	entry.cancel()
	// 与并发的 Start 对齐，stopped 一定写在 running 之后
	<-entry.ready

	logger := c.logger.With(zap.Int64("bot_id", id), zap.String("bot", entry.bot.Name))
	deadline := time.NewTimer(c.worker.StopTimeout())
	defer deadline.Stop()

	var abandoned []string
	timedOut := false
	for _, symbol := range entry.symbols() {
		h := entry.workers[symbol]
		if !timedOut {
			select {
			case <-h.done:
				continue
			case <-deadline.C:
				// 超时是所有 worker 共享的，之后只检查不再等待
				timedOut = true
			}
		}
		if !h.exited() {
			abandoned = append(abandoned, symbol)
		}
	}
	if c.reg.prune(id) > 0 {
		logger.Warn("部分 worker 未在超时内退出，已放弃等待",
			zap.Strings("symbols", abandoned),
			zap.Duration("timeout", c.worker.StopTimeout()))
	}

	if err := c.repo.SetStatus(id, models.StatusStopped); err != nil {
		logger.Error("持久化停止状态失败", zap.Error(err))
	}
	metrics.SetWorkersRunning(id, 0)
	metrics.SetPaused(id, false)
	c.publish(id, models.EventStopped, false)
	logger.Info("机器人已停止", zap.Duration("uptime", time.Since(entry.startedAt)))
	return nil
}

// Push withholds new entries from the next cycle on. Closing continues.
func (c *Controller) Push(id int64) error {
	if err := c.reg.setPaused(id, true); err != nil {
		return err
	}
	metrics.SetPaused(id, true)
	c.publish(id, models.EventPaused, true)
	c.logger.Info("机器人已暂停开新仓", zap.Int64("bot_id", id))
	return nil
}

// Resume 清除 push 标志
func (c *Controller) Resume(id int64) error {
	if err := c.reg.setPaused(id, false); err != nil {
		return err
	}
	metrics.SetPaused(id, false)
	c.publish(id, models.EventResumed, false)
	c.logger.Info("机器人已恢复开新仓", zap.Int64("bot_id", id))
	return nil
}

// Status 返回持久化状态、运行状态、push 标志和每个交易对 worker 的最新快照
func (c *Controller) Status(id int64) (*models.BotStatusView, error) {
	bot, running, paused, symbols := c.reg.view(id)
	view := &models.BotStatusView{ID: id, Running: running, Paused: paused, Symbols: symbols}

	record, err := c.repo.GetBot(id)
	switch {
	case err == nil:
		view.DBStatus = record.Status
		if !running {
			bot = record.Config
			config.NormalizeBot(&bot)
			view.Symbols = bot.Symbols
		}
	case errors.Is(err, persistence.ErrNotFound):
		if !running {
			return nil, fmt.Errorf("%w: %d", ErrBotNotFound, id)
		}
	default:
		return nil, fmt.Errorf("读取机器人 %d 失败: %w", id, err)
	}
	view.Name = bot.Name
	view.Workers = c.recorder.Snapshot(id)
	return view, nil
}

// botForManualAction 运行中的机器人用运行时的配置，否则用持久化的配置
func (c *Controller) botForManualAction(id int64) (models.BotConfig, exchange.Exchange, error) {
	bot, running, _, _ := c.reg.view(id)
	if !running {
		record, err := c.loadBot(id)
		if err != nil {
			return models.BotConfig{}, nil, err
		}
		bot = record.Config
		config.NormalizeBot(&bot)
	}
	ex, err := c.exchanges.ForAccount(bot.Account)
	if err != nil {
		return models.BotConfig{}, nil, fmt.Errorf("机器人 %d 无法连接交易所账户 %s: %w", id, bot.Account, err)
	}
	return bot, ex, nil
}

// ClosePositions cancels open orders and market-closes every configured
// symbol, with or without a running worker. Per-symbol failures are reported
// in the result.
func (c *Controller) ClosePositions(ctx context.Context, id int64) (trader.FlattenResult, error) {
	bot, ex, err := c.botForManualAction(id)
	if err != nil {
		return trader.FlattenResult{}, err
	}
	closer := trader.NewPositionCloser(ex, bot, c.recorder, 0, nil, c.logger.With(zap.Int64("bot_id", id)))
	res := closer.Flatten(ctx, bot.Symbols)
	c.logger.Info("一键平仓完成",
		zap.Int64("bot_id", id),
		zap.Strings("closed", res.Closed),
		zap.Any("errors", res.Errors))
	return res, nil
}

// CancelOrders 撤销机器人所有交易对的挂单
func (c *Controller) CancelOrders(ctx context.Context, id int64) (trader.FlattenResult, error) {
	bot, ex, err := c.botForManualAction(id)
	if err != nil {
		return trader.FlattenResult{}, err
	}
	closer := trader.NewPositionCloser(ex, bot, c.recorder, 0, nil, c.logger.With(zap.Int64("bot_id", id)))
	res := closer.CancelOrders(ctx, bot.Symbols)
	c.logger.Info("一键撤单完成",
		zap.Int64("bot_id", id),
		zap.Strings("cancelled", res.Cancelled),
		zap.Any("errors", res.Errors))
	return res, nil
}

// ReconcileStatuses resets bots persisted as running that have no workers,
// e.g. after a crash.
func (c *Controller) ReconcileStatuses() error {
	records, err := c.repo.ListBots()
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.Status != models.StatusRunning {
			continue
		}
		if _, running, _, _ := c.reg.view(record.Config.ID); running {
			continue
		}
		if err := c.repo.SetStatus(record.Config.ID, models.StatusStopped); err != nil {
			return err
		}
		c.logger.Warn("重置残留的运行状态", zap.Int64("bot_id", record.Config.ID))
	}
	return nil
}

// StartAutostart 启动所有 autostart 的机器人，返回成功启动的数量
func (c *Controller) StartAutostart() (int, error) {
	records, err := c.repo.ListBots()
	if err != nil {
		return 0, err
	}
	started := 0
	for _, record := range records {
		if !record.Config.Autostart {
			continue
		}
		if err := c.Start(record.Config.ID); err != nil {
			c.logger.Error("自动启动失败", zap.Int64("bot_id", record.Config.ID), zap.Error(err))
			continue
		}
		started++
	}
	return started, nil
}

// Running 返回正在运行的机器人 id
func (c *Controller) Running() []int64 {
	return c.reg.running()
}

// PushAll pauses every running bot.
func (c *Controller) PushAll() {
	for _, id := range c.reg.running() {
		if err := c.Push(id); err != nil {
			c.logger.Warn("暂停失败", zap.Int64("bot_id", id), zap.Error(err))
		}
	}
}

// ResumeAll resumes every running bot.
func (c *Controller) ResumeAll() {
	for _, id := range c.reg.running() {
		if err := c.Resume(id); err != nil {
			c.logger.Warn("恢复失败", zap.Int64("bot_id", id), zap.Error(err))
		}
	}
}

// Shutdown 并发停止所有运行中的机器人
func (c *Controller) Shutdown() {
	var wg sync.WaitGroup
	for _, id := range c.reg.running() {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := c.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
				c.logger.Error("停止机器人失败", zap.Int64("bot_id", id), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}

func (c *Controller) publish(id int64, state string, paused bool) {
	if c.events == nil {
		return
	}
	c.events.Publish(models.StatusEvent{BotID: id, State: state, Paused: paused, At: time.Now()})
}
