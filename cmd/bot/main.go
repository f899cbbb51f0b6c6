package main

import (
	"binance-candle-bot-go/internal/config"
	"binance-candle-bot-go/internal/controller"
	"binance-candle-bot-go/internal/downloader"
	"binance-candle-bot-go/internal/exchange"
	"binance-candle-bot-go/internal/logger"
	"binance-candle-bot-go/internal/models"
	"binance-candle-bot-go/internal/notify"
	"binance-candle-bot-go/internal/persistence"
	"binance-candle-bot-go/internal/reporter"
	"binance-candle-bot-go/internal/server"
	"binance-candle-bot-go/internal/statemanager"
	"binance-candle-bot-go/internal/storage"
	"binance-candle-bot-go/internal/trader"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-1m-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return models.NormalizeSymbol(strings.Split(name, "-")[0])
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, backtest, download or report")
	dataPath := flag.String("data", "", "path to historical kline CSV for backtesting")
	symbol := flag.String("symbol", "", "symbol to download/backtest (e.g., BTCUSDT)")
	timeframe := flag.String("timeframe", "", "candle timeframe for download/backtest (defaults to the bot's)")
	startDate := flag.String("start", "", "start date for download/backtest (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for download/backtest (YYYY-MM-DD)")
	botID := flag.Int64("bot", 0, "bot id: parameters for backtest, filter for report")
	precision := flag.Int("precision", 3, "quantity precision used by the backtest exchange")
	runBots := flag.String("run", "", "comma separated bot ids to start in live mode, in addition to autostart bots")
	flag.Parse()

	// 先用默认配置初始化日志，加载配置文件时就能记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		ids, err := parseIDs(*runBots)
		if err != nil {
			logger.S().Fatal(err)
		}
		runLiveMode(cfg, ids)
	case "backtest":
		bot, err := backtestBot(cfg, *botID, *symbol, *timeframe, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		finalDataPath, err := handleBacktestData(bot.Symbols[0], bot.Timeframe, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		if err := runBacktestMode(cfg, bot, finalDataPath, *precision); err != nil {
			logger.S().Fatal(err)
		}
	case "download":
		tf := models.Timeframe(*timeframe)
		if tf == "" {
			tf = models.Timeframe1m
		}
		if *symbol == "" || *startDate == "" || *endDate == "" {
			logger.S().Fatal("download 模式需要 --symbol, --start 和 --end 参数")
		}
		path, err := download(models.NormalizeSymbol(*symbol), tf, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		logger.S().Infof("K线数据已保存到 %s", path)
	case "report":
		if err := runReportMode(cfg, *botID); err != nil {
			logger.S().Fatal(err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live', 'backtest', 'download' 或 'report'。", *mode)
	}
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("无效的机器人 id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// runLiveMode 装配所有组件，启动机器人并处理信号直到退出
func runLiveMode(cfg *models.Config, startIDs []int64) {
	logger.S().Info("--- 启动实时交易模式 ---")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开机器人数据库失败: %v", err)
	}
	defer repo.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0755); err != nil {
		logger.S().Fatalf("创建交易记录目录失败: %v", err)
	}
	journal, err := storage.NewTradeJournal(cfg.JournalPath)
	if err != nil {
		logger.S().Fatalf("打开交易记录失败: %v", err)
	}
	defer journal.Close()

	state := statemanager.NewStateManager(journal, logger.Named("state"))
	state.Start()
	defer state.Stop()

	events := notify.NewBroadcaster(logger.Named("notify"))
	defer events.Close()
	startTelegram(ctx, cfg.Telegram, events)

	ctrl := controller.New(ctx, controller.Options{
		Repo:      repo,
		Exchanges: exchange.NewProvider(cfg, logger.Named("exchange")),
		Recorder:  state,
		Events:    events,
		Worker:    cfg.Worker,
		Logger:    logger.L(),
	})

	if err := syncBots(repo, cfg.Bots); err != nil {
		logger.S().Fatalf("同步机器人配置失败: %v", err)
	}
	if err := ctrl.ReconcileStatuses(); err != nil {
		logger.S().Fatalf("重置机器人状态失败: %v", err)
	}
	started, err := ctrl.StartAutostart()
	if err != nil {
		logger.S().Fatalf("自动启动失败: %v", err)
	}
	for _, id := range startIDs {
		if err := ctrl.Start(id); err != nil {
			logger.S().Errorf("启动机器人 %d 失败: %v", id, err)
			continue
		}
		started++
	}
	logger.S().Infof("已启动 %d 个机器人", started)

	if cfg.Server.Addr != "" {
		router := server.NewRouter(ctrl, notify.NewHub(events, logger.Named("ws")))
		server.New(cfg.Server.Addr, router, logger.Named("server")).Start(ctx)
	}

	// SIGUSR1 暂停所有机器人开新仓，SIGUSR2 恢复，SIGINT/SIGTERM 退出
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	for sig := range sigs {
		switch sig {
		case syscall.SIGUSR1:
			logger.S().Info("收到 SIGUSR1，暂停所有机器人开新仓")
			ctrl.PushAll()
			continue
		case syscall.SIGUSR2:
			logger.S().Info("收到 SIGUSR2，恢复所有机器人开新仓")
			ctrl.ResumeAll()
			continue
		}
		logger.S().Infof("收到 %s，正在停止所有机器人...", sig)
		break
	}
	signal.Stop(sigs)

	ctrl.Shutdown()
	logger.S().Info("所有机器人已停止。")
}

// syncBots 把配置文件中的机器人写入数据库，保留已有的状态字段
func syncBots(repo persistence.BotRepository, bots []models.BotConfig) error {
	for _, bot := range bots {
		record := &models.BotRecord{Config: bot}
		existing, err := repo.GetBot(bot.ID)
		switch {
		case err == nil:
			record.Status = existing.Status
		case !errors.Is(err, persistence.ErrNotFound):
			return err
		}
		if err := repo.SaveBot(record); err != nil {
			return err
		}
	}
	return nil
}

func startTelegram(ctx context.Context, cfg models.TelegramConfig, events *notify.Broadcaster) {
	if cfg.TokenEnv == "" {
		return
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		logger.S().Warnf("环境变量 %s 为空，不启用 Telegram 通知", cfg.TokenEnv)
		return
	}
	tg, err := notify.NewTelegram(token, cfg.ChatID, logger.Named("telegram"))
	if err != nil {
		logger.S().Errorf("初始化 Telegram 失败: %v", err)
		return
	}
	go tg.Run(ctx, events.Subscribe(64))
}

// backtestBot 选出回测使用的机器人参数，交易对和周期可以被命令行覆盖
func backtestBot(cfg *models.Config, id int64, symbol, timeframe, dataPath string) (models.BotConfig, error) {
	if len(cfg.Bots) == 0 {
		return models.BotConfig{}, errors.New("配置文件中没有机器人，无法确定回测参数")
	}
	bot := cfg.Bots[0]
	if id != 0 {
		found := false
		for _, b := range cfg.Bots {
			if b.ID == id {
				bot, found = b, true
				break
			}
		}
		if !found {
			return models.BotConfig{}, fmt.Errorf("配置文件中没有 id 为 %d 的机器人", id)
		}
	}

	switch {
	case symbol != "":
		bot.Symbols = []string{models.NormalizeSymbol(symbol)}
	case dataPath != "":
		bot.Symbols = []string{extractSymbolFromPath(dataPath)}
	default:
		bot.Symbols = bot.Symbols[:1]
	}
	if timeframe != "" {
		bot.Timeframe = models.Timeframe(timeframe)
	}
	if err := config.ValidateBot(&bot); err != nil {
		return models.BotConfig{}, err
	}
	return bot, nil
}

// handleBacktestData 处理回测数据来源：给出日期范围时下载（已存在则复用），否则使用 --data。
func handleBacktestData(symbol string, tf models.Timeframe, startDate, endDate, dataPath string) (string, error) {
	if startDate != "" && endDate != "" {
		return download(symbol, tf, startDate, endDate, dataPath)
	}
	if dataPath == "" {
		return "", fmt.Errorf("回测模式需要通过 --data 或 --start/--end 参数指定数据源")
	}
	return dataPath, nil
}

func download(symbol string, tf models.Timeframe, startDate, endDate, filePath string) (string, error) {
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	if filePath == "" {
		filePath = fmt.Sprintf("data/%s-%s-%s-%s.csv", symbol, tf, startDate, endDate)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", fmt.Errorf("创建数据目录失败: %v", err)
	}

	d := downloader.NewKlineDownloader(logger.Named("downloader"))
	logger.S().Infof("开始下载 %s %s 从 %s 到 %s 的K线数据...", symbol, tf, startDate, endDate)
	if err := d.DownloadKlines(context.Background(), symbol, tf, filePath, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %v", err)
	}
	return filePath, nil
}

// journalRecorder 同步写入交易记录。回测的虚拟时钟没有真实等待，异步队列会被写满。
type journalRecorder struct {
	journal *storage.TradeJournal
}

func (r journalRecorder) UpdateWorker(models.WorkerState) {}

func (r journalRecorder) RecordOpen(trade models.TradeRecord) {
	if _, err := r.journal.RecordOpen(&trade); err != nil {
		logger.S().Errorf("保存开仓记录失败: %v", err)
	}
}

func (r journalRecorder) RecordClose(c models.TradeClose) {
	if err := r.journal.CloseOpenTrade(&c); err != nil {
		logger.S().Errorf("保存平仓记录失败: %v", err)
	}
}

// runBacktestMode 在模拟交易所上回放K线，驱动真实的 SymbolWorker
func runBacktestMode(cfg *models.Config, bot models.BotConfig, dataPath string, precision int) error {
	logger.S().Info("--- 启动回测模式 ---")
	klines, err := downloader.ReadCSV(dataPath)
	if err != nil {
		return fmt.Errorf("无法读取历史数据文件: %w", err)
	}
	if len(klines) < 2 {
		return errors.New("历史数据文件为空或只有一根K线")
	}
	symbol := bot.Symbols[0]

	sim, err := exchange.NewSimExchange(exchange.SimOptions{
		Timeframe:      bot.Timeframe,
		Precision:      precision,
		InitialBalance: cfg.InitialBalance,
		TakerFeeRate:   cfg.TakerFeeRate,
		SlippageRate:   cfg.SlippageRate,
	}, map[string][]models.Kline{symbol: klines})
	if err != nil {
		return err
	}

	journal, err := storage.NewTradeJournal(":memory:")
	if err != nil {
		return err
	}
	defer journal.Close()

	worker := trader.NewSymbolWorker(trader.WorkerConfig{
		Bot:         bot,
		Symbol:      symbol,
		Exchange:    sim,
		Recorder:    journalRecorder{journal: journal},
		Logger:      logger.Named("backtest").WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
		RetryDelay:  cfg.Worker.RetryDelay(),
		SettleDelay: cfg.Worker.SettleDelay(),
		Sleep:       sim.Sleep,
	})

	logger.S().Infof("开始回测 %s %s，共 %d 根K线...", symbol, bot.Timeframe, len(klines))
	if err := worker.Run(context.Background()); err != nil && !errors.Is(err, exchange.ErrReplayExhausted) {
		return fmt.Errorf("回测中止: %w", err)
	}
	logger.S().Info("回测结束。")

	trades, err := journal.ListTrades(0)
	if err != nil {
		return err
	}
	reporter.GenerateReport(os.Stdout, reporter.BacktestResult{
		DataPath:       dataPath,
		Symbol:         symbol,
		Timeframe:      bot.Timeframe,
		StartTime:      time.UnixMilli(klines[0].OpenTime),
		EndTime:        time.UnixMilli(klines[len(klines)-1].OpenTime),
		InitialBalance: sim.InitialBalance,
		FinalEquity:    sim.Equity(),
		TotalFees:      sim.TotalFees,
		Fills:          len(sim.Fills()),
	}, trades)
	return nil
}

// runReportMode 输出交易记录汇总，botID 为 0 时汇总所有机器人
func runReportMode(cfg *models.Config, botID int64) error {
	journal, err := storage.NewTradeJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	trades, err := journal.ListTrades(botID)
	if err != nil {
		return err
	}
	title := "全部机器人"
	if botID != 0 {
		title = fmt.Sprintf("机器人 #%d", botID)
	}
	reporter.WriteTrades(os.Stdout, trades)
	reporter.WriteSummary(os.Stdout, title, reporter.Summarize(trades))
	return nil
}
