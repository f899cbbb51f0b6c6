package config

import (
	"binance-candle-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	defaultLiveAPIURL     = "https://fapi.binance.com"
	defaultTestnetAPIURL  = "https://testnet.binancefuture.com"
	defaultRequestTimeout = 10
	defaultRequestsPerSec = 10
	defaultRetryDelaySec  = 30
	defaultSettleDelaySec = 2
	defaultStopTimeoutSec = 5
	maxLeverage           = 125
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults 为未填写的字段设置默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "data/bots"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "data/trades.db"
	}
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = defaultLiveAPIURL
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = defaultTestnetAPIURL
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = defaultRequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSec
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 1
	}
	if cfg.Worker.RetryDelaySec <= 0 {
		cfg.Worker.RetryDelaySec = defaultRetryDelaySec
	}
	if cfg.Worker.SettleDelaySec <= 0 {
		cfg.Worker.SettleDelaySec = defaultSettleDelaySec
	}
	if cfg.Worker.StopTimeoutSec <= 0 {
		cfg.Worker.StopTimeoutSec = defaultStopTimeoutSec
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 1000
	}
	for i := range cfg.Bots {
		NormalizeBot(&cfg.Bots[i])
	}
}

// Validate checks the process configuration and every bot defined in it.
func Validate(cfg *models.Config) error {
	accounts := make(map[string]bool, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		if acc.Name == "" {
			return fmt.Errorf("account name required")
		}
		if accounts[acc.Name] {
			return fmt.Errorf("duplicate account %q", acc.Name)
		}
		if acc.APIKeyEnv == "" || acc.SecretKeyEnv == "" {
			return fmt.Errorf("account %q: api_key_env and secret_key_env required", acc.Name)
		}
		accounts[acc.Name] = true
	}

	ids := make(map[int64]bool, len(cfg.Bots))
	names := make(map[string]bool, len(cfg.Bots))
	for i := range cfg.Bots {
		bot := &cfg.Bots[i]
		if err := ValidateBot(bot); err != nil {
			return err
		}
		if ids[bot.ID] {
			return fmt.Errorf("duplicate bot id %d", bot.ID)
		}
		if names[bot.Name] {
			return fmt.Errorf("bot with same name exists: %q", bot.Name)
		}
		if !accounts[bot.Account] {
			return fmt.Errorf("bot %q: unknown account %q", bot.Name, bot.Account)
		}
		ids[bot.ID] = true
		names[bot.Name] = true
	}
	return nil
}

// NormalizeBot trims names, upper-cases and de-duplicates symbols keeping
// their order, and fills the run mode default.
func NormalizeBot(bot *models.BotConfig) {
	bot.Name = strings.TrimSpace(bot.Name)
	seen := make(map[string]bool, len(bot.Symbols))
	symbols := make([]string, 0, len(bot.Symbols))
	for _, s := range bot.Symbols {
		s = models.NormalizeSymbol(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	bot.Symbols = symbols
	if bot.RunMode == "" {
		bot.RunMode = models.RunModeOngoing
	}
	bot.MarginType = strings.ToUpper(strings.TrimSpace(bot.MarginType))
}

// ValidateBot rejects missing or malformed bot fields with a descriptive message.
func ValidateBot(bot *models.BotConfig) error {
	if bot.ID <= 0 {
		return fmt.Errorf("bot %q: id must be positive", bot.Name)
	}
	if bot.Name == "" {
		return fmt.Errorf("bot %d: name required", bot.ID)
	}
	if len(bot.Symbols) == 0 {
		return fmt.Errorf("bot %q: at least one symbol required", bot.Name)
	}
	seen := make(map[string]bool, len(bot.Symbols))
	for _, s := range bot.Symbols {
		if s == "" || s != models.NormalizeSymbol(s) {
			return fmt.Errorf("bot %q: malformed symbol %q", bot.Name, s)
		}
		if seen[s] {
			return fmt.Errorf("bot %q: duplicate symbol %s", bot.Name, s)
		}
		seen[s] = true
	}
	if !bot.Timeframe.Valid() {
		return fmt.Errorf("bot %q: unsupported timeframe %q (1m, 5m, 15m, 30m, 1h, 4h)", bot.Name, bot.Timeframe)
	}
	switch bot.TradeMode {
	case models.TradeModeFollow, models.TradeModeOpposite:
	default:
		return fmt.Errorf("bot %q: trade_mode must be follow or opposite, got %q", bot.Name, bot.TradeMode)
	}
	if bot.Leverage <= 0 || bot.Leverage > maxLeverage {
		return fmt.Errorf("bot %q: leverage must be between 1 and %d, got %d", bot.Name, maxLeverage, bot.Leverage)
	}
	if bot.MarginUSD <= 0 {
		return fmt.Errorf("bot %q: margin_usd must be positive, got %v", bot.Name, bot.MarginUSD)
	}
	switch bot.MarginType {
	case "", "ISOLATED", "CROSSED":
	default:
		return fmt.Errorf("bot %q: margin_type must be ISOLATED or CROSSED, got %q", bot.Name, bot.MarginType)
	}
	switch bot.RunMode {
	case models.RunModeOngoing:
	case models.RunModeLimit:
		if bot.MaxTradesLimit <= 0 {
			return fmt.Errorf("bot %q: max_trades_limit must be positive in limit mode", bot.Name)
		}
	default:
		return fmt.Errorf("bot %q: run_mode must be ongoing or limit, got %q", bot.Name, bot.RunMode)
	}
	if bot.MaxTradesLimit < 0 {
		return fmt.Errorf("bot %q: max_trades_limit must not be negative", bot.Name)
	}
	if bot.Account == "" {
		return fmt.Errorf("bot %q: account required", bot.Name)
	}
	return nil
}
