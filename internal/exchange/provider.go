package exchange

import (
	"binance-candle-bot-go/internal/models"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Provider 为每个账户缓存一个交易所客户端
type Provider struct {
	cfg    *models.Config
	logger *zap.Logger

	mu       sync.Mutex
	accounts map[string]models.AccountConfig
	clients  map[string]Exchange
}

// NewProvider 创建账户客户端缓存。API 密钥在首次使用时从环境变量读取。
func NewProvider(cfg *models.Config, logger *zap.Logger) *Provider {
	accounts := make(map[string]models.AccountConfig, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		accounts[acc.Name] = acc
	}
	return &Provider{
		cfg:      cfg,
		logger:   logger,
		accounts: accounts,
		clients:  make(map[string]Exchange),
	}
}

// ForAccount 返回账户对应的交易所实例
func (p *Provider) ForAccount(name string) (Exchange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ex, ok := p.clients[name]; ok {
		return ex, nil
	}
	acc, ok := p.accounts[name]
	if !ok {
		return nil, fmt.Errorf("未知账户: %s", name)
	}

	baseURL := p.cfg.LiveAPIURL
	if acc.IsTestnet {
		baseURL = p.cfg.TestnetAPIURL
		p.logger.Info("正在使用币安测试网...", zap.String("account", name))
	}

	ex, err := NewBinanceExchange(BinanceOptions{
		Account:           name,
		APIKey:            os.Getenv(acc.APIKeyEnv),
		SecretKey:         os.Getenv(acc.SecretKeyEnv),
		BaseURL:           baseURL,
		RequestTimeout:    time.Duration(p.cfg.RequestTimeoutSec) * time.Second,
		RequestsPerSecond: p.cfg.RequestsPerSecond,
		Burst:             p.cfg.RequestBurst,
	}, p.logger)
	if err != nil {
		return nil, err
	}
	p.clients[name] = ex
	return ex, nil
}
