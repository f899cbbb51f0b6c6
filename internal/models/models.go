package models

import (
	"fmt"
	"strings"
	"time"
)

// Config 结构体定义了整个进程的配置参数
type Config struct {
	DBPath        string `json:"db_path"`      // BadgerDB 目录，保存机器人配置与状态
	JournalPath   string `json:"journal_path"` // SQLite 交易记录文件
	LiveAPIURL    string `json:"live_api_url"`
	TestnetAPIURL string `json:"testnet_api_url"`

	RequestTimeoutSec int     `json:"request_timeout_sec"` // 单次REST请求超时(秒)
	RequestsPerSecond float64 `json:"requests_per_second"` // 每个账户的REST限速
	RequestBurst      int     `json:"request_burst"`

	Worker   WorkerConfig    `json:"worker"`
	Server   ServerConfig    `json:"server"`
	Telegram TelegramConfig  `json:"telegram"`
	Accounts []AccountConfig `json:"accounts"`
	Bots     []BotConfig     `json:"bots"`

	LogConfig LogConfig `json:"log"`

	// 回测引擎特定配置
	InitialBalance float64 `json:"initial_balance"` // 回测初始资金 (USDT)
	TakerFeeRate   float64 `json:"taker_fee_rate"`  // 吃单手续费率
	SlippageRate   float64 `json:"slippage_rate"`   // 滑点率
}

// WorkerConfig 定义了交易循环的时间参数
type WorkerConfig struct {
	RetryDelaySec  int `json:"retry_delay_sec"`  // 周期失败后的退避时间
	SettleDelaySec int `json:"settle_delay_sec"` // 平仓后等待成交的时间
	StopTimeoutSec int `json:"stop_timeout_sec"` // 停止时等待worker退出的时间
}

// RetryDelay returns the backoff applied after a failed cycle.
func (w WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelaySec) * time.Second
}

// SettleDelay returns the wait after a closing order.
func (w WorkerConfig) SettleDelay() time.Duration {
	return time.Duration(w.SettleDelaySec) * time.Second
}

// StopTimeout returns the bounded join used by Stop.
func (w WorkerConfig) StopTimeout() time.Duration {
	return time.Duration(w.StopTimeoutSec) * time.Second
}

// ServerConfig 运维HTTP服务 (metrics, websocket 状态推送)
type ServerConfig struct {
	Addr string `json:"addr"` // 为空则不启动
}

// TelegramConfig 状态通知
type TelegramConfig struct {
	TokenEnv string `json:"token_env"` // 保存 bot token 的环境变量名
	ChatID   int64  `json:"chat_id"`
}

// AccountConfig 交易所账户。密钥本身不写入配置文件，而是从环境变量读取。
type AccountConfig struct {
	Name         string `json:"name"`
	APIKeyEnv    string `json:"api_key_env"`
	SecretKeyEnv string `json:"secret_key_env"`
	IsTestnet    bool   `json:"is_testnet"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Timeframe K线周期
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
)

var timeframeSeconds = map[Timeframe]int64{
	Timeframe1m:  60,
	Timeframe5m:  300,
	Timeframe15m: 900,
	Timeframe30m: 1800,
	Timeframe1h:  3600,
	Timeframe4h:  14400,
}

// Seconds returns the candle length, or 0 for an unknown timeframe.
func (t Timeframe) Seconds() int64 {
	return timeframeSeconds[t]
}

// Valid reports whether t is one of the supported intervals.
func (t Timeframe) Valid() bool {
	_, ok := timeframeSeconds[t]
	return ok
}

// TradeMode 决定信号方向：顺势(follow) 或 反向(opposite)
type TradeMode string

const (
	TradeModeFollow   TradeMode = "follow"
	TradeModeOpposite TradeMode = "opposite"
)

// RunMode 运行模式：ongoing 不限开仓次数，limit 达到上限后不再开新仓
type RunMode string

const (
	RunModeOngoing RunMode = "ongoing"
	RunModeLimit   RunMode = "limit"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// BotConfig 一个机器人的交易参数。运行期间不可变，修改需要 stop + start。
type BotConfig struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Account        string    `json:"account"`
	Symbols        []string  `json:"symbols"`
	Timeframe      Timeframe `json:"timeframe"`
	TradeMode      TradeMode `json:"trade_mode"`
	Leverage       int       `json:"leverage"`
	MarginUSD      float64   `json:"margin_usd"`
	MarginType     string    `json:"margin_type,omitempty"` // ISOLATED / CROSSED，为空则不修改
	RunMode        RunMode   `json:"run_mode"`
	MaxTradesLimit int       `json:"max_trades_limit,omitempty"`
	Autostart      bool      `json:"autostart"`
}

// BotStatus 持久化的运行状态字段
type BotStatus string

const (
	StatusRunning BotStatus = "running"
	StatusStopped BotStatus = "stopped"
)

// BotRecord 是持久化层保存的完整机器人记录
type BotRecord struct {
	Config    BotConfig `json:"config"`
	Status    BotStatus `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PositionSnapshot 交易所返回的当前持仓，每个周期重新获取，不做缓存
type PositionSnapshot struct {
	Symbol     string  `json:"symbol"`
	Amount     float64 `json:"amount"` // 带符号：>0 多头，<0 空头
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// Kline 一根K线
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// OrderRequest 市价单请求
type OrderRequest struct {
	Symbol        string
	Side          Side
	Quantity      string
	ReduceOnly    bool
	ClientOrderID string
}

// Order 定义了订单信息
type Order struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Side          Side    `json:"side"`
	Quantity      string  `json:"origQty"`
	ExecutedQty   float64 `json:"executedQty"`
	AvgPrice      float64 `json:"avgPrice"`
	Status        string  `json:"status"`
	UpdateTime    int64   `json:"updateTime"`
}

// TradeRecord 一笔交易（开仓到平仓）。ExitTime 为空表示仍在持仓。
type TradeRecord struct {
	ID            int64      `json:"id"`
	BotID         int64      `json:"bot_id"`
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	Quantity      float64    `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	ExitPrice     float64    `json:"exit_price"`
	EntryTime     time.Time  `json:"entry_time"`
	ExitTime      *time.Time `json:"exit_time,omitempty"`
	MarginUsed    float64    `json:"margin_used"`
	PnL           float64    `json:"pnl"`
	ROIPercent    float64    `json:"roi_percent"`
	CloseReason   string     `json:"close_reason,omitempty"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
}

// TradeClose 平仓时写入交易记录的数据
type TradeClose struct {
	BotID      int64
	Symbol     string
	Side       Side // 被平掉的持仓方向
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	ExitTime   time.Time
	MarginUsed float64
	PnL        float64
	ROIPercent float64
	Reason     string
}

// CloseReasonCandle is recorded when the worker flattens at a candle boundary.
const CloseReasonCandle = "candle_close"

// CloseReasonManual is recorded for operator-triggered flattening.
const CloseReasonManual = "manual_close"

// StatusEvent 广播给订阅者的机器人状态事件
type StatusEvent struct {
	BotID  int64     `json:"bot_id"`
	State  string    `json:"state"` // running, stopped, paused, resumed
	Paused bool      `json:"push"`
	At     time.Time `json:"at"`
}

const (
	EventRunning = "running"
	EventStopped = "stopped"
	EventPaused  = "paused"
	EventResumed = "resumed"
)

// Error 定义了币安API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 BinanceError 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// NormalizeSymbol upper-cases and trims a symbol as entered by an operator.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
