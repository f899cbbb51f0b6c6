package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// worker 指标
	workersRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "candlebot_workers_running",
			Help: "Number of symbol workers currently running per bot",
		},
		[]string{"bot"},
	)

	botPaused = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "candlebot_bot_paused",
			Help: "1 when the bot is pushed (new entries withheld)",
		},
		[]string{"bot"},
	)

	cycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_cycle_total",
			Help: "Completed candle cycles by outcome",
		},
		[]string{"bot", "symbol", "outcome"},
	)

	stepErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_step_error_total",
			Help: "Worker step failures",
		},
		[]string{"bot", "symbol", "step"},
	)

	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_order_total",
			Help: "Market orders submitted",
		},
		[]string{"symbol", "side", "purpose", "status"},
	)

	realizedPnL = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_realized_pnl_total",
			Help: "Realized profit and loss in quote currency, split into profit and loss",
		},
		[]string{"bot", "symbol", "result"},
	)

	// 交易所请求指标
	exchangeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "candlebot_exchange_request_duration_seconds",
			Help:    "Exchange REST call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"account", "endpoint", "result"},
	)

	statusEventDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candlebot_status_event_dropped_total",
			Help: "Status events dropped because a subscriber buffer was full",
		},
	)
)

func botLabel(botID int64) string {
	return strconv.FormatInt(botID, 10)
}

// SetWorkersRunning 记录某个 bot 正在运行的 worker 数量
func SetWorkersRunning(botID int64, n int) {
	workersRunning.WithLabelValues(botLabel(botID)).Set(float64(n))
}

// SetPaused 记录 push 状态
func SetPaused(botID int64, paused bool) {
	v := 0.0
	if paused {
		v = 1
	}
	botPaused.WithLabelValues(botLabel(botID)).Set(v)
}

// RecordCycle outcome is one of "opened", "skipped", "failed".
func RecordCycle(botID int64, symbol, outcome string) {
	cycleTotal.WithLabelValues(botLabel(botID), symbol, outcome).Inc()
}

func RecordStepError(botID int64, symbol, step string) {
	stepErrorTotal.WithLabelValues(botLabel(botID), symbol, step).Inc()
}

// RecordOrder purpose is "entry" or "close".
func RecordOrder(symbol, side, purpose string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	orderTotal.WithLabelValues(symbol, side, purpose, status).Inc()
}

// RecordRealizedPnL 分别累计盈利和亏损，counter 不能减少
func RecordRealizedPnL(botID int64, symbol string, pnl float64) {
	if pnl >= 0 {
		realizedPnL.WithLabelValues(botLabel(botID), symbol, "profit").Add(pnl)
		return
	}
	realizedPnL.WithLabelValues(botLabel(botID), symbol, "loss").Add(-pnl)
}

func ObserveExchangeRequest(account, endpoint string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	exchangeRequestDuration.WithLabelValues(account, endpoint, result).Observe(time.Since(start).Seconds())
}

func RecordStatusEventDropped() {
	statusEventDropped.Inc()
}
