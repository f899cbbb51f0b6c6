package trader

import (
	"binance-candle-bot-go/internal/models"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitDuration(t *testing.T) {
	testCases := []struct {
		name     string
		now      int64
		tf       int64
		expected int64
	}{
		{"mid minute", 1_699_999_980_000 + 30_000, 60, 30_000},
		{"exact boundary", 1_699_999_980_000, 60, 0},
		{"one ms after boundary", 1_699_999_980_001, 60, 59_999},
		{"one ms before boundary", 1_699_999_979_999, 60, 1},
		{"hourly", 3_600_000*10 + 1_000, 3600, 3_599_000},
		{"zero timeframe", 12345, 0, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, WaitDuration(tc.now, tc.tf))
		})
	}
}

func TestWaitDurationLandsOnBoundary(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, tf := range []models.Timeframe{models.Timeframe1m, models.Timeframe5m, models.Timeframe15m, models.Timeframe1h, models.Timeframe4h} {
		period := tf.Seconds() * 1000
		for i := 0; i < 500; i++ {
			now := r.Int63n(2_000_000_000_000)
			wait := WaitDuration(now, tf.Seconds())
			require.GreaterOrEqual(t, wait, int64(0))
			require.Less(t, wait, period)
			require.Zero(t, (now+wait)%period, "now=%d tf=%s", now, tf)
		}
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestEvaluate(t *testing.T) {
	testCases := []struct {
		name   string
		mode   models.TradeMode
		open   float64
		close  float64
		side   models.Side
		signal bool
	}{
		{"follow bullish", models.TradeModeFollow, 100, 101, models.Buy, true},
		{"follow bearish", models.TradeModeFollow, 101, 100, models.Sell, true},
		{"opposite bullish", models.TradeModeOpposite, 100, 101, models.Sell, true},
		{"opposite bearish", models.TradeModeOpposite, 101, 100, models.Buy, true},
		{"follow flat", models.TradeModeFollow, 100, 100, "", false},
		{"opposite flat", models.TradeModeOpposite, 100, 100, "", false},
		{"unknown mode", models.TradeMode("random"), 100, 101, "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			side, ok := Evaluate(tc.mode, tc.open, tc.close)
			assert.Equal(t, tc.signal, ok)
			assert.Equal(t, tc.side, side)
		})
	}
}

func TestSize(t *testing.T) {
	testCases := []struct {
		name      string
		margin    float64
		leverage  int
		price     float64
		precision int
		qty       string
		ok        bool
	}{
		{"btc", 100, 10, 50000, 3, "0.020", true},
		{"rounds to precision", 50, 5, 40000, 3, "0.006", true},
		{"integer precision", 10, 1, 3, 0, "3", true},
		{"rounds to zero", 1, 1, 50000, 3, "", false},
		{"zero price", 100, 10, 0, 3, "", false},
		{"negative price", 100, 10, -1, 3, "", false},
		{"zero margin", 0, 10, 100, 3, "", false},
		{"zero leverage", 100, 0, 100, 3, "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			qty, ok := Size(tc.margin, tc.leverage, tc.price, tc.precision)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.qty, qty)
		})
	}
}

func TestMayOpen(t *testing.T) {
	ongoing := models.BotConfig{RunMode: models.RunModeOngoing}
	limit := models.BotConfig{RunMode: models.RunModeLimit, MaxTradesLimit: 2}

	assert.True(t, MayOpen(ongoing, models.WorkerState{EntriesOpened: 1000}, false))
	assert.False(t, MayOpen(ongoing, models.WorkerState{}, true), "push blocks new entries")

	assert.True(t, MayOpen(limit, models.WorkerState{EntriesOpened: 1}, false))
	assert.False(t, MayOpen(limit, models.WorkerState{EntriesOpened: 2}, false))
	assert.False(t, MayOpen(limit, models.WorkerState{EntriesOpened: 0}, true))
}

func TestStepError(t *testing.T) {
	cause := &models.Error{Code: -2019, Msg: "Margin is insufficient."}
	err := &StepError{Step: StepPlaceOrder, Symbol: "BTCUSDT", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, -2019, err.Code())
	assert.False(t, err.Fatal())
	assert.Contains(t, err.Error(), "place_order")

	assert.True(t, (&StepError{Step: StepSetLeverage}).Fatal())
	assert.True(t, (&StepError{Step: StepFetchPrecision}).Fatal())
	assert.False(t, (&StepError{Step: StepServerTime}).Fatal())
}
