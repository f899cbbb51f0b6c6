package trader

import (
	"binance-candle-bot-go/internal/models"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCloseIfOpenFlatPosition(t *testing.T) {
	ex := newMockExchange(t0)
	recorder := &mockRecorder{}
	slept := false
	closer := NewPositionCloser(ex, testBot(), recorder, time.Second, func(ctx context.Context, d time.Duration) error {
		slept = true
		return nil
	}, zap.NewNop())

	res, err := closer.CloseIfOpen(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.Empty(t, ex.placed())
	assert.Empty(t, recorder.closes)
	assert.False(t, slept, "no settle wait without a close")
}

func TestCloseIfOpenLong(t *testing.T) {
	ex := newMockExchange(t0)
	ex.setPosition("ETHUSDT", 1.25, 2000)
	recorder := &mockRecorder{}
	var settle time.Duration
	closer := NewPositionCloser(ex, testBot(), recorder, 2*time.Second, func(ctx context.Context, d time.Duration) error {
		settle = d
		return nil
	}, zap.NewNop())

	res, err := closer.CloseIfOpen(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, 1.25, res.Position.Amount)
	assert.Equal(t, 2*time.Second, settle)

	orders := ex.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.Equal(t, "1.25", orders[0].Quantity)
	assert.True(t, orders[0].ReduceOnly)
	assert.Contains(t, orders[0].ClientOrderID, "_close_")

	require.Len(t, recorder.closes, 1)
	assert.Equal(t, models.Buy, recorder.closes[0].Side)
	assert.Equal(t, 1.25, recorder.closes[0].Quantity)
	assert.Equal(t, time.UnixMilli(t0), recorder.closes[0].ExitTime)
}

func TestCloseIfOpenOrderError(t *testing.T) {
	ex := newMockExchange(t0)
	ex.setPosition("BTCUSDT", 0.1, 50000)
	failing := &failingOrders{mockExchange: ex}
	recorder := &mockRecorder{}
	closer := NewPositionCloser(failing, testBot(), recorder, 0, nil, nil)

	res, err := closer.CloseIfOpen(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.False(t, res.Closed)
	assert.Empty(t, recorder.closes)
}

type failingOrders struct {
	*mockExchange
}

func (f *failingOrders) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	return nil, &models.Error{Code: -2022, Msg: "ReduceOnly Order is rejected."}
}

func TestFlatten(t *testing.T) {
	ex := newMockExchange(t0)
	ex.setPosition("ETHUSDT", -2, 2100)
	ex.setPosition("SOLUSDT", 3, 150)
	ex.cancelErr["BTCUSDT"] = &models.Error{Code: -2011, Msg: "Unknown order sent."}
	ex.cancelErr["SOLUSDT"] = &models.Error{Code: -1003, Msg: "Too many requests."}
	recorder := &mockRecorder{}
	closer := NewPositionCloser(ex, testBot(), recorder, time.Hour, nil, zap.NewNop())

	res := closer.Flatten(context.Background(), []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, res.Cancelled, "no-order error counts as cancelled")
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, res.Closed, "a failed cancel still closes the position")
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors["SOLUSDT"], "-1003")

	orders := ex.placed()
	require.Len(t, orders, 2)
	assert.Equal(t, models.Buy, orders[0].Side)
	assert.Equal(t, models.Sell, orders[1].Side)
	assert.Equal(t, "3", orders[1].Quantity)
	for _, o := range orders {
		assert.True(t, o.ReduceOnly)
	}

	require.Len(t, recorder.closes, 2)
	assert.Equal(t, models.CloseReasonManual, recorder.closes[0].Reason)
	assert.Equal(t, "SOLUSDT", recorder.closes[1].Symbol)
}

func TestFlattenReportsCancelAndCloseErrors(t *testing.T) {
	ex := newMockExchange(t0)
	ex.setPosition("SOLUSDT", 3, 150)
	ex.cancelErr["SOLUSDT"] = &models.Error{Code: -1003, Msg: "Too many requests."}
	closer := NewPositionCloser(&failingOrders{mockExchange: ex}, testBot(), nil, 0, nil, nil)

	res := closer.Flatten(context.Background(), []string{"SOLUSDT"})

	assert.Empty(t, res.Cancelled)
	assert.Empty(t, res.Closed)
	require.Contains(t, res.Errors, "SOLUSDT")
	assert.Contains(t, res.Errors["SOLUSDT"], "-1003")
	assert.Contains(t, res.Errors["SOLUSDT"], "-2022")
}

func TestCancelOrders(t *testing.T) {
	ex := newMockExchange(t0)
	ex.cancelErr["XRPUSDT"] = errors.New("timeout")
	ex.setPosition("BTCUSDT", 1, 100)
	closer := NewPositionCloser(ex, testBot(), nil, 0, nil, nil)

	res := closer.CancelOrders(context.Background(), []string{"BTCUSDT", "XRPUSDT"})
	assert.Equal(t, []string{"BTCUSDT"}, res.Cancelled)
	assert.Empty(t, res.Closed)
	assert.Equal(t, "timeout", res.Errors["XRPUSDT"])
	assert.Empty(t, ex.placed(), "cancel never touches positions")
}
