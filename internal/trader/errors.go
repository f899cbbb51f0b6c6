package trader

import (
	"binance-candle-bot-go/internal/exchange"
	"fmt"
)

// Step 交易周期中的一个步骤
type Step string

const (
	StepSetLeverage    Step = "set_leverage"
	StepSetMarginType  Step = "set_margin_type"
	StepFetchPrecision Step = "fetch_precision"
	StepServerTime     Step = "server_time"
	StepClosePrevious  Step = "close_previous"
	StepFetchKlines    Step = "fetch_klines"
	StepPlaceOrder     Step = "place_order"
)

// StepError 记录失败的步骤和原因
type StepError struct {
	Step   Step
	Symbol string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Symbol, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the step belongs to worker startup. Startup failures
// end the worker; every other step failure abandons the current cycle.
func (e *StepError) Fatal() bool {
	switch e.Step {
	case StepSetLeverage, StepSetMarginType, StepFetchPrecision:
		return true
	}
	return false
}

// Code is the exchange error code of the cause, or 0.
func (e *StepError) Code() int {
	return exchange.ErrorCode(e.Err)
}
