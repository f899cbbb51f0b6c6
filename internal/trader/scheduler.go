package trader

import (
	"context"
	"time"
)

// SleepFunc 可中断的等待。实盘使用 Sleep，回测使用模拟交易所的虚拟时钟。
type SleepFunc func(ctx context.Context, d time.Duration) error

// WaitDuration returns the milliseconds from serverTimeMs until the next
// boundary of a timeframeSeconds candle. The result is in [0, tf*1000): a
// time exactly on a boundary waits 0.
func WaitDuration(serverTimeMs, timeframeSeconds int64) int64 {
	period := timeframeSeconds * 1000
	if period <= 0 {
		return 0
	}
	rem := serverTimeMs % period
	if rem < 0 {
		rem += period
	}
	if rem == 0 {
		return 0
	}
	return period - rem
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
