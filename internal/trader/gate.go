package trader

import "binance-candle-bot-go/internal/models"

// MayOpen decides whether a new entry may be opened this cycle. Push wins
// over everything; closing the previous position is not affected by it.
func MayOpen(bot models.BotConfig, state models.WorkerState, paused bool) bool {
	if paused {
		return false
	}
	if bot.RunMode == models.RunModeLimit && bot.MaxTradesLimit > 0 && state.EntriesOpened >= bot.MaxTradesLimit {
		return false
	}
	return true
}
