package models

import "time"

// WorkerPhase 是 SymbolWorker 状态机的当前状态
type WorkerPhase string

const (
	PhaseStarting         WorkerPhase = "starting"
	PhaseWaitingForCandle WorkerPhase = "waiting_for_candle"
	PhaseClosingPrevious  WorkerPhase = "closing_previous"
	PhaseEvaluating       WorkerPhase = "evaluating"
	PhaseGating           WorkerPhase = "gating"
	PhasePlacingOrder     WorkerPhase = "placing_order"
	PhaseRetryBackoff     WorkerPhase = "retry_backoff"
	PhaseStopped          WorkerPhase = "stopped"
)

// WorkerState 一个 (bot, symbol) worker 的运行时状态快照。
// worker 独占修改权，其他组件只读。
type WorkerState struct {
	BotID         int64       `json:"bot_id"`
	Symbol        string      `json:"symbol"`
	Phase         WorkerPhase `json:"phase"`
	EntriesOpened int         `json:"entries_opened"`
	Precision     int         `json:"precision"`
	LastCycleAt   time.Time   `json:"last_cycle_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// BotStatusView 是 Status 命令返回的只读视图
type BotStatusView struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	DBStatus BotStatus     `json:"db_status"`
	Running  bool          `json:"running"`
	Paused   bool          `json:"push"`
	Symbols  []string      `json:"symbols"`
	Workers  []WorkerState `json:"workers,omitempty"`
}
