package statemanager

import (
	"binance-candle-bot-go/internal/metrics"
	"binance-candle-bot-go/internal/models"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	WorkerUpdateEvent EventType = iota
	TradeOpenEvent
	TradeCloseEvent
)

// TradeStore is the trade journal the manager writes to.
type TradeStore interface {
	RecordOpen(trade *models.TradeRecord) (int64, error)
	CloseOpenTrade(c *models.TradeClose) error
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

type workerKey struct {
	botID  int64
	symbol string
}

// StateManager serialises worker snapshot updates and trade journal writes.
// Workers never block on it: events that do not fit into the buffers are
// dropped and logged.
type StateManager struct {
	mu        sync.RWMutex
	snapshots map[workerKey]models.WorkerState

	store           TradeStore
	eventChannel    chan NormalizedEvent
	persistenceChan chan NormalizedEvent
	stopChan        chan struct{}
	wg              sync.WaitGroup
	stopOnce        sync.Once
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(store TradeStore, logger *zap.Logger) *StateManager {
	return &StateManager{
		snapshots:       make(map[workerKey]models.WorkerState),
		store:           store,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan NormalizedEvent, 1024),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started.")
}

// Stop shuts down both loops after draining queued events.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Info("StateManager stopped.")
	})
}

// DispatchEvent queues an event without blocking the caller.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) bool {
	ch := sm.eventChannel
	if event.Type == TradeOpenEvent || event.Type == TradeCloseEvent {
		ch = sm.persistenceChan
	}
	select {
	case ch <- event:
		return true
	default:
		sm.logger.Warn("StateManager queue full, event dropped", zap.Int("type", int(event.Type)))
		return false
	}
}

// UpdateWorker publishes the latest snapshot of a worker.
func (sm *StateManager) UpdateWorker(state models.WorkerState) {
	state.UpdatedAt = time.Now()
	sm.DispatchEvent(NormalizedEvent{Type: WorkerUpdateEvent, Timestamp: state.UpdatedAt, Data: state})
}

// RecordOpen queues an open trade for the journal.
func (sm *StateManager) RecordOpen(trade models.TradeRecord) {
	if !sm.DispatchEvent(NormalizedEvent{Type: TradeOpenEvent, Timestamp: time.Now(), Data: trade}) {
		sm.logger.Error("CRITICAL: open trade not journaled", zap.Int64("bot_id", trade.BotID), zap.String("symbol", trade.Symbol))
	}
}

// RecordClose queues a closed trade for the journal.
func (sm *StateManager) RecordClose(c models.TradeClose) {
	metrics.RecordRealizedPnL(c.BotID, c.Symbol, c.PnL)
	if !sm.DispatchEvent(NormalizedEvent{Type: TradeCloseEvent, Timestamp: time.Now(), Data: c}) {
		sm.logger.Error("CRITICAL: closed trade not journaled", zap.Int64("bot_id", c.BotID), zap.String("symbol", c.Symbol))
	}
}

// Forget drops the cached snapshots of a bot, used when it is started again.
func (sm *StateManager) Forget(botID int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for k := range sm.snapshots {
		if k.botID == botID {
			delete(sm.snapshots, k)
		}
	}
}

// Snapshot returns the last known state of every worker of a bot, ordered by symbol.
func (sm *StateManager) Snapshot(botID int64) []models.WorkerState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []models.WorkerState
	for k, v := range sm.snapshots {
		if k.botID == botID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop writes trades to the journal in arrival order.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.persistenceChan:
			sm.persist(event)
		case <-sm.stopChan:
			for {
				select {
				case event := <-sm.persistenceChan:
					sm.persist(event)
				default:
					return
				}
			}
		}
	}
}

func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case WorkerUpdateEvent:
		if state, ok := event.Data.(models.WorkerState); ok {
			sm.mu.Lock()
			sm.snapshots[workerKey{state.BotID, state.Symbol}] = state
			sm.mu.Unlock()
		} else {
			sm.logger.Sugar().Warnf("Received WorkerUpdateEvent with unexpected data type: %T", event.Data)
		}
	}
}

func (sm *StateManager) persist(event NormalizedEvent) {
	if sm.store == nil {
		return
	}
	switch data := event.Data.(type) {
	case models.TradeRecord:
		if _, err := sm.store.RecordOpen(&data); err != nil {
			sm.logger.Sugar().Errorf("CRITICAL: Failed to save open trade %s: %v", data.Symbol, err)
		}
	case models.TradeClose:
		if err := sm.store.CloseOpenTrade(&data); err != nil {
			sm.logger.Sugar().Errorf("CRITICAL: Failed to save closed trade %s: %v", data.Symbol, err)
		}
	default:
		sm.logger.Sugar().Warnf("Received trade event with unexpected data type: %T", event.Data)
	}
}
