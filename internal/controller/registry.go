package controller

import (
	"binance-candle-bot-go/internal/models"
	"context"
	"sort"
	"sync"
	"time"
)

// workerHandle 一个 worker goroutine。err 在 done 关闭之前写入。
type workerHandle struct {
	symbol string
	done   chan struct{}
	err    error
}

func newWorkerHandle(symbol string) *workerHandle {
	return &workerHandle{symbol: symbol, done: make(chan struct{})}
}

func (h *workerHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type botEntry struct {
	bot       models.BotConfig
	cancel    context.CancelFunc
	workers   map[string]*workerHandle
	paused    bool
	startedAt time.Time
	// Start 持久化 running 并发布事件后关闭，Stop 在写 stopped 之前等待它
	ready chan struct{}
}

func (e *botEntry) symbols() []string {
	out := make([]string, 0, len(e.workers))
	for symbol := range e.workers {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// registry bot id -> 正在运行的 workers 和 push 标志。
// 只有 Controller 修改它；worker 只通过 paused 读取。
type registry struct {
	mu   sync.RWMutex
	bots map[int64]*botEntry
	// Stop 之后仍未退出的 worker，直到它们自己结束
	lingering map[int64][]*workerHandle
}

func newRegistry() *registry {
	return &registry{
		bots:      make(map[int64]*botEntry),
		lingering: make(map[int64][]*workerHandle),
	}
}

// insert registers every handle of a bot in one step.
func (r *registry) insert(id int64, entry *botEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[id]; ok {
		return ErrAlreadyRunning
	}
	if r.pruneLocked(id) > 0 {
		return ErrStillStopping
	}
	r.bots[id] = entry
	return nil
}

// remove 删除条目，并把它的 worker 记为 lingering，直到确认退出
func (r *registry) remove(id int64) (*botEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.bots[id]
	if !ok {
		return nil, false
	}
	delete(r.bots, id)
	for _, h := range entry.workers {
		r.lingering[id] = append(r.lingering[id], h)
	}
	return entry, true
}

// prune drops lingering handles that have exited and returns how many remain.
func (r *registry) prune(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked(id)
}

func (r *registry) pruneLocked(id int64) int {
	alive := r.lingering[id][:0]
	for _, h := range r.lingering[id] {
		if !h.exited() {
			alive = append(alive, h)
		}
	}
	if len(alive) == 0 {
		delete(r.lingering, id)
		return 0
	}
	r.lingering[id] = alive
	return len(alive)
}

func (r *registry) setPaused(id int64, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.bots[id]
	if !ok {
		return ErrNotRunning
	}
	entry.paused = paused
	return nil
}

func (r *registry) paused(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.bots[id]; ok {
		return entry.paused
	}
	return false
}

// view returns a copy of the bot's live state. symbols keeps the configured
// order and leaves out workers that have already exited.
func (r *registry) view(id int64) (bot models.BotConfig, running, paused bool, symbols []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.bots[id]
	if !ok {
		return models.BotConfig{}, false, false, nil
	}
	symbols = make([]string, 0, len(entry.bot.Symbols))
	for _, symbol := range entry.bot.Symbols {
		if h, ok := entry.workers[symbol]; ok && !h.exited() {
			symbols = append(symbols, symbol)
		}
	}
	return entry.bot, true, entry.paused, symbols
}

// alive 统计尚未退出的 worker 数量
func (r *registry) alive(id int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.bots[id]
	if !ok {
		return 0
	}
	n := 0
	for _, h := range entry.workers {
		if !h.exited() {
			n++
		}
	}
	return n
}

func (r *registry) running() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.bots))
	for id := range r.bots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
