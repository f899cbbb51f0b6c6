package notify

import (
	"binance-candle-bot-go/internal/metrics"
	"binance-candle-bot-go/internal/models"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subscription 一个订阅者。C 在取消订阅或广播器关闭后被关闭。
type Subscription struct {
	C  <-chan models.StatusEvent
	ch chan models.StatusEvent
	b  *Broadcaster
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster 把状态事件分发给任意数量的订阅者。
// Publish 从不阻塞：订阅者缓冲区满时丢弃该事件。
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *zap.Logger
}

// NewBroadcaster 创建广播器
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe 注册一个带缓冲的订阅者
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.StatusEvent, buffer)
	sub := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish 发布事件（非阻塞）
func (b *Broadcaster) Publish(event models.StatusEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			metrics.RecordStatusEventDropped()
			b.logger.Warn("订阅者队列已满，丢弃事件",
				zap.Int64("bot_id", event.BotID),
				zap.String("state", event.State))
		}
	}
}

// Close 关闭所有订阅
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
