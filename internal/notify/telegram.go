package notify

import (
	"binance-candle-bot-go/internal/models"
	"context"
	"fmt"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// MessageSender is the part of the Telegram client used here.
type MessageSender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Telegram 把状态事件转发到一个 Telegram 会话
type Telegram struct {
	sender MessageSender
	chatID int64
	logger *zap.Logger
}

// NewTelegram 使用 bot token 创建 Telegram 通知
func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return NewTelegramWithSender(b, chatID, logger), nil
}

func NewTelegramWithSender(sender MessageSender, chatID int64, logger *zap.Logger) *Telegram {
	return &Telegram{sender: sender, chatID: chatID, logger: logger}
}

// Run 消费订阅直到 ctx 结束或订阅被关闭。发送失败只记录日志。
func (t *Telegram) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := t.sender.Send(tgbot.NewMessage(t.chatID, FormatEvent(event))); err != nil {
				t.logger.Warn("Telegram 通知发送失败", zap.Int64("bot_id", event.BotID), zap.Error(err))
			}
		}
	}
}

// FormatEvent 生成人类可读的事件文本
func FormatEvent(e models.StatusEvent) string {
	icon := map[string]string{
		models.EventRunning: "▶️",
		models.EventStopped: "⏹",
		models.EventPaused:  "⏸",
		models.EventResumed: "⏯",
	}[e.State]
	return fmt.Sprintf("%s bot #%d %s (push=%t) %s", icon, e.BotID, e.State, e.Paused, e.At.Format("2006-01-02 15:04:05"))
}
