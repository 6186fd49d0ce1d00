// Package notify delivers operator alerts over Telegram.
//
// The notifier is nil-safe: when the bot token or chat ID is missing it
// stays disabled and every Send is a no-op, so callers never need to
// branch on configuration.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"upbit-intraday/internal/config"
)

// Notifier sends alert messages to a single Telegram chat.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// New creates a notifier. Returns nil (disabled) when the token or chat
// ID is not configured; a nil notifier is safe to use.
func New(cfg config.TelegramConfig, logger *slog.Logger) (*Notifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		logger.Info("telegram notifications disabled")
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}

	return &Notifier{
		bot:    bot,
		chatID: cfg.ChatID,
		logger: logger.With("component", "notify"),
	}, nil
}

// Enabled reports whether alerts will actually be delivered.
func (n *Notifier) Enabled() bool {
	return n != nil && n.bot != nil
}

// Send delivers one alert. Delivery failures are logged, never returned:
// an unreachable Telegram API must not stall the trading loop.
func (n *Notifier) Send(level, title, message string) {
	if !n.Enabled() {
		return
	}

	text := fmt.Sprintf("[%s] %s\n%s", level, title, message)
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("telegram send failed", "title", title, "error", err)
	}
}
