// Package notify delivers operator notifications for session and feed
// events via Telegram.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// escapeMarkdown escapes special Markdown characters for Telegram messages.
func escapeMarkdown(s string) string {
	for _, ch := range []string{"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"} {
		s = strings.ReplaceAll(s, ch, "\\"+ch)
	}
	return s
}

// Notifier sends session and feed notifications to a Telegram chat. A nil
// Notifier is valid and drops everything, so callers never need to branch
// on whether notifications are configured.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewNotifier creates a Telegram notifier. Returns nil if botToken is empty
// or chatID is zero (notifications disabled).
func NewNotifier(botToken string, chatID int64, logger *slog.Logger) (*Notifier, error) {
	if botToken == "" || chatID == 0 {
		logger.Info("Telegram notifications not configured, disabled")
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	logger.Info("Telegram bot initialized", "bot_name", bot.Self.UserName)

	return &Notifier{bot: bot, chatID: chatID, logger: logger}, nil
}

// SessionLost notifies that the session was deauthorized outside a
// user-initiated logout.
func (n *Notifier) SessionLost(reason string) {
	n.send(fmt.Sprintf("⚠️ *Session lost*\n%s", escapeMarkdown(reason)))
}

// SessionRestored notifies that a session was (re)established for the given
// account.
func (n *Notifier) SessionRestored(email string) {
	n.send(fmt.Sprintf("✅ *Session active*\n%s", escapeMarkdown(email)))
}

// FeedStale notifies that the live feed has been silent for the given
// duration while the connection is nominally up.
func (n *Notifier) FeedStale(silence time.Duration) {
	n.send(fmt.Sprintf("\U0001F4E1 *Live feed stale*\nNo data for %s", escapeMarkdown(silence.Round(time.Second).String())))
}

func (n *Notifier) send(text string) {
	if n == nil || n.bot == nil {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("Failed to send Telegram notification", "chat_id", n.chatID, "error", err)
		return
	}
	n.logger.Info("Telegram notification sent")
}
