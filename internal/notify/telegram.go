// Package notify alerts operators about tool calls refused by RBAC or
// governance.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"toolgov/internal/config"
	"toolgov/internal/domain"
)

const telegramMaxMsgLen = 4000

// Sender is the part of the Telegram bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends denial alerts to a fixed set of chats.
type Telegram struct {
	sender    Sender
	chatIDs   []int64
	parseMode string
	logger    *slog.Logger
}

// NewTelegram connects to the Bot API with the configured token.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger.Info("telegram notifier connected", "username", bot.Self.UserName)
	return NewTelegramWithSender(bot, cfg.ChatIDs, cfg.ParseMode, logger), nil
}

// NewTelegramWithSender builds a notifier over an existing sender. Chat ids
// that are not integers are logged and skipped.
func NewTelegramWithSender(sender Sender, chatIDs []string, parseMode string, logger *slog.Logger) *Telegram {
	var ids []int64
	for _, s := range chatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			logger.Warn("ignoring invalid telegram chat id", "chatId", s)
			continue
		}
		ids = append(ids, id)
	}
	return &Telegram{sender: sender, chatIDs: ids, parseMode: parseMode, logger: logger}
}

// NotifyDenial sends one alert per configured chat. Errors from every chat
// are joined.
func (t *Telegram) NotifyDenial(ctx context.Context, ev domain.AuditEvent) error {
	text := FormatDenial(ev, t.parseMode == tgbotapi.ModeMarkdown)
	if len(text) > telegramMaxMsgLen {
		text = text[:telegramMaxMsgLen]
	}
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.send(chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// send tries the configured parse mode first and falls back to plain text.
func (t *Telegram) send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = t.parseMode
	_, err := t.sender.Send(msg)
	if err == nil || t.parseMode == "" {
		return err
	}
	t.logger.Debug("telegram send failed with parse mode, retrying as plain text", "chatId", chatID, "err", err)
	msg.ParseMode = ""
	_, err = t.sender.Send(msg)
	return err
}

// FormatDenial renders a denial alert.
func FormatDenial(ev domain.AuditEvent, markdown bool) string {
	esc := func(s string) string { return s }
	if markdown {
		esc = escapeMarkdown
	}
	kind := "Governance denial"
	if ev.Decision == domain.DecisionRBACDenied {
		kind = "RBAC denial"
	}
	agent := ev.AgentName
	if agent == "" {
		agent = "(anonymous)"
	}

	var b strings.Builder
	if markdown {
		fmt.Fprintf(&b, "*%s*\n", kind)
	} else {
		fmt.Fprintf(&b, "%s\n", kind)
	}
	fmt.Fprintf(&b, "Agent: %s\n", esc(agent))
	fmt.Fprintf(&b, "Tool: %s\n", esc(ev.Action))
	if ev.Target != "" && ev.Target != ev.Action {
		fmt.Fprintf(&b, "Target: %s\n", esc(ev.Target))
	}
	if ev.PolicyID != 0 {
		fmt.Fprintf(&b, "Policy: #%d\n", ev.PolicyID)
	}
	if ev.Justification != "" {
		fmt.Fprintf(&b, "Reason: %s\n", esc(ev.Justification))
	}
	return strings.TrimRight(b.String(), "\n")
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

var _ domain.DenialNotifier = (*Telegram)(nil)
