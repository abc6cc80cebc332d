package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"toolgov/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSender struct {
	sent       []tgbotapi.MessageConfig
	failParsed bool
	failAll    bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, msg)
	if f.failAll || (f.failParsed && msg.ParseMode != "") {
		return tgbotapi.Message{}, errors.New("Bad Request: can't parse entities")
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func denial() domain.AuditEvent {
	return domain.AuditEvent{
		AgentName: "code_agent", Action: "write_file", Target: "server/routes.ts",
		Decision: domain.DecisionDenied, Justification: "matched protect_core_files", PolicyID: 3,
	}
}

func TestNotifyDenial_SendsToEveryChat(t *testing.T) {
	s := &fakeSender{}
	n := NewTelegramWithSender(s, []string{"100", " 200 ", "not-a-number"}, "Markdown", testLogger())
	if err := n.NotifyDenial(context.Background(), denial()); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 2 {
		t.Fatalf("expected two messages, got %d", len(s.sent))
	}
	if s.sent[0].ChatID != 100 || s.sent[1].ChatID != 200 {
		t.Fatalf("unexpected chats %d %d", s.sent[0].ChatID, s.sent[1].ChatID)
	}
	text := s.sent[0].Text
	for _, want := range []string{"*Governance denial*", `code\_agent`, `write\_file`, "server/routes.ts", "Policy: #3"} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
}

func TestNotifyDenial_FallsBackToPlainText(t *testing.T) {
	s := &fakeSender{failParsed: true}
	n := NewTelegramWithSender(s, []string{"1"}, "Markdown", testLogger())
	if err := n.NotifyDenial(context.Background(), denial()); err != nil {
		t.Fatalf("plain text retry should succeed, got %v", err)
	}
	if len(s.sent) != 2 || s.sent[1].ParseMode != "" {
		t.Fatalf("expected a plain-text retry, got %+v", s.sent)
	}
}

func TestNotifyDenial_JoinsErrors(t *testing.T) {
	s := &fakeSender{failAll: true}
	n := NewTelegramWithSender(s, []string{"1", "2"}, "", testLogger())
	err := n.NotifyDenial(context.Background(), denial())
	if err == nil || !strings.Contains(err.Error(), "chat 1") || !strings.Contains(err.Error(), "chat 2") {
		t.Fatalf("expected joined errors for both chats, got %v", err)
	}
}

func TestFormatDenial_RBAC(t *testing.T) {
	ev := domain.AuditEvent{AgentName: "a", Action: "git_status", Target: "git_status", Decision: domain.DecisionRBACDenied}
	text := FormatDenial(ev, false)
	if !strings.HasPrefix(text, "RBAC denial") {
		t.Fatalf("unexpected heading: %s", text)
	}
	if strings.Contains(text, "Target:") {
		t.Fatal("target equal to the tool name should be omitted")
	}
}
