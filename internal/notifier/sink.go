package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "postflow/pkg/logx"
)

// Sink delivers one alert.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the log at a level matching their severity.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, a Alert) error {
	fields := []logx.Field{
		logx.String("alert", a.ID),
		logx.String("kind", a.Kind),
		logx.String("severity", string(a.Severity)),
	}
	for _, k := range sortedKeys(a.Fields) {
		fields = append(fields, logx.String(k, a.Fields[k]))
	}
	msg := a.Title
	if a.Text != "" {
		msg += ": " + a.Text
	}
	switch a.Severity {
	case SeverityCritical, SeverityWarning:
		s.Log.Warn(msg, fields...)
	default:
		s.Log.Info(msg, fields...)
	}
	return nil
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token   string
	ChatID  int64
	Timeout time.Duration
}

// TelegramSink sends alerts to one chat.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSink creates the bot without starting a poller; the sink only
// sends.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

// Send ignores ctx beyond an early check; the bot's HTTP client bounds the
// call.
func (s *TelegramSink) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, Format(a), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// Fanout sends to every sink and joins their errors.
func Fanout(sinks ...Sink) Sink { return fanout(sinks) }

type fanout []Sink

func (f fanout) Name() string {
	names := make([]string, 0, len(f))
	for _, s := range f {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (f fanout) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Format renders an alert as plain text.
func Format(a Alert) string {
	var b strings.Builder
	b.WriteString(prefixForSeverity(a.Severity))
	b.WriteString(a.Title)
	if a.Text != "" {
		b.WriteString("\n")
		b.WriteString(a.Text)
	}
	for _, k := range sortedKeys(a.Fields) {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Fields[k])
	}
	return b.String()
}

func prefixForSeverity(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨 "
	case SeverityWarning:
		return "⚠️ "
	case SeverityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
