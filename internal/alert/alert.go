// Package alert ships operator notifications over two channels
// (spec.md §6): a webhook POST with basic auth, and Telegram as a
// second channel. Both are best-effort: failures are logged, never
// retried, and never propagate back to the caller (spec.md §7,
// telemetry classification).
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier is the interface the tick uses to ship alerts, so tests can
// substitute a recording fake.
type Notifier interface {
	Notify(action, message string)
}

// Webhook POSTs a JSON body to a configured URL with basic auth.
type Webhook struct {
	url        string
	user, pass string
	httpClient *http.Client
}

// NewWebhook builds a Webhook notifier. An empty url disables sending
// (Notify becomes a no-op), matching the teacher's pattern of treating
// unconfigured optional channels as silently inert rather than
// erroring at every call site.
func NewWebhook(url, user, pass string) *Webhook {
	return &Webhook{url: url, user: user, pass: pass, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// Notify sends action/message as a JSON body. Best-effort: logged on
// failure, never retried.
func (w *Webhook) Notify(action, message string) {
	if w.url == "" {
		return
	}
	body, err := json.Marshal(map[string]string{
		"action":  action,
		"message": message,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).Msg("alert: webhook marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Msg("alert: webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.user != "" {
		req.SetBasicAuth(w.user, w.pass)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("alert: webhook post failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("action", action).Msg("alert: webhook rejected")
	}
}

// Telegram ships alerts via a bot message to a single configured chat,
// grounded on the teacher's TelegramBot sendMarkdown pattern, stripped
// of command handling since this system is supervised, not operated
// interactively through chat commands.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram builds a Telegram notifier. An error here is not fatal
// to the caller's own startup; callers should log and continue with a
// nil *Telegram (nil-safe Notify below).
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("alert: telegram bot init: %w", err)
	}
	return &Telegram{api: api, chatID: chatID}, nil
}

// Notify sends action/message as a Markdown message. A nil receiver
// (unconfigured channel) is a no-op.
func (t *Telegram) Notify(action, message string) {
	if t == nil || t.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("*%s*\n%s", action, message))
	msg.ParseMode = "Markdown"
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("alert: telegram send failed")
	}
}

// Multi fans a single Notify call out to every configured channel.
type Multi struct {
	notifiers []Notifier
}

// NewMulti builds a Multi from the given notifiers, skipping any nils
// (e.g. an unconfigured Telegram channel).
func NewMulti(notifiers ...Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		m.notifiers = append(m.notifiers, n)
	}
	return m
}

// Notify fans out to every channel.
func (m *Multi) Notify(action, message string) {
	for _, n := range m.notifiers {
		n.Notify(action, message)
	}
}
