package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrNotifierNotConfigured is returned by channels that cannot deliver yet.
var ErrNotifierNotConfigured = errors.New("notifier not configured")

const notifyTimeout = 10 * time.Second

// TelegramNotifier sends alert messages to one chat through the Bot API.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier authenticates against the Bot API. endpoint may be empty
// for the public API; it takes the tgbotapi format ".../bot%s/%s".
func NewTelegramNotifier(token, endpoint string, chatID int64) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram notifier: %w: empty token", ErrNotifierNotConfigured)
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: notifyTimeout})
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Notify(_ context.Context, message string, _ Context) error {
	// Alert names are ids like cpu_high; escaped so they render literally.
	msg := tgbotapi.NewMessage(t.chatID, tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, message))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Notify(ctx context.Context, message string, _ Context) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack: %w: empty webhook url", ErrNotifierNotConfigured)
	}
	return postJSON(ctx, s.Client, s.WebhookURL, "", map[string]string{"text": message})
}

// MastodonNotifier posts a direct-visibility status to a Mastodon instance.
type MastodonNotifier struct {
	InstanceURL string
	Token       string
	Client      *http.Client
}

func (m *MastodonNotifier) Name() string { return "mastodon" }

func (m *MastodonNotifier) Notify(ctx context.Context, message string, _ Context) error {
	if m.InstanceURL == "" || m.Token == "" {
		return fmt.Errorf("mastodon: %w", ErrNotifierNotConfigured)
	}
	url := strings.TrimRight(m.InstanceURL, "/") + "/api/v1/statuses"
	return postJSON(ctx, m.Client, url, m.Token, map[string]string{
		"status":     message,
		"visibility": "direct",
	})
}

// SignalNotifier is a placeholder until a Signal REST bridge is configured.
type SignalNotifier struct{}

func (SignalNotifier) Name() string { return "signal" }

func (SignalNotifier) Notify(context.Context, string, Context) error {
	return fmt.Errorf("signal: %w: requires a Signal REST API bridge", ErrNotifierNotConfigured)
}

// LogNotifier writes alerts to the daemon log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (LogNotifier) Name() string { return "log" }

func (l LogNotifier) Notify(_ context.Context, message string, snap Context) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(message, "monitor_id", snap.MonitorID)
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url, bearer string, payload any) error {
	if client == nil {
		client = &http.Client{Timeout: notifyTimeout}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("post %s: status %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
