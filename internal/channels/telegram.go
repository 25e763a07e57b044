package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/engine"
)

// TelegramMaxMessage is the Bot API limit on message text length.
const TelegramMaxMessage = 4096

type TelegramConfig struct {
	Token      string
	AllowedIDs []int64
	// Endpoint overrides the Bot API endpoint ("<base>/bot%s/%s").
	Endpoint string
	Chat     *Chat
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// TelegramChannel answers allowed users through Chat and reports finished
// task loops to every allowed chat.
type TelegramChannel struct {
	token      string
	endpoint   string
	allowedIDs map[int64]struct{}
	chat       *Chat
	eventBus   *bus.Bus
	logger     *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	return &TelegramChannel{
		token:      cfg.Token,
		endpoint:   cfg.Endpoint,
		allowedIDs: allowed,
		chat:       cfg.Chat,
		eventBus:   cfg.Bus,
		logger:     cfg.Logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Connect authenticates against the Bot API. Start calls it when needed.
func (t *TelegramChannel) Connect() error {
	if strings.TrimSpace(t.token) == "" {
		return errors.New("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.client() == nil {
		if err := t.Connect(); err != nil {
			return err
		}
	}
	bot := t.client()

	if t.eventBus != nil {
		sub := t.eventBus.Subscribe(bus.TopicTaskLoopFinished)
		defer t.eventBus.Unsubscribe(sub)
		go t.forwardLoopEvents(ctx, sub)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

func (t *TelegramChannel) client() *tgbotapi.BotAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bot
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within the stall timeout.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi long-polls for 60s and blocks rather than closing the channel
	// on a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			t.handleMessage(ctx, update.Message.Chat.ID, update.Message.From.ID, update.Message.Text)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	_, ok := t.allowedIDs[userID]
	return ok
}

// handleMessage answers one text message. The session is per chat.
func (t *TelegramChannel) handleMessage(ctx context.Context, chatID, userID int64, text string) {
	if !t.allowed(userID) {
		t.logger.Warn("telegram access denied", "user_id", userID)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if text == "/start" {
		t.reply(chatID, "Hi. Send me a message, \"/new\" to start over, or \"/task <topic>: <description>\" to queue work.")
		return
	}
	if t.chat == nil {
		return
	}

	t.typing(chatID)
	reply := t.chat.Reply(ctx, "telegram", strconv.FormatInt(chatID, 10), text)
	chunks := SplitMessage(reply, TelegramMaxMessage)
	for i, chunk := range chunks {
		if err := t.send(chatID, chunk); err != nil {
			t.logger.Error("telegram reply failed", "chat_id", chatID, "part", i+1, "parts", len(chunks), "error", err)
			return
		}
	}
}

func (t *TelegramChannel) forwardLoopEvents(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.TaskLoopEvent)
			if !ok {
				continue
			}
			if payload.Outcome == engine.OutcomeAlreadyClosed {
				continue
			}
			msg := FormatLoopEvent(payload)
			for chatID := range t.allowedIDs {
				t.reply(chatID, msg)
			}
		}
	}
}

// FormatLoopEvent renders a finished loop as a one-line chat notice.
func FormatLoopEvent(ev bus.TaskLoopEvent) string {
	name := ev.Path
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	msg := fmt.Sprintf("Task %s: %s after %d iteration(s)", name, ev.Outcome, ev.Iterations)
	if ev.Error != "" {
		msg += " (" + ev.Error + ")"
	}
	return msg
}

func (t *TelegramChannel) typing(chatID int64) {
	bot := t.client()
	if bot == nil {
		return
	}
	if _, err := bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		t.logger.Debug("telegram typing failed", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramChannel) send(chatID int64, text string) error {
	bot := t.client()
	if bot == nil {
		return errors.New("telegram not connected")
	}
	_, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if err := t.send(chatID, text); err != nil {
		t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}
