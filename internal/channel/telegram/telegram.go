// Package telegram implements the operator channel over the Telegram
// Bot API using long polling. Prompts become messages with inline
// keyboards; free-text replies arrive as plain messages while a
// free-text prompt is live.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/aegis/internal/channel"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

const (
	replyQueueSize  = 10
	backoffBase     = 1 * time.Second
	backoffMax      = 60 * time.Second
	sendMaxAttempts = 6
)

// SecurityLogger receives channel-boundary security events for the
// audit trail. All methods must be non-blocking best-effort.
type SecurityLogger interface {
	UnauthorizedReply(decider, payload string)
}

// livePrompt tracks one sent prompt so callbacks and text replies can
// be resolved back to it.
type livePrompt struct {
	prompt   channel.Prompt
	messages map[int64]int // chat id → message id
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	bot         *telego.Bot
	cfg         config.TelegramConfig
	maxFreeText int
	security    SecurityLogger
	replies     chan channel.Reply
	pollCancel  context.CancelFunc
	pollDone    chan struct{}
	mu          sync.Mutex
	live        map[string]*livePrompt // short prompt id → live
	closeOnce   sync.Once
}

// New creates a Telegram channel from config. security may be nil.
func New(cfg config.TelegramConfig, maxFreeText int, security SecurityLogger) (*Channel, error) {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		bot:         bot,
		cfg:         cfg,
		maxFreeText: maxFreeText,
		security:    security,
		replies:     make(chan channel.Reply, replyQueueSize),
		live:        make(map[string]*livePrompt),
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram channel (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.CallbackQuery != nil {
					c.handleCallbackQuery(pollCtx, update.CallbackQuery)
				} else if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// SendPrompt presents a prompt to every allowed operator and returns
// the first message id as the opaque reference.
func (c *Channel) SendPrompt(ctx context.Context, p channel.Prompt) (int64, error) {
	text := formatPrompt(p)
	markup := buildKeyboard(p)

	lp := &livePrompt{prompt: p, messages: make(map[int64]int)}
	var firstRef int64

	for _, userID := range c.cfg.AllowedUsers {
		params := tu.Message(tu.ID(userID), text)
		if markup != nil {
			params.ReplyMarkup = markup
		}
		msg, err := c.sendWithRetry(ctx, params)
		if err != nil {
			slog.Warn("prompt delivery failed", "user", userID, "error", err)
			continue
		}
		lp.messages[userID] = msg.MessageID
		if firstRef == 0 {
			firstRef = int64(msg.MessageID)
		}
	}
	if firstRef == 0 {
		return 0, fmt.Errorf("prompt %s: no operator reachable", p.ID)
	}

	c.mu.Lock()
	c.live[shortID(p.ID)] = lp
	c.mu.Unlock()
	return firstRef, nil
}

// SendMessage broadcasts a plain message to all allowed operators.
func (c *Channel) SendMessage(ctx context.Context, text string) error {
	var lastErr error
	sent := false
	for _, userID := range c.cfg.AllowedUsers {
		if _, err := c.sendWithRetry(ctx, tu.Message(tu.ID(userID), text)); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent && lastErr != nil {
		return fmt.Errorf("send message: %w", lastErr)
	}
	return nil
}

// SendTimeoutNotice reports an expiry and drops the live registration.
func (c *Channel) SendTimeoutNotice(ctx context.Context, p channel.Prompt, injected string) error {
	c.forgetPrompt(p.ID)
	display := injected
	if display == "" || display == "\n" {
		display = "⏎"
	}
	return c.SendMessage(ctx, fmt.Sprintf(
		"⏰ Prompt timed out, safe default %q injected:\n%s", display, p.Excerpt))
}

// AckReply answers the originating callback query after the decision
// guard ran.
func (c *Channel) AckReply(ctx context.Context, r channel.Reply, accepted bool, note string) error {
	if r.AckRef == "" {
		return nil
	}
	if note == "" {
		if accepted {
			note = "Recorded"
		} else {
			note = "Already answered"
		}
	}
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: r.AckRef,
		Text:            note,
	})
	if err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// MarkDecided edits the prompt messages to show the recorded decision
// and removes the keyboard.
func (c *Channel) MarkDecided(ctx context.Context, promptID, value, decider string) error {
	c.mu.Lock()
	lp := c.live[shortID(promptID)]
	delete(c.live, shortID(promptID))
	c.mu.Unlock()
	if lp == nil {
		return nil
	}

	display := value
	switch value {
	case "", "\n":
		display = "⏎"
	}
	text := fmt.Sprintf("✅ Recorded %q (%s)\n%s", display, decider, lp.prompt.Excerpt)
	for chatID, msgID := range lp.messages {
		_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(chatID),
			MessageID: msgID,
			Text:      text,
		})
		if err != nil {
			slog.Debug("edit decided message failed", "chat", chatID, "error", err)
		}
	}
	return nil
}

// Replies returns the bounded incoming reply stream.
func (c *Channel) Replies() <-chan channel.Reply { return c.replies }

// Close stops long polling and waits for the ingestion goroutine.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		slog.Info("stopping telegram channel")
		if c.pollCancel != nil {
			c.pollCancel()
		}
		if c.pollDone != nil {
			select {
			case <-c.pollDone:
			case <-time.After(10 * time.Second):
				slog.Warn("telegram polling goroutine did not exit within timeout")
			}
		}
	})
	return nil
}

// handleCallbackQuery authenticates and parses one inline-button tap.
func (c *Channel) handleCallbackQuery(ctx context.Context, q *telego.CallbackQuery) {
	decider := fmt.Sprintf("telegram:%d", q.From.ID)

	if !c.isAllowed(q.From.ID) {
		slog.Warn("callback from unauthorized user", "user", q.From.ID)
		if c.security != nil {
			c.security.UnauthorizedReply(decider, q.Data)
		}
		c.answer(ctx, q.ID, "Not authorized")
		return
	}

	short, nonce, value, err := channel.ParseCallback(q.Data)
	if err != nil {
		slog.Warn("malformed callback data", "user", q.From.ID, "error", err)
		c.answer(ctx, q.ID, "Invalid action")
		return
	}

	c.mu.Lock()
	lp := c.live[short]
	c.mu.Unlock()
	if lp == nil {
		c.answer(ctx, q.ID, "Prompt no longer active")
		return
	}

	c.deliver(channel.Reply{
		PromptID: lp.prompt.ID,
		Value:    value,
		Decider:  decider,
		Nonce:    nonce,
		AckRef:   q.ID,
	})
}

// handleMessage treats plain text from an allowed operator as the
// answer to the live free-text prompt, if any.
func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	decider := fmt.Sprintf("telegram:%d", msg.From.ID)

	if !c.isAllowed(msg.From.ID) {
		slog.Warn("message from unauthorized user", "user", msg.From.ID)
		if c.security != nil {
			c.security.UnauthorizedReply(decider, msg.Text)
		}
		return
	}

	lp := c.currentFreeText()
	if lp == nil {
		return
	}

	value := msg.Text
	if c.maxFreeText > 0 && len(value) > c.maxFreeText {
		value = value[:c.maxFreeText]
	}
	c.deliver(channel.Reply{
		PromptID: lp.prompt.ID,
		Value:    value,
		Decider:  decider,
		Nonce:    lp.prompt.Nonce,
	})
}

// deliver pushes a reply into the bounded queue, dropping with a
// warning when the consumer is saturated.
func (c *Channel) deliver(r channel.Reply) {
	select {
	case c.replies <- r:
	default:
		slog.Warn("reply queue full, dropping reply", "prompt", r.PromptID, "decider", r.Decider)
	}
}

func (c *Channel) currentFreeText() *livePrompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lp := range c.live {
		if lp.prompt.Kind == store.InputFreeText {
			return lp
		}
	}
	return nil
}

func (c *Channel) forgetPrompt(promptID string) {
	c.mu.Lock()
	delete(c.live, shortID(promptID))
	c.mu.Unlock()
}

func (c *Channel) isAllowed(userID int64) bool {
	for _, id := range c.cfg.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Channel) answer(ctx context.Context, queryID, text string) {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
	})
	if err != nil {
		slog.Debug("answer callback failed", "error", err)
	}
}

// sendWithRetry sends one message with exponential backoff, 1 s base
// doubling to a 60 s cap.
func (c *Channel) sendWithRetry(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	delay := backoffBase
	var lastErr error
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		msg, err := c.bot.SendMessage(ctx, params)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		slog.Warn("telegram send failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
	return nil, lastErr
}

func shortID(promptID string) string {
	if len(promptID) > channel.ShortIDLen {
		return promptID[:channel.ShortIDLen]
	}
	return promptID
}
