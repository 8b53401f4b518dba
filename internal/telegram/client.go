// Package telegram provides a client for sending oracle alerts via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/navoracle/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	decimals       uint8
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client. Answers in alerts are rendered
// using the given fixed-point decimals.
func NewClient(botToken, chatID string, decimals uint8, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		decimals:       decimals,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendKillSwitch alerts that the anomaly guard has latched the feed off.
func (c *Client) SendKillSwitch(event *models.AnomalyEvent) error {
	baseline := "last answer"
	if event.BaselineKind == models.BaselineTWAA {
		baseline = "time\\-weighted average"
	}
	text := fmt.Sprintf(
		"🛑 *Kill switch tripped*\n"+
			"Answer: `%s`\n"+
			"Baseline \\(%s\\): `%s`\n"+
			"Change: `%s bps`\n"+
			"At: %s",
		escapeMarkdownV2(c.formatAnswer(event.Answer)),
		baseline,
		escapeMarkdownV2(c.formatAnswer(event.Baseline)),
		escapeMarkdownV2(strconv.FormatInt(event.ChangeBps, 10)),
		escapeMarkdownV2(time.Unix(event.Timestamp, 0).UTC().Format("2006-01-02 15:04:05 MST")),
	)
	return c.sendMarkdownV2(text)
}

// SendStale warns that the feed has gone stale past heartbeat plus grace.
func (c *Client) SendStale(lastUpdate int64, age time.Duration) error {
	text := fmt.Sprintf(
		"⏰ *Feed stale*\nLast update: %s\nAge: %s",
		escapeMarkdownV2(time.Unix(lastUpdate, 0).UTC().Format("2006-01-02 15:04:05 MST")),
		escapeMarkdownV2(age.Round(time.Second).String()),
	)
	return c.sendMarkdownV2(text)
}

// SendRegistrationActive announces a completed upkeep registration.
func (c *Client) SendRegistrationActive(name, forwarder string) error {
	text := fmt.Sprintf(
		"🔗 *Upkeep registered*\nName: `%s`\nForwarder: `%s`",
		escapeMarkdownV2(name), escapeMarkdownV2(forwarder),
	)
	return c.sendMarkdownV2(text)
}

// SendError sends a keeper cycle error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Keeper cycle error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Keeper recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// formatAnswer renders a scaled fixed-point integer as a decimal string.
func (c *Client) formatAnswer(v *big.Int) string {
	if v == nil {
		return "none"
	}
	s := new(big.Int).Abs(v).String()
	d := int(c.decimals)
	if d == 0 {
		if v.Sign() < 0 {
			return "-" + s
		}
		return s
	}
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	out := s[:len(s)-d] + "." + s[len(s)-d:]
	if v.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
