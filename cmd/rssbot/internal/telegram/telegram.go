// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram implements message delivery and destination checks over
// the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/failure"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/tgmarkup"
	"go.astrophena.name/rssbot/internal/logger"
	"go.astrophena.name/rssbot/internal/request"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	sendRetryLimit = 5    // N attempts to retry message sending
	maxMessageLen  = 4096 // in runes
)

// Config configures a [Client].
type Config struct {
	Token string
	// Endpoint is the Bot API endpoint format, see tgbotapi.APIEndpoint.
	Endpoint   string
	HTTPClient *http.Client
	// Dry makes the client log messages instead of sending them.
	Dry bool
}

// Client is a Telegram Bot API client.
type Client struct {
	bot      *tgbotapi.BotAPI
	dry      bool
	scrubber *strings.Replacer
	sleep    func(context.Context, time.Duration) bool
}

// Chat describes a Telegram chat.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	UserName string `json:"username,omitempty"`
}

// New returns a new [Client]. It authenticates the token with the Bot API.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is empty")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = request.DefaultClient
	}

	c := &Client{
		dry:      cfg.Dry,
		scrubber: strings.NewReplacer(cfg.Token, "[EXPUNGED]"),
		sleep:    sleep,
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", c.scrub(err))
	}
	c.bot = bot
	return c, nil
}

// Self returns the bot user.
func (c *Client) Self() tgbotapi.User { return c.bot.Self }

// Message is a formatted message to send.
type Message struct {
	ChatID string
	tgmarkup.Message
	// Keyboard is an optional inline keyboard attached to the message.
	Keyboard *tgbotapi.InlineKeyboardMarkup
}

// Send sends text to the chat, splitting it into several messages if it's too
// long, and retrying requests when rate limited.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	if c.dry {
		logger.Get(ctx).Info("not sending message in dry mode", "chat_id", chatID, "message", text)
		return nil
	}

	for _, chunk := range splitMessage(text) {
		msg, err := newMessage(chatID, chunk)
		if err != nil {
			return err
		}
		if err := c.send(ctx, chatID, msg); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage sends a formatted message. Messages too long to fit in one are
// sent as plain text by [Client.Send] without the keyboard.
func (c *Client) SendMessage(ctx context.Context, m Message) error {
	if utf8.RuneCountInString(m.Text) > maxMessageLen {
		return c.Send(ctx, m.ChatID, m.Text)
	}
	if c.dry {
		logger.Get(ctx).Info("not sending message in dry mode", "chat_id", m.ChatID, "message", m.Text)
		return nil
	}

	msg, err := newMessage(m.ChatID, m.Text)
	if err != nil {
		return err
	}
	msg.Entities = m.Entities
	if m.Keyboard != nil {
		msg.ReplyMarkup = *m.Keyboard
	}
	return c.send(ctx, m.ChatID, msg)
}

// Edit replaces the text of a message sent earlier, removing its keyboard.
func (c *Client) Edit(ctx context.Context, chatID int64, messageID int, m tgmarkup.Message) error {
	if c.dry {
		logger.Get(ctx).Info("not editing message in dry mode", "chat_id", chatID, "message", m.Text)
		return nil
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, m.Text)
	edit.Entities = m.Entities
	return c.send(ctx, strconv.FormatInt(chatID, 10), edit)
}

// AnswerCallback acknowledges a callback query, showing text to the person
// who pressed the button if it's not empty.
func (c *Client) AnswerCallback(ctx context.Context, queryID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.dry {
		return nil
	}
	if _, err := c.bot.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		return c.classify(err)
	}
	return nil
}

// send makes a request, retrying it when rate limited.
func (c *Client) send(ctx context.Context, chatID string, msg tgbotapi.Chattable) error {
	var err error
	for attempt := range sendRetryLimit {
		if err = ctx.Err(); err != nil {
			return err
		}
		_, err = c.bot.Send(msg)
		if err == nil {
			return nil
		}

		retryable, wait := isRateLimited(err)
		if !retryable || attempt == sendRetryLimit-1 {
			break
		}

		logger.Get(ctx).Warn("sending rate limited, waiting", "chat_id", chatID, "wait", wait)
		if !c.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return c.classify(err)
}

func newMessage(chatID, text string) (tgbotapi.MessageConfig, error) {
	if strings.HasPrefix(chatID, "@") {
		return tgbotapi.NewMessageToChannel(chatID, text), nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	return tgbotapi.NewMessage(id, text), nil
}

// Chat returns information about the chat and checks that the bot is still a
// member of it. Failures are annotated with their [failure.Kind].
func (c *Client) Chat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	var (
		cc  tgbotapi.ChatConfig
		ccu = tgbotapi.ChatConfigWithUser{UserID: c.bot.Self.ID}
	)
	if strings.HasPrefix(chatID, "@") {
		cc.SuperGroupUsername = chatID
		ccu.SuperGroupUsername = chatID
	} else {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return Chat{}, fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
		}
		cc.ChatID = id
		ccu.ChatID = id
	}

	chat, err := c.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: cc})
	if err != nil {
		return Chat{}, c.classify(err)
	}
	member, err := c.bot.GetChatMember(tgbotapi.GetChatMemberConfig{ChatConfigWithUser: ccu})
	if err != nil {
		return Chat{}, c.classify(err)
	}
	if member.HasLeft() || member.WasKicked() {
		return Chat{}, failure.Wrap(failure.BotRemoved, fmt.Errorf("bot is %s in chat %s", member.Status, chatID))
	}

	return Chat{ID: chat.ID, Type: chat.Type, Title: chat.Title, UserName: chat.UserName}, nil
}

// Updates returns a channel of incoming updates that is closed when ctx is
// done.
func (c *Client) Updates(ctx context.Context) <-chan tgbotapi.Update {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	upstream := c.bot.GetUpdatesChan(u)

	out := make(chan tgbotapi.Update)
	go func() {
		defer close(out)
		defer c.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-upstream:
				if !ok {
					return
				}
				select {
				case out <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// classify annotates Bot API errors with their failure kind and scrubs the
// token from error messages.
func (c *Client) classify(err error) error {
	err = c.scrub(err)
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if kind := failure.FromTelegram(apiErr.Code, apiErr.Message); kind != failure.Unknown {
			return failure.Wrap(kind, err)
		}
	}
	return err
}

type scrubbedError struct {
	err      error
	scrubber *strings.Replacer
}

func (se *scrubbedError) Error() string { return se.scrubber.Replace(se.err.Error()) }
func (se *scrubbedError) Unwrap() error { return se.err }

func (c *Client) scrub(err error) error {
	if err == nil {
		return nil
	}
	return &scrubbedError{err: err, scrubber: c.scrubber}
}

func splitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxMessageLen {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxMessageLen {
			chunks = append(chunks, text)
			break
		}

		var (
			lastNewline    = -1
			lastWhitespace = -1
			byteCap        = len(text)
			runeCount      int
		)

		for i, r := range text {
			if runeCount == maxMessageLen {
				byteCap = i
				break
			}
			runeCount++

			if r == '\n' {
				lastNewline = i
				continue
			}
			if unicode.IsSpace(r) {
				lastWhitespace = i
			}
		}

		splitAt := byteCap
		switch {
		case lastNewline > 0:
			splitAt = lastNewline
		case lastWhitespace > 0:
			splitAt = lastWhitespace
		}

		chunk := strings.TrimSpace(text[:splitAt])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[splitAt:])
	}

	return chunks
}

func isRateLimited(err error) (bool, time.Duration) {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusTooManyRequests {
		return false, 0
	}
	return true, time.Duration(apiErr.RetryAfter) * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
