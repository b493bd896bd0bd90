// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package bot implements Telegram commands people use to manage their feeds.
package bot

import (
	"cmp"
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/article"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/failure"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/feed"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/messages"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/telegram"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/tgmarkup"
	"go.astrophena.name/rssbot/internal/logger"
	"go.astrophena.name/rssbot/internal/util/syncx"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Defaults for [Config].
const (
	DefaultLimit   = 10
	DefaultWorkers = 8
)

// getMyID is the channel post text the bot answers with the channel ID.
const getMyID = "get my id"

// Callback data of the buttons asking to confirm /delete_all_rss.
const (
	confirmDeleteAll = "confirm_delete_all_rss"
	cancelDeleteAll  = "cancel_delete_all_rss"
)

// Store is the storage used by [Bot].
type Store interface {
	EnsureUser(ctx context.Context, id, chatID int64) (storage.User, error)
	Settings(ctx context.Context, userID int64) (storage.Settings, error)
	UpdateSettings(ctx context.Context, userID int64, s storage.Settings) error
	AddSubscription(ctx context.Context, sub storage.Subscription) (storage.Subscription, error)
	SubscriptionByName(ctx context.Context, userID int64, name string) (storage.Subscription, error)
	UserSubscriptions(ctx context.Context, userID int64) ([]storage.Subscription, error)
	RenameSubscription(ctx context.Context, id, name string) error
	SetChannelTitle(ctx context.Context, channelID, title string) error
}

// Messenger talks to Telegram.
type Messenger interface {
	SendMessage(ctx context.Context, m telegram.Message) error
	Edit(ctx context.Context, chatID int64, messageID int, m tgmarkup.Message) error
	AnswerCallback(ctx context.Context, queryID, text string) error
	Chat(ctx context.Context, chatID string) (telegram.Chat, error)
}

// Feeds fetches feeds.
type Feeds interface {
	Fetch(ctx context.Context, url string) (*feed.Feed, error)
}

// Watches manages watches of subscriptions.
type Watches interface {
	RegisterWatch(sub storage.Subscription) bool
	Remove(ctx context.Context, sub storage.Subscription) (bool, error)
	TeardownAllWatches(ctx context.Context, userID int64) (int, error)
}

// Config configures a [Bot].
type Config struct {
	Store     Store
	Messenger Messenger
	Feeds     Feeds
	Watches   Watches
	// Limit is the maximum number of active subscriptions per user.
	Limit int
	// Workers limits how many updates are handled at once.
	Workers int
}

// Bot handles Telegram updates.
type Bot struct {
	store     Store
	messenger Messenger
	feeds     Feeds
	watches   Watches
	limit     int
	workers   int
	commands  map[string]commandFunc
}

// command is a command sent by a person.
type command struct {
	userID int64
	chatID int64
	args   []string
	msg    *tgbotapi.Message
}

// commandFunc handles a command and returns the reply in Markdown, if any.
type commandFunc func(ctx context.Context, c command) string

// New returns a new [Bot].
func New(cfg Config) *Bot {
	b := &Bot{
		store:     cfg.Store,
		messenger: cfg.Messenger,
		feeds:     cfg.Feeds,
		watches:   cfg.Watches,
		limit:     cfg.Limit,
		workers:   cfg.Workers,
	}
	if b.limit <= 0 {
		b.limit = DefaultLimit
	}
	if b.workers <= 0 {
		b.workers = DefaultWorkers
	}
	b.commands = map[string]commandFunc{
		"start":               b.start,
		"help":                b.help,
		"add_rss":             b.addRSS,
		"my_rss":              b.myRSS,
		"rename_rss":          b.renameRSS,
		"delete_rss":          b.deleteRSS,
		"delete_all_rss":      b.deleteAllRSS,
		"language":            b.language,
		"enable_translation":  b.enableTranslation,
		"disable_translation": b.disableTranslation,
		"get_channel_id":      b.getChannelID,
	}
	return b
}

// Run handles updates until the channel is closed or ctx is done.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	wg := syncx.NewLimitedWaitGroup(b.workers)
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Go(func() { b.HandleUpdate(ctx, upd) })
		}
	}
}

// HandleUpdate handles a single update.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		b.handleMessage(ctx, upd.Message)
	case upd.ChannelPost != nil:
		b.handleChannelPost(ctx, upd.ChannelPost)
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	log := logger.Get(ctx).With("user", msg.From.ID, "chat", msg.Chat.ID)

	// A message forwarded from a channel asks for the channel ID.
	if msg.ForwardFromChat != nil && msg.Chat.IsPrivate() {
		b.reply(ctx, msg.Chat.ID, messages.Render(messages.ChannelID, msg.ForwardFromChat.ID))
		return
	}

	if !msg.IsCommand() {
		if msg.Chat.IsPrivate() {
			b.reply(ctx, msg.Chat.ID, messages.Text(messages.UnknownCommand))
		}
		return
	}

	name := msg.Command()
	log.Info("received command", "command", name)
	f, ok := b.commands[name]
	if !ok {
		b.reply(ctx, msg.Chat.ID, messages.Text(messages.UnknownCommand))
		return
	}

	// Only a private chat with the bot can receive notifications.
	var privateChatID int64
	if msg.Chat.IsPrivate() {
		privateChatID = msg.Chat.ID
	}
	if _, err := b.store.EnsureUser(ctx, msg.From.ID, privateChatID); err != nil {
		log.Error("saving user failed", "error", err)
		b.reply(ctx, msg.Chat.ID, messages.Text(messages.InternalError))
		return
	}

	reply := f(ctx, command{
		userID: msg.From.ID,
		chatID: msg.Chat.ID,
		args:   strings.Fields(msg.CommandArguments()),
		msg:    msg,
	})
	if reply != "" {
		b.reply(ctx, msg.Chat.ID, reply)
	}
}

func (b *Bot) handleChannelPost(ctx context.Context, post *tgbotapi.Message) {
	if post.Chat == nil {
		return
	}
	log := logger.Get(ctx).With("channel", post.Chat.ID)

	if post.NewChatTitle != "" {
		ids := []string{strconv.FormatInt(post.Chat.ID, 10)}
		if post.Chat.UserName != "" {
			ids = append(ids, "@"+post.Chat.UserName)
		}
		for _, id := range ids {
			if err := b.store.SetChannelTitle(ctx, id, post.NewChatTitle); err != nil {
				log.Error("updating channel title failed", "error", err)
			}
		}
		log.Info("channel title changed", "title", post.NewChatTitle)
	}

	if strings.EqualFold(strings.TrimSpace(post.Text), getMyID) && post.Chat.UserName == "" {
		b.reply(ctx, post.Chat.ID, messages.Render(messages.ChannelID, post.Chat.ID))
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return
	}
	log := logger.Get(ctx).With("user", q.From.ID, "chat", q.Message.Chat.ID)
	defer func() {
		if err := b.messenger.AnswerCallback(ctx, q.ID, ""); err != nil {
			log.Warn("answering callback failed", "error", err)
		}
	}()

	var text string
	switch q.Data {
	case confirmDeleteAll:
		log.Info("received callback", "data", q.Data)
		text = b.deleteAll(ctx, q.From.ID)
	case cancelDeleteAll:
		text = messages.Text(messages.DeleteAllCancelled)
	default:
		log.Warn("unknown callback", "data", q.Data)
		return
	}
	if err := b.messenger.Edit(ctx, q.Message.Chat.ID, q.Message.MessageID, tgmarkup.FromMarkdown(text)); err != nil {
		log.Warn("editing message failed", "error", err)
	}
}

// reply sends the Markdown text to the chat.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	b.send(ctx, telegram.Message{
		ChatID:  strconv.FormatInt(chatID, 10),
		Message: tgmarkup.FromMarkdown(text),
	})
}

func (b *Bot) send(ctx context.Context, m telegram.Message) {
	if err := b.messenger.SendMessage(ctx, m); err != nil {
		logger.Get(ctx).Warn("sending reply failed", "chat", m.ChatID, "error", err)
	}
}

func (b *Bot) start(ctx context.Context, c command) string {
	return messages.Text(messages.Start)
}

func (b *Bot) help(ctx context.Context, c command) string {
	return messages.Text(messages.Help)
}

func (b *Bot) getChannelID(ctx context.Context, c command) string {
	return messages.Text(messages.GetChannelID)
}

var (
	privateChannelRe = regexp.MustCompile(`^-\d+$`)
	publicChannelRe  = regexp.MustCompile(`^@[a-zA-Z0-9_]{5,}$`)
)

func validChannelID(id string) bool {
	return privateChannelRe.MatchString(id) || publicChannelRe.MatchString(id)
}

func validName(name string) bool {
	return name != "" && !strings.ContainsFunc(name, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n'
	})
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (b *Bot) addRSS(ctx context.Context, c command) string {
	log := logger.Get(ctx).With("user", c.userID)

	if len(c.args) != 3 {
		return messages.Text(messages.AddUsage)
	}
	channelID, name, feedURL := c.args[0], c.args[1], c.args[2]
	switch {
	case !validChannelID(channelID):
		return messages.Text(messages.InvalidChannelID)
	case !validName(name):
		return messages.Text(messages.InvalidName)
	case !validURL(feedURL):
		return messages.Text(messages.InvalidURL)
	}

	subs, err := b.store.UserSubscriptions(ctx, c.userID)
	if err != nil {
		log.Error("loading subscriptions failed", "error", err)
		return messages.Text(messages.InternalError)
	}
	if len(subs) >= b.limit {
		return messages.Render(messages.LimitReached, b.limit)
	}
	if _, err := b.store.SubscriptionByName(ctx, c.userID, name); err == nil {
		return messages.Text(messages.NameExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Error("looking up subscription failed", "error", err)
		return messages.Text(messages.InternalError)
	}

	b.reply(ctx, c.chatID, messages.Text(messages.Processing))

	chat, err := b.messenger.Chat(ctx, channelID)
	if err != nil {
		if reply, ok := channelErrorReply(channelID, err); ok {
			return reply
		}
		log.Error("checking channel failed", "channel", channelID, "error", err)
		return messages.Text(messages.InternalError)
	}

	fd, err := b.feeds.Fetch(ctx, feedURL)
	if err != nil {
		log.Warn("fetching feed failed", "url", feedURL, "error", err)
		return messages.Text(messages.UnreachableURL)
	}

	sub, err := b.store.AddSubscription(ctx, storage.Subscription{
		UserID:       c.userID,
		ChannelID:    channelID,
		ChannelTitle: chat.Title,
		URL:          feedURL,
		Name:         name,
		LastSeen:     fd.Newest(),
	})
	switch {
	case errors.Is(err, storage.ErrURLExists):
		return messages.Text(messages.URLExists)
	case errors.Is(err, storage.ErrNameExists):
		return messages.Text(messages.NameExists)
	case err != nil:
		log.Error("adding subscription failed", "error", err)
		return messages.Text(messages.InternalError)
	}

	b.watches.RegisterWatch(sub)
	data := map[string]string{"Name": sub.Name}
	if !sub.CreatedAt.Equal(sub.UpdatedAt) {
		log.Info("subscription reactivated", "subscription", sub.ID)
		return messages.Render(messages.Reactivated, data)
	}
	log.Info("subscription added", "subscription", sub.ID)
	return messages.Render(messages.Added, data)
}

// channelErrorReply returns the reply explaining why the channel can't be
// used, if err says so.
func channelErrorReply(channelID string, err error) (string, bool) {
	switch failure.Classify(err) {
	case failure.BotRemoved:
		return messages.Render(messages.BotNotMember, channelID), true
	case failure.DestinationGone:
		return messages.Render(messages.ChannelNotFound, channelID), true
	case failure.MemberListInaccessible:
		return messages.Text(messages.MemberListInaccessible), true
	}
	return "", false
}

func (b *Bot) myRSS(ctx context.Context, c command) string {
	subs, err := b.store.UserSubscriptions(ctx, c.userID)
	if err != nil {
		logger.Get(ctx).Error("loading subscriptions failed", "user", c.userID, "error", err)
		return messages.Text(messages.InternalError)
	}
	if len(subs) == 0 {
		return messages.Text(messages.NoFeeds)
	}

	type row struct{ Name, Channel, LastSeen, URL string }
	rows := make([]row, 0, len(subs))
	for _, sub := range subs {
		rows = append(rows, row{
			Name:     sub.Name,
			Channel:  cmp.Or(sub.ChannelTitle, sub.ChannelID),
			LastSeen: lastSeen(sub.LastSeen),
			URL:      sub.URL,
		})
	}
	return messages.Render(messages.FeedList, map[string]any{
		"Subscriptions": rows,
		"Available":     max(b.limit-len(subs), 0),
	})
}

func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func (b *Bot) renameRSS(ctx context.Context, c command) string {
	if len(c.args) != 2 {
		return messages.Text(messages.RenameUsage)
	}
	oldName, newName := c.args[0], c.args[1]
	if !validName(newName) {
		return messages.Text(messages.InvalidName)
	}

	sub, err := b.store.SubscriptionByName(ctx, c.userID, oldName)
	if errors.Is(err, storage.ErrNotFound) {
		return messages.Render(messages.FeedNotFound, oldName)
	}
	if err != nil {
		logger.Get(ctx).Error("looking up subscription failed", "user", c.userID, "error", err)
		return messages.Text(messages.InternalError)
	}
	if oldName == newName {
		return messages.Render(messages.Renamed, map[string]string{"Old": oldName, "New": newName})
	}
	if _, err := b.store.SubscriptionByName(ctx, c.userID, newName); err == nil {
		return messages.Text(messages.NameExists)
	}

	switch err := b.store.RenameSubscription(ctx, sub.ID, newName); {
	case errors.Is(err, storage.ErrNameExists):
		return messages.Text(messages.NameExists)
	case errors.Is(err, storage.ErrNotFound):
		return messages.Render(messages.FeedNotFound, oldName)
	case err != nil:
		logger.Get(ctx).Error("renaming subscription failed", "subscription", sub.ID, "error", err)
		return messages.Text(messages.InternalError)
	}
	return messages.Render(messages.Renamed, map[string]string{"Old": oldName, "New": newName})
}

func (b *Bot) deleteRSS(ctx context.Context, c command) string {
	if len(c.args) != 1 {
		return messages.Text(messages.DeleteUsage)
	}
	name := c.args[0]

	sub, err := b.store.SubscriptionByName(ctx, c.userID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return messages.Render(messages.FeedNotFound, name)
	}
	if err != nil {
		logger.Get(ctx).Error("looking up subscription failed", "user", c.userID, "error", err)
		return messages.Text(messages.InternalError)
	}

	if _, err := b.watches.Remove(ctx, sub); err != nil {
		logger.Get(ctx).Error("removing subscription failed", "subscription", sub.ID, "error", err)
		return messages.Text(messages.InternalError)
	}
	return messages.Render(messages.Deleted, map[string]string{
		"Name":    sub.Name,
		"Channel": cmp.Or(sub.ChannelTitle, sub.ChannelID),
	})
}

// deleteAllRSS asks to confirm deletion of all feeds with an inline keyboard.
// The answer comes as a callback query.
func (b *Bot) deleteAllRSS(ctx context.Context, c command) string {
	subs, err := b.store.UserSubscriptions(ctx, c.userID)
	if err != nil {
		logger.Get(ctx).Error("loading subscriptions failed", "user", c.userID, "error", err)
		return messages.Text(messages.InternalError)
	}
	if len(subs) == 0 {
		return messages.Text(messages.NoFeeds)
	}

	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(messages.Text(messages.ConfirmDeleteAllButton), confirmDeleteAll),
		tgbotapi.NewInlineKeyboardButtonData(messages.Text(messages.CancelDeleteAllButton), cancelDeleteAll),
	))
	b.send(ctx, telegram.Message{
		ChatID:   strconv.FormatInt(c.chatID, 10),
		Message:  messages.Markup(messages.ConfirmDeleteAll, nil),
		Keyboard: &kb,
	})
	return ""
}

func (b *Bot) deleteAll(ctx context.Context, userID int64) string {
	n, err := b.watches.TeardownAllWatches(ctx, userID)
	if err != nil {
		logger.Get(ctx).Error("removing subscriptions failed", "user", userID, "error", err)
		return messages.Text(messages.InternalError)
	}
	if n == 0 {
		return messages.Text(messages.NoFeeds)
	}
	return messages.Text(messages.AllDeleted)
}

func (b *Bot) settings(ctx context.Context, userID int64) (storage.Settings, bool) {
	s, err := b.store.Settings(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DefaultSettings(), true
	}
	if err != nil {
		logger.Get(ctx).Error("loading settings failed", "user", userID, "error", err)
		return storage.Settings{}, false
	}
	return s, true
}

func (b *Bot) updateSettings(ctx context.Context, userID int64, s storage.Settings) bool {
	if err := b.store.UpdateSettings(ctx, userID, s); err != nil {
		logger.Get(ctx).Error("saving settings failed", "user", userID, "error", err)
		return false
	}
	return true
}

func (b *Bot) language(ctx context.Context, c command) string {
	s, ok := b.settings(ctx, c.userID)
	if !ok {
		return messages.Text(messages.InternalError)
	}

	if len(c.args) == 0 {
		return messages.Render(messages.Language, map[string]any{
			"Language": article.LanguageName(s.Language),
			"Enabled":  s.TranslationEnabled,
			"Codes":    strings.Join(storage.Languages, ", "),
		})
	}

	code := strings.ToLower(c.args[0])
	if !storage.IsSupportedLanguage(code) {
		return messages.Render(messages.UnsupportedLanguage, code)
	}
	s.Language = code
	if !b.updateSettings(ctx, c.userID, s) {
		return messages.Text(messages.InternalError)
	}
	return messages.Render(messages.LanguageSet, article.LanguageName(code))
}

func (b *Bot) enableTranslation(ctx context.Context, c command) string {
	s, ok := b.settings(ctx, c.userID)
	if !ok {
		return messages.Text(messages.InternalError)
	}
	if s.TranslationEnabled {
		return messages.Text(messages.TranslationAlreadyEnabled)
	}
	s.TranslationEnabled = true
	if !b.updateSettings(ctx, c.userID, s) {
		return messages.Text(messages.InternalError)
	}
	return messages.Render(messages.TranslationEnabled, article.LanguageName(s.Language))
}

func (b *Bot) disableTranslation(ctx context.Context, c command) string {
	s, ok := b.settings(ctx, c.userID)
	if !ok {
		return messages.Text(messages.InternalError)
	}
	if !s.TranslationEnabled {
		return messages.Text(messages.TranslationAlreadyDisabled)
	}
	s.TranslationEnabled = false
	if !b.updateSettings(ctx, c.userID, s) {
		return messages.Text(messages.InternalError)
	}
	return messages.Text(messages.TranslationDisabled)
}
