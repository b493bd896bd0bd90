// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package storage persists users, their settings, feed subscriptions and
// pending delivery tasks.
//
// Three implementations of [Store] are provided: [MemStore] for tests and
// dry runs, [SQLiteStore] for single-node deployments and [PostgresStore].
package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrURLExists  = errors.New("this channel is already subscribed to this feed")
	ErrNameExists = errors.New("this channel already has a feed with this name")
)

// DefaultLanguage is the language code new users get.
const DefaultLanguage = "en"

// Languages lists supported ISO 639-1 language codes.
var Languages = []string{"en", "ru", "es", "fr", "de", "ja", "it", "pt", "zh"}

// IsSupportedLanguage reports whether code is one of [Languages].
func IsSupportedLanguage(code string) bool {
	return slices.Contains(Languages, strings.ToLower(code))
}

// User is a person talking to the bot.
type User struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"` // private chat with the bot
	CreatedAt time.Time `json:"created_at"`
}

// Settings are per-user delivery preferences.
type Settings struct {
	TranslationEnabled bool   `json:"translation_enabled"`
	Language           string `json:"language"`
}

// DefaultSettings returns settings assigned to new users.
func DefaultSettings() Settings { return Settings{Language: DefaultLanguage} }

// Subscription binds a feed URL to a destination channel on behalf of a user.
type Subscription struct {
	ID           string     `json:"id"`
	UserID       int64      `json:"user_id"`
	ChannelID    string     `json:"channel_id"`
	ChannelTitle string     `json:"channel_title"`
	URL          string     `json:"url"`
	Name         string     `json:"name"`
	LastSeen     time.Time  `json:"last_seen"` // watermark: newest delivered publish time
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the subscription is not soft-deleted.
func (s Subscription) Active() bool { return s.DeletedAt == nil }

// Item is an immutable snapshot of a feed item taken when it was detected.
type Item struct {
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	Content   string    `json:"content,omitempty"`
	Published time.Time `json:"published"`
}

// Task is a pending delivery of one item to one subscription.
type Task struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Item           Item      `json:"item"`
	RunAt          time.Time `json:"run_at"`
}

// Store is the persistence interface used by the rest of the bot.
type Store interface {
	// EnsureUser creates the user with default settings if it doesn't exist
	// yet and keeps its private chat ID current. A zero chatID leaves the
	// stored chat unchanged; new users then default to their own ID, which
	// Telegram uses for the private chat too.
	EnsureUser(ctx context.Context, id, chatID int64) (User, error)
	// User returns a user or ErrNotFound.
	User(ctx context.Context, id int64) (User, error)
	// Settings returns user's settings or ErrNotFound.
	Settings(ctx context.Context, userID int64) (Settings, error)
	// UpdateSettings replaces user's settings.
	UpdateSettings(ctx context.Context, userID int64, s Settings) error

	// AddSubscription stores a new subscription. If the same user had a
	// deleted subscription of the same channel to the same URL, it is
	// reactivated instead, and the later of both watermarks wins.
	//
	// It fails with ErrURLExists or ErrNameExists if an active subscription
	// of the same channel already uses the URL or name.
	AddSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	// Subscription returns a subscription, deleted or not, or ErrNotFound.
	Subscription(ctx context.Context, id string) (Subscription, error)
	// SubscriptionByName returns an active subscription of the user by name.
	SubscriptionByName(ctx context.Context, userID int64, name string) (Subscription, error)
	// ActiveSubscriptions returns all active subscriptions.
	ActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	// UserSubscriptions returns active subscriptions of a user.
	UserSubscriptions(ctx context.Context, userID int64) ([]Subscription, error)
	// RenameSubscription changes the name of an active subscription.
	RenameSubscription(ctx context.Context, id, name string) error
	// DeleteSubscription soft-deletes a subscription. It reports whether this
	// call performed the deletion, so concurrent callers can tell who won.
	DeleteSubscription(ctx context.Context, id string) (bool, error)
	// AdvanceWatermark moves the watermark to t if t is later than the stored
	// one. It never moves the watermark backward.
	AdvanceWatermark(ctx context.Context, id string, t time.Time) (bool, error)
	// SetChannelTitle updates the cached title of a channel on every
	// subscription pointing at it.
	SetChannelTitle(ctx context.Context, channelID, title string) error

	// SaveTask journals a pending delivery task.
	SaveTask(ctx context.Context, task Task) error
	// DeleteTask removes a task from the journal. Deleting a missing task is
	// not an error.
	DeleteTask(ctx context.Context, id string) error
	// PendingTasks returns journaled tasks ordered by run time.
	PendingTasks(ctx context.Context) ([]Task, error)

	// Close releases resources held by the store.
	Close() error
}

func newID() string { return uuid.NewString() }

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sortSubscriptions(subs []Subscription) {
	slices.SortFunc(subs, func(a, b Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
