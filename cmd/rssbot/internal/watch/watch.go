// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package watch implements the feed watch scheduler: recurring watch cycles
// that detect unseen items, and delivery of those items to channels.
package watch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/failure"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/feed"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/messages"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/pipeline"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/telegram"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/tgmarkup"
	"go.astrophena.name/rssbot/internal/logger"
	"go.astrophena.name/rssbot/internal/util/syncx"

	"golang.org/x/time/rate"
)

// Defaults for [Config].
const (
	DefaultDeliveryDelay   = 50 * time.Second
	DefaultEnqueueInterval = 5 * time.Second
)

var (
	// ErrSubscriptionGone means the subscription doesn't exist or was deleted.
	ErrSubscriptionGone = errors.New("subscription is gone")
	// ErrNoNewItems means a watch cycle found nothing to deliver.
	ErrNoNewItems = errors.New("no new items")
)

// Store is the storage used by [Service].
type Store interface {
	User(ctx context.Context, id int64) (storage.User, error)
	Settings(ctx context.Context, userID int64) (storage.Settings, error)
	Subscription(ctx context.Context, id string) (storage.Subscription, error)
	ActiveSubscriptions(ctx context.Context) ([]storage.Subscription, error)
	UserSubscriptions(ctx context.Context, userID int64) ([]storage.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) (bool, error)
	AdvanceWatermark(ctx context.Context, id string, t time.Time) (bool, error)
}

// Feeds fetches feeds.
type Feeds interface {
	Fetch(ctx context.Context, url string) (*feed.Feed, error)
}

// Messenger talks to the messaging platform.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) error
	SendMessage(ctx context.Context, m telegram.Message) error
	Chat(ctx context.Context, chatID string) (telegram.Chat, error)
}

// Preparer turns an item into a message.
type Preparer interface {
	Prepare(ctx context.Context, item storage.Item, settings storage.Settings) (pipeline.Result, error)
}

// Registry keeps recurring watch triggers.
type Registry interface {
	EnsureRegistered(key string) bool
	Unregister(key string) bool
	Keys() []string
}

// Queue schedules delivery tasks.
type Queue interface {
	Enqueue(ctx context.Context, subscriptionID string, item storage.Item, delay time.Duration) (storage.Task, error)
	// Pending returns tasks that are scheduled or running. A task leaves
	// the list only after its delivery has finished.
	Pending() []storage.Task
}

// Config configures a [Service].
type Config struct {
	Store     Store
	Feeds     Feeds
	Messenger Messenger
	Preparer  Preparer
	Registry  Registry
	Queue     Queue
	// BotName is the bot username, mentioned in teardown notifications.
	BotName string
	// DeliveryDelay is how long a delivery task waits before running.
	DeliveryDelay time.Duration
	// EnqueueInterval is the pause between enqueuing deliveries within one
	// watch cycle.
	EnqueueInterval time.Duration
}

// Service runs watch cycles and deliveries.
type Service struct {
	store           Store
	feeds           Feeds
	messenger       Messenger
	preparer        Preparer
	registry        Registry
	queue           Queue
	botName         string
	deliveryDelay   time.Duration
	enqueueInterval time.Duration

	// cycles serializes watch cycles of a subscription.
	cycles     syncx.KeyedMutex[string]
	watermarks syncx.KeyedMutex[string]
	// warned holds subscriptions whose owners were told that the bot can't
	// check its membership in the channel.
	warned *syncx.Protected[map[string]bool]
}

// New returns a new [Service].
func New(cfg Config) *Service {
	s := &Service{
		store:           cfg.Store,
		feeds:           cfg.Feeds,
		messenger:       cfg.Messenger,
		preparer:        cfg.Preparer,
		registry:        cfg.Registry,
		queue:           cfg.Queue,
		botName:         cfg.BotName,
		deliveryDelay:   cfg.DeliveryDelay,
		enqueueInterval: cfg.EnqueueInterval,
		warned:          syncx.Protect(make(map[string]bool)),
	}
	if s.deliveryDelay == 0 {
		s.deliveryDelay = DefaultDeliveryDelay
	}
	if s.enqueueInterval == 0 {
		s.enqueueInterval = DefaultEnqueueInterval
	}
	return s
}

// Watch runs one watch cycle for the subscription: it checks that the
// destination is still reachable, fetches the feed and enqueues a delivery
// task for every item published after the watermark that isn't already
// waiting for delivery.
func (s *Service) Watch(ctx context.Context, id string) error {
	unlock := s.cycles.Lock(id)
	defer unlock()

	// Pending tasks must be listed before the watermark is loaded: a task
	// that finished in between has advanced the watermark already.
	scheduled := s.scheduled(id)

	sub, err := s.activeSubscription(ctx, id)
	if err != nil {
		return err
	}

	if err := s.checkReachable(ctx, sub); err != nil {
		return err
	}

	fd, err := s.feeds.Fetch(ctx, sub.URL)
	if err != nil {
		return fmt.Errorf("fetching %q: %w", sub.URL, err)
	}

	unseen := slices.DeleteFunc(Unseen(fd.Items, sub.LastSeen), func(item storage.Item) bool {
		return scheduled[itemKey(item)]
	})
	if len(unseen) == 0 {
		return ErrNoNewItems
	}

	log := logger.Get(ctx).With("subscription", sub.ID, "name", sub.Name)
	log.Info("found unseen items", "count", len(unseen), "scheduled", len(scheduled))

	lim := rate.NewLimiter(rate.Every(s.enqueueInterval), 1)
	for _, item := range unseen {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		task, err := s.queue.Enqueue(ctx, sub.ID, item, s.deliveryDelay)
		if err != nil {
			return fmt.Errorf("enqueuing %q: %w", item.Link, err)
		}
		log.Debug("enqueued delivery", "task", task.ID, "item", item.Link, "run_at", task.RunAt)
	}
	return nil
}

type itemRef struct {
	link      string
	published int64
}

func itemKey(item storage.Item) itemRef {
	return itemRef{link: item.Link, published: item.Published.UnixNano()}
}

// scheduled returns items of the subscription that are waiting for delivery.
func (s *Service) scheduled(id string) map[itemRef]bool {
	m := make(map[itemRef]bool)
	for _, task := range s.queue.Pending() {
		if task.SubscriptionID == id {
			m[itemKey(task.Item)] = true
		}
	}
	return m
}

// Unseen returns items published strictly after watermark, iterating items
// from the last one to the first. Items without a publish time are skipped.
func Unseen(items []feed.Item, watermark time.Time) []storage.Item {
	var unseen []storage.Item
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Published.IsZero() || !item.Published.After(watermark) {
			continue
		}
		unseen = append(unseen, storage.Item(item))
	}
	return unseen
}

// RunWatch runs [Service.Watch] and logs the outcome. It is what the
// recurring trigger calls.
func (s *Service) RunWatch(ctx context.Context, id string) {
	log := logger.Get(ctx).With("subscription", id)

	err := s.Watch(ctx, id)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrNoNewItems):
		log.Debug("no new items")
		return
	case errors.Is(err, ErrSubscriptionGone):
		log.Info("subscription is gone, dropping watch", "error", err)
		if s.registry.Unregister(id) {
			log.Debug("unregistered watch")
		}
		return
	case ctx.Err() != nil:
		return
	}

	kind := failure.Classify(err)
	if kind.Transient() || kind == failure.MemberListInaccessible {
		log.Warn("watch failed", "kind", kind, "error", err)
		return
	}
	log.Error("watch failed", "kind", kind, "error", err)
}

// checkReachable checks that the bot can still post to the subscription
// channel and tears the subscription down if it can't.
func (s *Service) checkReachable(ctx context.Context, sub storage.Subscription) error {
	_, err := s.messenger.Chat(ctx, sub.ChannelID)
	if err == nil {
		s.warned.Access(func(m map[string]bool) { delete(m, sub.ID) })
		return nil
	}

	kind := failure.Classify(err)
	if kind.Permanent() {
		if _, terr := s.Teardown(ctx, sub, kind); terr != nil {
			return terr
		}
		return fmt.Errorf("%w: %w", ErrSubscriptionGone, err)
	}
	if kind == failure.MemberListInaccessible {
		s.warnOwner(ctx, sub)
	}
	return fmt.Errorf("checking channel %s: %w", sub.ChannelID, err)
}

func (s *Service) warnOwner(ctx context.Context, sub storage.Subscription) {
	var first bool
	s.warned.Access(func(m map[string]bool) {
		first = !m[sub.ID]
		m[sub.ID] = true
	})
	if !first {
		return
	}
	s.notifyOwner(ctx, sub, messages.Markup(messages.MemberListWarning, map[string]string{
		"Name":    sub.Name,
		"Channel": sub.ChannelID,
	}))
}

// Deliver runs a delivery task: it prepares the item, sends it to the
// subscription channel and advances the watermark.
func (s *Service) Deliver(ctx context.Context, task storage.Task) error {
	sub, err := s.activeSubscription(ctx, task.SubscriptionID)
	if err != nil {
		return err
	}

	settings, err := s.store.Settings(ctx, sub.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		settings = storage.DefaultSettings()
	} else if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	res, err := s.preparer.Prepare(ctx, task.Item, settings)
	if err != nil {
		return err
	}

	text := pipeline.Compose(res.Title, res.Body, task.Item.Link)
	if err := s.messenger.Send(ctx, sub.ChannelID, text); err != nil {
		if kind := failure.Classify(err); kind.Permanent() {
			if _, terr := s.Teardown(ctx, sub, kind); terr != nil {
				return terr
			}
			return fmt.Errorf("%w: %w", ErrSubscriptionGone, err)
		}
		return fmt.Errorf("sending %q to %s: %w", task.Item.Link, sub.ChannelID, err)
	}

	unlock := s.watermarks.Lock(sub.ID)
	defer unlock()
	advanced, err := s.store.AdvanceWatermark(ctx, sub.ID, task.Item.Published)
	if err != nil {
		return fmt.Errorf("advancing watermark: %w", err)
	}
	logger.Get(ctx).Debug("delivered item",
		"subscription", sub.ID,
		"item", task.Item.Link,
		"watermark_advanced", advanced,
	)
	return nil
}

// RunDelivery runs [Service.Deliver], dropping tasks of gone subscriptions
// silently. It is what the task queue calls.
func (s *Service) RunDelivery(ctx context.Context, task storage.Task) error {
	err := s.Deliver(ctx, task)
	if errors.Is(err, ErrSubscriptionGone) {
		logger.Get(ctx).Debug("dropping delivery of gone subscription",
			"task", task.ID,
			"subscription", task.SubscriptionID,
			"error", err,
		)
		return nil
	}
	return err
}

func (s *Service) activeSubscription(ctx context.Context, id string) (storage.Subscription, error) {
	sub, err := s.store.Subscription(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Subscription{}, fmt.Errorf("%w: %s", ErrSubscriptionGone, id)
	}
	if err != nil {
		return storage.Subscription{}, fmt.Errorf("loading subscription %s: %w", id, err)
	}
	if !sub.Active() {
		return storage.Subscription{}, fmt.Errorf("%w: %s was deleted", ErrSubscriptionGone, id)
	}
	return sub, nil
}

func (s *Service) notifyOwner(ctx context.Context, sub storage.Subscription, msg tgmarkup.Message) {
	log := logger.Get(ctx).With("subscription", sub.ID, "user", sub.UserID)
	user, err := s.store.User(ctx, sub.UserID)
	if err != nil {
		log.Warn("can't notify owner", "error", err)
		return
	}
	if err := s.messenger.SendMessage(ctx, telegram.Message{
		ChatID:  strconv.FormatInt(user.ChatID, 10),
		Message: msg,
	}); err != nil {
		log.Warn("notifying owner failed", "error", err)
	}
}
