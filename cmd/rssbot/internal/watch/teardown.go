// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package watch

import (
	"context"
	"fmt"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/failure"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/messages"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/internal/logger"
)

// Teardown drops the watch of the subscription, deletes it and, if this call
// was the one that deleted it, tells the owner why. It reports whether the
// subscription was deleted by this call.
func (s *Service) Teardown(ctx context.Context, sub storage.Subscription, kind failure.Kind) (bool, error) {
	log := logger.Get(ctx).With("subscription", sub.ID, "kind", kind)

	deleted, err := s.Remove(ctx, sub)
	if err != nil || !deleted {
		return deleted, err
	}
	log.Info("subscription torn down", "name", sub.Name, "channel", sub.ChannelID)

	data := map[string]string{
		"Name":    sub.Name,
		"Bot":     s.botName,
		"Channel": sub.ChannelID,
	}
	if !kind.Permanent() {
		log.Warn("torn down for a non-permanent failure, not notifying owner")
		return true, nil
	}
	key := messages.TeardownDestinationGone
	if kind == failure.BotRemoved {
		key = messages.TeardownBotRemoved
	}
	s.notifyOwner(ctx, sub, messages.Markup(key, data))
	return true, nil
}

// Remove drops the watch of the subscription and deletes it. It reports
// whether the subscription was deleted by this call.
func (s *Service) Remove(ctx context.Context, sub storage.Subscription) (bool, error) {
	s.registry.Unregister(sub.ID)
	deleted, err := s.store.DeleteSubscription(ctx, sub.ID)
	if err != nil {
		return false, fmt.Errorf("deleting subscription %s: %w", sub.ID, err)
	}
	return deleted, nil
}

// TeardownAllWatches removes every active subscription of the user and
// returns the number of removed subscriptions.
func (s *Service) TeardownAllWatches(ctx context.Context, userID int64) (int, error) {
	subs, err := s.store.UserSubscriptions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("loading subscriptions: %w", err)
	}
	var n int
	for _, sub := range subs {
		if !sub.Active() {
			continue
		}
		deleted, err := s.Remove(ctx, sub)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// RegisterWatch makes sure a watch is registered for the subscription.
func (s *Service) RegisterWatch(sub storage.Subscription) bool {
	return s.registry.EnsureRegistered(sub.ID)
}
