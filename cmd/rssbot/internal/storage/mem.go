// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package storage

import (
	"context"
	"slices"
	"time"

	"go.astrophena.name/rssbot/internal/util/syncx"
)

// MemStore is an in-memory implementation of the [Store] interface.
type MemStore struct {
	now   func() time.Time
	state *syncx.Protected[*memState]
}

type memState struct {
	users    map[int64]User
	settings map[int64]Settings
	subs     map[string]Subscription
	tasks    map[string]Task
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		now: time.Now,
		state: syncx.Protect(&memState{
			users:    make(map[int64]User),
			settings: make(map[int64]Settings),
			subs:     make(map[string]Subscription),
			tasks:    make(map[string]Task),
		}),
	}
}

// EnsureUser implements [Store].
func (s *MemStore) EnsureUser(_ context.Context, id, chatID int64) (User, error) {
	var u User
	s.state.Access(func(st *memState) {
		existing, ok := st.users[id]
		if !ok {
			existing = User{ID: id, ChatID: id, CreatedAt: s.now().UTC()}
			st.settings[id] = DefaultSettings()
		}
		if chatID != 0 {
			existing.ChatID = chatID
		}
		st.users[id] = existing
		u = existing
	})
	return u, nil
}

// User implements [Store].
func (s *MemStore) User(_ context.Context, id int64) (User, error) {
	var (
		u  User
		ok bool
	)
	s.state.RAccess(func(st *memState) { u, ok = st.users[id] })
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Settings implements [Store].
func (s *MemStore) Settings(_ context.Context, userID int64) (Settings, error) {
	var (
		set Settings
		ok  bool
	)
	s.state.RAccess(func(st *memState) { set, ok = st.settings[userID] })
	if !ok {
		return Settings{}, ErrNotFound
	}
	return set, nil
}

// UpdateSettings implements [Store].
func (s *MemStore) UpdateSettings(_ context.Context, userID int64, set Settings) error {
	var err error
	s.state.Access(func(st *memState) {
		if _, ok := st.users[userID]; !ok {
			err = ErrNotFound
			return
		}
		st.settings[userID] = set
	})
	return err
}

// AddSubscription implements [Store].
func (s *MemStore) AddSubscription(_ context.Context, sub Subscription) (Subscription, error) {
	var err error
	s.state.Access(func(st *memState) {
		var revive *Subscription
		for _, existing := range st.subs {
			if existing.ChannelID != sub.ChannelID {
				continue
			}
			if existing.Active() {
				switch {
				case existing.URL == sub.URL:
					err = ErrURLExists
					return
				case existing.Name == sub.Name:
					err = ErrNameExists
					return
				}
				continue
			}
			if existing.UserID == sub.UserID && existing.URL == sub.URL {
				if revive == nil || existing.LastSeen.After(revive.LastSeen) {
					revive = &existing
				}
			}
		}

		now := s.now().UTC()
		if revive != nil {
			revive.Name = sub.Name
			revive.ChannelTitle = sub.ChannelTitle
			revive.LastSeen = later(revive.LastSeen, sub.LastSeen)
			revive.UpdatedAt = now
			revive.DeletedAt = nil
			st.subs[revive.ID] = *revive
			sub = *revive
			return
		}

		if sub.ID == "" {
			sub.ID = newID()
		}
		sub.CreatedAt, sub.UpdatedAt, sub.DeletedAt = now, now, nil
		st.subs[sub.ID] = sub
	})
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Subscription implements [Store].
func (s *MemStore) Subscription(_ context.Context, id string) (Subscription, error) {
	var (
		sub Subscription
		ok  bool
	)
	s.state.RAccess(func(st *memState) { sub, ok = st.subs[id] })
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

// SubscriptionByName implements [Store].
func (s *MemStore) SubscriptionByName(ctx context.Context, userID int64, name string) (Subscription, error) {
	subs, err := s.UserSubscriptions(ctx, userID)
	if err != nil {
		return Subscription{}, err
	}
	i := slices.IndexFunc(subs, func(sub Subscription) bool { return sub.Name == name })
	if i < 0 {
		return Subscription{}, ErrNotFound
	}
	return subs[i], nil
}

// ActiveSubscriptions implements [Store].
func (s *MemStore) ActiveSubscriptions(context.Context) ([]Subscription, error) {
	return s.filter(func(sub Subscription) bool { return sub.Active() }), nil
}

// UserSubscriptions implements [Store].
func (s *MemStore) UserSubscriptions(_ context.Context, userID int64) ([]Subscription, error) {
	return s.filter(func(sub Subscription) bool { return sub.Active() && sub.UserID == userID }), nil
}

func (s *MemStore) filter(keep func(Subscription) bool) []Subscription {
	var subs []Subscription
	s.state.RAccess(func(st *memState) {
		for _, sub := range st.subs {
			if keep(sub) {
				subs = append(subs, sub)
			}
		}
	})
	sortSubscriptions(subs)
	return subs
}

// RenameSubscription implements [Store].
func (s *MemStore) RenameSubscription(_ context.Context, id, name string) error {
	var err error
	s.state.Access(func(st *memState) {
		sub, ok := st.subs[id]
		if !ok || !sub.Active() {
			err = ErrNotFound
			return
		}
		for _, other := range st.subs {
			if other.ID != id && other.Active() && other.ChannelID == sub.ChannelID && other.Name == name {
				err = ErrNameExists
				return
			}
		}
		sub.Name = name
		sub.UpdatedAt = s.now().UTC()
		st.subs[id] = sub
	})
	return err
}

// DeleteSubscription implements [Store].
func (s *MemStore) DeleteSubscription(_ context.Context, id string) (bool, error) {
	var deleted bool
	s.state.Access(func(st *memState) {
		sub, ok := st.subs[id]
		if !ok || !sub.Active() {
			return
		}
		now := s.now().UTC()
		sub.DeletedAt = &now
		sub.UpdatedAt = now
		st.subs[id] = sub
		deleted = true
	})
	return deleted, nil
}

// AdvanceWatermark implements [Store].
func (s *MemStore) AdvanceWatermark(_ context.Context, id string, t time.Time) (bool, error) {
	var (
		advanced bool
		err      error
	)
	s.state.Access(func(st *memState) {
		sub, ok := st.subs[id]
		if !ok {
			err = ErrNotFound
			return
		}
		if !t.After(sub.LastSeen) {
			return
		}
		sub.LastSeen = t.UTC()
		sub.UpdatedAt = s.now().UTC()
		st.subs[id] = sub
		advanced = true
	})
	return advanced, err
}

// SetChannelTitle implements [Store].
func (s *MemStore) SetChannelTitle(_ context.Context, channelID, title string) error {
	s.state.Access(func(st *memState) {
		for id, sub := range st.subs {
			if sub.ChannelID == channelID {
				sub.ChannelTitle = title
				st.subs[id] = sub
			}
		}
	})
	return nil
}

// SaveTask implements [Store].
func (s *MemStore) SaveTask(_ context.Context, task Task) error {
	s.state.Access(func(st *memState) { st.tasks[task.ID] = task })
	return nil
}

// DeleteTask implements [Store].
func (s *MemStore) DeleteTask(_ context.Context, id string) error {
	s.state.Access(func(st *memState) { delete(st.tasks, id) })
	return nil
}

// PendingTasks implements [Store].
func (s *MemStore) PendingTasks(context.Context) ([]Task, error) {
	var tasks []Task
	s.state.RAccess(func(st *memState) {
		for _, task := range st.tasks {
			tasks = append(tasks, task)
		}
	})
	slices.SortFunc(tasks, func(a, b Task) int { return a.RunAt.Compare(b.RunAt) })
	return tasks, nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
