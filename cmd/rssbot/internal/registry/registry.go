// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package registry keeps one recurring trigger per key on top of cron.
package registry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.astrophena.name/rssbot/internal/util/syncx"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is how often a registered job runs by default.
const DefaultInterval = 500 * time.Second

// Job is run every interval for a registered key.
type Job func(ctx context.Context, key string)

// Config configures a [Registry].
type Config struct {
	Interval time.Duration
	Job      Job
	Logger   *slog.Logger
}

// Registry is a set of recurring triggers addressed by key. Registering is
// idempotent.
type Registry struct {
	cron     *cron.Cron
	interval time.Duration
	job      Job
	ctx      context.Context
	entries  *syncx.Protected[map[string]cron.EntryID]
}

// Entry describes a registered trigger.
type Entry struct {
	Key  string    `json:"key"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitzero"`
}

// New returns a new stopped [Registry].
func New(cfg Config) *Registry {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cl := cronLogger{log}
	return &Registry{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		interval: interval,
		job:      cfg.Job,
		ctx:      context.Background(),
		entries:  syncx.Protect(make(map[string]cron.EntryID)),
	}
}

// Start starts running jobs with ctx passed to them.
func (r *Registry) Start(ctx context.Context) {
	r.ctx = ctx
	r.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to complete.
func (r *Registry) Stop() {
	<-r.cron.Stop().Done()
}

// EnsureRegistered installs a recurring trigger for key. It reports whether
// the trigger was added; registering a known key does nothing.
func (r *Registry) EnsureRegistered(key string) bool {
	var added bool
	r.entries.Access(func(m map[string]cron.EntryID) {
		if _, ok := m[key]; ok {
			return
		}
		m[key] = r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() {
			r.job(r.ctx, key)
		}))
		added = true
	})
	return added
}

// Unregister removes the trigger for key. It reports whether there was one.
func (r *Registry) Unregister(key string) bool {
	var removed bool
	r.entries.Access(func(m map[string]cron.EntryID) {
		id, ok := m[key]
		if !ok {
			return
		}
		r.cron.Remove(id)
		delete(m, key)
		removed = true
	})
	return removed
}

// Keys returns registered keys, sorted.
func (r *Registry) Keys() []string {
	var keys []string
	r.entries.RAccess(func(m map[string]cron.EntryID) {
		keys = slices.Sorted(maps.Keys(m))
	})
	return keys
}

// Entries returns registered triggers with their schedule, sorted by key.
func (r *Registry) Entries() []Entry {
	var entries []Entry
	r.entries.RAccess(func(m map[string]cron.EntryID) {
		for key, id := range m {
			e := r.cron.Entry(id)
			entries = append(entries, Entry{Key: key, Next: e.Next, Prev: e.Prev})
		}
	})
	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return entries
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
