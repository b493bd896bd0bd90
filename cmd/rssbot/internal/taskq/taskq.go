// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package taskq implements a queue of one-shot delayed delivery tasks.
//
// Tasks are journaled in storage when enqueued and removed once handled, so
// deliveries that were pending when the process stopped run after restart.
package taskq

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/internal/logger"
	"go.astrophena.name/rssbot/internal/util/syncx"

	"github.com/google/uuid"
)

// DefaultWorkers is the number of tasks handled concurrently by default.
const DefaultWorkers = 4

// ErrStopped is returned by Enqueue after the queue was stopped.
var ErrStopped = errors.New("taskq: queue is stopped")

// Journal persists pending tasks.
type Journal interface {
	SaveTask(ctx context.Context, task storage.Task) error
	DeleteTask(ctx context.Context, id string) error
	PendingTasks(ctx context.Context) ([]storage.Task, error)
}

// Handler handles a task once its run time comes. Errors are logged; the task
// is consumed either way unless the queue is stopping.
type Handler func(ctx context.Context, task storage.Task) error

// Config configures a [Queue].
type Config struct {
	Journal Journal
	Handler Handler
	// Workers limits how many tasks are handled at once. Defaults to
	// DefaultWorkers.
	Workers int
}

// Queue is a delayed task queue.
type Queue struct {
	journal Journal
	handle  Handler
	workers int
	now     func() time.Time

	ready    chan storage.Task
	done     chan struct{}
	stopped  atomic.Bool
	restored atomic.Bool
	pending  *syncx.Protected[map[string]*pendingTask]
	handled  atomic.Int64
}

type pendingTask struct {
	task  storage.Task
	timer *time.Timer
}

// New returns a new [Queue]. Tasks are handled only after [Queue.Run] is
// called.
func New(cfg Config) *Queue {
	q := &Queue{
		journal: cfg.Journal,
		handle:  cfg.Handler,
		workers: cfg.Workers,
		now:     time.Now,
		ready:   make(chan storage.Task),
		done:    make(chan struct{}),
		pending: syncx.Protect(make(map[string]*pendingTask)),
	}
	if q.workers <= 0 {
		q.workers = DefaultWorkers
	}
	return q
}

// Enqueue journals a delivery of item to the subscription and schedules it
// to run after delay.
func (q *Queue) Enqueue(ctx context.Context, subscriptionID string, item storage.Item, delay time.Duration) (storage.Task, error) {
	if q.stopped.Load() {
		return storage.Task{}, ErrStopped
	}
	task := storage.Task{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Item:           item,
		RunAt:          q.now().Add(delay).UTC(),
	}
	if err := q.journal.SaveTask(ctx, task); err != nil {
		return storage.Task{}, err
	}
	q.schedule(task)
	return task, nil
}

func (q *Queue) schedule(task storage.Task) {
	q.pending.Access(func(m map[string]*pendingTask) {
		if _, ok := m[task.ID]; ok {
			return
		}
		d := max(task.RunAt.Sub(q.now()), 0)
		m[task.ID] = &pendingTask{
			task: task,
			timer: time.AfterFunc(d, func() {
				select {
				case q.ready <- task:
				case <-q.done:
				}
			}),
		}
	})
}

// Pending returns tasks waiting for their run time or being handled, ordered
// by run time. A task is removed only after its handler returns.
func (q *Queue) Pending() []storage.Task {
	var tasks []storage.Task
	q.pending.RAccess(func(m map[string]*pendingTask) {
		for _, pt := range m {
			tasks = append(tasks, pt.task)
		}
	})
	slices.SortFunc(tasks, func(a, b storage.Task) int { return a.RunAt.Compare(b.RunAt) })
	return tasks
}

// Handled returns the number of tasks handled since start.
func (q *Queue) Handled() int64 { return q.handled.Load() }

// Restore schedules tasks left in the journal by a previous run, so that
// they are listed by [Queue.Pending]. Only the first successful call has an
// effect.
func (q *Queue) Restore(ctx context.Context) error {
	if !q.restored.CompareAndSwap(false, true) {
		return nil
	}
	tasks, err := q.journal.PendingTasks(ctx)
	if err != nil {
		q.restored.Store(false)
		return err
	}
	if len(tasks) > 0 {
		logger.Get(ctx).Info("restoring pending tasks", "count", len(tasks))
	}
	for _, task := range tasks {
		q.schedule(task)
	}
	return nil
}

// Run restores journaled tasks unless [Queue.Restore] did it already, and
// handles tasks until ctx is canceled. It waits for in-flight tasks before
// returning. Run must be called only once.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.Restore(ctx); err != nil {
		return err
	}

	wg := syncx.NewLimitedWaitGroup(q.workers)
loop:
	for {
		select {
		case task := <-q.ready:
			wg.Go(func() { q.process(ctx, task) })
		case <-ctx.Done():
			break loop
		}
	}

	q.stopped.Store(true)
	close(q.done)
	q.pending.Access(func(m map[string]*pendingTask) {
		for _, pt := range m {
			pt.timer.Stop()
		}
	})
	wg.Wait()
	return nil
}

func (q *Queue) process(ctx context.Context, task storage.Task) {
	log := logger.Get(ctx).With("task", task.ID, "subscription", task.SubscriptionID)

	err := q.handle(ctx, task)
	q.handled.Add(1)
	q.pending.Access(func(m map[string]*pendingTask) { delete(m, task.ID) })

	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown; keep it journaled to run after restart.
		log.Debug("task interrupted", "error", err)
		return
	}
	if err != nil {
		log.Warn("task failed", "error", err)
	}
	if err := q.journal.DeleteTask(context.WithoutCancel(ctx), task.ID); err != nil {
		log.Error("removing task from journal failed", "error", err)
	}
}
