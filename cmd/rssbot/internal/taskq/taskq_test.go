// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package taskq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/internal/testutil"
)

type recorder struct {
	mu    sync.Mutex
	links []string
	got   chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 100)} }

func (r *recorder) handle(_ context.Context, task storage.Task) error {
	r.mu.Lock()
	r.links = append(r.links, task.Item.Link)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-r.got:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}
}

func startQueue(t *testing.T, q *Queue) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
}

func TestQueueRunsDelayedTasks(t *testing.T) {
	t.Parallel()

	journal := storage.NewMemStore()
	rec := newRecorder()
	q := New(Config{Journal: journal, Handler: rec.handle, Workers: 2})
	stop := startQueue(t, q)

	later, err := q.Enqueue(t.Context(), "sub", storage.Item{Link: "https://example.com/later"}, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(t.Context(), "sub", storage.Item{Link: "https://example.com/now"}, 0); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, later.SubscriptionID, "sub")

	rec.wait(t, 2)
	stop()

	testutil.AssertEqual(t, rec.links, []string{"https://example.com/now", "https://example.com/later"})
	pending, err := journal.PendingTasks(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(pending), 0)
	testutil.AssertEqual(t, q.Handled(), int64(2))
}

func TestQueueRestoresJournal(t *testing.T) {
	t.Parallel()

	journal := storage.NewMemStore()
	for _, task := range []storage.Task{
		{ID: "a", SubscriptionID: "s", Item: storage.Item{Link: "https://example.com/a"}, RunAt: time.Now().Add(-time.Minute)},
		{ID: "b", SubscriptionID: "s", Item: storage.Item{Link: "https://example.com/b"}, RunAt: time.Now().Add(-time.Second)},
	} {
		if err := journal.SaveTask(t.Context(), task); err != nil {
			t.Fatal(err)
		}
	}

	rec := newRecorder()
	q := New(Config{Journal: journal, Handler: rec.handle, Workers: 1})
	stop := startQueue(t, q)
	rec.wait(t, 2)
	stop()

	testutil.AssertEqual(t, len(rec.links), 2)
	pending, err := journal.PendingTasks(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(pending), 0)
}

func TestQueueConsumesFailedTasks(t *testing.T) {
	t.Parallel()

	journal := storage.NewMemStore()
	done := make(chan struct{}, 1)
	q := New(Config{Journal: journal, Handler: func(context.Context, storage.Task) error {
		defer func() { done <- struct{}{} }()
		return errors.New("telegram is down")
	}})
	stop := startQueue(t, q)

	if _, err := q.Enqueue(t.Context(), "sub", storage.Item{Link: "https://example.com"}, 0); err != nil {
		t.Fatal(err)
	}
	<-done
	stop()

	pending, err := journal.PendingTasks(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(pending), 0)
}

func TestQueueKeepsUnstartedTasksOnStop(t *testing.T) {
	t.Parallel()

	journal := storage.NewMemStore()
	q := New(Config{Journal: journal, Handler: func(context.Context, storage.Task) error {
		t.Error("task must not run")
		return nil
	}})
	stop := startQueue(t, q)

	task, err := q.Enqueue(t.Context(), "sub", storage.Item{Link: "https://example.com"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, q.Pending(), []storage.Task{task})
	stop()

	pending, err := journal.PendingTasks(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, pending, []storage.Task{task})

	_, err = q.Enqueue(t.Context(), "sub", storage.Item{}, 0)
	testutil.AssertErrorIs(t, err, ErrStopped)
}

func TestRestoreBeforeRun(t *testing.T) {
	t.Parallel()

	journal := storage.NewMemStore()
	task := storage.Task{ID: "a", SubscriptionID: "s", Item: storage.Item{Link: "https://example.com/a"}, RunAt: time.Now()}
	if err := journal.SaveTask(t.Context(), task); err != nil {
		t.Fatal(err)
	}

	rec := newRecorder()
	q := New(Config{Journal: journal, Handler: rec.handle})
	if err := q.Restore(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := q.Restore(t.Context()); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(q.Pending()), 1)

	stop := startQueue(t, q)
	rec.wait(t, 1)
	stop()

	// Run doesn't restore the task a second time.
	testutil.AssertEqual(t, rec.links, []string{"https://example.com/a"})
	testutil.AssertEqual(t, q.Handled(), int64(1))
}

func TestPendingIncludesRunningTasks(t *testing.T) {
	t.Parallel()

	var (
		started = make(chan struct{})
		release = make(chan struct{})
		done    = make(chan struct{})
	)
	q := New(Config{Journal: storage.NewMemStore(), Handler: func(context.Context, storage.Task) error {
		close(started)
		<-release
		return nil
	}})
	stop := startQueue(t, q)

	task, err := q.Enqueue(t.Context(), "sub", storage.Item{Link: "https://example.com"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	testutil.AssertEqual(t, q.Pending(), []storage.Task{task})

	go func() {
		defer close(done)
		for q.Handled() == 0 || len(q.Pending()) > 0 {
			time.Sleep(time.Millisecond)
		}
	}()
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task is still pending after its handler returned")
	}
	stop()
}
