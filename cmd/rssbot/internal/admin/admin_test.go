// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/registry"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/watch"
	"go.astrophena.name/rssbot/internal/logger"
	"go.astrophena.name/rssbot/internal/testutil"
	"go.astrophena.name/rssbot/internal/web"

	"golang.org/x/crypto/bcrypt"
)

type fakeQueue struct{ pending []storage.Task }

func (q fakeQueue) Pending() []storage.Task { return q.pending }
func (q fakeQueue) Handled() int64          { return 42 }

type fakeService struct {
	mu     sync.Mutex
	calls  int
	feeds  map[string]error
	ranIDs []string
}

func (s *fakeService) Reconcile(ctx context.Context) (watch.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return watch.ReconcileResult{Added: []string{"a"}, Total: 1}, nil
}

func (s *fakeService) Watch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranIDs = append(s.ranIDs, id)
	err, ok := s.feeds[id]
	if !ok {
		return fmt.Errorf("%w: %s", watch.ErrSubscriptionGone, id)
	}
	return err
}

type env struct {
	srv     *httptest.Server
	store   *storage.MemStore
	service *fakeService
	sub     storage.Subscription
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		store: storage.NewMemStore(),
		service: &fakeService{feeds: map[string]error{
			"fresh": nil,
			"stale": watch.ErrNoNewItems,
			"down":  errors.New("connection refused"),
		}},
	}
	if _, err := e.store.EnsureUser(t.Context(), 1, 100); err != nil {
		t.Fatal(err)
	}
	sub, err := e.store.AddSubscription(t.Context(), storage.Subscription{
		UserID:    1,
		ChannelID: "-1001",
		URL:       "https://example.com/feed.xml",
		Name:      "news",
	})
	if err != nil {
		t.Fatal(err)
	}
	e.sub = sub

	reg := registry.New(registry.Config{Interval: time.Hour, Job: func(context.Context, string) {}})
	reg.EnsureRegistered(sub.ID)

	logs := logger.NewStreamer(10)
	fmt.Fprintln(logs, "hello from logs")

	health := web.NewHealth()
	health.RegisterFunc("queue", func() (string, bool) { return "ok", true })

	h, err := Handler(Config{
		Store:   e.store,
		Watches: reg,
		Queue:   fakeQueue{pending: []storage.Task{{ID: "task", SubscriptionID: sub.ID}}},
		Service: e.service,
		Health:  health,
		Logs:    logs,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.srv = httptest.NewServer(h)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, wantStatus int) []byte {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != wantStatus {
		t.Fatalf("%s %s: want status %d, got %d (body: %s)", method, path, wantStatus, res.StatusCode, b)
	}
	return b
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	subs := testutil.UnmarshalJSON[[]storage.Subscription](t, e.do(t, http.MethodGet, "/api/subscriptions", http.StatusOK))
	testutil.AssertEqual(t, len(subs), 1)
	testutil.AssertEqual(t, subs[0].ID, e.sub.ID)

	subs = testutil.UnmarshalJSON[[]storage.Subscription](t, e.do(t, http.MethodGet, "/api/subscriptions?user=2", http.StatusOK))
	testutil.AssertEqual(t, len(subs), 0)

	e.do(t, http.MethodGet, "/api/subscriptions?user=nope", http.StatusBadRequest)
}

func TestWatches(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	entries := testutil.UnmarshalJSON[[]registry.Entry](t, e.do(t, http.MethodGet, "/api/watches", http.StatusOK))
	testutil.AssertEqual(t, len(entries), 1)
	testutil.AssertEqual(t, entries[0].Key, e.sub.ID)
}

func TestTasks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	got := testutil.UnmarshalJSON[tasksResponse](t, e.do(t, http.MethodGet, "/api/tasks", http.StatusOK))
	testutil.AssertEqual(t, got.Handled, int64(42))
	testutil.AssertEqual(t, len(got.Pending), 1)
	testutil.AssertEqual(t, got.Pending[0].ID, "task")
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.do(t, http.MethodGet, "/api/reconcile", http.StatusMethodNotAllowed)
	got := testutil.UnmarshalJSON[watch.ReconcileResult](t, e.do(t, http.MethodPost, "/api/reconcile", http.StatusOK))
	testutil.AssertEqual(t, got, watch.ReconcileResult{Added: []string{"a"}, Total: 1})
	testutil.AssertEqual(t, e.service.calls, 1)
}

func TestRunWatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	got := testutil.UnmarshalJSON[RunResult](t, e.do(t, http.MethodPost, "/api/watches/fresh/run", http.StatusOK))
	testutil.AssertEqual(t, got, RunResult{ID: "fresh", Status: StatusEnqueued})
	got = testutil.UnmarshalJSON[RunResult](t, e.do(t, http.MethodPost, "/api/watches/stale/run", http.StatusOK))
	testutil.AssertEqual(t, got, RunResult{ID: "stale", Status: StatusNoNewItems})

	e.do(t, http.MethodPost, "/api/watches/missing/run", http.StatusNotFound)
	e.do(t, http.MethodPost, "/api/watches/down/run", http.StatusInternalServerError)
	testutil.AssertEqual(t, e.service.ranIDs, []string{"fresh", "stale", "missing", "down"})
}

func TestHealthAndLogs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	health := testutil.UnmarshalJSON[web.HealthResponse](t, e.do(t, http.MethodGet, "/health", http.StatusOK))
	testutil.AssertEqual(t, health.OK, true)

	lines := testutil.UnmarshalJSON[[]string](t, e.do(t, http.MethodGet, "/api/logs", http.StatusOK))
	testutil.AssertEqual(t, lines, []string{"hello from logs\n"})
}

func TestIndexAndNotFound(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	got := testutil.UnmarshalJSON[info](t, e.do(t, http.MethodGet, "/", http.StatusOK))
	testutil.AssertEqual(t, got.Watches, 1)
	testutil.AssertEqual(t, got.Pending, 1)
	testutil.AssertEqual(t, got.Handled, int64(42))

	e.do(t, http.MethodGet, "/nope", http.StatusNotFound)
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	h, err := Handler(Config{
		Store:        storage.NewMemStore(),
		Watches:      registry.New(registry.Config{Interval: time.Hour, Job: func(context.Context, string) {}}),
		Queue:        fakeQueue{},
		Service:      &fakeService{},
		PasswordHash: hash,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	get := func(path, password string) *http.Response {
		t.Helper()
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+path, nil)
		if err != nil {
			t.Fatal(err)
		}
		if password != "" {
			req.SetBasicAuth("admin", password)
		}
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		return res
	}

	testutil.AssertEqual(t, get("/health", "").StatusCode, http.StatusOK)

	res := get("/api/watches", "")
	testutil.AssertEqual(t, res.StatusCode, http.StatusUnauthorized)
	testutil.AssertEqual(t, res.Header.Get("WWW-Authenticate"), `Basic realm="rssbot"`)

	testutil.AssertEqual(t, get("/api/watches", "wrong").StatusCode, http.StatusUnauthorized)
	testutil.AssertEqual(t, get("/api/watches", "hunter2").StatusCode, http.StatusOK)
}
