// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/admin"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/watch"
	"go.astrophena.name/rssbot/internal/cli"
	"go.astrophena.name/rssbot/internal/cli/clitest"
	"go.astrophena.name/rssbot/internal/filelock"
	"go.astrophena.name/rssbot/internal/request"
	"go.astrophena.name/rssbot/internal/testutil"
	"go.astrophena.name/rssbot/internal/web"

	"golang.org/x/crypto/bcrypt"
)

const tgToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

func TestCLI(t *testing.T) {
	t.Parallel()

	adminSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/reconcile":
			web.RespondJSON(w, watch.ReconcileResult{Added: []string{"a", "b"}, Total: 3})
		case r.Method == http.MethodPost && r.URL.Path == "/api/watches/abc/run":
			web.RespondJSON(w, admin.RunResult{ID: "abc", Status: admin.StatusNoNewItems})
		default:
			web.RespondJSONError(w, r, web.ErrNotFound)
		}
	}))
	t.Cleanup(adminSrv.Close)

	t.Run("watch of unknown subscription", func(t *testing.T) {
		t.Parallel()
		res := clitest.Exec(t, &app{}, clitest.Invocation{Args: []string{"-remote", adminSrv.URL, "watch", "nope"}})
		var se *request.StatusError
		if !errors.As(res.Err, &se) {
			t.Fatalf("want *request.StatusError, got %v", res.Err)
		}
		testutil.AssertEqual(t, se.StatusCode, http.StatusNotFound)
		testutil.AssertEqual(t, res.Stdout, "")
	})

	clitest.Run(t, func(t *testing.T) *app {
		return &app{stateDir: t.TempDir()}
	}, map[string]clitest.Case[*app]{
		"no command": {
			WantErr: cli.ErrInvalidArgs,
		},
		"unknown command": {
			Args:    []string{"frobnicate"},
			WantErr: cli.ErrInvalidArgs,
		},
		"watch without ID": {
			Args:    []string{"watch"},
			WantErr: cli.ErrInvalidArgs,
		},
		"serve without token": {
			Args:    []string{"serve"},
			WantErr: errNoToken,
		},
		"serve with missing config": {
			Args:        []string{"-config", "testdata/missing.star", "serve"},
			Env:         map[string]string{"TELEGRAM_TOKEN": tgToken},
			WantErrType: &os.PathError{},
		},
		"hash-password without password": {
			Args:    []string{"hash-password"},
			Stdin:   strings.NewReader("\n"),
			WantErr: errEmptyPassword,
		},
		"hash-password": {
			Args:         []string{"hash-password"},
			Stdin:        strings.NewReader("hunter2\n"),
			WantInStdout: "$2a$",
		},
		"empty subscriptions": {
			Args:         []string{"subscriptions"},
			WantInStdout: "ID  NAME  CHANNEL",
		},
		"empty subscriptions in JSON": {
			Args:         []string{"-json", "subscriptions"},
			WantInStdout: "[]",
		},
		"reconcile": {
			Args:         []string{"-remote", adminSrv.URL, "reconcile"},
			WantInStdout: "3 active subscriptions, 2 watches added, 0 removed",
		},
		"watch": {
			Args:         []string{"-remote", adminSrv.URL, "watch", "abc"},
			WantInStdout: "abc: no new items",
		},
	})
}

func TestListSubscriptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(t.Context(), filepath.Join(dir, "rssbot.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnsureUser(t.Context(), 1, 100); err != nil {
		t.Fatal(err)
	}
	sub, err := store.AddSubscription(t.Context(), storage.Subscription{
		UserID:       1,
		ChannelID:    "-1001",
		ChannelTitle: "My channel",
		URL:          "https://example.com/feed.xml",
		Name:         "news",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	a := &app{stateDir: dir}
	if err := a.listSubscriptions(t.Context(), &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{sub.ID, "news", "My channel", "never", "https://example.com/feed.xml"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q doesn't contain %q", out.String(), want)
		}
	}

	out.Reset()
	a.json = true
	if err := a.listSubscriptions(t.Context(), &out); err != nil {
		t.Fatal(err)
	}
	got := testutil.UnmarshalJSON[[]storage.Subscription](t, []byte(out.String()))
	testutil.AssertEqual(t, len(got), 1)
	testutil.AssertEqual(t, got[0].Name, "news")
}

func TestHashPassword(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	if err := hashPassword(strings.NewReader("hunter2\nignored\n"), &out); err != nil {
		t.Fatal(err)
	}
	hash := []byte(strings.TrimSpace(out.String()))
	if err := bcrypt.CompareHashAndPassword(hash, []byte("hunter2")); err != nil {
		t.Fatalf("hash doesn't match the password: %v", err)
	}
}

// fakeBotAPI answers getMe and getUpdates.
func fakeBotAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, "/bot"+tgToken+"/") {
		case "getMe":
			fmt.Fprint(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"RSS","username":"rss_bot"}}`)
		case "getUpdates":
			select {
			case <-time.After(50 * time.Millisecond):
			case <-r.Context().Done():
			}
			fmt.Fprint(w, `{"ok":true,"result":[]}`)
		default:
			fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found: method not found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestServe(t *testing.T) {
	t.Parallel()

	tg := fakeBotAPI(t)
	ready := make(chan net.Addr, 1)
	a := &app{
		httpc:      tg.Client(),
		tgEndpoint: tg.URL + "/bot%s/%s",
		ready:      func(addr net.Addr) { ready <- addr },
	}
	vars := map[string]string{
		"TELEGRAM_TOKEN":  tgToken,
		"STATE_DIRECTORY": t.TempDir(),
		"ADMIN_ADDR":      "localhost:0",
	}
	newEnv := func() *cli.Env {
		return &cli.Env{
			Args:   []string{"serve"},
			Getenv: func(name string) string { return vars[name] },
			Stdin:  strings.NewReader(""),
			Stdout: io.Discard,
			Stderr: io.Discard,
		}
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- cli.Run(cli.WithEnv(ctx, newEnv()), a) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-errc:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("admin API didn't start")
	}

	res, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health web.HealthResponse
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	testutil.AssertEqual(t, res.StatusCode, http.StatusOK)
	testutil.AssertEqual(t, health.OK, true)

	second := &app{httpc: tg.Client(), tgEndpoint: a.tgEndpoint}
	err = cli.Run(cli.WithEnv(t.Context(), newEnv()), second)
	testutil.AssertErrorIs(t, err, filelock.ErrAlreadyLocked)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve didn't stop")
	}
}
