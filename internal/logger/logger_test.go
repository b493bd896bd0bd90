// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package logger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/rssbot/internal/testutil"
)

func TestLogfWriter(t *testing.T) {
	t.Parallel()

	var (
		logged  bool
		message string
	)
	logf := func(format string, args ...any) {
		logged = true
		message = fmt.Sprintf(format, args...)
	}
	Logf(logf).Write([]byte("hello"))
	testutil.AssertEqual(t, logged, true)
	testutil.AssertEqual(t, message, "hello")
}

func TestPutGet(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf)
	ctx := Put(context.Background(), l)

	Get(ctx).Debug("hidden")
	Get(ctx).Level.Set(slog.LevelDebug)
	Get(ctx).Debug("visible", "feed", "https://example.com/feed.xml")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record logged at info level: %q", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "feed=https://example.com/feed.xml") {
		t.Fatalf("unexpected output: %q", out)
	}

	if Get(context.Background()).Logger == nil {
		t.Fatal("Get must fall back to the default logger")
	}
}

func TestStreamer(t *testing.T) {
	t.Parallel()

	s := NewStreamer(5)

	for i := 1; i <= 6; i++ {
		if _, err := fmt.Fprintf(s, "Line %d\n", i); err != nil {
			t.Fatalf("Failed to write line: %v", err)
		}
	}

	lines := s.Lines()
	testutil.AssertEqual(t, len(lines), 5)
	testutil.AssertEqual(t, lines[0], "Line 2\n")
	testutil.AssertEqual(t, lines[4], "Line 6\n")

	stream, closeStream := s.Stream()
	defer closeStream()

	s.Write([]byte("New "))
	go s.Write([]byte("line\n"))

	select {
	case line := <-stream:
		testutil.AssertEqual(t, line, "New line\n")
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for streamed line")
	}
}

func TestStreamerHTTP(t *testing.T) {
	t.Parallel()

	s := NewStreamer(5)

	req := httptest.NewRequest(http.MethodGet, "/debug/logs", nil)
	req.Header.Set("Accept", "text/event-stream")
	ctx, cancel := context.WithTimeout(req.Context(), 500*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Write([]byte("HTTP line\n"))
	}()

	s.ServeHTTP(w, req)

	resp := w.Result()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusOK)
	testutil.AssertEqual(t, resp.Header.Get("Content-Type"), "text/event-stream")
	if body := w.Body.String(); !strings.Contains(body, "event: logline\ndata: HTTP line\n") {
		t.Fatalf("unexpected body: %q", body)
	}
}
