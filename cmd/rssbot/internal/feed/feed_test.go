// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/failure"
	"go.astrophena.name/rssbot/internal/testutil"

	"github.com/mmcdole/gofeed"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example</title>
  <item>
    <title>First</title>
    <link>https://example.com/1</link>
    <description>Hello</description>
    <pubDate>Wed, 01 May 2024 12:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Second</title>
    <link>https://example.com/2</link>
    <pubDate>Wed, 01 May 2024 13:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Undated</title>
    <link>https://example.com/3</link>
  </item>
</channel>
</rss>`

func newTestFetcher(t *testing.T, h http.Handler) (*Fetcher, string, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	var slept []time.Duration
	f := New(Config{HTTPClient: srv.Client()})
	f.sleep = func(_ context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}
	return f, srv.URL, &slept
}

func TestFetch(t *testing.T) {
	t.Parallel()

	f, url, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testRSS))
	}))

	fd, err := f.Fetch(t.Context(), url)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, fd, &Feed{
		Title: "Example",
		Items: []Item{
			{Title: "First", Link: "https://example.com/1", Content: "Hello", Published: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
			{Title: "Second", Link: "https://example.com/2", Published: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)},
			{Title: "Undated", Link: "https://example.com/3"},
		},
	})
	testutil.AssertEqual(t, fd.Newest(), time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC))
}

func TestFetchMalformed(t *testing.T) {
	t.Parallel()

	f, url, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a feed"))
	}))

	_, err := f.Fetch(t.Context(), url)
	testutil.AssertEqual(t, failure.Classify(err), failure.FeedMalformed)
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	f, url, slept := newTestFetcher(t, http.NotFoundHandler())

	_, err := f.Fetch(t.Context(), url)
	testutil.AssertEqual(t, failure.Classify(err), failure.FeedUnreachable)
	testutil.AssertEqual(t, len(*slept), 0)
}

func TestDocumentRetriesRetryWith(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f, url, slept := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(StatusRetryWith)
			return
		}
		w.Write([]byte("<html></html>"))
	}))

	b, err := f.Document(t.Context(), url)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "<html></html>")
	testutil.AssertEqual(t, *slept, []time.Duration{5 * time.Second, 10 * time.Second})
}

func TestDocumentGivesUpAfterRetryLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f, url, slept := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(StatusRetryWith)
	}))

	_, err := f.Document(t.Context(), url)
	if err == nil {
		t.Fatal("want error")
	}
	testutil.AssertEqual(t, calls.Load(), int32(defaultRetryLimit))
	testutil.AssertEqual(t, len(*slept), defaultRetryLimit-1)
}

func TestDocumentStopsOnCancel(t *testing.T) {
	t.Parallel()

	f, url, _ := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(StatusRetryWith)
	}))
	f.sleep = sleep

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := f.Document(ctx, url); err == nil {
		t.Fatal("want error")
	}
}

func TestPublishTime(t *testing.T) {
	t.Parallel()

	parsed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]struct {
		item *gofeed.Item
		want time.Time
	}{
		"published":          {&gofeed.Item{PublishedParsed: &parsed}, parsed},
		"updated":            {&gofeed.Item{UpdatedParsed: &parsed}, parsed},
		"lenient raw":        {&gofeed.Item{Published: "2024-05-01 12:00:00"}, parsed},
		"garbage":            {&gofeed.Item{Published: "sometime last week"}, time.Time{}},
		"no date whatsoever": {&gofeed.Item{}, time.Time{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, publishTime(tc.item), tc.want)
		})
	}
}
