// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feed fetches and parses RSS, Atom and JSON feeds, and fetches the
// documents feed items link to.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/failure"
	"go.astrophena.name/rssbot/internal/logger"
	"go.astrophena.name/rssbot/internal/request"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
)

const (
	defaultRetryLimit = 5               // N attempts for a request answered with 449
	defaultRetryDelay = 5 * time.Second // first backoff, doubled after each attempt
	readLimit         = 10 << 20        // 10 MiB is more than any sane feed or article
)

// StatusRetryWith is the non-standard "449 Retry With" status some hosts
// answer with while they are warming up a cache.
const StatusRetryWith = 449

// Item is a feed item.
type Item struct {
	Title   string
	Link    string
	Content string
	// Published is zero if the item has no parseable publish time.
	Published time.Time
}

// Feed is a parsed feed.
type Feed struct {
	Title string
	Items []Item // in document order
}

// Newest returns the latest publish time among feed items, or zero time if
// no item has one.
func (f *Feed) Newest() time.Time {
	var newest time.Time
	for _, item := range f.Items {
		if item.Published.After(newest) {
			newest = item.Published
		}
	}
	return newest
}

// Config configures a [Fetcher].
type Config struct {
	// HTTPClient is used for requests. Defaults to request.DefaultClient.
	HTTPClient *http.Client
	// RetryLimit is the number of attempts for a request answered with 449.
	RetryLimit int
	// RetryDelay is the delay before the first retry; it doubles after each
	// attempt.
	RetryDelay time.Duration
}

// Fetcher fetches feeds and documents.
type Fetcher struct {
	httpc      *http.Client
	parser     *gofeed.Parser
	retryLimit int
	retryDelay time.Duration
	sleep      func(context.Context, time.Duration) bool
}

// New returns a new [Fetcher].
func New(cfg Config) *Fetcher {
	f := &Fetcher{
		httpc:      cfg.HTTPClient,
		parser:     gofeed.NewParser(),
		retryLimit: cfg.RetryLimit,
		retryDelay: cfg.RetryDelay,
		sleep:      sleep,
	}
	if f.httpc == nil {
		f.httpc = request.DefaultClient
	}
	if f.retryLimit <= 0 {
		f.retryLimit = defaultRetryLimit
	}
	if f.retryDelay <= 0 {
		f.retryDelay = defaultRetryDelay
	}
	return f
}

// Fetch fetches and parses the feed at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Feed, error) {
	b, err := f.Document(ctx, url)
	if err != nil {
		return nil, err
	}

	parsed, err := f.parser.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, failure.Wrap(failure.FeedMalformed, fmt.Errorf("parsing feed %q: %w", url, err))
	}

	fd := &Feed{Title: strings.TrimSpace(parsed.Title)}
	for _, item := range parsed.Items {
		fd.Items = append(fd.Items, convertItem(item))
	}
	return fd, nil
}

func convertItem(item *gofeed.Item) Item {
	content := item.Content
	if content == "" {
		content = item.Description
	}
	return Item{
		Title:     strings.TrimSpace(item.Title),
		Link:      strings.TrimSpace(item.Link),
		Content:   content,
		Published: publishTime(item),
	}
}

// publishTime returns when the item was published, falling back to its
// update time and to lenient parsing of the raw date strings.
func publishTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	for _, raw := range []string{item.Published, item.Updated} {
		if raw == "" {
			continue
		}
		if t, err := dateparse.ParseIn(raw, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Document fetches the raw document at url. Requests answered with 449 are
// retried with exponential backoff.
func (f *Fetcher) Document(ctx context.Context, url string) ([]byte, error) {
	delay := f.retryDelay
	for attempt := 1; ; attempt++ {
		b, err := request.Make[request.Bytes](ctx, request.Params{
			Method:     http.MethodGet,
			URL:        url,
			ReadLimit:  readLimit,
			HTTPClient: f.httpc,
		})
		if err == nil {
			return b, nil
		}

		var se *request.StatusError
		if !errors.As(err, &se) || se.StatusCode != StatusRetryWith || attempt >= f.retryLimit {
			return nil, failure.Wrap(failure.FeedUnreachable, err)
		}

		logger.Get(ctx).Warn("retrying request", "url", url, "attempt", attempt, "retry_in", delay)
		if !f.sleep(ctx, delay) {
			return nil, ctx.Err()
		}
		delay *= 2
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
