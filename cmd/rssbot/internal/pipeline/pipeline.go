// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package pipeline turns a feed item into the text delivered to a channel:
// it fetches the linked article, extracts its text, asks a model for a short
// description and optionally translates the result.
package pipeline

import (
	"context"
	"strings"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/article"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/internal/logger"
)

// Documents fetches documents feed items link to.
type Documents interface {
	Document(ctx context.Context, url string) ([]byte, error)
}

// Generator rewrites and translates text. Languages are English language
// names.
type Generator interface {
	Rewrite(ctx context.Context, title, text, language string) (string, error)
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Result is the localized content of an item.
type Result struct {
	Title string
	Body  string
}

// Pipeline prepares items for delivery.
type Pipeline struct {
	docs Documents
	gen  Generator
}

// New returns a new [Pipeline]. A nil gen disables rewriting and
// translation, so only item titles are delivered.
func New(docs Documents, gen Generator) *Pipeline {
	return &Pipeline{docs: docs, gen: gen}
}

// Prepare produces the title and body to deliver for item.
//
// Failures of the article fetch, extraction or generation are logged and
// degrade the result to the item title with an empty body. Only context
// cancellation is returned as an error.
func (p *Pipeline) Prepare(ctx context.Context, item storage.Item, settings storage.Settings) (Result, error) {
	log := logger.Get(ctx).With("item", item.Link)
	res := Result{Title: item.Title}

	if p.gen == nil {
		return res, nil
	}

	var art article.Article
	if doc, err := p.docs.Document(ctx, item.Link); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Warn("fetching article failed", "error", err)
	} else if art, err = article.Extract(doc, item.Link); err != nil {
		log.Warn("extracting article failed", "error", err)
	}

	if art.Text != "" {
		body, err := p.gen.Rewrite(ctx, item.Title, art.Text, art.Language)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			log.Warn("rewriting article failed", "error", err)
		}
		res.Body = body
	}

	target := article.LanguageName(settings.Language)
	if !settings.TranslationEnabled || strings.EqualFold(target, art.Language) {
		return res, nil
	}

	title, err := p.gen.Translate(ctx, res.Title, art.Language, target)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Warn("translating title failed", "error", err)
		return res, nil
	}
	res.Title = title

	if res.Body != "" {
		body, err := p.gen.Translate(ctx, res.Body, art.Language, target)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			log.Warn("translating body failed", "error", err)
		} else {
			res.Body = body
		}
	}

	return res, nil
}

// Compose builds the message text: title, body and link separated by blank
// lines. An empty body is left out.
func Compose(title, body, link string) string {
	title, body, link = strings.TrimSpace(title), strings.TrimSpace(body), strings.TrimSpace(link)
	if body == "" {
		return title + "\n\n" + link
	}
	return title + "\n\n" + body + "\n\n" + link
}
