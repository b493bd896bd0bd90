// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package article extracts readable text and language from HTML documents.
package article

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Article is the extracted content of a document.
type Article struct {
	Text         string
	Language     string // English name of the language, like "German"
	LanguageCode string // ISO 639-1 code, like "de"
}

// containers are tried in order; the first one present in the document wins.
var containers = []string{"article", "main"}

// allowed maps a tag to the child tags whose text is collected under it.
var allowed = map[string][]string{
	"article":    {"ul", "ol", "blockquote", "h1", "h2", "h3", "p", "li", "section", "div"},
	"main":       {"ul", "ol", "blockquote", "h1", "h2", "h3", "p", "li", "section", "div"},
	"ul":         {"li"},
	"ol":         {"li"},
	"blockquote": {"cite"},
	"h1":         {"h4", "h5", "h6"},
	"h2":         {"h4", "h5", "h6"},
	"h3":         {"h4", "h5", "h6"},
	"p":          {"a", "strong", "em", "i", "span", "b", "br"},
	"li":         {"h1", "h2", "h3", "p", "a", "ul", "ol", "blockquote"},
	"a":          {"strong"},
	"section":    {"h1", "h2", "h3", "p", "a", "ul", "ol", "blockquote", "div"},
	"div":        {"h1", "h2", "h3", "p", "a", "ul", "ol", "blockquote", "div", "strong", "span"},
}

// Extract extracts article text and language from an HTML document.
//
// The text of the first <article> element is used, then the first <main>
// element. Documents having neither are handed to readability.
func Extract(doc []byte, pageURL string) (Article, error) {
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return Article{}, fmt.Errorf("parsing document: %w", err)
	}

	var a Article
	if lang, ok := d.Find("html").First().Attr("lang"); ok {
		a.LanguageCode, a.Language = resolveLanguage(lang)
	}

	for _, tag := range containers {
		sel := d.Find(tag).First()
		if sel.Length() == 0 {
			continue
		}
		a.Text = collectText(sel.Nodes[0], tag)
		return a, nil
	}

	u, _ := url.Parse(pageURL)
	r, err := readability.FromReader(bytes.NewReader(doc), u)
	if err != nil {
		return a, fmt.Errorf("readability: %w", err)
	}
	a.Text = normalizeSpace(r.TextContent)
	return a, nil
}

func collectText(n *html.Node, tag string) string {
	var pieces []string
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.TextNode:
			if s := strings.TrimSpace(child.Data); s != "" {
				pieces = append(pieces, s)
			}
		case html.ElementNode:
			if child.FirstChild == nil || !isAllowed(tag, child.Data) {
				continue
			}
			if s := collectText(child, child.Data); s != "" {
				pieces = append(pieces, s)
			}
		}
	}
	return normalizeSpace(strings.Join(pieces, " "))
}

func isAllowed(parent, child string) bool {
	for _, tag := range allowed[parent] {
		if tag == child {
			return true
		}
	}
	return false
}

func normalizeSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

// resolveLanguage turns the value of a lang attribute into an ISO 639-1 code
// and the English name of the language. Only the first two letters are
// considered, so "en-US" and "en_GB" are both English.
func resolveLanguage(lang string) (code, name string) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) < 2 {
		return "", ""
	}
	code = lang[:2]
	return code, LanguageName(code)
}

// LanguageName returns the English name of the language identified by an
// ISO 639-1 code, or an empty string if the code is unknown.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return ""
	}
	return display.English.Languages().Name(tag)
}
