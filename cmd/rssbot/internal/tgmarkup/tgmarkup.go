// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package tgmarkup converts Markdown text to Telegram message entities.
package tgmarkup

import (
	"strconv"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"rsc.io/markdown"
)

// Message is text with entities that format it.
// See https://core.telegram.org/bots/api#messageentity.
type Message struct {
	Text     string
	Entities []tgbotapi.MessageEntity
}

// Entity types produced by [FromMarkdown].
const (
	Bold          = "bold"
	Italic        = "italic"
	Strikethrough = "strikethrough"
	Blockquote    = "blockquote"
	Code          = "code"
	Pre           = "pre"
	TextLink      = "text_link"
	URL           = "url"
)

// FromMarkdown converts a Markdown text to a [Message]. Blocks are separated
// by a blank line.
func FromMarkdown(text string) Message {
	p := markdown.Parser{Strikethrough: true}
	doc := p.Parse(text)

	c := &converter{}
	for i, b := range doc.Blocks {
		if i > 0 {
			c.sb.WriteString("\n")
		}
		c.block(b)
	}
	return Message{
		Text:     strings.TrimRight(c.sb.String(), "\n"),
		Entities: c.entities,
	}
}

// Escape escapes Markdown punctuation in s, so that it's rendered literally
// when substituted into a Markdown text.
func Escape(s string) string { return escaper.Replace(s) }

var escaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
	`<`, `\<`,
	`>`, `\>`,
	`#`, `\#`,
	`~`, `\~`,
	`!`, `\!`,
	`|`, `\|`,
	`&`, `\&`,
)

type converter struct {
	sb       strings.Builder
	entities []tgbotapi.MessageEntity
}

func (c *converter) offset() int { return utf16len(c.sb.String()) }

// wrap adds an entity of typ spanning from offset to the end of text written
// so far, minus trim trailing code units.
func (c *converter) wrap(typ string, offset, trim int) *tgbotapi.MessageEntity {
	length := c.offset() - offset - trim
	if length <= 0 {
		return nil
	}
	c.entities = append(c.entities, tgbotapi.MessageEntity{Type: typ, Offset: offset, Length: length})
	return &c.entities[len(c.entities)-1]
}

func (c *converter) block(b markdown.Block) {
	switch block := b.(type) {
	case *markdown.Paragraph:
		c.inlines(block.Text.Inline)
		c.sb.WriteString("\n")
	case *markdown.Quote:
		offset := c.offset()
		for _, b := range block.Blocks {
			c.block(b)
		}
		c.wrap(Blockquote, offset, 1)
	case *markdown.CodeBlock:
		offset := c.offset()
		for _, line := range block.Text {
			c.sb.WriteString(line)
			c.sb.WriteString("\n")
		}
		if e := c.wrap(Pre, offset, 1); e != nil {
			e.Language = block.Info
		}
	case *markdown.Heading:
		offset := c.offset()
		c.inlines(block.Text.Inline)
		c.sb.WriteString("\n")
		c.wrap(Bold, offset, 1)
	case *markdown.List:
		ordered := block.Bullet == '.' || block.Bullet == ')'
		for i, b := range block.Items {
			item, ok := b.(*markdown.Item)
			if !ok {
				continue
			}
			if ordered {
				c.sb.WriteString(strconv.Itoa(block.Start + i))
				c.sb.WriteString(". ")
			} else {
				c.sb.WriteString("• ")
			}
			for _, b := range item.Blocks {
				c.block(b)
			}
		}
	case *markdown.ThematicBreak:
		c.sb.WriteString("⸻\n")
	}
}

func (c *converter) inlines(inlines markdown.Inlines) {
	for _, inline := range inlines {
		c.inline(inline)
	}
}

func (c *converter) inline(i markdown.Inline) {
	offset := c.offset()
	switch inline := i.(type) {
	case *markdown.Plain:
		c.sb.WriteString(inline.Text)
	case *markdown.Escaped:
		c.sb.WriteString(inline.Text)
	case *markdown.HTMLTag:
		c.sb.WriteString(inline.Text)
	case *markdown.Strong:
		c.inlines(inline.Inner)
		c.wrap(Bold, offset, 0)
	case *markdown.Emph:
		c.inlines(inline.Inner)
		c.wrap(Italic, offset, 0)
	case *markdown.Del:
		c.inlines(inline.Inner)
		c.wrap(Strikethrough, offset, 0)
	case *markdown.Link:
		c.inlines(inline.Inner)
		if e := c.wrap(TextLink, offset, 0); e != nil {
			e.URL = inline.URL
		}
	case *markdown.AutoLink:
		c.sb.WriteString(inline.Text)
		c.wrap(URL, offset, 0)
	case *markdown.Code:
		c.sb.WriteString(inline.Text)
		c.wrap(Code, offset, 0)
	case *markdown.SoftBreak, *markdown.HardBreak:
		c.sb.WriteString("\n")
	}
}

func utf16len(s string) int {
	return len(utf16.Encode([]rune(s)))
}
