// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package gemini rewrites and translates article text with Gemini.
package gemini

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-1.5-flash"

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("gemini: empty response")

// Config configures a [Client].
type Config struct {
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// Client talks to Gemini.
type Client struct {
	genai    *genai.Client
	model    string
	generate func(ctx context.Context, system, prompt string) (string, error)
}

// New returns a new [Client].
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	gc, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	c := &Client{
		genai: gc,
		model: cmp.Or(cfg.Model, DefaultModel),
	}
	c.generate = c.generateContent
	return c, nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c.genai == nil {
		return nil
	}
	return c.genai.Close()
}

func (c *Client) generateContent(ctx context.Context, system, prompt string) (string, error) {
	model := c.genai.GenerativeModel(c.model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	model.SetTemperature(1)
	model.SetTopP(1)
	model.SetMaxOutputTokens(350)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break
	}
	return sb.String(), nil
}

// Rewrite writes a short description of the article in the article language.
// The language is an English language name, like "German"; an empty one
// means English.
func (c *Client) Rewrite(ctx context.Context, title, text, language string) (string, error) {
	return c.ask(ctx, journalistInstruction(language), journalistPrompt(title, text))
}

// Translate translates text from one language to another. Languages are
// English language names.
func (c *Client) Translate(ctx context.Context, text, from, to string) (string, error) {
	return c.ask(ctx, translatorInstruction(from, to), text)
}

func (c *Client) ask(ctx context.Context, system, prompt string) (string, error) {
	out, err := c.generate(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

func languageOrEnglish(lang string) string {
	return strings.ToUpper(cmp.Or(strings.TrimSpace(lang), "English"))
}

func journalistInstruction(language string) string {
	lang := languageOrEnglish(language)
	return fmt.Sprintf("I want you to act as a %[1]s journalist. The language you use is %[1]s one only. "+
		"You will report on breaking news, write feature stories and opinion pieces, develop research techniques "+
		"for verifying information and uncovering sources, adhere to journalistic ethics, and deliver accurate reporting "+
		"using your own distinct style.\n\n"+
		"Write short article description for the provided article.", lang)
}

func journalistPrompt(title, text string) string {
	fields := []struct{ key, value string }{
		{"Required Number Of Sentences", "up to 4"},
		{"Required Number Of Tokens In Each Sentence", "from 50 to 75"},
		{"Article Name", title},
		{"Article Description", text},
	}
	var sb strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&sb, "%s: %s\n\n", f.key, f.value)
	}
	return sb.String()
}

func translatorInstruction(from, to string) string {
	src, dst := languageOrEnglish(from), languageOrEnglish(to)
	return fmt.Sprintf("I want you to act as a %[1]s-%[2]s translator, spelling corrector and improver. "+
		"You will detect the language, translate it and answer in the corrected and improved version of my text, in %[2]s. "+
		"I want you to replace my simplified A0-level words and sentences with more beautiful and elegant, upper level %[2]s words and sentences. "+
		"Keep the meaning same, but make them more literary and in journalism style. "+
		"I want you to only reply the correction, the improvements and nothing else, do not write explanations.", src, dst)
}
