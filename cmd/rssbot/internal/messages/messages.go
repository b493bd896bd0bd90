// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package messages contains texts the bot sends to people.
//
// Texts are Markdown templates; values substituted into them should pass
// through the esc function.
package messages

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/tgmarkup"
	"go.astrophena.name/rssbot/internal/util/syncx"

	"gopkg.in/yaml.v3"
)

// Key identifies a message.
type Key string

// Message keys.
const (
	Start                      Key = "start"
	Help                       Key = "help"
	GetChannelID               Key = "get_channel_id"
	ChannelID                  Key = "channel_id"
	Processing                 Key = "processing"
	Added                      Key = "added"
	Reactivated                Key = "reactivated"
	AddUsage                   Key = "add_usage"
	InvalidChannelID           Key = "invalid_channel_id"
	InvalidName                Key = "invalid_name"
	InvalidURL                 Key = "invalid_url"
	UnreachableURL             Key = "unreachable_url"
	URLExists                  Key = "url_exists"
	NameExists                 Key = "name_exists"
	LimitReached               Key = "limit_reached"
	BotNotMember               Key = "bot_not_member"
	ChannelNotFound            Key = "channel_not_found"
	MemberListInaccessible     Key = "member_list_inaccessible"
	NoFeeds                    Key = "no_feeds"
	FeedList                   Key = "feed_list"
	RenameUsage                Key = "rename_usage"
	Renamed                    Key = "renamed"
	DeleteUsage                Key = "delete_usage"
	FeedNotFound               Key = "feed_not_found"
	Deleted                    Key = "deleted"
	AllDeleted                 Key = "all_deleted"
	Language                   Key = "language"
	LanguageSet                Key = "language_set"
	UnsupportedLanguage        Key = "unsupported_language"
	TranslationEnabled         Key = "translation_enabled"
	TranslationAlreadyEnabled  Key = "translation_already_enabled"
	TranslationDisabled        Key = "translation_disabled"
	TranslationAlreadyDisabled Key = "translation_already_disabled"
	UnknownCommand             Key = "unknown_command"
	InternalError              Key = "internal_error"
	TeardownBotRemoved         Key = "teardown_bot_removed"
	TeardownDestinationGone    Key = "teardown_destination_gone"
	MemberListWarning          Key = "member_list_warning"
	ConfirmDeleteAll           Key = "confirm_delete_all"
	ConfirmDeleteAllButton     Key = "confirm_delete_all_button"
	CancelDeleteAllButton      Key = "cancel_delete_all_button"
	DeleteAllCancelled         Key = "delete_all_cancelled"
)

//go:embed messages.yaml
var catalogYAML []byte

var catalog syncx.Lazy[*template.Template]

func parse() *template.Template {
	var texts map[Key]string
	if err := yaml.Unmarshal(catalogYAML, &texts); err != nil {
		panic(fmt.Sprintf("messages: parsing catalog: %v", err))
	}
	root := template.New("").Option("missingkey=error").Funcs(template.FuncMap{
		"esc": func(v any) string { return tgmarkup.Escape(fmt.Sprint(v)) },
	})
	for key, text := range texts {
		template.Must(root.New(string(key)).Parse(text))
	}
	return root
}

// Render renders the Markdown source of the message identified by key with
// data.
// It panics if there is no such message or it fails to render, since both
// mean the catalog is broken.
func Render(key Key, data any) string {
	tmpl := catalog.Get(parse).Lookup(string(key))
	if tmpl == nil {
		panic(fmt.Sprintf("messages: unknown message %q", key))
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		panic(fmt.Sprintf("messages: rendering %q: %v", key, err))
	}
	return sb.String()
}

// Text returns the Markdown source of the message identified by key that has
// no placeholders.
func Text(key Key) string { return Render(key, nil) }

// Markup renders the message identified by key with data and converts it to
// Telegram entities.
func Markup(key Key, data any) tgmarkup.Message {
	return tgmarkup.FromMarkdown(Render(key, data))
}
