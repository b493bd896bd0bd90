// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package messages

import (
	"strings"
	"testing"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/tgmarkup"
	"go.astrophena.name/rssbot/internal/testutil"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestTeardownTexts(t *testing.T) {
	t.Parallel()

	data := map[string]string{"Name": "news", "Bot": "rss_bot", "Channel": "-100123"}
	testutil.AssertEqual(t,
		Markup(TeardownBotRemoved, data).Text,
		"news rss feed has been deleted!\n\nPlease add @rss_bot to the channel with ID: -100123",
	)
	testutil.AssertEqual(t,
		Markup(TeardownDestinationGone, data).Text,
		"news rss feed has been deleted!\n\nChannel with ID -100123 doesn't exist anymore.",
	)
}

func TestCatalogRenders(t *testing.T) {
	t.Parallel()

	// Every key must be present in the catalog.
	for _, key := range []Key{
		Start, Help, GetChannelID, Processing, AddUsage, InvalidChannelID,
		InvalidName, InvalidURL, UnreachableURL, URLExists, NameExists,
		MemberListInaccessible, NoFeeds, RenameUsage, DeleteUsage, AllDeleted,
		TranslationAlreadyEnabled, TranslationDisabled,
		TranslationAlreadyDisabled, UnknownCommand, InternalError,
		ConfirmDeleteAll, ConfirmDeleteAllButton, CancelDeleteAllButton,
		DeleteAllCancelled,
	} {
		if Text(key) == "" {
			t.Errorf("message %q is empty", key)
		}
	}

	testutil.AssertEqual(t, Render(LimitReached, 10), "You can add up to 10 RSS feeds only.")
	testutil.AssertEqual(t, Render(LanguageSet, "Russian"), "Language successfully set: Russian")
}

func TestFeedList(t *testing.T) {
	t.Parallel()

	msg := Markup(FeedList, map[string]any{
		"Subscriptions": []map[string]string{
			{"Name": "news", "Channel": "My channel", "LastSeen": "2 hours ago", "URL": "https://example.com/rss"},
		},
		"Available": 9,
	})
	got := msg.Text
	for _, want := range []string{
		"news / My channel / 2 hours ago\nhttps://example.com/rss",
		"You can add up to 9 more RSS feeds.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("feed list %q doesn't contain %q", got, want)
		}
	}
	if len(msg.Entities) == 0 || msg.Entities[0].Type != tgmarkup.Bold {
		t.Errorf("feed name isn't bold: %+v", msg.Entities)
	}
}

func TestMarkupEscapesValues(t *testing.T) {
	t.Parallel()

	msg := Markup(Added, map[string]string{"Name": "*my_feed*"})
	testutil.AssertEqual(t, msg.Text, "Thanks! *my_feed* RSS feed successfully added!")
	testutil.AssertEqual(t, msg.Entities, []tgbotapi.MessageEntity{
		{Type: tgmarkup.Bold, Offset: 8, Length: 9},
	})

	help := Markup(Help, nil)
	if !strings.Contains(help.Text, "/add_rss <channel_id> <feed_name> <rss_url> - subscribe") {
		t.Errorf("help %q lost command arguments", help.Text)
	}
}

func TestUnknownKeyPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("want panic")
		}
	}()
	Text("no_such_message")
}
