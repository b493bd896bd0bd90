// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package failure classifies errors coming from feeds and Telegram into a
// closed set of kinds that decide between retrying, skipping and tearing a
// subscription down.
package failure

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind is a failure kind.
type Kind int

// Failure kinds. Callers decide whether to tear a subscription down with
// [Kind.Permanent].
const (
	Unknown Kind = iota
	// BotRemoved means the bot was kicked from the destination or is not a
	// member of it anymore.
	BotRemoved
	// DestinationGone means the destination chat does not exist.
	DestinationGone
	// MemberListInaccessible means the bot can't inspect the destination's
	// members, usually because it is not an administrator there.
	MemberListInaccessible
	// FeedUnreachable means the feed or article host could not be reached.
	FeedUnreachable
	// FeedMalformed means the feed document could not be parsed.
	FeedMalformed
)

var kindNames = [...]string{
	Unknown:                "unknown",
	BotRemoved:             "bot_removed",
	DestinationGone:        "destination_gone",
	MemberListInaccessible: "member_list_inaccessible",
	FeedUnreachable:        "feed_unreachable",
	FeedMalformed:          "feed_malformed",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Permanent reports whether the failure makes the subscription undeliverable
// for good, so it must be torn down.
func (k Kind) Permanent() bool {
	return k == BotRemoved || k == DestinationGone
}

// Transient reports whether the failure may go away by itself.
func (k Kind) Transient() bool {
	return k == FeedUnreachable || k == FeedMalformed || k == Unknown
}

// Error is an error annotated with its failure kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with kind. It returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Classify returns the kind of err.
//
// Errors annotated with [Wrap] keep their kind. Otherwise network errors are
// reported as [FeedUnreachable] and everything else is [Unknown].
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FeedUnreachable
	}
	var (
		dnsErr *net.DNSError
		opErr  *net.OpError
	)
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return FeedUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FeedUnreachable
	}
	return Unknown
}

// FromTelegram maps a Telegram Bot API error code and description to a kind.
func FromTelegram(code int, description string) Kind {
	d := strings.ToLower(description)
	switch code {
	case 403:
		if strings.Contains(d, "bot was kicked") || strings.Contains(d, "bot is not a member") {
			return BotRemoved
		}
	case 400:
		switch {
		case strings.Contains(d, "chat not found"):
			return DestinationGone
		case strings.Contains(d, "member list is inaccessible"):
			return MemberListInaccessible
		}
	}
	return Unknown
}
