// Package chat defines the contract to the chat platform gateway. The
// engines never talk to the platform directly; they call this adapter and
// the concrete gateway process implements it on the other side.
package chat

import (
	"context"
	"time"
)

// Message is one channel message as the platform reports it.
type Message struct {
	ID             int64
	AuthorID       int64
	Content        string
	AttachmentURLs []string
	SentAt         time.Time
}

// DM is a direct message to deliver, optionally with a rich card and
// action buttons the gateway renders natively.
type DM struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Fields  []Field  `json:"fields,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Field is one labeled value on a DM card.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Button is one action the recipient can press; the gateway routes the
// press back through the HTTP API using the Action and Ref.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
	Ref    string `json:"ref"`
}

// ChannelMessage is a message posted to a guild channel (audit log embeds).
type ChannelMessage struct {
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	Fields []Field `json:"fields,omitempty"`
}

// GuildInfo is the platform's view of a guild.
type GuildInfo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// MemberInfo is the platform's view of a guild member.
type MemberInfo struct {
	UserID      int64   `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Roles       []int64 `json:"roles,omitempty"`
}

// Adapter is the platform surface the moderation engines require.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// WaitReady blocks until the gateway session is usable or ctx ends.
	WaitReady(ctx context.Context) error

	// SendDM delivers a direct message and returns its platform message id.
	SendDM(ctx context.Context, userID int64, dm DM) (int64, error)

	// EditDM rewrites a previously sent direct message in place.
	EditDM(ctx context.Context, userID, messageID int64, dm DM) error

	// DeleteDM removes a previously sent direct message. Best effort;
	// callers tolerate failure.
	DeleteDM(ctx context.Context, userID, messageID int64) error

	// ApplyTimeout mutes a guild member for the duration.
	ApplyTimeout(ctx context.Context, guildID, userID int64, d time.Duration, reason string) error

	// FetchHistory returns up to limit channel messages sent after since,
	// newest first.
	FetchHistory(ctx context.Context, channelID int64, since time.Time, limit int) ([]Message, error)

	// PostChannelMessage posts to a guild channel and returns the message id.
	PostChannelMessage(ctx context.Context, channelID int64, msg ChannelMessage) (int64, error)

	// ResolveGuild looks a guild up. A guild the session no longer sees
	// returns domain.ErrNotFound.
	ResolveGuild(ctx context.Context, guildID int64) (*GuildInfo, error)

	// ResolveMember looks a guild member up. A member who left returns
	// domain.ErrNotFound.
	ResolveMember(ctx context.Context, guildID, userID int64) (*MemberInfo, error)
}
