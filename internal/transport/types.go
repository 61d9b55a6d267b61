package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateMemberJoin UpdateKind = "member_join"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Join    *MemberJoin
}

// Permission bits, same values as the Discord API.
const (
	PermissionManageMessages  int64 = 1 << 13
	PermissionAdministrator   int64 = 1 << 3
	PermissionManageGuild     int64 = 1 << 5
	PermissionModerateMembers int64 = 1 << 40
)

// Member is a guild member as seen in the context of one event.
// Permissions are resolved for the event's channel.
type Member struct {
	GuildID     string
	UserID      string
	Username    string
	Bot         bool
	RoleIDs     []string
	Permissions int64
}

func (m Member) HasRole(id string) bool {
	for _, r := range m.RoleIDs {
		if r == id {
			return true
		}
	}
	return false
}

type Message struct {
	ID        string
	GuildID   string // empty for direct messages
	ChannelID string
	Content   string
	Author    Member
	At        time.Time
}

// MemberJoin is a new guild member. ChannelID is the guild's system channel
// (may be empty).
type MemberJoin struct {
	Member    Member
	ChannelID string
	At        time.Time
}

// Record is a structured log entry rendered by the adapter (Discord: embed).
type Record struct {
	Title       string
	Description string
	Color       int
	Fields      []RecordField
	Footer      string
	At          time.Time
}

type RecordField struct {
	Name   string
	Value  string
	Inline bool
}

// Enforcer applies moderation actions on the platform.
type Enforcer interface {
	DeleteMessage(ctx context.Context, channelID, messageID, reason string) error
	TimeoutMember(ctx context.Context, guildID, userID string, d time.Duration, reason string) error
	KickMember(ctx context.Context, guildID, userID, reason string) error
	BanMember(ctx context.Context, guildID, userID, reason string) error
}

// Sender posts to a channel.
type Sender interface {
	SendText(ctx context.Context, channelID, text string) error
	SendRecord(ctx context.Context, channelID string, rec Record) error
}

type Adapter interface {
	Enforcer
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// SelfID is the bot's own user id (empty before Start).
	SelfID() string
}
