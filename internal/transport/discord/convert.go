package discord

import (
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"modbot/internal/transport"
)

// maxTimeout is the longest communication timeout Discord accepts.
const maxTimeout = 28 * 24 * time.Hour

// Embed limits.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFields      = 25
	maxFieldName   = 256
	maxFieldValue  = 1024
	maxFooter      = 2048
)

func clampTimeout(d time.Duration) time.Duration {
	if d > maxTimeout {
		return maxTimeout
	}
	if d < time.Second {
		return time.Second
	}
	return d
}

func toMessage(m *discordgo.Message, perms int64) transport.Message {
	msg := transport.Message{
		ID:        m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		At:        m.Timestamp,
	}
	if m.Author != nil {
		msg.Author = transport.Member{
			GuildID:     m.GuildID,
			UserID:      m.Author.ID,
			Username:    m.Author.Username,
			Bot:         m.Author.Bot,
			Permissions: perms,
		}
	}
	if m.Member != nil {
		msg.Author.RoleIDs = append([]string(nil), m.Member.Roles...)
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	return msg
}

func toJoin(m *discordgo.Member, guildID, systemChannelID string, perms int64) transport.MemberJoin {
	j := transport.MemberJoin{ChannelID: systemChannelID, At: m.JoinedAt}
	j.Member = transport.Member{
		GuildID:     guildID,
		RoleIDs:     append([]string(nil), m.Roles...),
		Permissions: perms,
	}
	if m.User != nil {
		j.Member.UserID = m.User.ID
		j.Member.Username = m.User.Username
		j.Member.Bot = m.User.Bot
	}
	if j.At.IsZero() {
		j.At = time.Now()
	}
	return j
}

// guildPermissions resolves a member's guild-level permissions from the
// @everyone role and the member's roles. The owner gets Administrator.
func guildPermissions(g *discordgo.Guild, m *discordgo.Member) int64 {
	if g == nil || m == nil {
		return 0
	}
	if m.User != nil && m.User.ID == g.OwnerID {
		return discordgo.PermissionAdministrator
	}
	roles := make(map[string]int64, len(g.Roles))
	var perms int64
	for _, r := range g.Roles {
		roles[r.ID] = r.Permissions
		if r.ID == g.ID {
			perms |= r.Permissions
		}
	}
	for _, id := range m.Roles {
		perms |= roles[id]
	}
	return perms
}

func toEmbed(rec transport.Record) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       clip(rec.Title, maxTitle),
		Description: clip(rec.Description, maxDescription),
		Color:       rec.Color,
	}
	if !rec.At.IsZero() {
		e.Timestamp = rec.At.UTC().Format(time.RFC3339)
	}
	for i, f := range rec.Fields {
		if i == maxFields {
			break
		}
		if f.Name == "" || f.Value == "" {
			continue
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:   clip(f.Name, maxFieldName),
			Value:  clip(f.Value, maxFieldValue),
			Inline: f.Inline,
		})
	}
	if rec.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: clip(rec.Footer, maxFooter)}
	}
	return e
}

// clip cuts s to at most n runes, ending in "…" when cut.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
