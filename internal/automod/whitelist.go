package automod

import (
	"slices"

	"modbot/internal/transport"
)

// exemptPermissions are the member permissions that bypass automod.
const exemptPermissions = transport.PermissionAdministrator |
	transport.PermissionManageGuild |
	transport.PermissionManageMessages

// IsWhitelisted reports whether enforcement must be skipped for member acting
// in channelID. A whitelisted event bypasses every rule.
func IsWhitelisted(member transport.Member, channelID string, cfg GuildConfig) bool {
	wl := cfg.Whitelist
	if slices.Contains(wl.Users, member.UserID) {
		return true
	}
	for _, r := range wl.Roles {
		if member.HasRole(r) {
			return true
		}
	}
	if channelID != "" && slices.Contains(wl.Channels, channelID) {
		return true
	}
	return member.Permissions&exemptPermissions != 0
}
