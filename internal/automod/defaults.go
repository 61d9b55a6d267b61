package automod

// CurrentSchemaVersion is stamped on every migrated config document.
const CurrentSchemaVersion = 3

// Default durations in milliseconds.
const (
	DefaultRuleTimeoutMs = 60_000
	DefaultRaidTimeoutMs = 3_600_000
)

var defaultAllowedDomains = []string{"discord.com", "youtube.com", "youtu.be", "twitch.tv"}

var defaultBadWords = []string{
	"hurensohn", "hure", "fotze", "schwuchtel", "schwul", "faggot", "nigger", "neger",
	"spast", "behindert", "retard", "idiot", "dummkopf", "arschloch", "fick", "ficken",
	"scheiße", "scheisse",
}

// DefaultAllowedDomains returns a fresh copy of the built-in allow-list.
func DefaultAllowedDomains() []string { return cloneList(defaultAllowedDomains) }

// DefaultBadWords returns a fresh copy of the built-in word list.
func DefaultBadWords() []string { return cloneList(defaultBadWords) }

// DefaultGuildConfig is the config created on first access to a guild.
// Every rule starts disabled.
func DefaultGuildConfig() GuildConfig {
	return GuildConfig{
		SchemaVersion: CurrentSchemaVersion,
		Enabled:       false,
		Spam: SpamConfig{
			MaxMessages:     5,
			TimeWindow:      10_000,
			Action:          ActionDelete,
			TimeoutDuration: DefaultRuleTimeoutMs,
		},
		Caps: CapsConfig{
			MinLength:       10,
			CapsPercentage:  70,
			Action:          ActionDelete,
			TimeoutDuration: DefaultRuleTimeoutMs,
		},
		Links: LinksConfig{
			AllowedDomains:  DefaultAllowedDomains(),
			Action:          ActionDelete,
			TimeoutDuration: DefaultRuleTimeoutMs,
		},
		BadWords: BadWordsConfig{
			Words:           DefaultBadWords(),
			Action:          ActionDelete,
			TimeoutDuration: DefaultRuleTimeoutMs,
		},
		AntiRaid: AntiRaidConfig{
			MaxJoins:        5,
			TimeWindow:      60_000,
			Action:          ActionBan,
			TimeoutDuration: DefaultRaidTimeoutMs,
		},
		Whitelist: Whitelist{Roles: []string{}, Channels: []string{}, Users: []string{}},
	}
}
