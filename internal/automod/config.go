package automod

import (
	"slices"
	"strings"
	"time"
)

// Action is the consequence applied to a violation.
type Action string

const (
	ActionDelete  Action = "delete"
	ActionWarn    Action = "warn"
	ActionTimeout Action = "timeout"
	ActionKick    Action = "kick"
	ActionBan     Action = "ban"
)

// Kind identifies the rule that produced a violation.
type Kind string

const (
	KindSpam     Kind = "spam"
	KindCaps     Kind = "caps"
	KindLinks    Kind = "links"
	KindBadWords Kind = "badwords"
	KindRaid     Kind = "raid"
)

// Label is the human name used in warnings and log records.
func (k Kind) Label() string {
	switch k {
	case KindSpam:
		return "Spam"
	case KindCaps:
		return "Caps Lock"
	case KindLinks:
		return "Links"
	case KindBadWords:
		return "Bad words"
	case KindRaid:
		return "Anti-Raid"
	default:
		return string(k)
	}
}

// GuildConfig is the per-guild rule set. Durations are milliseconds, matching
// the persisted document.
type GuildConfig struct {
	SchemaVersion int            `json:"schemaVersion"`
	Enabled       bool           `json:"enabled"`
	Spam          SpamConfig     `json:"spam"`
	Caps          CapsConfig     `json:"caps"`
	Links         LinksConfig    `json:"links"`
	BadWords      BadWordsConfig `json:"badWords"`
	AntiRaid      AntiRaidConfig `json:"antiRaid"`
	Whitelist     Whitelist      `json:"whitelist"`
	LogChannel    *string        `json:"logChannel"`
}

type SpamConfig struct {
	Enabled         bool   `json:"enabled"`
	MaxMessages     int    `json:"maxMessages" validate:"min=1"`
	TimeWindow      int64  `json:"timeWindow" validate:"min=1"`
	Action          Action `json:"action" validate:"oneof=delete warn timeout"`
	TimeoutDuration int64  `json:"timeoutDuration" validate:"min=0"`
}

type CapsConfig struct {
	Enabled         bool    `json:"enabled"`
	MinLength       int     `json:"minLength" validate:"min=1"`
	CapsPercentage  float64 `json:"capsPercentage" validate:"min=0,max=100"`
	Action          Action  `json:"action" validate:"oneof=delete warn timeout"`
	TimeoutDuration int64   `json:"timeoutDuration" validate:"min=0"`
}

type LinksConfig struct {
	Enabled bool `json:"enabled"`
	// AllowedDomains nil means built-in defaults; empty means block every link.
	AllowedDomains  []string `json:"allowedDomains" validate:"dive,required"`
	Action          Action   `json:"action" validate:"oneof=delete warn timeout"`
	TimeoutDuration int64    `json:"timeoutDuration" validate:"min=0"`
}

type BadWordsConfig struct {
	Enabled bool `json:"enabled"`
	// Words nil means built-in defaults; empty means no banned words.
	Words           []string `json:"words" validate:"dive,required"`
	Action          Action   `json:"action" validate:"oneof=delete warn timeout"`
	TimeoutDuration int64    `json:"timeoutDuration" validate:"min=0"`
}

type AntiRaidConfig struct {
	Enabled         bool   `json:"enabled"`
	MaxJoins        int    `json:"maxJoins" validate:"min=1"`
	TimeWindow      int64  `json:"timeWindow" validate:"min=1"`
	Action          Action `json:"action" validate:"oneof=ban kick timeout"`
	TimeoutDuration int64  `json:"timeoutDuration" validate:"min=0"`
}

type Whitelist struct {
	Roles    []string `json:"roles"`
	Channels []string `json:"channels"`
	Users    []string `json:"users"`
}

// WhitelistKind selects one of the whitelist sets.
type WhitelistKind string

const (
	WhitelistRoles    WhitelistKind = "roles"
	WhitelistChannels WhitelistKind = "channels"
	WhitelistUsers    WhitelistKind = "users"
)

func (c SpamConfig) Window() time.Duration     { return time.Duration(c.TimeWindow) * time.Millisecond }
func (c AntiRaidConfig) Window() time.Duration { return time.Duration(c.TimeWindow) * time.Millisecond }

// Clone returns a deep copy.
func (c GuildConfig) Clone() GuildConfig {
	out := c
	out.Links.AllowedDomains = cloneList(c.Links.AllowedDomains)
	out.BadWords.Words = cloneList(c.BadWords.Words)
	out.Whitelist = Whitelist{
		Roles:    cloneList(c.Whitelist.Roles),
		Channels: cloneList(c.Whitelist.Channels),
		Users:    cloneList(c.Whitelist.Users),
	}
	if c.LogChannel != nil {
		ch := *c.LogChannel
		out.LogChannel = &ch
	}
	return out
}

// cloneList keeps the nil/empty distinction.
func cloneList(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

// LogChannelID returns the configured log channel or "".
func (c GuildConfig) LogChannelID() string {
	if c.LogChannel == nil {
		return ""
	}
	return *c.LogChannel
}

// SetLogChannel sets the log channel; an empty id clears it.
func (c *GuildConfig) SetLogChannel(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		c.LogChannel = nil
		return
	}
	c.LogChannel = &id
}

// EffectiveAllowedDomains resolves the nil-means-defaults rule.
func (c LinksConfig) EffectiveAllowedDomains() []string {
	if c.AllowedDomains == nil {
		return DefaultAllowedDomains()
	}
	return c.AllowedDomains
}

// EffectiveWords resolves the nil-means-defaults rule.
func (c BadWordsConfig) EffectiveWords() []string {
	if c.Words == nil {
		return DefaultBadWords()
	}
	return c.Words
}

// AddAllowedDomain adds a normalized domain. It reports false if the domain
// is invalid or already present.
func (c *GuildConfig) AddAllowedDomain(raw string) bool {
	d, err := NormalizeHost(raw)
	if err != nil || len(d) < minHostLen {
		return false
	}
	list := c.Links.EffectiveAllowedDomains()
	if slices.Contains(list, d) {
		return false
	}
	c.Links.AllowedDomains = append(cloneList(list), d)
	return true
}

func (c *GuildConfig) RemoveAllowedDomain(raw string) bool {
	d, err := NormalizeHost(raw)
	if err != nil {
		d = strings.ToLower(strings.TrimSpace(raw))
	}
	list := c.Links.EffectiveAllowedDomains()
	i := slices.Index(list, d)
	if i < 0 {
		return false
	}
	c.Links.AllowedDomains = slices.Delete(cloneList(list), i, i+1)
	return true
}

// ClearAllowedDomains blocks every link.
func (c *GuildConfig) ClearAllowedDomains() { c.Links.AllowedDomains = []string{} }

func (c *GuildConfig) ResetAllowedDomains() { c.Links.AllowedDomains = DefaultAllowedDomains() }

// AddBadWord stores the trimmed, lowercased word. It reports false for empty
// or duplicate words.
func (c *GuildConfig) AddBadWord(raw string) bool {
	w := strings.ToLower(strings.TrimSpace(raw))
	if w == "" {
		return false
	}
	list := c.BadWords.EffectiveWords()
	if slices.Contains(list, w) {
		return false
	}
	c.BadWords.Words = append(cloneList(list), w)
	return true
}

func (c *GuildConfig) RemoveBadWord(raw string) bool {
	w := strings.ToLower(strings.TrimSpace(raw))
	list := c.BadWords.EffectiveWords()
	i := slices.Index(list, w)
	if i < 0 {
		return false
	}
	c.BadWords.Words = slices.Delete(cloneList(list), i, i+1)
	return true
}

func (c *GuildConfig) ClearBadWords() { c.BadWords.Words = []string{} }

func (c *GuildConfig) ResetBadWords() { c.BadWords.Words = DefaultBadWords() }

func (w *Whitelist) list(kind WhitelistKind) *[]string {
	switch kind {
	case WhitelistRoles:
		return &w.Roles
	case WhitelistChannels:
		return &w.Channels
	case WhitelistUsers:
		return &w.Users
	default:
		return nil
	}
}

// WhitelistAdd reports false for an unknown kind, an empty id or a duplicate.
func (c *GuildConfig) WhitelistAdd(kind WhitelistKind, id string) bool {
	id = strings.TrimSpace(id)
	l := c.Whitelist.list(kind)
	if l == nil || id == "" || slices.Contains(*l, id) {
		return false
	}
	*l = append(cloneList(*l), id)
	return true
}

func (c *GuildConfig) WhitelistRemove(kind WhitelistKind, id string) bool {
	l := c.Whitelist.list(kind)
	if l == nil {
		return false
	}
	i := slices.Index(*l, strings.TrimSpace(id))
	if i < 0 {
		return false
	}
	*l = slices.Delete(cloneList(*l), i, i+1)
	return true
}
