package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal), Path is a directory
//   - "sqlite": SQLite database file (optional build tag), Path is the db file
//   - "redis": Redis server at URL, keys namespaced by Prefix
//   - "memory": volatile, for tests and dry runs
//
// If Driver is empty or "none", the memory driver is used.
type Config struct {
	Driver      string
	Path        string
	URL         string
	Prefix      string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an enforcement action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Kind      string    `json:"kind"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}
