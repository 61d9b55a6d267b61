package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Discord    DiscordConfig    `json:"discord"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Automod    AutomodConfig    `json:"automod"`
	Moderation ModerationConfig `json:"moderation"`
	LogFeed    *LogFeedConfig   `json:"log_feed,omitempty"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

type DiscordConfig struct {
	// Token falls back to $DISCORD_TOKEN, then $TOKEN, when empty.
	Token string `json:"token"`
	// Workers is the number of goroutines consuming gateway updates. Default 4.
	Workers int `json:"workers,omitempty"`
	// ActionTimeout bounds each REST call (delete/timeout/kick/ban/send). Default "10s".
	ActionTimeout string `json:"action_timeout,omitempty"`
}

// ResolvedToken returns the configured token or the environment fallback.
func (d DiscordConfig) ResolvedToken() string {
	if t := strings.TrimSpace(d.Token); t != "" {
		return t
	}
	if t := strings.TrimSpace(os.Getenv("DISCORD_TOKEN")); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("TOKEN"))
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChannel mirrors warn+ process logs into an operator channel.
type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`    // redis
	Prefix      string `json:"prefix,omitempty"` // redis key prefix
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AutomodConfig holds process-wide engine knobs. Per-guild rules live in storage.
type AutomodConfig struct {
	// SweepSchedule is a cron spec or descriptor for the stale tracker sweep. Default "@every 10m".
	SweepSchedule string `json:"sweep_schedule,omitempty"`
	// SweepIdleFactor: a tracker key idle for more than factor x its window is dropped. Default 10.
	SweepIdleFactor int `json:"sweep_idle_factor,omitempty"`
}

type ModerationConfig struct {
	WarningExpiry       string `json:"warning_expiry,omitempty"`       // default "720h"
	EscalationThreshold int    `json:"escalation_threshold,omitempty"` // default 3
	EscalationTimeout   string `json:"escalation_timeout,omitempty"`   // default "24h"
	PruneSchedule       string `json:"prune_schedule,omitempty"`       // default "@hourly"
}

// LogFeedConfig controls the central moderation log feed.
//
// All durations are Go duration strings. If the section is omitted the feed
// is disabled.
type LogFeedConfig struct {
	Enabled         bool   `json:"enabled"`
	ChannelID       string `json:"channel_id"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// OpsConfig controls the operator HTTP endpoint (/healthz, /metrics, pprof).
//
// Prefer binding to localhost; pprof exposes process internals.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
}

// Validate checks cross-field constraints that strict decoding cannot.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Discord.Workers < 0 {
		add(errors.New("discord.workers must be >= 0"))
	}
	_, err := ParseDurationField("discord.action_timeout", c.Discord.ActionTimeout)
	add(err)

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
			}
		case "redis":
			if strings.TrimSpace(c.Storage.URL) == "" {
				add(errors.New("storage.url is required for driver \"redis\""))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
		add(err)
	}

	if c.Automod.SweepIdleFactor < 0 {
		add(errors.New("automod.sweep_idle_factor must be >= 0"))
	}

	_, err = ParseDurationField("moderation.warning_expiry", c.Moderation.WarningExpiry)
	add(err)
	_, err = ParseDurationField("moderation.escalation_timeout", c.Moderation.EscalationTimeout)
	add(err)
	if c.Moderation.EscalationThreshold < 0 {
		add(errors.New("moderation.escalation_threshold must be >= 0"))
	}

	if f := c.LogFeed; f != nil {
		if f.Enabled && strings.TrimSpace(f.ChannelID) == "" {
			add(errors.New("log_feed.channel_id is required when log_feed.enabled"))
		}
		for path, raw := range map[string]string{
			"log_feed.retry_base":      f.RetryBase,
			"log_feed.retry_max_delay": f.RetryMaxDelay,
			"log_feed.dedup_window":    f.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ActionTimeout returns the per-call REST timeout.
func (c *Config) ActionTimeout() time.Duration {
	d, err := ParseDurationOrDefault("discord.action_timeout", c.Discord.ActionTimeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
