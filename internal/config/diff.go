package config

import (
	"reflect"
	"strings"

	logx "modbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe log
// fields describing them. Secrets (token, redis url) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Discord.Workers != newCfg.Discord.Workers ||
		strings.TrimSpace(oldCfg.Discord.ActionTimeout) != strings.TrimSpace(newCfg.Discord.ActionTimeout) ||
		oldCfg.Discord.Token != newCfg.Discord.Token {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Int("discord.workers", newCfg.Discord.Workers),
			logx.String("discord.action_timeout", newCfg.Discord.ActionTimeout),
			logx.Bool("discord.token_changed", oldCfg.Discord.Token != newCfg.Discord.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	oldSt, newSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldSt != newSt {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newSt.Driver))
	}

	if oldCfg.Automod != newCfg.Automod {
		changed = append(changed, "automod")
		attrs = append(attrs,
			logx.String("automod.sweep_schedule", newCfg.Automod.SweepSchedule),
			logx.Int("automod.sweep_idle_factor", newCfg.Automod.SweepIdleFactor),
		)
	}

	if oldCfg.Moderation != newCfg.Moderation {
		changed = append(changed, "moderation")
		attrs = append(attrs,
			logx.String("moderation.warning_expiry", newCfg.Moderation.WarningExpiry),
			logx.Int("moderation.escalation_threshold", newCfg.Moderation.EscalationThreshold),
		)
	}

	oldFeed, newFeed := derefLogFeed(oldCfg.LogFeed), derefLogFeed(newCfg.LogFeed)
	if oldFeed != newFeed {
		changed = append(changed, "log_feed")
		attrs = append(attrs,
			logx.Bool("log_feed.enabled", newFeed.Enabled),
			logx.Int("log_feed.workers", newFeed.Workers),
			logx.Int("log_feed.rate_per_sec", newFeed.RatePerSec),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefLogFeed(f *LogFeedConfig) LogFeedConfig {
	if f == nil {
		return LogFeedConfig{}
	}
	return *f
}
