package app

import (
	"strings"
	"time"

	"modbot/internal/logfeed"
	"modbot/internal/moderation"
	"modbot/internal/ops"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// mapStorageConfig returns a memory store config when the section is absent.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		Prefix:      strings.TrimSpace(sc.Prefix),
		BusyTimeout: busy,
	}, nil
}

func mapLoggingConfig(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Channel: logx.ChannelConfig{
			Enabled:    l.Channel.Enabled,
			ChannelID:  strings.TrimSpace(l.Channel.ChannelID),
			MinLevel:   l.Channel.MinLevel,
			RatePerSec: l.Channel.RatePerSec,
		},
	}
}

func mapLogFeedConfig(cfg *Config) (logfeed.Config, error) {
	if cfg == nil || cfg.LogFeed == nil {
		return logfeed.Config{}, nil
	}
	f := cfg.LogFeed
	base, err := parseDurationOrDefault("log_feed.retry_base", f.RetryBase, 500*time.Millisecond)
	if err != nil {
		return logfeed.Config{}, err
	}
	maxDelay, err := parseDurationOrDefault("log_feed.retry_max_delay", f.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return logfeed.Config{}, err
	}
	dedup, err := parseDurationOrDefault("log_feed.dedup_window", f.DedupWindow, 30*time.Second)
	if err != nil {
		return logfeed.Config{}, err
	}
	return logfeed.Config{
		Enabled:         f.Enabled,
		ChannelID:       strings.TrimSpace(f.ChannelID),
		Workers:         f.Workers,
		QueueSize:       f.QueueSize,
		RatePerSec:      f.RatePerSec,
		RetryMax:        f.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: f.DedupMaxEntries,
	}, nil
}

func mapLedgerConfig(cfg *Config) (moderation.Config, error) {
	def := moderation.DefaultConfig()
	m := cfg.Moderation
	expiry, err := parseDurationOrDefault("moderation.warning_expiry", m.WarningExpiry, def.Expiry)
	if err != nil {
		return moderation.Config{}, err
	}
	timeout, err := parseDurationOrDefault("moderation.escalation_timeout", m.EscalationTimeout, def.EscalationTimeout)
	if err != nil {
		return moderation.Config{}, err
	}
	threshold := m.EscalationThreshold
	if threshold == 0 {
		threshold = def.EscalationThreshold
	}
	return moderation.Config{Expiry: expiry, EscalationThreshold: threshold, EscalationTimeout: timeout}, nil
}

func mapOpsConfig(cfg *Config) ops.Config {
	return ops.Config{Enabled: cfg.Ops.Enabled, Addr: strings.TrimSpace(cfg.Ops.Addr), Pprof: cfg.Ops.Pprof}
}

func jobSpecs(cfg *Config) map[string]string {
	sweep := strings.TrimSpace(cfg.Automod.SweepSchedule)
	if sweep == "" {
		sweep = "@every 10m"
	}
	prune := strings.TrimSpace(cfg.Moderation.PruneSchedule)
	if prune == "" {
		prune = "@hourly"
	}
	return map[string]string{jobSweep: sweep, jobPrune: prune}
}
