package app

import (
	"time"

	"modbot/internal/config"
	rtsup "modbot/internal/runtime/supervisor"
)

type Config = config.Config

type Supervisor = rtsup.Supervisor

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}
