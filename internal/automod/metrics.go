package automod

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_events_total",
	Help: "Number of events evaluated by the rule engine",
}, []string{"type"})

var exemptCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_exempt_total",
	Help: "Number of events skipped because the actor or channel is whitelisted",
})

var violationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_violations_total",
	Help: "Number of message violations dispatched",
}, []string{"kind", "action"})

var raidActionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_raid_actions_total",
	Help: "Number of anti-raid actions dispatched",
}, []string{"action"})

var platformFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_platform_failures_total",
	Help: "Number of failed platform calls (delete, timeout, kick, ban, log)",
}, []string{"op"})

var persistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_persist_errors_total",
	Help: "Number of failed storage writes",
}, []string{"collection"})

var sweptKeys = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_swept_keys_total",
	Help: "Number of idle rate-window keys removed by the sweep",
}, []string{"collection"})
