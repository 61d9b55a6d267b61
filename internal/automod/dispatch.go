package automod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"modbot/internal/eventbus"
	"modbot/internal/moderation"
	"modbot/internal/storage"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

// Event types published on the bus after every dispatch.
const (
	EventViolation = "automod.violation"
	EventRaid      = "automod.raid"
)

const (
	IconViolation = "⛔"
	IconRaid      = "🚨"
	IconEscalate  = "⚠️"

	colorViolation = 0xED4245
	colorRaid      = 0x992D22

	maxQuotedRunes = 200
	raidReason     = "Anti-Raid: too many joins in a short time"
)

// WarningLedger records warnings for members.
type WarningLedger interface {
	AddWarning(ctx context.Context, guildID, userID, moderatorID, reason string) (moderation.Result, error)
}

// LogSink is the central moderation log. Callers ignore its errors.
type LogSink interface {
	SendLog(ctx context.Context, title, description, icon string) error
}

// Violation is a rule hit on one message.
type Violation struct {
	Kind   Kind
	Detail string
}

// Outcome reports what a dispatch did. Errors holds platform failures; they
// never stop the remaining steps.
type Outcome struct {
	Kind      Kind
	Action    Action
	Deleted   bool
	Warned    bool
	Warnings  int
	TimedOut  bool
	Timeout   time.Duration
	Escalated bool
	Errors    []error
}

// ActionEvent is the payload of EventViolation and EventRaid.
type ActionEvent struct {
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Action    Action    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Audit converts the event into an audit log entry.
func (e ActionEvent) Audit() storage.AuditEntry {
	reason := e.Kind.Label()
	if e.Detail != "" {
		reason += ": " + e.Detail
	}
	return storage.AuditEntry{
		At:        e.At,
		GuildID:   e.GuildID,
		UserID:    e.UserID,
		ChannelID: e.ChannelID,
		Kind:      string(e.Kind),
		Action:    string(e.Action),
		Reason:    reason,
		OK:        e.OK,
		Error:     e.Error,
	}
}

type DispatcherOptions struct {
	Enforcer transport.Enforcer
	// Records posts violation records to the guild log channel. Optional.
	Records transport.Sender
	// Ledger is required for the warn action; without it warn behaves like delete.
	Ledger WarningLedger
	Sink   LogSink
	Bus    eventbus.Bus
	Log    logx.Logger
	// SelfID returns the bot user id, recorded as moderator on warnings.
	SelfID func() string
	// CallTimeout bounds each platform call. Default 10s.
	CallTimeout time.Duration
	Now         func() time.Time
}

// Dispatcher applies the consequences of violations.
type Dispatcher struct {
	opts DispatcherOptions
	log  logx.Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SelfID == nil {
		opts.SelfID = func() string { return "" }
	}
	return &Dispatcher{opts: opts, log: opts.Log.With(logx.String("comp", "automod.dispatch"))}
}

// ActionFor returns the configured action for a message rule.
func ActionFor(kind Kind, cfg GuildConfig) Action {
	switch kind {
	case KindSpam:
		return cfg.Spam.Action
	case KindCaps:
		return cfg.Caps.Action
	case KindLinks:
		return cfg.Links.Action
	case KindBadWords:
		return cfg.BadWords.Action
	case KindRaid:
		return cfg.AntiRaid.Action
	default:
		return ActionDelete
	}
}

// TimeoutFor returns the configured timeout for a rule, or the rule default
// when unset.
func TimeoutFor(kind Kind, cfg GuildConfig) time.Duration {
	var ms int64
	def := int64(DefaultRuleTimeoutMs)
	switch kind {
	case KindSpam:
		ms = cfg.Spam.TimeoutDuration
	case KindCaps:
		ms = cfg.Caps.TimeoutDuration
	case KindLinks:
		ms = cfg.Links.TimeoutDuration
	case KindBadWords:
		ms = cfg.BadWords.TimeoutDuration
	case KindRaid:
		ms = cfg.AntiRaid.TimeoutDuration
		def = DefaultRaidTimeoutMs
	}
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

// Dispatch deletes the message, applies the rule's action and emits the log
// records. Platform and logging failures are absorbed into the outcome; the
// returned error is a storage failure from the warning ledger.
func (d *Dispatcher) Dispatch(ctx context.Context, msg transport.Message, v Violation, cfg GuildConfig) (Outcome, error) {
	action := ActionFor(v.Kind, cfg)
	out := Outcome{Kind: v.Kind, Action: action}
	label := v.Kind.Label()
	log := d.log.With(
		logx.String("guild", msg.GuildID),
		logx.String("user", msg.Author.UserID),
		logx.String("kind", string(v.Kind)),
	)

	if err := d.call(ctx, func(ctx context.Context) error {
		return d.opts.Enforcer.DeleteMessage(ctx, msg.ChannelID, msg.ID, "Automod: "+label)
	}); err != nil {
		d.platformFailure(log, &out, "delete", err)
	} else {
		out.Deleted = true
	}

	var persistErr error
	switch action {
	case ActionWarn:
		if d.opts.Ledger == nil {
			break
		}
		res, err := d.opts.Ledger.AddWarning(ctx, msg.GuildID, msg.Author.UserID, d.opts.SelfID(), "Automatic warning: "+label)
		if err != nil {
			persistErrors.WithLabelValues(moderation.CollectionWarnings).Inc()
			persistErr = &PersistError{Collection: moderation.CollectionWarnings, Key: moderation.Key(msg.GuildID, msg.Author.UserID), Err: err}
			log.Error("warning not persisted", logx.Err(err))
		}
		out.Warned = true
		out.Warnings = res.Record.Count
		if res.Escalate {
			d.escalate(ctx, log, msg.Author, res, &out)
		}
	case ActionTimeout:
		dur := TimeoutFor(v.Kind, cfg)
		if err := d.call(ctx, func(ctx context.Context) error {
			return d.opts.Enforcer.TimeoutMember(ctx, msg.GuildID, msg.Author.UserID, dur, "Automatic timeout: "+label)
		}); err != nil {
			d.platformFailure(log, &out, "timeout", err)
		} else {
			out.TimedOut = true
			out.Timeout = dur
		}
	}

	violationCount.WithLabelValues(string(v.Kind), string(action)).Inc()

	if ch := cfg.LogChannelID(); ch != "" && d.opts.Records != nil {
		rec := d.violationRecord(msg, label, action)
		if err := d.call(ctx, func(ctx context.Context) error {
			return d.opts.Records.SendRecord(ctx, ch, rec)
		}); err != nil {
			platformFailures.WithLabelValues("log_channel").Inc()
			log.Debug("log channel record not sent", logx.String("channel", ch), logx.Err(err))
		}
	}
	d.sendLog(ctx, log, "Automod violation", fmt.Sprintf(
		"**User:** %s\n**Violation:** %s\n**Action:** %s\n**Channel:** <#%s>",
		mention(msg.Author), label, action, msg.ChannelID,
	), IconViolation)

	d.publish(EventViolation, ActionEvent{
		GuildID:   msg.GuildID,
		UserID:    msg.Author.UserID,
		ChannelID: msg.ChannelID,
		Kind:      v.Kind,
		Action:    action,
		Detail:    v.Detail,
		OK:        len(out.Errors) == 0,
		Error:     joinErrors(out.Errors),
		At:        d.opts.Now(),
	})
	log.Info("violation dispatched",
		logx.String("action", string(action)),
		logx.Bool("deleted", out.Deleted),
		logx.Int("failures", len(out.Errors)),
	)
	return out, persistErr
}

func (d *Dispatcher) escalate(ctx context.Context, log logx.Logger, m transport.Member, res moderation.Result, out *Outcome) {
	reason := fmt.Sprintf("Automatic escalation: %d warnings", res.Record.Count)
	if err := d.call(ctx, func(ctx context.Context) error {
		return d.opts.Enforcer.TimeoutMember(ctx, m.GuildID, m.UserID, res.EscalationTimeout, reason)
	}); err != nil {
		d.platformFailure(log, out, "escalation_timeout", err)
		return
	}
	out.Escalated = true
	out.TimedOut = true
	out.Timeout = res.EscalationTimeout
	d.sendLog(ctx, log, "Automatic escalation", fmt.Sprintf(
		"**User:** %s\n**Warnings:** %d\n**Timeout:** %s",
		mention(m), res.Record.Count, res.EscalationTimeout,
	), IconEscalate)
}

// DispatchRaid applies the anti-raid action to a joining member. Failures
// are logged and reported in the outcome, never returned.
func (d *Dispatcher) DispatchRaid(ctx context.Context, join transport.MemberJoin, cfg GuildConfig) Outcome {
	m := join.Member
	action := cfg.AntiRaid.Action
	out := Outcome{Kind: KindRaid, Action: action}
	log := d.log.With(logx.String("guild", m.GuildID), logx.String("user", m.UserID))

	var err error
	switch action {
	case ActionBan:
		err = d.call(ctx, func(ctx context.Context) error {
			return d.opts.Enforcer.BanMember(ctx, m.GuildID, m.UserID, raidReason)
		})
	case ActionKick:
		err = d.call(ctx, func(ctx context.Context) error {
			return d.opts.Enforcer.KickMember(ctx, m.GuildID, m.UserID, raidReason)
		})
	case ActionTimeout:
		dur := TimeoutFor(KindRaid, cfg)
		err = d.call(ctx, func(ctx context.Context) error {
			return d.opts.Enforcer.TimeoutMember(ctx, m.GuildID, m.UserID, dur, raidReason)
		})
		if err == nil {
			out.TimedOut = true
			out.Timeout = dur
		}
	default:
		err = fmt.Errorf("unknown anti-raid action %q", action)
	}
	if err != nil {
		d.platformFailure(log, &out, string(action), err)
	}
	raidActionCount.WithLabelValues(string(action)).Inc()

	desc := fmt.Sprintf("**User:** %s\n**Action:** %s\n**Reason:** too many joins in a short time", mention(m), action)
	if ch := cfg.LogChannelID(); ch != "" && d.opts.Records != nil {
		rec := transport.Record{
			Title: IconRaid + " Anti-Raid triggered",
			Color: colorRaid,
			Fields: []transport.RecordField{
				{Name: "User", Value: mention(m), Inline: true},
				{Name: "Action", Value: string(action), Inline: true},
				{Name: "Reason", Value: "too many joins in a short time"},
			},
			At: d.opts.Now(),
		}
		if err := d.call(ctx, func(ctx context.Context) error {
			return d.opts.Records.SendRecord(ctx, ch, rec)
		}); err != nil {
			platformFailures.WithLabelValues("log_channel").Inc()
			log.Debug("log channel record not sent", logx.String("channel", ch), logx.Err(err))
		}
	}
	d.sendLog(ctx, log, "Anti-Raid triggered", desc, IconRaid)

	d.publish(EventRaid, ActionEvent{
		GuildID:   m.GuildID,
		UserID:    m.UserID,
		ChannelID: join.ChannelID,
		Kind:      KindRaid,
		Action:    action,
		OK:        err == nil,
		Error:     joinErrors(out.Errors),
		At:        d.opts.Now(),
	})
	log.Warn("anti-raid action applied", logx.String("action", string(action)), logx.Bool("ok", err == nil))
	return out
}

func (d *Dispatcher) violationRecord(msg transport.Message, label string, action Action) transport.Record {
	return transport.Record{
		Title: IconViolation + " Automod violation",
		Color: colorViolation,
		Fields: []transport.RecordField{
			{Name: "User", Value: mention(msg.Author), Inline: true},
			{Name: "Violation", Value: label, Inline: true},
			{Name: "Action", Value: actionLabel(action), Inline: true},
			{Name: "Channel", Value: "<#" + msg.ChannelID + ">", Inline: true},
			{Name: "Message", Value: quote(msg.Content)},
		},
		At: d.opts.Now(),
	}
}

func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	if d.opts.Enforcer == nil {
		return errors.New("no enforcer")
	}
	cctx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()
	return fn(cctx)
}

func (d *Dispatcher) platformFailure(log logx.Logger, out *Outcome, op string, err error) {
	platformFailures.WithLabelValues(op).Inc()
	out.Errors = append(out.Errors, fmt.Errorf("%s: %w", op, err))
	log.Warn("platform action failed", logx.String("op", op), logx.Err(err))
}

func (d *Dispatcher) sendLog(ctx context.Context, log logx.Logger, title, desc, icon string) {
	if d.opts.Sink == nil {
		return
	}
	if err := d.opts.Sink.SendLog(ctx, title, desc, icon); err != nil {
		log.Debug("central log dropped", logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, e ActionEvent) {
	if d.opts.Bus == nil {
		return
	}
	d.opts.Bus.Publish(eventbus.Event{Type: typ, Time: e.At, Data: e})
}

func actionLabel(a Action) string {
	switch a {
	case ActionDelete:
		return "Deleted"
	case ActionWarn:
		return "Warned"
	case ActionTimeout:
		return "Timeout"
	default:
		return string(a)
	}
}

func mention(m transport.Member) string {
	if m.Username == "" {
		return "<@" + m.UserID + ">"
	}
	return fmt.Sprintf("<@%s> (%s)", m.UserID, m.Username)
}

// quote returns the first 200 characters of s, with "..." when cut.
func quote(s string) string {
	if s == "" {
		return "(empty)"
	}
	if utf8.RuneCountInString(s) <= maxQuotedRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxQuotedRunes]) + "..."
}

func joinErrors(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
