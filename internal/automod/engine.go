package automod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

// Classifier is a stateless message rule. Classify must not block and must
// report no violation when its rule is disabled in cfg.
type Classifier interface {
	Kind() Kind
	Classify(msg transport.Message, cfg GuildConfig) (detail string, violated bool)
}

type capsClassifier struct{}

func (capsClassifier) Kind() Kind { return KindCaps }

func (capsClassifier) Classify(msg transport.Message, cfg GuildConfig) (string, bool) {
	if !cfg.Caps.Enabled || !CheckCaps(msg.Content, cfg.Caps) {
		return "", false
	}
	return fmt.Sprintf("%.0f%% uppercase", CapsRatio(msg.Content)), true
}

type linkClassifier struct{}

func (linkClassifier) Kind() Kind { return KindLinks }

// Classify blocks invites even when the link rule is off.
func (linkClassifier) Classify(msg transport.Message, cfg GuildConfig) (string, bool) {
	return FindBlockedLink(msg.Content, cfg.Links)
}

type badWordClassifier struct{ m *WordMatcher }

func (badWordClassifier) Kind() Kind { return KindBadWords }

func (c badWordClassifier) Classify(msg transport.Message, cfg GuildConfig) (string, bool) {
	if !cfg.BadWords.Enabled {
		return "", false
	}
	return c.m.Match(msg.Content, cfg.BadWords.EffectiveWords())
}

// DefaultClassifiers returns the message rules in evaluation order:
// caps, links, bad words. Spam is tracked separately and runs first.
func DefaultClassifiers(m *WordMatcher) []Classifier {
	if m == nil {
		m = NewWordMatcher(0)
	}
	return []Classifier{capsClassifier{}, linkClassifier{}, badWordClassifier{m: m}}
}

// State is where an event's evaluation ended.
type State string

const (
	StateSkipped    State = "skipped" // bot, DM, or engine disabled for the guild
	StateExempt     State = "exempt"
	StateClean      State = "clean"
	StateDispatched State = "dispatched"
)

type Result struct {
	State   State
	Kind    Kind
	Detail  string
	Outcome Outcome
}

type Options struct {
	Configs     *ConfigStore
	Spam        *RateWindow
	Raid        *RateWindow
	Dispatcher  *Dispatcher
	Classifiers []Classifier
	Log         logx.Logger
	Now         func() time.Time
}

// Engine evaluates messages and joins against the guild rules.
type Engine struct {
	configs     *ConfigStore
	spam        *RateWindow
	raid        *RateWindow
	dispatch    *Dispatcher
	classifiers []Classifier
	log         logx.Logger
	now         func() time.Time
}

func NewEngine(opts Options) *Engine {
	if opts.Classifiers == nil {
		opts.Classifiers = DefaultClassifiers(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		configs:     opts.Configs,
		spam:        opts.Spam,
		raid:        opts.Raid,
		dispatch:    opts.Dispatcher,
		classifiers: opts.Classifiers,
		log:         opts.Log.With(logx.String("comp", "automod")),
		now:         opts.Now,
	}
}

func (e *Engine) Configs() *ConfigStore { return e.configs }

// HandleMessage runs the message pipeline: whitelist, spam window, then the
// classifiers in order. At most one violation is dispatched. A returned
// *PersistError does not change the result.
func (e *Engine) HandleMessage(ctx context.Context, msg transport.Message) (Result, error) {
	if msg.GuildID == "" || msg.Author.Bot {
		return Result{State: StateSkipped}, nil
	}
	eventCount.WithLabelValues(string(transport.UpdateMessage)).Inc()

	cfg, err := e.configs.GetConfig(ctx, msg.GuildID)
	if err != nil && !IsPersistError(err) {
		return Result{State: StateSkipped}, err
	}
	errs := []error{err}
	if !cfg.Enabled {
		return Result{State: StateSkipped}, errors.Join(errs...)
	}
	if IsWhitelisted(msg.Author, msg.ChannelID, cfg) {
		exemptCount.Inc()
		return Result{State: StateExempt}, errors.Join(errs...)
	}

	var hit *Violation
	if cfg.Spam.Enabled {
		at := msg.At
		if at.IsZero() {
			at = e.now()
		}
		v, err := e.spam.HitAt(ctx, SpamKey(msg.GuildID, msg.Author.UserID), at, cfg.Spam.Window(), cfg.Spam.MaxMessages)
		errs = append(errs, err)
		if v.Violation {
			hit = &Violation{Kind: KindSpam, Detail: fmt.Sprintf("%d messages in %s", v.Count, cfg.Spam.Window())}
		}
	}
	if hit == nil {
		for _, c := range e.classifiers {
			if detail, ok := c.Classify(msg, cfg); ok {
				hit = &Violation{Kind: c.Kind(), Detail: detail}
				break
			}
		}
	}
	if hit == nil {
		return Result{State: StateClean}, errors.Join(errs...)
	}

	out, err := e.dispatch.Dispatch(ctx, msg, *hit, cfg)
	errs = append(errs, err)
	return Result{State: StateDispatched, Kind: hit.Kind, Detail: hit.Detail, Outcome: out}, errors.Join(errs...)
}

// HandleJoin runs the anti-raid pipeline for a new member.
func (e *Engine) HandleJoin(ctx context.Context, join transport.MemberJoin) (Result, error) {
	m := join.Member
	if m.GuildID == "" {
		return Result{State: StateSkipped}, nil
	}
	eventCount.WithLabelValues(string(transport.UpdateMemberJoin)).Inc()

	cfg, err := e.configs.GetConfig(ctx, m.GuildID)
	if err != nil && !IsPersistError(err) {
		return Result{State: StateSkipped}, err
	}
	errs := []error{err}
	if !cfg.Enabled || !cfg.AntiRaid.Enabled {
		return Result{State: StateSkipped}, errors.Join(errs...)
	}
	if IsWhitelisted(m, join.ChannelID, cfg) {
		exemptCount.Inc()
		return Result{State: StateExempt}, errors.Join(errs...)
	}

	at := join.At
	if at.IsZero() {
		at = e.now()
	}
	v, err := e.raid.HitAt(ctx, RaidKey(m.GuildID), at, cfg.AntiRaid.Window(), cfg.AntiRaid.MaxJoins)
	errs = append(errs, err)
	if !v.Violation {
		return Result{State: StateClean}, errors.Join(errs...)
	}
	out := e.dispatch.DispatchRaid(ctx, join, cfg)
	detail := fmt.Sprintf("%d joins in %s", v.Count, cfg.AntiRaid.Window())
	return Result{State: StateDispatched, Kind: KindRaid, Detail: detail, Outcome: out}, errors.Join(errs...)
}

// SweepTrackers drops tracker keys idle for more than factor times their
// guild's window. Keys of guilds without a cached config are left alone.
func (e *Engine) SweepTrackers(ctx context.Context, at time.Time, factor int) (int, error) {
	if factor <= 0 {
		factor = 10
	}
	spamIdle := func(key string) time.Duration {
		cfg, ok := e.configs.Cached(guildOfSpamKey(key))
		if !ok {
			return 0
		}
		return time.Duration(factor) * cfg.Spam.Window()
	}
	raidIdle := func(key string) time.Duration {
		cfg, ok := e.configs.Cached(key)
		if !ok {
			return 0
		}
		return time.Duration(factor) * cfg.AntiRaid.Window()
	}
	n1, err1 := e.spam.Sweep(ctx, at, spamIdle)
	n2, err2 := e.raid.Sweep(ctx, at, raidIdle)
	return n1 + n2, errors.Join(err1, err2)
}

// Load reads configs and both trackers from storage.
func (e *Engine) Load(ctx context.Context) error {
	migrated, err := e.configs.LoadAll(ctx)
	if err != nil {
		e.log.Error("loading guild configs", logx.Err(err))
	}
	nSpam, errSpam := e.spam.Load(ctx)
	nRaid, errRaid := e.raid.Load(ctx)
	e.log.Info("automod data loaded",
		logx.Int("guilds", len(e.configs.Guilds())),
		logx.Int("migrated", migrated),
		logx.Int("spam_keys", nSpam),
		logx.Int("raid_keys", nRaid),
	)
	return errors.Join(errSpam, errRaid)
}

// Flush persists configs and both trackers.
func (e *Engine) Flush(ctx context.Context) error {
	return errors.Join(e.configs.Flush(ctx), e.spam.Flush(ctx), e.raid.Flush(ctx))
}

// guildOfSpamKey splits guildId-userId. Snowflakes never contain '-'.
func guildOfSpamKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '-' {
			return key[:i]
		}
	}
	return key
}
