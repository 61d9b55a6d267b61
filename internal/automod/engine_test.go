package automod

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/moderation"
	"modbot/internal/storage"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type enforcerCall struct {
	Op       string
	GuildID  string
	UserID   string
	Target   string
	Duration time.Duration
	Reason   string
}

type fakeEnforcer struct {
	mu        sync.Mutex
	calls     []enforcerCall
	deleteErr error
	banErr    error
}

func (f *fakeEnforcer) record(c enforcerCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeEnforcer) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	f.record(enforcerCall{Op: "delete", Target: messageID, Reason: reason})
	return f.deleteErr
}

func (f *fakeEnforcer) TimeoutMember(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	f.record(enforcerCall{Op: "timeout", GuildID: guildID, UserID: userID, Duration: d, Reason: reason})
	return nil
}

func (f *fakeEnforcer) KickMember(ctx context.Context, guildID, userID, reason string) error {
	f.record(enforcerCall{Op: "kick", GuildID: guildID, UserID: userID, Reason: reason})
	return nil
}

func (f *fakeEnforcer) BanMember(ctx context.Context, guildID, userID, reason string) error {
	f.record(enforcerCall{Op: "ban", GuildID: guildID, UserID: userID, Reason: reason})
	return f.banErr
}

func (f *fakeEnforcer) ops(op string) []enforcerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []enforcerCall
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeSender struct {
	mu      sync.Mutex
	records []transport.Record
	err     error
}

func (f *fakeSender) SendText(ctx context.Context, channelID, text string) error { return f.err }

func (f *fakeSender) SendRecord(ctx context.Context, channelID string, rec transport.Record) error {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
	return f.err
}

type fakeSink struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (f *fakeSink) SendLog(ctx context.Context, title, description, icon string) error {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.mu.Unlock()
	return f.err
}

type countingClassifier struct {
	mu    sync.Mutex
	calls int
}

func (c *countingClassifier) Kind() Kind { return KindCaps }

func (c *countingClassifier) Classify(transport.Message, GuildConfig) (string, bool) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return "", false
}

type harness struct {
	engine   *Engine
	enforcer *fakeEnforcer
	records  *fakeSender
	sink     *fakeSink
	ledger   *moderation.Ledger
	bus      eventbus.Bus
	store    storage.Store
	base     time.Time
}

func newHarness(t *testing.T, st storage.Store, classifiers ...Classifier) *harness {
	t.Helper()
	if st == nil {
		st = storage.NewMemory()
	}
	h := &harness{
		enforcer: &fakeEnforcer{},
		records:  &fakeSender{},
		sink:     &fakeSink{},
		ledger:   moderation.New(st, moderation.DefaultConfig(), logx.Nop()),
		bus:      eventbus.New(),
		store:    st,
		base:     time.UnixMilli(1_700_000_000_000),
	}
	h.ledger.SetClock(func() time.Time { return h.base })
	d := NewDispatcher(DispatcherOptions{
		Enforcer: h.enforcer,
		Records:  h.records,
		Ledger:   h.ledger,
		Sink:     h.sink,
		Bus:      h.bus,
		Log:      logx.Nop(),
		SelfID:   func() string { return "bot" },
		Now:      func() time.Time { return h.base },
	})
	h.engine = NewEngine(Options{
		Configs:     NewConfigStore(st, logx.Nop()),
		Spam:        NewRateWindow(CollectionSpamTracker, st, logx.Nop()),
		Raid:        NewRateWindow(CollectionRaidTracker, st, logx.Nop()),
		Dispatcher:  d,
		Classifiers: classifiers,
		Log:         logx.Nop(),
		Now:         func() time.Time { return h.base },
	})
	return h
}

func (h *harness) configure(t *testing.T, fn func(*GuildConfig)) {
	t.Helper()
	_, err := h.engine.Configs().Update(context.Background(), "g1", func(c *GuildConfig) error {
		c.Enabled = true
		fn(c)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func message(id, content string, at time.Time) transport.Message {
	return transport.Message{
		ID:        id,
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   content,
		Author:    transport.Member{GuildID: "g1", UserID: "u1", Username: "alice"},
		At:        at,
	}
}

func TestSpamBurstDeletesFifthMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) {
		c.Spam = SpamConfig{Enabled: true, MaxMessages: 5, TimeWindow: 10_000, Action: ActionDelete, TimeoutDuration: 60_000}
	})

	for i := 0; i < 5; i++ {
		at := h.base.Add(time.Duration(i) * 2250 * time.Millisecond)
		res, err := h.engine.HandleMessage(ctx, message(string(rune('a'+i)), "hello", at))
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		want := StateClean
		if i == 4 {
			want = StateDispatched
		}
		if res.State != want {
			t.Fatalf("message %d state=%s want %s", i, res.State, want)
		}
		if i == 4 && (res.Kind != KindSpam || !res.Outcome.Deleted) {
			t.Fatalf("fifth message result=%+v", res)
		}
	}
	if got := h.enforcer.ops("delete"); len(got) != 1 || got[0].Target != "e" {
		t.Fatalf("deletes=%+v", got)
	}
	if got := h.enforcer.ops("timeout"); len(got) != 0 {
		t.Fatalf("unexpected timeouts: %+v", got)
	}
	if got := h.ledger.GetWarnings("g1", "u1"); got.Count != 0 {
		t.Fatalf("unexpected warnings: %+v", got)
	}
}

func TestCapsTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) {
		c.Caps = CapsConfig{Enabled: true, MinLength: 10, CapsPercentage: 70, Action: ActionTimeout, TimeoutDuration: 60_000}
	})

	res, err := h.engine.HandleMessage(ctx, message("m1", "THIS IS SHOUTING", h.base))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.State != StateDispatched || res.Kind != KindCaps {
		t.Fatalf("res=%+v", res)
	}
	if got := h.enforcer.ops("delete"); len(got) != 1 {
		t.Fatalf("deletes=%+v", got)
	}
	got := h.enforcer.ops("timeout")
	if len(got) != 1 || got[0].Duration != time.Minute || got[0].UserID != "u1" {
		t.Fatalf("timeouts=%+v", got)
	}
	if !strings.Contains(got[0].Reason, "Caps Lock") {
		t.Fatalf("reason=%q", got[0].Reason)
	}
}

func TestLinkAllowList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) {
		c.Links.Enabled = true
		c.Links.AllowedDomains = []string{"youtube.com"}
	})

	res, _ := h.engine.HandleMessage(ctx, message("m1", "free stuff https://evil-tracker.net/x", h.base))
	if res.State != StateDispatched || res.Kind != KindLinks {
		t.Fatalf("blocked link res=%+v", res)
	}
	res, _ = h.engine.HandleMessage(ctx, message("m2", "https://www.youtube.com/watch?v=1", h.base))
	if res.State != StateClean {
		t.Fatalf("allowed link res=%+v", res)
	}
}

func TestInviteBlockedWithLinksOffButNotWhenEngineOff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)

	res, _ := h.engine.HandleMessage(ctx, message("m1", "discord.gg/abc123", h.base))
	if res.State != StateSkipped {
		t.Fatalf("engine disabled by default; res=%+v", res)
	}

	h.configure(t, func(c *GuildConfig) { c.Links.Enabled = false })
	res, _ = h.engine.HandleMessage(ctx, message("m2", "discord.gg/abc123", h.base))
	if res.State != StateDispatched || res.Kind != KindLinks {
		t.Fatalf("invite res=%+v", res)
	}
}

func TestWhitelistShortCircuits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	counter := &countingClassifier{}
	h := newHarness(t, nil, counter)
	h.configure(t, func(c *GuildConfig) {
		c.Spam.Enabled = true
		c.Spam.MaxMessages = 1
		c.WhitelistAdd(WhitelistUsers, "u1")
		c.WhitelistAdd(WhitelistChannels, "quiet")
		c.WhitelistAdd(WhitelistRoles, "r-trusted")
	})

	msg := message("m1", "anything", h.base)
	if res, _ := h.engine.HandleMessage(ctx, msg); res.State != StateExempt {
		t.Fatalf("whitelisted user res=%+v", res)
	}

	other := message("m2", "anything", h.base)
	other.Author.UserID = "u2"
	other.ChannelID = "quiet"
	if res, _ := h.engine.HandleMessage(ctx, other); res.State != StateExempt {
		t.Fatalf("whitelisted channel res=%+v", res)
	}

	mod := message("m3", "anything", h.base)
	mod.Author.UserID = "u3"
	mod.Author.Permissions = transport.PermissionManageMessages
	if res, _ := h.engine.HandleMessage(ctx, mod); res.State != StateExempt {
		t.Fatalf("moderator res=%+v", res)
	}

	trusted := message("m4", "anything", h.base)
	trusted.Author.UserID = "u4"
	trusted.Author.RoleIDs = []string{"r-other", "r-trusted"}
	if res, _ := h.engine.HandleMessage(ctx, trusted); res.State != StateExempt {
		t.Fatalf("whitelisted role res=%+v", res)
	}

	if counter.calls != 0 {
		t.Fatalf("classifier called %d times", counter.calls)
	}
	if keys := h.engine.spam.Keys(); len(keys) != 0 {
		t.Fatalf("spam tracker touched: %v", keys)
	}
	if len(h.enforcer.ops("delete")) != 0 {
		t.Fatalf("whitelisted message deleted")
	}
}

func TestFirstViolationWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) {
		c.Caps = CapsConfig{Enabled: true, MinLength: 5, CapsPercentage: 50, Action: ActionDelete, TimeoutDuration: 1}
		c.BadWords.Enabled = true
		c.BadWords.Action = ActionTimeout
	})

	res, _ := h.engine.HandleMessage(ctx, message("m1", "DU IDIOT", h.base))
	if res.Kind != KindCaps {
		t.Fatalf("kind=%s want caps", res.Kind)
	}
	if len(h.enforcer.ops("delete")) != 1 || len(h.enforcer.ops("timeout")) != 0 {
		t.Fatalf("calls=%+v", h.enforcer.calls)
	}
}

func TestWarnEscalatesOnThirdWarning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) {
		c.BadWords.Enabled = true
		c.BadWords.Action = ActionWarn
		c.SetLogChannel("modlog")
	})
	events, unsub := h.bus.Subscribe(8, EventViolation)
	defer unsub()

	var last Result
	for i := 0; i < 3; i++ {
		res, err := h.engine.HandleMessage(ctx, message("m", "you idiot", h.base))
		if err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
		last = res
	}
	if !last.Outcome.Warned || last.Outcome.Warnings != 3 || !last.Outcome.Escalated {
		t.Fatalf("outcome=%+v", last.Outcome)
	}
	timeouts := h.enforcer.ops("timeout")
	if len(timeouts) != 1 || timeouts[0].Duration != 24*time.Hour || !strings.Contains(timeouts[0].Reason, "3 warnings") {
		t.Fatalf("timeouts=%+v", timeouts)
	}

	rec := h.ledger.GetWarnings("g1", "u1")
	if rec.Count != 3 || rec.Warnings[0].ModeratorID != "bot" || rec.Warnings[0].Reason != "Automatic warning: Bad words" {
		t.Fatalf("ledger=%+v", rec)
	}
	if len(h.records.records) != 3 {
		t.Fatalf("log channel records=%d", len(h.records.records))
	}
	if f := h.records.records[0].Fields; f[2].Value != "Warned" || f[4].Value != "you idiot" {
		t.Fatalf("record fields=%+v", f)
	}
	if len(h.sink.titles) != 4 {
		t.Fatalf("central log titles=%v", h.sink.titles)
	}
	for i := 0; i < 3; i++ {
		select {
		case e := <-events:
			if ae, ok := e.Data.(ActionEvent); !ok || ae.Kind != KindBadWords || ae.Action != ActionWarn {
				t.Fatalf("event=%+v", e)
			}
		default:
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestDeleteFailureDoesNotStopTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.enforcer.deleteErr = errors.New("missing permission")
	h.sink.err = errors.New("feed down")
	h.records.err = errors.New("channel gone")
	h.configure(t, func(c *GuildConfig) {
		c.BadWords.Enabled = true
		c.BadWords.Action = ActionTimeout
		c.BadWords.TimeoutDuration = 5_000
		c.SetLogChannel("modlog")
	})

	res, err := h.engine.HandleMessage(ctx, message("m1", "idiot", h.base))
	if err != nil {
		t.Fatalf("platform failures must not surface: %v", err)
	}
	out := res.Outcome
	if out.Deleted || !out.TimedOut || out.Timeout != 5*time.Second || len(out.Errors) != 1 {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestPersistErrorSurfacesWithDecision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &flakyStore{Store: storage.NewMemory(), failPut: map[string]bool{CollectionSpamTracker: true}}
	h := newHarness(t, st)
	h.configure(t, func(c *GuildConfig) {
		c.Spam = SpamConfig{Enabled: true, MaxMessages: 1, TimeWindow: 1000, Action: ActionDelete, TimeoutDuration: 1}
	})

	res, err := h.engine.HandleMessage(ctx, message("m1", "hi", h.base))
	if !IsPersistError(err) {
		t.Fatalf("err=%v want *PersistError", err)
	}
	if res.State != StateDispatched || len(h.enforcer.ops("delete")) != 1 {
		t.Fatalf("res=%+v", res)
	}
}

func TestIgnoresBotsAndDirectMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) {})

	bot := message("m1", "discord.gg/x", h.base)
	bot.Author.Bot = true
	dm := message("m2", "discord.gg/x", h.base)
	dm.GuildID = ""
	for _, m := range []transport.Message{bot, dm} {
		if res, _ := h.engine.HandleMessage(ctx, m); res.State != StateSkipped {
			t.Fatalf("res=%+v", res)
		}
	}
}

func join(userID string, at time.Time) transport.MemberJoin {
	return transport.MemberJoin{
		Member:    transport.Member{GuildID: "g1", UserID: userID, Username: userID},
		ChannelID: "system",
		At:        at,
	}
}

func TestRaidKicksOnThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) {
		c.AntiRaid = AntiRaidConfig{Enabled: true, MaxJoins: 3, TimeWindow: 60_000, Action: ActionKick, TimeoutDuration: 1}
	})
	events, unsub := h.bus.Subscribe(4, EventRaid)
	defer unsub()

	var res Result
	for i, u := range []string{"a", "b", "c"} {
		res, _ = h.engine.HandleJoin(ctx, join(u, h.base.Add(time.Duration(i)*time.Second)))
	}
	if res.State != StateDispatched || res.Kind != KindRaid {
		t.Fatalf("res=%+v", res)
	}
	kicks := h.enforcer.ops("kick")
	if len(kicks) != 1 || kicks[0].UserID != "c" || kicks[0].Reason != raidReason {
		t.Fatalf("kicks=%+v", kicks)
	}
	select {
	case e := <-events:
		if e.Data.(ActionEvent).Action != ActionKick {
			t.Fatalf("event=%+v", e)
		}
	default:
		t.Fatalf("no raid event")
	}
}

func TestActionEventJSONKeys(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := ActionEvent{GuildID: "g1", UserID: "u1", Kind: KindRaid, Action: ActionKick, OK: true, At: at}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, k := range []string{"guild_id", "user_id", "kind", "action", "ok", "at"} {
		if _, ok := raw[k]; !ok {
			t.Fatalf("missing key %q in %s", k, b)
		}
	}
	if _, ok := raw["At"]; ok {
		t.Fatalf("untagged field in %s", b)
	}
	if raw["at"] != "2024-03-01T12:00:00Z" {
		t.Fatalf("at=%v", raw["at"])
	}
}

func TestRaidWhitelistedJoinChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name  string
		setup func(c *GuildConfig)
	}{
		{"system channel", func(c *GuildConfig) { c.WhitelistAdd(WhitelistChannels, "system") }},
		{"joining user", func(c *GuildConfig) { c.WhitelistAdd(WhitelistUsers, "u9") }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.configure(t, func(c *GuildConfig) {
				c.AntiRaid = AntiRaidConfig{Enabled: true, MaxJoins: 1, TimeWindow: 60_000, Action: ActionBan, TimeoutDuration: 1}
				tt.setup(c)
			})
			for i := 0; i < 3; i++ {
				res, err := h.engine.HandleJoin(ctx, join("u9", h.base.Add(time.Duration(i)*time.Second)))
				if err != nil || res.State != StateExempt {
					t.Fatalf("join %d res=%+v err=%v", i, res, err)
				}
			}
			if keys := h.engine.raid.Keys(); len(keys) != 0 {
				t.Fatalf("raid tracker touched: %v", keys)
			}
			if n := len(h.enforcer.ops("ban")) + len(h.enforcer.ops("kick")); n != 0 {
				t.Fatalf("enforcement calls=%+v", h.enforcer.calls)
			}
		})
	}
}

func TestRaidBanFailureIsAbsorbed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.enforcer.banErr = errors.New("missing permission")
	h.configure(t, func(c *GuildConfig) {
		c.AntiRaid = AntiRaidConfig{Enabled: true, MaxJoins: 1, TimeWindow: 1000, Action: ActionBan, TimeoutDuration: 1}
	})

	res, err := h.engine.HandleJoin(ctx, join("a", h.base))
	if err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	if len(res.Outcome.Errors) != 1 || len(h.sink.titles) != 1 {
		t.Fatalf("outcome=%+v sink=%v", res.Outcome, h.sink.titles)
	}
}

func TestRaidSkippedWhenDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) { c.AntiRaid.Enabled = false })

	if res, _ := h.engine.HandleJoin(ctx, join("a", h.base)); res.State != StateSkipped {
		t.Fatalf("res=%+v", res)
	}
	if keys := h.engine.raid.Keys(); len(keys) != 0 {
		t.Fatalf("raid tracker touched: %v", keys)
	}
}

func TestSweepTrackersUsesGuildWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.configure(t, func(c *GuildConfig) {
		c.Spam = SpamConfig{Enabled: true, MaxMessages: 10, TimeWindow: 1000, Action: ActionDelete, TimeoutDuration: 1}
	})
	_, _ = h.engine.HandleMessage(ctx, message("m1", "hi", h.base))

	n, err := h.engine.SweepTrackers(ctx, h.base.Add(5*time.Second), 10)
	if err != nil || n != 0 {
		t.Fatalf("early sweep n=%d err=%v", n, err)
	}
	n, err = h.engine.SweepTrackers(ctx, h.base.Add(11*time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("sweep n=%d err=%v", n, err)
	}
}

func TestTimeoutForDefaults(t *testing.T) {
	t.Parallel()
	cfg := DefaultGuildConfig()
	cfg.Caps.TimeoutDuration = 0
	cfg.AntiRaid.TimeoutDuration = 0
	if got := TimeoutFor(KindCaps, cfg); got != time.Minute {
		t.Fatalf("caps=%s", got)
	}
	if got := TimeoutFor(KindRaid, cfg); got != time.Hour {
		t.Fatalf("raid=%s", got)
	}
}
