// Package discord implements transport.Adapter on the Discord gateway and
// REST API.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

// Intents the bot needs. MessageContent is privileged and must be enabled
// in the developer portal.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsMessageContent

type Config struct {
	Token string
}

type Adapter struct {
	log     logx.Logger
	session *discordgo.Session

	runMu    sync.Mutex
	running  bool
	out      chan<- transport.Update
	removers []func()
	stopDrop context.CancelFunc
	dropDone chan struct{}

	selfID atomic.Value // string

	// dropped counts updates lost because the workers fell behind the
	// gateway. Logged periodically instead of per update.
	dropped atomic.Uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	token = strings.TrimPrefix(token, "Bot ")
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = Intents
	s.StateEnabled = true
	a := &Adapter{log: log.With(logx.String("comp", "discord")), session: s}
	a.selfID.Store("")
	return a, nil
}

// SetLogger replaces the bootstrap logger. Call before Start.
func (a *Adapter) SetLogger(log logx.Logger) { a.log = log }

func (a *Adapter) SelfID() string { return a.selfID.Load().(string) }

// Dropped returns the number of updates dropped since the last summary.
func (a *Adapter) Dropped() uint64 { return a.dropped.Load() }

// Start registers the gateway handlers and opens the websocket. Updates are
// pushed to out without blocking the gateway.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out = out
	a.removers = []func(){
		a.session.AddHandler(a.onReady),
		a.session.AddHandler(a.onMessageCreate),
		a.session.AddHandler(a.onGuildMemberAdd),
	}
	if err := a.session.Open(); err != nil {
		for _, rm := range a.removers {
			rm()
		}
		a.removers = nil
		return err
	}
	if a.session.State != nil && a.session.State.User != nil {
		a.selfID.Store(a.session.State.User.ID)
	}

	dctx, cancel := context.WithCancel(ctx)
	a.stopDrop = cancel
	a.dropDone = make(chan struct{})
	go a.reportDropped(dctx, cap(out))

	a.running = true
	a.log.Info("gateway connected", logx.String("self_id", a.SelfID()))
	return nil
}

func (a *Adapter) reportDropped(ctx context.Context, capacity int) {
	defer close(a.dropDone)
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	flush := func() {
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-t.C:
			flush()
		}
	}
}

// Stop closes the gateway. The session close is bounded by ctx.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	for _, rm := range a.removers {
		rm()
	}
	a.removers = nil
	stopDrop, dropDone := a.stopDrop, a.dropDone
	a.runMu.Unlock()

	stopDrop()
	<-dropDone

	done := make(chan error, 1)
	go func() { done <- a.session.Close() }()
	select {
	case err := <-done:
		a.log.Info("gateway closed")
		return err
	case <-ctx.Done():
		a.log.Warn("gateway close timed out")
		return ctx.Err()
	}
}

func (a *Adapter) emit(up transport.Update) {
	a.runMu.Lock()
	out, running := a.out, a.running
	a.runMu.Unlock()
	if !running {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.selfID.Store(r.User.ID)
	}
	a.log.Info("gateway ready", logx.Int("guilds", len(r.Guilds)))
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	msg := toMessage(m.Message, a.channelPermissions(s, m.Author.ID, m.ChannelID))
	a.emit(transport.Update{Kind: transport.UpdateMessage, Message: &msg})
}

func (a *Adapter) onGuildMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil {
		return
	}
	var (
		systemChannel string
		perms         int64
	)
	if g, err := s.State.Guild(m.GuildID); err == nil {
		systemChannel = g.SystemChannelID
		perms = guildPermissions(g, m.Member)
	}
	j := toJoin(m.Member, m.GuildID, systemChannel, perms)
	a.emit(transport.Update{Kind: transport.UpdateMemberJoin, Join: &j})
}

// channelPermissions prefers the state cache and falls back to REST.
func (a *Adapter) channelPermissions(s *discordgo.Session, userID, channelID string) int64 {
	if p, err := s.State.UserChannelPermissions(userID, channelID); err == nil {
		return p
	}
	p, err := s.UserChannelPermissions(userID, channelID)
	if err != nil {
		a.log.Debug("resolving permissions failed", logx.String("user_id", userID), logx.String("channel_id", channelID), logx.Err(err))
		return 0
	}
	return p
}

func requestOptions(ctx context.Context, reason string) []discordgo.RequestOption {
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		opts = append(opts, discordgo.WithAuditLogReason(reason))
	}
	return opts
}

func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	return a.session.ChannelMessageDelete(channelID, messageID, requestOptions(ctx, reason)...)
}

// TimeoutMember applies a communication timeout, clamped to 28 days.
func (a *Adapter) TimeoutMember(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	until := time.Now().Add(clampTimeout(d))
	return a.session.GuildMemberTimeout(guildID, userID, &until, requestOptions(ctx, reason)...)
}

func (a *Adapter) KickMember(ctx context.Context, guildID, userID, reason string) error {
	return a.session.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx))
}

func (a *Adapter) BanMember(ctx context.Context, guildID, userID, reason string) error {
	return a.session.GuildBanCreateWithReason(guildID, userID, reason, 0, discordgo.WithContext(ctx))
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	_, err := a.session.ChannelMessageSend(channelID, clip(text, 2000), discordgo.WithContext(ctx))
	return err
}

func (a *Adapter) SendRecord(ctx context.Context, channelID string, rec transport.Record) error {
	_, err := a.session.ChannelMessageSendEmbed(channelID, toEmbed(rec), discordgo.WithContext(ctx))
	return err
}
