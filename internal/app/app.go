package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"modbot/internal/automod"
	"modbot/internal/config"
	"modbot/internal/eventbus"
	"modbot/internal/logfeed"
	"modbot/internal/moderation"
	"modbot/internal/ops"
	rtsup "modbot/internal/runtime/supervisor"
	"modbot/internal/storage"
	"modbot/internal/transport"
	"modbot/internal/transport/discord"
	logx "modbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	engine *automod.Engine
	ledger *moderation.Ledger
	feed   *logfeed.Service
	jobs   *Jobs
	ops    *ops.Server

	updates chan transport.Update
	ready   atomic.Bool
}

// NewApp loads the config at cfgPath and builds the Discord-backed app.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	ad, err := discord.New(discord.Config{Token: cfg.Discord.ResolvedToken()}, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, ad)
}

func newApp(cfgm *config.Manager, ad transport.Adapter) (*App, error) {
	cfg := cfgm.Get()

	// Bootstrap with channel logging off, then apply the full config once the
	// sender is wired, so Apply doesn't warn about a missing target.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Channel.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	if a, ok := ad.(interface{ SetLogger(logx.Logger) }); ok {
		a.SetLogger(log.With(logx.String("comp", "discord")))
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	ledgerCfg, err := mapLedgerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ledger := moderation.New(store, ledgerCfg, log)

	feedCfg, err := mapLogFeedConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	feed := logfeed.New(feedCfg, ad, log, bus)

	dispatcher := automod.NewDispatcher(automod.DispatcherOptions{
		Enforcer:    ad,
		Records:     ad,
		Ledger:      ledger,
		Sink:        feed,
		Bus:         bus,
		Log:         log,
		SelfID:      ad.SelfID,
		CallTimeout: cfg.ActionTimeout(),
	})
	engine := automod.NewEngine(automod.Options{
		Configs:     automod.NewConfigStore(store, log),
		Spam:        automod.NewRateWindow(automod.CollectionSpamTracker, store, log),
		Raid:        automod.NewRateWindow(automod.CollectionRaidTracker, store, log),
		Dispatcher:  dispatcher,
		Classifiers: automod.DefaultClassifiers(automod.NewWordMatcher(0)),
		Log:         log,
	})

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  engine,
		ledger:  ledger,
		feed:    feed,
		jobs:    NewJobs(log),
		updates: make(chan transport.Update, 512),
	}
	a.ops = ops.New(a, log)
	return a, nil
}

// Engine exposes the rule engine for the presentation layer.
func (a *App) Engine() *automod.Engine { return a.engine }

func (a *App) Ledger() *moderation.Ledger { return a.ledger }

// Ready reports whether the gateway is connected and workers are running.
func (a *App) Ready() bool { return a.ready.Load() }

func (a *App) Tasks() []rtsup.TaskStatus {
	if a.sup == nil {
		return nil
	}
	return a.sup.Tasks()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLogFeedConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLedgerConfig(cfg); err != nil {
			return err
		}
		for name, spec := range jobSpecs(cfg) {
			if err := a.jobs.Validate(spec); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	})

	cfg := a.cfgm.Get()
	if err := a.engine.Load(runCtx); err != nil {
		a.log.Warn("automod trackers partially loaded", logx.Err(err))
	}
	if n, err := a.ledger.Load(runCtx); err != nil {
		a.log.Warn("warning ledger not loaded", logx.Err(err))
	} else {
		a.log.Info("warning ledger loaded", logx.Int("records", n))
	}

	// The feed drains on Stop after the supervisor context is gone.
	a.feed.Start(context.WithoutCancel(ctx))

	a.startAudit()
	a.startWorkers(cfg)

	if err := a.scheduleJobs(cfg); err != nil {
		return err
	}
	a.jobs.Start(runCtx)

	a.ops.Apply(runCtx, mapOpsConfig(cfg))

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	a.ready.Store(true)

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("self_id", a.adapter.SelfID()), logx.Int("workers", workerCount(cfg)))
	return nil
}

func workerCount(cfg *Config) int {
	if cfg.Discord.Workers > 0 {
		return cfg.Discord.Workers
	}
	return 4
}

// startWorkers launches the goroutines that consume gateway updates. The
// worker count is fixed for the process lifetime.
func (a *App) startWorkers(cfg *Config) {
	for i := 0; i < workerCount(cfg); i++ {
		a.sup.GoRestart(fmt.Sprintf("updates.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return c.Err()
				case up := <-a.updates:
					a.handle(c, up)
				}
			}
		})
	}
}

func (a *App) handle(ctx context.Context, up transport.Update) {
	var (
		res automod.Result
		err error
	)
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message == nil {
			return
		}
		res, err = a.engine.HandleMessage(ctx, *up.Message)
	case transport.UpdateMemberJoin:
		if up.Join == nil {
			return
		}
		res, err = a.engine.HandleJoin(ctx, *up.Join)
	default:
		return
	}
	if err != nil {
		if automod.IsPersistError(err) {
			a.log.Error("automod state not persisted", logx.String("update", string(up.Kind)), logx.Err(err))
		} else if !errors.Is(err, context.Canceled) {
			a.log.Warn("automod evaluation failed", logx.String("update", string(up.Kind)), logx.Err(err))
		}
	}
	if res.State == automod.StateDispatched {
		a.log.Debug("automod dispatched",
			logx.String("kind", string(res.Kind)),
			logx.String("detail", res.Detail),
			logx.String("action", string(res.Outcome.Action)),
			logx.Int("errors", len(res.Outcome.Errors)),
		)
	}
}

// startAudit persists enforcement events to the storage audit log.
func (a *App) startAudit() {
	events, unsub := a.bus.Subscribe(256, automod.EventViolation, automod.EventRaid, logfeed.EventFailed)
	a.sup.Go("audit", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.audit(c, e)
			}
		}
	})
}

func (a *App) audit(ctx context.Context, e eventbus.Event) {
	switch d := e.Data.(type) {
	case automod.ActionEvent:
		if err := a.store.AppendAudit(ctx, d.Audit()); err != nil && !errors.Is(err, storage.ErrDisabled) {
			a.log.Warn("audit append failed", logx.String("event", e.Type), logx.Err(err))
		}
	case logfeed.FailedEvent:
		a.log.Warn("log record dropped", logx.String("title", d.Title), logx.Int("attempts", d.Attempts), logx.String("err", d.Error))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) scheduleJobs(cfg *Config) error {
	specs := jobSpecs(cfg)
	factor := cfg.Automod.SweepIdleFactor
	sweep := func(c context.Context) error {
		n, err := a.engine.SweepTrackers(c, time.Now(), factor)
		if n > 0 {
			a.log.Info("stale trackers swept", logx.Int("removed", n))
		}
		return err
	}
	prune := func(c context.Context) error {
		n, err := a.ledger.Prune(c)
		if n > 0 {
			a.log.Info("expired warnings pruned", logx.Int("removed", n))
		}
		return err
	}
	if err := a.jobs.Set(jobSweep, specs[jobSweep], time.Minute, sweep); err != nil {
		return err
	}
	return a.jobs.Set(jobPrune, specs[jobPrune], time.Minute, prune)
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "discord":
			if prev.Discord.Token != next.Discord.Token || prev.Discord.Workers != next.Discord.Workers {
				a.log.Warn("discord token or workers changed; restart required for changes to take effect")
			}
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if lc, err := mapLedgerConfig(next); err != nil {
		a.log.Warn("invalid moderation config; keeping previous", logx.Err(err))
	} else {
		a.ledger.Apply(lc)
	}

	if fc, err := mapLogFeedConfig(next); err != nil {
		a.log.Warn("invalid log_feed config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.feed.Enabled()
		a.feed.Apply(fc)
		switch {
		case wasEnabled && !fc.Enabled:
			a.log.Info("log feed disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.feed.Stop(stopCtx)
			cancel()
		case !wasEnabled && fc.Enabled:
			a.log.Info("log feed enabled via config")
			a.feed.Start(context.WithoutCancel(ctx))
		}
	}

	if err := a.scheduleJobs(next); err != nil {
		a.log.Warn("invalid job schedule; keeping previous", logx.Err(err))
	}

	a.ops.Apply(ctx, mapOpsConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.ready.Store(false)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop intake first, then the workers, then flush what they produced.
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("log_feed", 3*time.Second, func(c context.Context) error { a.feed.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("automod.flush", 3*time.Second, func(c context.Context) error { return a.engine.Flush(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
