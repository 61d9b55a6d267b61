package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "modbot/pkg/logx"
)

const (
	jobSweep = "automod.sweep"
	jobPrune = "moderation.prune"
)

// JobFunc is a scheduled maintenance job.
type JobFunc func(ctx context.Context) error

type jobDef struct {
	spec    string
	timeout time.Duration
	fn      JobFunc
	entry   cron.EntryID
}

// Jobs runs named maintenance jobs on cron specs. A run that is still going
// when the next tick arrives is skipped.
type Jobs struct {
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	ctx  context.Context
	c    *cron.Cron
	defs map[string]*jobDef
}

func NewJobs(log logx.Logger) *Jobs {
	return &Jobs{
		log: log.With(logx.String("comp", "jobs")),
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

// Validate reports whether spec parses.
func (j *Jobs) Validate(spec string) error {
	if _, err := j.parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Set registers or reschedules a job. An unchanged spec is a no-op.
func (j *Jobs) Set(name, spec string, timeout time.Duration, fn JobFunc) error {
	spec = strings.TrimSpace(spec)
	if err := j.Validate(spec); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if d, ok := j.defs[name]; ok {
		if d.spec == spec {
			d.fn, d.timeout = fn, timeout
			return nil
		}
		if j.c != nil {
			j.c.Remove(d.entry)
		}
	}
	d := &jobDef{spec: spec, timeout: timeout, fn: fn}
	j.defs[name] = d
	if j.c != nil {
		return j.addLocked(name, d)
	}
	return nil
}

func (j *Jobs) addLocked(name string, d *jobDef) error {
	id, err := j.c.AddJob(d.spec, cron.FuncJob(func() { j.run(name) }))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	d.entry = id
	j.log.Debug("job scheduled", logx.String("job", name), logx.String("spec", d.spec))
	return nil
}

// Start begins triggering. Jobs receive a context derived from ctx.
func (j *Jobs) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return
	}
	j.ctx = ctx
	j.c = cron.New(cron.WithParser(j.parser), cron.WithChain(
		cron.Recover(cronLogger{j.log}),
		cron.SkipIfStillRunning(cronLogger{j.log}),
	))
	for name, d := range j.defs {
		if err := j.addLocked(name, d); err != nil {
			j.log.Warn("job not scheduled", logx.String("job", name), logx.Err(err))
		}
	}
	j.c.Start()
	j.log.Info("jobs started", logx.Int("jobs", len(j.defs)))
}

// Stop stops triggering and waits for running jobs until ctx ends.
func (j *Jobs) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow runs a registered job synchronously.
func (j *Jobs) RunNow(name string) error {
	j.mu.Lock()
	_, ok := j.defs[name]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return j.run(name)
}

func (j *Jobs) run(name string) error {
	j.mu.Lock()
	d, ok := j.defs[name]
	parent := j.ctx
	j.mu.Unlock()
	if !ok {
		return nil
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.fn(ctx)
	if err != nil {
		j.log.Warn("job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	j.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
