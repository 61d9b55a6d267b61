// Package moderation keeps the per-member warning ledger and decides when
// repeated warnings escalate to a timeout.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modbot/internal/keylock"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// CollectionWarnings holds one Record per guild member, keyed guildId-userId.
const CollectionWarnings = "warnings"

const defaultReason = "No reason given"

type Warning struct {
	ID          string `json:"id,omitempty"`
	ModeratorID string `json:"moderatorId"`
	Reason      string `json:"reason"`
	Timestamp   int64  `json:"timestamp"` // epoch ms
}

type Record struct {
	Count    int       `json:"count"`
	Warnings []Warning `json:"warnings"`
}

type Config struct {
	Expiry              time.Duration
	EscalationThreshold int
	EscalationTimeout   time.Duration
}

// DefaultConfig: warnings live 30 days; three live warnings earn 24h timeout.
func DefaultConfig() Config {
	return Config{
		Expiry:              30 * 24 * time.Hour,
		EscalationThreshold: 3,
		EscalationTimeout:   24 * time.Hour,
	}
}

// Result describes a recorded warning.
type Result struct {
	Record            Record
	Warning           Warning
	Escalate          bool
	EscalationTimeout time.Duration
}

// Ledger is safe for concurrent use; writes to one member are serialized.
type Ledger struct {
	store storage.Store
	log   logx.Logger
	locks *keylock.Map[string]
	now   func() time.Time

	mu      sync.Mutex
	cfg     Config
	records map[string]*Record
}

func New(st storage.Store, cfg Config, log logx.Logger) *Ledger {
	l := &Ledger{
		store:   st,
		log:     log.With(logx.String("comp", "moderation")),
		locks:   keylock.New[string](),
		now:     time.Now,
		records: map[string]*Record{},
	}
	l.Apply(cfg)
	return l
}

// Apply replaces the ledger settings; zero fields take defaults.
func (l *Ledger) Apply(cfg Config) {
	def := DefaultConfig()
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = def.EscalationThreshold
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = def.EscalationTimeout
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Ledger) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func Key(guildID, userID string) string { return guildID + "-" + userID }

// Load reads all records from storage.
func (l *Ledger) Load(ctx context.Context) (int, error) {
	raw, err := l.store.Load(ctx, CollectionWarnings)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", CollectionWarnings, err)
	}
	records := make(map[string]*Record, len(raw))
	for k, b := range raw {
		var r Record
		if err := json.Unmarshal(b, &r); err != nil {
			l.log.Warn("skipping unreadable warning record", logx.String("key", k), logx.Err(err))
			continue
		}
		records[k] = &r
	}
	l.mu.Lock()
	l.records = records
	l.mu.Unlock()
	return len(records), nil
}

// GetWarnings returns the member's unexpired warnings.
func (l *Ledger) GetWarnings(guildID, userID string) Record {
	key := Key(guildID, userID)
	unlock := l.locks.Lock(key)
	defer unlock()

	l.mu.Lock()
	r := l.records[key]
	l.mu.Unlock()
	if r == nil {
		return Record{Warnings: []Warning{}}
	}
	return live(*r, l.now().UnixMilli(), l.config().Expiry)
}

// AddWarning prunes expired warnings, appends a new one and persists the
// record. The result reports whether the live count reached the escalation
// threshold. On error the warning is still recorded in memory.
func (l *Ledger) AddWarning(ctx context.Context, guildID, userID, moderatorID, reason string) (Result, error) {
	key := Key(guildID, userID)
	unlock := l.locks.Lock(key)
	defer unlock()

	cfg := l.config()
	now := l.now().UnixMilli()
	if strings.TrimSpace(reason) == "" {
		reason = defaultReason
	}

	l.mu.Lock()
	cur := l.records[key]
	l.mu.Unlock()

	var r Record
	if cur != nil {
		r = live(*cur, now, cfg.Expiry)
	} else {
		r = Record{Warnings: []Warning{}}
	}
	w := Warning{ID: uuid.NewString(), ModeratorID: moderatorID, Reason: reason, Timestamp: now}
	r.Warnings = append(r.Warnings, w)
	r.Count = len(r.Warnings)

	l.mu.Lock()
	l.records[key] = &r
	l.mu.Unlock()

	res := Result{Record: copyRecord(r), Warning: w}
	if r.Count >= cfg.EscalationThreshold {
		res.Escalate = true
		res.EscalationTimeout = cfg.EscalationTimeout
	}
	return res, l.persist(ctx, key, r)
}

// RemoveWarning deletes one warning by id.
func (l *Ledger) RemoveWarning(ctx context.Context, guildID, userID, id string) (bool, error) {
	key := Key(guildID, userID)
	unlock := l.locks.Lock(key)
	defer unlock()

	l.mu.Lock()
	cur := l.records[key]
	l.mu.Unlock()
	if cur == nil {
		return false, nil
	}
	r := copyRecord(*cur)
	for i, w := range r.Warnings {
		if w.ID == id {
			r.Warnings = append(r.Warnings[:i], r.Warnings[i+1:]...)
			r.Count = len(r.Warnings)
			l.mu.Lock()
			l.records[key] = &r
			l.mu.Unlock()
			return true, l.persist(ctx, key, r)
		}
	}
	return false, nil
}

// ClearWarnings drops the member's record and returns how many warnings it held.
func (l *Ledger) ClearWarnings(ctx context.Context, guildID, userID string) (int, error) {
	key := Key(guildID, userID)
	unlock := l.locks.Lock(key)
	defer unlock()

	l.mu.Lock()
	cur := l.records[key]
	delete(l.records, key)
	l.mu.Unlock()
	if cur == nil {
		return 0, nil
	}
	return len(cur.Warnings), l.store.Delete(ctx, CollectionWarnings, key)
}

// Prune rewrites records holding expired warnings and deletes emptied ones.
// It returns the number of warnings removed.
func (l *Ledger) Prune(ctx context.Context) (int, error) {
	cfg := l.config()
	now := l.now().UnixMilli()

	l.mu.Lock()
	keys := make([]string, 0, len(l.records))
	for k := range l.records {
		keys = append(keys, k)
	}
	l.mu.Unlock()
	sort.Strings(keys)

	removed := 0
	var errs []error
	for _, key := range keys {
		unlock := l.locks.Lock(key)
		l.mu.Lock()
		cur := l.records[key]
		l.mu.Unlock()
		if cur == nil {
			unlock()
			continue
		}
		r := live(*cur, now, cfg.Expiry)
		n := len(cur.Warnings) - len(r.Warnings)
		if n > 0 {
			removed += n
			if len(r.Warnings) == 0 {
				l.mu.Lock()
				delete(l.records, key)
				l.mu.Unlock()
				if err := l.store.Delete(ctx, CollectionWarnings, key); err != nil {
					errs = append(errs, err)
				}
			} else {
				l.mu.Lock()
				l.records[key] = &r
				l.mu.Unlock()
				if err := l.persist(ctx, key, r); err != nil {
					errs = append(errs, err)
				}
			}
		}
		unlock()
	}
	if removed > 0 {
		l.log.Debug("expired warnings pruned", logx.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}

func (l *Ledger) persist(ctx context.Context, key string, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, CollectionWarnings, key, b); err != nil {
		return fmt.Errorf("persist %s/%s: %w", CollectionWarnings, key, err)
	}
	return nil
}

// live keeps warnings no older than expiry. A missing timestamp counts as now.
func live(r Record, now int64, expiry time.Duration) Record {
	out := Record{Warnings: make([]Warning, 0, len(r.Warnings))}
	limit := expiry.Milliseconds()
	for _, w := range r.Warnings {
		ts := w.Timestamp
		if ts == 0 {
			ts = now
		}
		if now-ts <= limit {
			out.Warnings = append(out.Warnings, w)
		}
	}
	out.Count = len(out.Warnings)
	return out
}

func copyRecord(r Record) Record {
	return Record{Count: r.Count, Warnings: append([]Warning(nil), r.Warnings...)}
}
