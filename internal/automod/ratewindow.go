package automod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"modbot/internal/keylock"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

const (
	CollectionSpamTracker = "spam-tracker"
	CollectionRaidTracker = "raid-tracker"
)

// SpamKey is the spam tracker key for a member of a guild.
func SpamKey(guildID, userID string) string { return guildID + "-" + userID }

// RaidKey is the raid tracker key for a guild.
func RaidKey(guildID string) string { return guildID }

// WindowEntry is the persisted state of one sliding window: event timestamps
// in epoch milliseconds, oldest first.
type WindowEntry struct {
	Events      []int64 `json:"events"`
	LastCleanup int64   `json:"lastCleanup"`
}

// UnmarshalJSON also accepts the older per-tracker field names
// ("messages" for spam, "joins" for raid).
func (e *WindowEntry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Events      []int64 `json:"events"`
		Messages    []int64 `json:"messages"`
		Joins       []int64 `json:"joins"`
		LastCleanup int64   `json:"lastCleanup"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.Events != nil:
		e.Events = raw.Events
	case raw.Messages != nil:
		e.Events = raw.Messages
	default:
		e.Events = raw.Joins
	}
	if e.Events == nil {
		e.Events = []int64{}
	}
	e.LastCleanup = raw.LastCleanup
	return nil
}

// Verdict is the outcome of one Hit.
type Verdict struct {
	Count     int
	Violation bool
}

// RateWindow is a persisted sliding-window event counter keyed by string.
// Hits on the same key are serialized across read, mutate and persist.
type RateWindow struct {
	collection string
	store      storage.Store
	log        logx.Logger
	locks      *keylock.Map[string]
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*WindowEntry
}

func NewRateWindow(collection string, st storage.Store, log logx.Logger) *RateWindow {
	return &RateWindow{
		collection: collection,
		store:      st,
		log:        log.With(logx.String("comp", "automod."+collection)),
		locks:      keylock.New[string](),
		now:        time.Now,
		entries:    map[string]*WindowEntry{},
	}
}

// SetClock replaces the time source.
func (w *RateWindow) SetClock(now func() time.Time) { w.now = now }

// Load replaces the in-memory entries with the stored ones. Unreadable
// records are skipped and logged.
func (w *RateWindow) Load(ctx context.Context) (int, error) {
	raw, err := w.store.Load(ctx, w.collection)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", w.collection, err)
	}
	entries := make(map[string]*WindowEntry, len(raw))
	for k, b := range raw {
		var e WindowEntry
		if err := json.Unmarshal(b, &e); err != nil {
			w.log.Warn("skipping unreadable tracker entry", logx.String("key", k), logx.Err(err))
			continue
		}
		entries[k] = &e
	}
	w.mu.Lock()
	w.entries = entries
	w.mu.Unlock()
	return len(entries), nil
}

// Hit records an event for key now. See HitAt.
func (w *RateWindow) Hit(ctx context.Context, key string, window time.Duration, maxEvents int) (Verdict, error) {
	return w.HitAt(ctx, key, w.now(), window, maxEvents)
}

// HitAt evicts timestamps at least window old, appends at, persists the entry
// and reports a violation when the window then holds maxEvents or more.
// An at older than the entry's newest event is recorded at that event's time.
// On a *PersistError the verdict is still valid.
func (w *RateWindow) HitAt(ctx context.Context, key string, at time.Time, window time.Duration, maxEvents int) (Verdict, error) {
	unlock := w.locks.Lock(key)
	defer unlock()

	now := at.UnixMilli()
	windowMs := window.Milliseconds()

	w.mu.Lock()
	e, ok := w.entries[key]
	if !ok {
		e = &WindowEntry{Events: []int64{}, LastCleanup: now}
		w.entries[key] = e
	}
	w.mu.Unlock()

	// Late deliveries count at the newest time already seen for the key.
	if n := len(e.Events); n > 0 && e.Events[n-1] > now {
		now = e.Events[n-1]
	}
	if e.LastCleanup > now {
		now = e.LastCleanup
	}

	kept := e.Events[:0]
	for _, ts := range e.Events {
		if now-ts < windowMs {
			kept = append(kept, ts)
		}
	}
	e.Events = append(kept, now)
	e.LastCleanup = now

	v := Verdict{Count: len(e.Events), Violation: len(e.Events) >= maxEvents}
	return v, w.persist(ctx, key, e)
}

// Sweep removes keys whose newest activity is older than idleFor(key).
// idleFor should be at least the key's window; a non-positive result keeps the key.
func (w *RateWindow) Sweep(ctx context.Context, at time.Time, idleFor func(key string) time.Duration) (int, error) {
	now := at.UnixMilli()
	removed := 0
	var errs []error

	for _, key := range w.Keys() {
		idle := idleFor(key).Milliseconds()
		if idle <= 0 {
			continue
		}
		unlock := w.locks.Lock(key)
		w.mu.Lock()
		e, ok := w.entries[key]
		stale := ok && now-e.LastCleanup > idle && allOlder(e.Events, now, idle)
		if stale {
			delete(w.entries, key)
		}
		w.mu.Unlock()
		if stale {
			removed++
			if err := w.store.Delete(ctx, w.collection, key); err != nil {
				persistErrors.WithLabelValues(w.collection).Inc()
				errs = append(errs, &PersistError{Collection: w.collection, Key: key, Err: err})
			}
		}
		unlock()
	}
	if removed > 0 {
		sweptKeys.WithLabelValues(w.collection).Add(float64(removed))
		w.log.Debug("tracker sweep", logx.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}

func allOlder(events []int64, now, age int64) bool {
	for _, ts := range events {
		if now-ts < age {
			return false
		}
	}
	return true
}

// Flush persists every entry.
func (w *RateWindow) Flush(ctx context.Context) error {
	var errs []error
	for _, key := range w.Keys() {
		unlock := w.locks.Lock(key)
		w.mu.Lock()
		e, ok := w.entries[key]
		w.mu.Unlock()
		if ok {
			if err := w.persist(ctx, key, e); err != nil {
				errs = append(errs, err)
			}
		}
		unlock()
	}
	return errors.Join(errs...)
}

// Keys returns the tracked keys, sorted.
func (w *RateWindow) Keys() []string {
	w.mu.Lock()
	keys := make([]string, 0, len(w.entries))
	for k := range w.entries {
		keys = append(keys, k)
	}
	w.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Entry returns a copy of the entry for key.
func (w *RateWindow) Entry(key string) (WindowEntry, bool) {
	unlock := w.locks.Lock(key)
	defer unlock()
	w.mu.Lock()
	e, ok := w.entries[key]
	w.mu.Unlock()
	if !ok {
		return WindowEntry{}, false
	}
	return WindowEntry{Events: append([]int64(nil), e.Events...), LastCleanup: e.LastCleanup}, true
}

func (w *RateWindow) persist(ctx context.Context, key string, e *WindowEntry) error {
	b, err := json.Marshal(e)
	if err == nil {
		err = w.store.Put(ctx, w.collection, key, b)
	}
	if err != nil {
		persistErrors.WithLabelValues(w.collection).Inc()
		return &PersistError{Collection: w.collection, Key: key, Err: err}
	}
	return nil
}

// Snapshot returns a copy of every entry.
func (w *RateWindow) Snapshot() map[string]WindowEntry {
	out := make(map[string]WindowEntry)
	for _, key := range w.Keys() {
		if e, ok := w.Entry(key); ok {
			out[key] = e
		}
	}
	return out
}
