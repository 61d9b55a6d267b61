package automod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"modbot/internal/keylock"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// CollectionConfigs holds one GuildConfig document per guild id.
const CollectionConfigs = "automod"

// ErrInvalidConfig wraps validation failures from Update.
var ErrInvalidConfig = errors.New("automod: invalid config")

// ConfigStore owns the per-guild configs. Reads always return schema-current
// configs; documents are migrated when first read and persisted if migration
// changed them.
type ConfigStore struct {
	store    storage.Store
	log      logx.Logger
	validate *validator.Validate
	locks    *keylock.Map[string]

	mu      sync.RWMutex
	docs    map[string]Document
	cfgs    map[string]GuildConfig
	corrupt map[string]error
}

func NewConfigStore(st storage.Store, log logx.Logger) *ConfigStore {
	return &ConfigStore{
		store:    st,
		log:      log.With(logx.String("comp", "automod.config")),
		validate: validator.New(),
		locks:    keylock.New[string](),
		docs:     map[string]Document{},
		cfgs:     map[string]GuildConfig{},
		corrupt:  map[string]error{},
	}
}

// LoadAll reads every stored config, migrates it and persists the ones that
// changed. It returns the number of migrated documents.
func (s *ConfigStore) LoadAll(ctx context.Context) (int, error) {
	raw, err := s.store.Load(ctx, CollectionConfigs)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", CollectionConfigs, err)
	}

	migrated := 0
	var errs []error
	for id, b := range raw {
		unlock := s.locks.Lock(id)
		changed, err := s.admitLocked(ctx, id, b)
		unlock()
		if changed {
			migrated++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if migrated > 0 {
		s.log.Info("guild configs migrated", logx.Int("count", migrated), logx.Int("total", len(raw)))
	}
	return migrated, errors.Join(errs...)
}

// admitLocked decodes, migrates and caches one stored document.
func (s *ConfigStore) admitLocked(ctx context.Context, guildID string, b []byte) (bool, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return false, s.markCorrupt(guildID, err)
	}
	next, changed := MigrateConfig(doc)
	cfg, err := DecodeConfig(next)
	if err != nil {
		return false, s.markCorrupt(guildID, err)
	}

	s.mu.Lock()
	s.docs[guildID] = next
	s.cfgs[guildID] = cfg
	delete(s.corrupt, guildID)
	s.mu.Unlock()

	if !changed {
		return false, nil
	}
	s.log.Debug("guild config migrated", logx.String("guild", guildID), logx.Int("schema", cfg.SchemaVersion))
	return true, s.persist(ctx, guildID, next)
}

func (s *ConfigStore) markCorrupt(guildID string, err error) error {
	err = fmt.Errorf("%w: guild %s: %w", ErrCorruptConfig, guildID, err)
	s.mu.Lock()
	s.corrupt[guildID] = err
	s.mu.Unlock()
	s.log.Error("guild config unreadable; leaving stored document untouched", logx.String("guild", guildID), logx.Err(err))
	return err
}

// GetConfig returns the guild's config, creating and persisting the default
// on first access. A *PersistError comes with a usable config.
func (s *ConfigStore) GetConfig(ctx context.Context, guildID string) (GuildConfig, error) {
	unlock := s.locks.Lock(guildID)
	defer unlock()
	cfg, err := s.getLocked(ctx, guildID)
	return cfg.Clone(), err
}

func (s *ConfigStore) getLocked(ctx context.Context, guildID string) (GuildConfig, error) {
	s.mu.RLock()
	cfg, ok := s.cfgs[guildID]
	bad := s.corrupt[guildID]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	if bad != nil {
		return GuildConfig{}, bad
	}

	b, found, err := s.store.Get(ctx, CollectionConfigs, guildID)
	if err != nil {
		return GuildConfig{}, fmt.Errorf("read %s/%s: %w", CollectionConfigs, guildID, err)
	}
	if found {
		_, err := s.admitLocked(ctx, guildID, b)
		s.mu.RLock()
		cfg, ok := s.cfgs[guildID]
		s.mu.RUnlock()
		if !ok {
			return GuildConfig{}, err
		}
		return cfg, err
	}

	cfg = DefaultGuildConfig()
	doc, err := toDocument(cfg)
	if err != nil {
		return GuildConfig{}, err
	}
	s.mu.Lock()
	s.docs[guildID] = doc
	s.cfgs[guildID] = cfg
	s.mu.Unlock()
	s.log.Debug("default guild config created", logx.String("guild", guildID))
	return cfg, s.persist(ctx, guildID, doc)
}

// Update applies fn to a copy of the guild's config, validates the result and
// persists it. Keys unknown to this version are preserved. If fn or
// validation fails the stored config is unchanged.
func (s *ConfigStore) Update(ctx context.Context, guildID string, fn func(*GuildConfig) error) (GuildConfig, error) {
	unlock := s.locks.Lock(guildID)
	defer unlock()

	cur, err := s.getLocked(ctx, guildID)
	if err != nil && !IsPersistError(err) {
		return GuildConfig{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	next.SchemaVersion = CurrentSchemaVersion
	if err := s.validate.Struct(next); err != nil {
		return cur.Clone(), fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s.mu.RLock()
	base := s.docs[guildID]
	s.mu.RUnlock()
	doc, err := mergeDocument(base, next)
	if err != nil {
		return cur.Clone(), err
	}

	s.mu.Lock()
	s.docs[guildID] = doc
	s.cfgs[guildID] = next
	s.mu.Unlock()
	return next.Clone(), s.persist(ctx, guildID, doc)
}

// Flush persists every cached config.
func (s *ConfigStore) Flush(ctx context.Context) error {
	var errs []error
	for _, id := range s.Guilds() {
		unlock := s.locks.Lock(id)
		s.mu.RLock()
		doc := s.docs[id]
		s.mu.RUnlock()
		if doc != nil {
			if err := s.persist(ctx, id, doc); err != nil {
				errs = append(errs, err)
			}
		}
		unlock()
	}
	return errors.Join(errs...)
}

// Guilds lists guild ids with a cached config, sorted.
func (s *ConfigStore) Guilds() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.cfgs))
	for id := range s.cfgs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Document returns a copy of the raw stored document for a cached guild.
func (s *ConfigStore) Document(guildID string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[guildID]
	if !ok {
		return nil, false
	}
	cp, _ := deepCopy(doc).(Document)
	return cp, true
}

// Cached returns the cached config without touching storage.
func (s *ConfigStore) Cached(guildID string) (GuildConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.cfgs[guildID]
	return cfg.Clone(), ok
}

func (s *ConfigStore) persist(ctx context.Context, guildID string, doc Document) error {
	b, err := json.Marshal(doc)
	if err == nil {
		err = s.store.Put(ctx, CollectionConfigs, guildID, b)
	}
	if err != nil {
		persistErrors.WithLabelValues(CollectionConfigs).Inc()
		return &PersistError{Collection: CollectionConfigs, Key: guildID, Err: err}
	}
	return nil
}
