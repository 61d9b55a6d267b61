package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "modbot/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files (under the configured directory):
//   - <collection>.json          (snapshot: flat key -> document object)
//   - <collection>.journal.jsonl (append-only journal of puts/deletes)
//   - audit.jsonl                (append-only JSON Lines)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex

	auditFile   *os.File
	collections map[string]*fileCollection
	closed      bool
}

type fileCollection struct {
	snapshotPath string
	journal      *os.File
	data         map[string]json.RawMessage
	writes       int
}

type journalRecord struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	At    int64           `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:         log,
		dir:         dir,
		auditFile:   af,
		collections: map[string]*fileCollection{},
	}, nil
}

// collectionLocked opens (and replays) a collection on first use.
func (s *fileStore) collectionLocked(name string) (*fileCollection, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := checkCollection(name); err != nil {
		return nil, err
	}
	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	snapPath := filepath.Join(s.dir, name+".json")
	journalPath := filepath.Join(s.dir, name+".journal.jsonl")

	data := map[string]json.RawMessage{}
	if err := loadSnapshot(snapPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A corrupt snapshot must not silently reset the collection.
		return nil, err
	}
	if err := replayJournal(journalPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	c := &fileCollection{snapshotPath: snapPath, journal: jf, data: data}
	s.collections[name] = c
	return c, nil
}

func (s *fileStore) Load(ctx context.Context, collection string) (map[string][]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collectionLocked(collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(c.data))
	for k, v := range c.data {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collectionLocked(collection)
	if err != nil {
		return nil, false, err
	}
	v, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Put(ctx context.Context, collection, key string, value []byte) error {
	_ = ctx
	if key == "" {
		return errors.New("empty key")
	}
	if !json.Valid(value) {
		return errors.New("value is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}
	v := json.RawMessage(append([]byte(nil), value...))
	if err := s.appendLocked(c, journalRecord{Op: "put", Key: key, Value: v}); err != nil {
		return err
	}
	c.data[key] = v
	return nil
}

func (s *fileStore) Delete(ctx context.Context, collection, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collectionLocked(collection)
	if err != nil {
		return err
	}
	if _, ok := c.data[key]; !ok {
		return nil
	}
	if err := s.appendLocked(c, journalRecord{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(c.data, key)
	return nil
}

func (s *fileStore) appendLocked(c *fileCollection, rec journalRecord) error {
	rec.At = time.Now().UnixMilli()
	if err := json.NewEncoder(c.journal).Encode(rec); err != nil {
		return err
	}
	c.writes++
	if c.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := compactLocked(c); err != nil {
			s.log.Debug("journal compact failed", logx.String("snapshot", c.snapshotPath), logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for name, c := range s.collections {
		if err := compactLocked(c); err != nil {
			errs = append(errs, errors.New(name+": "+err.Error()))
		}
		if err := c.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.collections = nil
	if s.auditFile != nil {
		if err := s.auditFile.Close(); err != nil {
			errs = append(errs, err)
		}
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func compactLocked(c *fileCollection) error {
	tmp := c.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(c.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := c.journal.Truncate(0); err != nil {
		return err
	}
	_, err = c.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail write after a crash.
			continue
		}
		if r.Key == "" {
			continue
		}
		switch r.Op {
		case "put":
			out[r.Key] = r.Value
		case "del":
			delete(out, r.Key)
		}
	}
	return sc.Err()
}
