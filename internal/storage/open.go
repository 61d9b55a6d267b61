package storage

import (
	"context"
	"errors"
	"strings"

	logx "modbot/pkg/logx"
)

// Store is the persistence API used by the engine and its collaborators.
//
// Values are opaque JSON documents. Load returns a copy; callers own it.
type Store interface {
	Load(ctx context.Context, collection string) (map[string][]byte, error)
	Get(ctx context.Context, collection, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none", "memory", "mem":
		if driver != "memory" && driver != "mem" {
			log.Warn("storage driver not set; using volatile memory store")
		}
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validCollection(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func checkCollection(name string) error {
	if !validCollection(name) {
		return errors.New("invalid collection name: " + name)
	}
	return nil
}
