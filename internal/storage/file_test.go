package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "modbot/pkg/logx"
)

func openTestFile(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(file) error: %v", err)
	}
	return st
}

func TestFileStoreReopenReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestFile(t, dir)
	if err := st.Put(ctx, "automod", "g1", []byte(`{"enabled":true}`)); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := st.Put(ctx, "automod", "g2", []byte(`{"enabled":false}`)); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := st.Delete(ctx, "automod", "g2"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	// Simulate a crash: read back from a second handle without closing the first.
	st2 := openTestFile(t, dir)
	got, err := st2.Load(ctx, "automod")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(got) != 1 || string(got["g1"]) != `{"enabled":true}` {
		t.Fatalf("Load = %v, want only g1", got)
	}
	_ = st2.Close()
	_ = st.Close()
}

func TestFileStoreCloseWritesSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestFile(t, dir)
	if err := st.Put(ctx, "spam-tracker", "g1-u1", []byte(`{"events":[1,2],"lastCleanup":2}`)); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "spam-tracker.json"))
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if !strings.Contains(string(b), `"g1-u1"`) {
		t.Fatalf("snapshot does not contain key: %s", b)
	}
	j, err := os.ReadFile(filepath.Join(dir, "spam-tracker.journal.jsonl"))
	if err != nil {
		t.Fatalf("journal missing: %v", err)
	}
	if len(j) != 0 {
		t.Fatalf("journal not truncated after compaction: %q", j)
	}

	st = openTestFile(t, dir)
	defer st.Close()
	v, ok, err := st.Get(ctx, "spam-tracker", "g1-u1")
	if err != nil || !ok {
		t.Fatalf("Get after reopen = ok:%v err:%v", ok, err)
	}
	if string(v) != `{"events":[1,2],"lastCleanup":2}` {
		t.Fatalf("value changed across reopen: %s", v)
	}
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	journal := `{"op":"put","key":"a","value":{"n":1},"at":1}` + "\n" + `{"op":"put","key":"b","val`
	if err := os.WriteFile(filepath.Join(dir, "warnings.journal.jsonl"), []byte(journal), 0o600); err != nil {
		t.Fatal(err)
	}
	st := openTestFile(t, dir)
	defer st.Close()

	got, err := st.Load(ctx, "warnings")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Load = %v, want one record", got)
	}
}

func TestFileStoreRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestFile(t, t.TempDir())
	defer st.Close()

	if err := st.Put(ctx, "../escape", "k", []byte(`{}`)); err == nil {
		t.Fatal("expected error for invalid collection name")
	}
	if err := st.Put(ctx, "automod", "k", []byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON value")
	}
	if err := st.Put(ctx, "automod", "", []byte(`{}`)); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestFileStoreAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st := openTestFile(t, dir)

	if err := st.AppendAudit(ctx, AuditEntry{GuildID: "g", Kind: "spam", Action: "delete", OK: true}); err != nil {
		t.Fatalf("AppendAudit error: %v", err)
	}
	_ = st.Close()
	if err := st.AppendAudit(ctx, AuditEntry{GuildID: "g"}); err == nil {
		t.Fatal("expected error after Close")
	}

	b, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"kind":"spam"`) {
		t.Fatalf("audit line missing: %s", b)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st == nil {
		t.Fatalf("empty driver should fall back to memory, got %v", err)
	}
}
