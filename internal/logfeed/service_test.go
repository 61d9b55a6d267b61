package logfeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type recordingSender struct {
	mu       sync.Mutex
	records  []transport.Record
	channels []string
	failures int
}

func (r *recordingSender) SendText(ctx context.Context, channelID, text string) error { return nil }

func (r *recordingSender) SendRecord(ctx context.Context, channelID string, rec transport.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("503")
	}
	r.records = append(r.records, rec)
	r.channels = append(r.channels, channelID)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		ChannelID:     "feed",
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestSendLogDeliversAndDedups(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{failures: 1}
	s := New(testConfig(), sender, logx.Nop(), nil)
	s.Start(context.Background())

	ctx := context.Background()
	if err := s.SendLog(ctx, "Automod violation", "**User:** <@1>", "⛔"); err != nil {
		t.Fatalf("SendLog: %v", err)
	}
	if err := s.SendLog(ctx, "Automod violation", "**User:** <@1>", "⛔"); err != nil {
		t.Fatalf("duplicate SendLog: %v", err)
	}
	if err := s.SendLog(ctx, "Automod violation", "**User:** <@2>", "⛔"); err != nil {
		t.Fatalf("SendLog: %v", err)
	}
	stop(t, s)

	if got := sender.count(); got != 2 {
		t.Fatalf("delivered=%d want 2", got)
	}
	if sender.records[0].Title != "⛔ Automod violation" || sender.channels[0] != "feed" {
		t.Fatalf("record=%+v channel=%s", sender.records[0], sender.channels[0])
	}
	if len(s.Recent()) != 2 {
		t.Fatalf("history=%v", s.Recent())
	}
}

func TestSendLogDisabledAndStopped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	off := New(Config{}, &recordingSender{}, logx.Nop(), nil)
	if err := off.SendLog(ctx, "t", "d", ""); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}

	s := New(testConfig(), &recordingSender{}, logx.Nop(), nil)
	if err := s.SendLog(ctx, "t", "d", ""); !errors.Is(err, ErrStopped) {
		t.Fatalf("before Start err=%v want ErrStopped", err)
	}
	s.Start(ctx)
	stop(t, s)
	if err := s.SendLog(ctx, "t", "d", ""); !errors.Is(err, ErrStopped) {
		t.Fatalf("after Stop err=%v want ErrStopped", err)
	}
}

type blockingSender struct {
	release chan struct{}
}

func (b *blockingSender) SendText(ctx context.Context, channelID, text string) error { return nil }

func (b *blockingSender) SendRecord(ctx context.Context, channelID string, rec transport.Record) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSendLogQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	sender := &blockingSender{release: make(chan struct{})}
	s := New(cfg, sender, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(sender.release)
		stop(t, s)
	}()

	ctx := context.Background()
	var full bool
	for i := 0; i < 10; i++ {
		if err := s.SendLog(ctx, "t", "d", ""); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected ErrQueueFull with a blocked worker and queue size 1")
	}
}

func TestFailedDeliveryPublishesEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, EventFailed)
	defer unsub()

	sender := &recordingSender{failures: 100}
	s := New(testConfig(), sender, logx.Nop(), bus)
	s.Start(context.Background())
	if err := s.SendLog(context.Background(), "t", "d", ""); err != nil {
		t.Fatalf("SendLog: %v", err)
	}
	stop(t, s)

	select {
	case e := <-events:
		fe, ok := e.Data.(FailedEvent)
		if !ok || fe.Attempts != 3 || fe.ChannelID != "feed" {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no failure event")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := withDefaults(Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second})
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay=%s", attempt, d)
		}
	}
}
