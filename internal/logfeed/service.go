package logfeed

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"modbot/internal/eventbus"
	rtsup "modbot/internal/runtime/supervisor"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("log feed disabled")
	ErrQueueFull = errors.New("log feed queue full")
	ErrStopped   = errors.New("log feed stopped")
)

// EventFailed is published when a record could not be delivered.
const EventFailed = "logfeed.failed"

const historySize = 200

var sentCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "logfeed_sent_total",
	Help: "Number of log records delivered to the log channel",
})

var droppedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "logfeed_dropped_total",
	Help: "Number of log records not delivered",
}, []string{"reason"})

type Config struct {
	Enabled         bool
	ChannelID       string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Entry is a queued or delivered log record.
type Entry struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Icon        string    `json:"icon,omitempty"`
	At          time.Time `json:"at"`
}

// FailedEvent is the payload of EventFailed.
type FailedEvent struct {
	ChannelID string `json:"channel_id"`
	Title     string `json:"title"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
}

type job struct {
	entry   Entry
	channel string
}

// Service is safe for concurrent use.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu        sync.Mutex
	sender    transport.Sender
	cfg       Config
	limiter   *rate.Limiter
	queue     chan job
	sup       *rtsup.Supervisor
	accepting bool
	inflight  sync.WaitGroup

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []Entry
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		log:    log.With(logx.String("comp", "logfeed")),
		bus:    bus,
		sender: sender,
		dedup:  map[uint64]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	return cfg
}

// Apply swaps the settings. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) SetSender(sender transport.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.cfg.ChannelID != ""
}

// Start launches the workers. It is a no-op when running or disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("logfeed.worker.%d", i), func(c context.Context) error {
			return s.worker(c, q)
		})
	}
	s.queue, s.sup, s.accepting = q, sup, true
}

// Stop refuses new records, then drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue, s.sup = nil, nil
	s.mu.Unlock()

	s.inflight.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Debug("log feed stop timed out", logx.Err(err), logx.Int("pending", len(q)))
	}
}

// SendLog queues a record for the log channel. It never blocks; when the
// queue is full it returns ErrQueueFull. Duplicates within the dedup window
// are accepted and dropped.
func (s *Service) SendLog(ctx context.Context, title, description, icon string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.cfg.ChannelID == "" {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q, cfg := s.queue, s.cfg
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if cfg.DedupWindow > 0 && !s.dedupAllow(dedupKey(title, description), cfg.DedupWindow, cfg.DedupMaxEntries) {
		droppedCount.WithLabelValues("duplicate").Inc()
		return nil
	}
	select {
	case q <- job{entry: Entry{Title: title, Description: description, Icon: icon, At: time.Now()}, channel: cfg.ChannelID}:
		return nil
	default:
		droppedCount.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// Recent returns delivered records, oldest first.
func (s *Service) Recent() []Entry {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Entry(nil), s.history...)
}

func (s *Service) worker(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		droppedCount.WithLabelValues("no_sender").Inc()
		return
	}

	rec := Render(j.entry)
	attempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = sender.SendRecord(cctx, j.channel, rec)
		cancel()
		if err == nil {
			sentCount.Inc()
			s.remember(j.entry)
			return
		}
		s.log.Debug("log record send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	droppedCount.WithLabelValues("send_failed").Inc()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventFailed, Data: FailedEvent{
			ChannelID: j.channel,
			Title:     j.entry.Title,
			Attempts:  attempts,
			Error:     err.Error(),
		}})
	}
}

func (s *Service) remember(e Entry) {
	s.hmu.Lock()
	s.history = append(s.history, e)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// Render turns an entry into the record posted to the channel.
func Render(e Entry) transport.Record {
	title := e.Title
	if e.Icon != "" {
		title = e.Icon + " " + title
	}
	return transport.Record{Title: title, Description: e.Description, Color: 0x5865F2, At: e.At}
}

func dedupKey(title, description string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(description))
	return h.Sum64()
}

func (s *Service) dedupAllow(key uint64, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	if len(s.dedup) > maxEntries {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
		for len(s.dedup) > maxEntries {
			var oldest uint64
			var oldestAt time.Time
			first := true
			for k, until := range s.dedup {
				if first || until.Before(oldestAt) {
					oldest, oldestAt, first = k, until, false
				}
			}
			delete(s.dedup, oldest)
		}
	}
	return true
}

// retryDelay is base*2^(attempt-1), capped, with 0.7x..1.3x jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
