package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	rtsup "modbot/internal/runtime/supervisor"
	logx "modbot/pkg/logx"
)

type fakeProbe struct{ ready atomic.Bool }

func (p *fakeProbe) Ready() bool { return p.ready.Load() }

func (p *fakeProbe) Tasks() []rtsup.TaskStatus {
	return []rtsup.TaskStatus{{Name: "gateway", Running: true}}
}

func waitForHTTP(ctx context.Context, url string) (*http.Response, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			cancel()
			return resp, nil
		}
		cancel()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestHealthzReflectsReadiness(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	s := New(probe, logx.Nop())
	h := s.Handler(false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503 before ready", rec.Code)
	}

	probe.ready.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rec.Code)
	}
	var body Health
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || len(body.Tasks) != 1 || body.Tasks[0].Name != "gateway" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestPprofRoutesOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	s := New(nil, logx.Nop())

	rec := httptest.NewRecorder()
	s.Handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof reachable while disabled: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.Handler(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof status=%d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.Handler(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
}

func TestApplyEnableDisable(t *testing.T) {
	probe := &fakeProbe{}
	probe.ready.Store(true)
	s := New(probe, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := s.Addr()
	if addr == "" {
		t.Fatal("expected ops server to expose address")
	}
	resp, err := waitForHTTP(ctx, "http://"+addr+"/healthz")
	if err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	if s.Addr() == "" {
		t.Fatal("expected restart with pprof to keep serving")
	}

	s.Apply(ctx, Config{Enabled: false})
	if a := s.Addr(); a != "" {
		t.Fatalf("expected ops server to stop, still at %s", a)
	}
}
