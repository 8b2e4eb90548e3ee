package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/answermachine/internal/machine"
	"github.com/flowpbx/answermachine/internal/ratelimit"
	"github.com/flowpbx/answermachine/internal/sip"
)

type fakeCalls struct {
	calls []machine.CallInfo
	err   error
}

func (f *fakeCalls) Snapshot(ctx context.Context) ([]machine.CallInfo, error) {
	return f.calls, f.err
}

func (f *fakeCalls) MaxCalls() int { return 35 }

type fakeSignals []machine.SignalInfo

func (f fakeSignals) Signals() []machine.SignalInfo { return f }

type fakeTrace struct{ level sip.TraceLevel }

func (f *fakeTrace) Level() sip.TraceLevel     { return f.level }
func (f *fakeTrace) SetLevel(l sip.TraceLevel) { f.level = l }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(deps Deps) *Server {
	return NewServer(deps, testLogger())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	env := envelope{Data: data}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return env
}

func TestHealth(t *testing.T) {
	s := newTestServer(Deps{})
	rr := do(t, s, http.MethodGet, "/api/v1/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var health healthResponse
	decode(t, rr, &health)
	if health.Status != "ok" {
		t.Errorf("expected status ok, got %q", health.Status)
	}
	if health.UptimeText == "" {
		t.Error("expected uptime_text to be set")
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected security headers on api routes")
	}
}

func TestListCalls(t *testing.T) {
	created := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	calls := &fakeCalls{calls: []machine.CallInfo{
		{ID: "a", Username: "wav", State: "ringing", CreatedAt: created},
		{ID: "b", Username: "longtone", State: "active", RTPPort: 4002, CreatedAt: created},
	}}
	s := newTestServer(Deps{Calls: calls})

	rr := do(t, s, http.MethodGet, "/api/v1/calls", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list callListResponse
	decode(t, rr, &list)
	if list.Count != 2 || list.MaxCalls != 35 {
		t.Errorf("expected count 2 max 35, got %d/%d", list.Count, list.MaxCalls)
	}
	if list.Calls[1].RTPPort != 4002 || list.Calls[1].State != "active" {
		t.Errorf("unexpected second call %+v", list.Calls[1])
	}
}

func TestListCallsEmpty(t *testing.T) {
	s := newTestServer(Deps{Calls: &fakeCalls{}})
	rr := do(t, s, http.MethodGet, "/api/v1/calls", "")

	if !strings.Contains(rr.Body.String(), `"calls":[]`) {
		t.Errorf("expected empty array, got %s", rr.Body.String())
	}
}

func TestListCallsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
	}{
		{"no source", Deps{}},
		{"machine stopped", Deps{Calls: &fakeCalls{err: machine.ErrStopped}}},
		{"timeout", Deps{Calls: &fakeCalls{err: context.DeadlineExceeded}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, newTestServer(tt.deps), http.MethodGet, "/api/v1/calls", "")
			if rr.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", rr.Code)
			}
		})
	}
}

func TestGetCall(t *testing.T) {
	s := newTestServer(Deps{Calls: &fakeCalls{calls: []machine.CallInfo{{ID: "abc@host", State: "negotiating"}}}})

	rr := do(t, s, http.MethodGet, "/api/v1/calls/abc@host", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var call machine.CallInfo
	decode(t, rr, &call)
	if call.State != "negotiating" {
		t.Errorf("expected negotiating, got %q", call.State)
	}

	rr = do(t, s, http.MethodGet, "/api/v1/calls/other", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListSignals(t *testing.T) {
	s := newTestServer(Deps{Signals: fakeSignals{{Username: "longtone", Slot: 1}, {Username: "wav", Slot: 2}}})
	rr := do(t, s, http.MethodGet, "/api/v1/signals", "")

	var signals []machine.SignalInfo
	decode(t, rr, &signals)
	if len(signals) != 2 || signals[1].Username != "wav" || signals[1].Slot != 2 {
		t.Errorf("unexpected signals %+v", signals)
	}
}

func TestTraceLevel(t *testing.T) {
	trace := &fakeTrace{}
	s := newTestServer(Deps{Trace: trace})

	rr := do(t, s, http.MethodGet, "/api/v1/sip/trace", "")
	var body traceBody
	decode(t, rr, &body)
	if body.Level != "off" {
		t.Errorf("expected off, got %q", body.Level)
	}

	rr = do(t, s, http.MethodPut, "/api/v1/sip/trace", `{"level":"full"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if trace.level != sip.TraceFull {
		t.Errorf("expected level full, got %v", trace.level)
	}

	rr = do(t, s, http.MethodPut, "/api/v1/sip/trace", `{"level":"loud"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr = do(t, s, http.MethodPut, "/api/v1/sip/trace", `{"verbosity":"full"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}
	if trace.level != sip.TraceFull {
		t.Error("rejected requests must not change the level")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "answermachine_test_gauge", Help: "test"})
	g.Set(3)
	reg.MustRegister(g)

	s := newTestServer(Deps{Gatherer: reg})
	rr := do(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "answermachine_test_gauge 3") {
		t.Errorf("expected gauge in output, got %s", rr.Body.String())
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(Deps{})

	rr := do(t, s, http.MethodGet, "/api/v1/extensions", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if env := decode(t, rr, nil); env.Error != "not found" {
		t.Errorf("expected json error, got %q", env.Error)
	}

	rr = do(t, s, http.MethodDelete, "/api/v1/health", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestRateLimited(t *testing.T) {
	s := newTestServer(Deps{Limiter: ratelimit.New("api", 1, 1, testLogger())})

	if rr := do(t, s, http.MethodGet, "/api/v1/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/api/v1/health", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{12 * time.Second, "12s"},
		{3*time.Minute + 4*time.Second, "3m 4s"},
		{2*time.Hour + 5*time.Second, "2h 0m 5s"},
		{50 * time.Hour, "2d 2h 0m 0s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

