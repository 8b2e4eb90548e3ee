package machine

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowpbx/answermachine/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct{ id string }

func (s *fakeSession) CallID() string { return s.id }

type response struct {
	callID string
	code   int
	reason string
}

// fakeSignaling records every signaling operation. When poster is set it
// behaves like the SIP adapter: a 200 completes negotiation and Terminate
// disconnects.
type fakeSignaling struct {
	mu           sync.Mutex
	rejects      []response
	provisionals []string
	finals       []response
	terminations []response

	failCreate      bool
	failProvisional bool
	failTerminate   bool
	negotiationErr  error

	poster interface{ Post(Event) error }
}

func (f *fakeSignaling) Reject(req *InboundRequest, code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, response{req.CallID, code, reason})
	return nil
}

func (f *fakeSignaling) CreateSession(req *InboundRequest) (Session, error) {
	if f.failCreate {
		return nil, errors.New("dialog creation failed")
	}
	return &fakeSession{id: req.CallID}, nil
}

func (f *fakeSignaling) SendProvisional(s Session) error {
	if f.failProvisional {
		return errors.New("transport error")
	}
	f.mu.Lock()
	f.provisionals = append(f.provisionals, s.CallID())
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) SendFinal(s Session, code int) error {
	f.mu.Lock()
	f.finals = append(f.finals, response{s.CallID(), code, ""})
	f.mu.Unlock()
	if f.poster != nil {
		return f.poster.Post(NegotiationComplete{CallID: s.CallID(), Params: testParams(), Err: f.negotiationErr})
	}
	return nil
}

func (f *fakeSignaling) Terminate(s Session, code int) error {
	if f.failTerminate {
		return errors.New("no transport")
	}
	f.mu.Lock()
	f.terminations = append(f.terminations, response{s.CallID(), code, ""})
	f.mu.Unlock()
	if f.poster != nil {
		return f.poster.Post(SessionStateChanged{CallID: s.CallID(), State: SessionDisconnected, Cause: "terminated"})
	}
	return nil
}

func (f *fakeSignaling) snapshot() (rejects, finals, terminations []response, provisionals []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]response(nil), f.rejects...),
		append([]response(nil), f.finals...),
		append([]response(nil), f.terminations...),
		append([]string(nil), f.provisionals...)
}

type fakeStream struct {
	mu        sync.Mutex
	started   bool
	closed    int
	failStart bool
}

func (s *fakeStream) GetFrame([]int16) bool { return false }
func (s *fakeStream) PutFrame([]int16)      {}

func (s *fakeStream) Start() error {
	if s.failStart {
		return errors.New("start failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeMedia struct {
	mu         sync.Mutex
	streams    map[string]*fakeStream
	failCreate bool
	failStart  bool
}

func (f *fakeMedia) CreateStream(s Session, params media.StreamParams, t media.Transport) (Stream, error) {
	if f.failCreate {
		return nil, errors.New("stream creation failed")
	}
	if t == nil {
		return nil, errors.New("nil transport")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streams == nil {
		f.streams = make(map[string]*fakeStream)
	}
	st := &fakeStream{failStart: f.failStart}
	f.streams[s.CallID()] = st
	return st, nil
}

func (f *fakeMedia) stream(id string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[id]
}

type nopTransport struct{ port int }

func (t nopTransport) ReadFrom([]byte) (int, net.Addr, error)   { return 0, nil, io.EOF }
func (t nopTransport) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }
func (t nopTransport) SetReadDeadline(time.Time) error          { return nil }
func (t nopTransport) LocalPort() int                           { return t.port }
func (t nopTransport) Close() error                             { return nil }

func testParams() media.StreamParams {
	return media.StreamParams{
		Remote: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000},
		Codec:  media.CodecPCMU,
		Ptime:  media.FrameDuration,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type tone struct{}

func (tone) GetFrame(f []int16) bool { return true }
func (tone) PutFrame([]int16)        {}

// harness wires a Machine to fakes, a real bridge and a real socket pool.
type harness struct {
	m      *Machine
	sig    *fakeSignaling
	media  *fakeMedia
	bridge *media.Bridge
	pool   *media.SocketPool
	clock  *fakeClock
}

type harnessOption func(*Config, *harness)

func withSockets(n int) harnessOption {
	return func(_ *Config, h *harness) {
		pool, err := media.NewSocketPool(n, 4000, func(port int) (media.Transport, error) {
			return nopTransport{port: port}, nil
		}, testLogger())
		if err != nil {
			panic(err)
		}
		h.pool = pool
	}
}

func withMaxCalls(n int) harnessOption {
	return func(c *Config, _ *harness) { c.MaxCalls = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := Config{
		MaxCalls:         35,
		RingingTime:      3 * time.Second,
		ActiveTime:       10 * time.Second,
		ActiveEndCode:    403,
		PollInterval:     5 * time.Millisecond,
		StrictInvariants: true,
	}
	h := &harness{
		sig:    &fakeSignaling{},
		media:  &fakeMedia{},
		bridge: media.NewBridge(64, testLogger()),
		clock:  &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	withSockets(29)(&cfg, h)
	for _, o := range opts {
		o(&cfg, h)
	}

	signals := NewSignalRegistry(h.bridge)
	for _, name := range []string{"longtone", "wav", "rbt"} {
		_, err := signals.Register(name, tone{})
		require.NoError(t, err)
	}

	m, err := New(cfg, Deps{
		Signaling: h.sig,
		Media:     h.media,
		Mixer:     h.bridge,
		Pool:      h.pool,
		Signals:   signals,
		Now:       h.clock.Now,
	}, testLogger())
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) invite(callID, username string) {
	h.m.Dispatch(&InboundRequest{CallID: callID, Method: "INVITE", Username: username})
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.m.fireTimers()
}

func (h *harness) disconnect(callID string) {
	h.m.Dispatch(SessionStateChanged{CallID: callID, State: SessionDisconnected, Cause: "bye"})
}

func (h *harness) negotiated(callID string) {
	h.m.Dispatch(NegotiationComplete{CallID: callID, Params: testParams()})
}
