// Package machine implements the call-session lifecycle of the answering
// machine: it tracks calls, answers them after a ringing period, binds each
// answered call to a media socket and to the bridge slot of the signal its
// dialed username selects, and ends the call after a fixed active period.
//
// All call state is owned by a single event loop (Run). The SIP stack and
// the media layer talk to it by posting events.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/answermachine/internal/media"
)

var (
	// ErrQueueFull is returned by Post when the request queue is full.
	ErrQueueFull = errors.New("event queue full")

	// ErrStopped is returned by Post after the event loop has exited.
	ErrStopped = errors.New("machine stopped")
)

// Session is a signaling session created for an accepted INVITE.
type Session interface {
	CallID() string
}

// Signaling is the SIP side of the machine. Every session created through
// it must eventually produce exactly one SessionStateChanged event with
// SessionDisconnected.
type Signaling interface {
	// Reject answers a request statelessly.
	Reject(req *InboundRequest, code int, reason string) error
	CreateSession(req *InboundRequest) (Session, error)
	SendProvisional(s Session) error
	// SendFinal answers the session. For 200 the signaling layer completes
	// the offer/answer exchange and posts NegotiationComplete.
	SendFinal(s Session, code int) error
	// Terminate ends the session with code before it is answered, or with
	// a BYE after.
	Terminate(s Session, code int) error
}

// MediaStack creates the RTP stream for an answered call.
type MediaStack interface {
	CreateStream(s Session, params media.StreamParams, t media.Transport) (Stream, error)
}

// Stream is a call's media stream as seen by the bridge.
type Stream interface {
	media.Port
	Start() error
	Close() error
}

// Mixer is the conference bridge.
type Mixer interface {
	AddPort(p media.Port) (media.Slot, error)
	Connect(src, dst media.Slot) error
	Disconnect(src, dst media.Slot) error
	RemovePort(slot media.Slot) error
}

// SocketPool lends media sockets to answered calls.
type SocketPool interface {
	Acquire() (*media.Socket, error)
	Release(s *media.Socket)
}

// Config holds the lifecycle parameters.
type Config struct {
	MaxCalls      int
	RingingTime   time.Duration
	ActiveTime    time.Duration
	ActiveEndCode int
	PollInterval  time.Duration
	QueueSize     int

	// StrictInvariants panics on internal consistency violations instead
	// of logging them and abandoning the call. Meant for tests.
	StrictInvariants bool
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Signaling Signaling
	Media     MediaStack
	Mixer     Mixer
	Pool      SocketPool
	Signals   *SignalRegistry

	// Optional; default to a TimerHeap and time.Now.
	Scheduler Scheduler
	Now       func() time.Time
}

// Machine is the lifecycle controller. Create one with New and drive it
// with Run.
type Machine struct {
	cfg       Config
	logger    *slog.Logger
	signaling Signaling
	media     MediaStack
	mixer     Mixer
	pool      SocketPool
	signals   *SignalRegistry
	calls     *CallRegistry
	timers    Scheduler
	now       func() time.Time

	events chan Event

	// Negotiation results and disconnects bypass the bounded queue: each
	// live call produces only a few, and losing one leaks the call.
	lifecycleMu sync.Mutex
	lifecycle   []Event
	wake        chan struct{}

	running atomic.Bool
	done    chan struct{}

	stats stats
}

type stats struct {
	accepted         atomic.Uint64
	answered         atomic.Uint64
	completed        atomic.Uint64
	mediaFailed      atomic.Uint64
	rejectedMethod   atomic.Uint64
	rejectedInvalid  atomic.Uint64
	rejectedUnknown  atomic.Uint64
	rejectedCapacity atomic.Uint64
	rejectedError    atomic.Uint64
}

const defaultQueueSize = 256

// New creates a Machine. Signaling, Media, Mixer, Pool and Signals are
// required.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Machine, error) {
	switch {
	case deps.Signaling == nil:
		return nil, errors.New("machine: signaling is required")
	case deps.Media == nil:
		return nil, errors.New("machine: media stack is required")
	case deps.Mixer == nil:
		return nil, errors.New("machine: mixer is required")
	case deps.Pool == nil:
		return nil, errors.New("machine: socket pool is required")
	case deps.Signals == nil:
		return nil, errors.New("machine: signal registry is required")
	}
	if cfg.MaxCalls < 1 {
		return nil, fmt.Errorf("machine: max calls must be positive, got %d", cfg.MaxCalls)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	timers := deps.Scheduler
	if timers == nil {
		timers = NewTimerHeap(now)
	}

	return &Machine{
		cfg:       cfg,
		logger:    logger.With("subsystem", "machine"),
		signaling: deps.Signaling,
		media:     deps.Media,
		mixer:     deps.Mixer,
		pool:      deps.Pool,
		signals:   deps.Signals,
		calls:     NewCallRegistry(cfg.MaxCalls),
		timers:    timers,
		now:       now,
		events:    make(chan Event, cfg.QueueSize),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Calls returns the call registry. Callers outside the event loop must
// treat the calls it returns as read-only.
func (m *Machine) Calls() *CallRegistry { return m.calls }

// Signals returns the signal registry.
func (m *Machine) Signals() *SignalRegistry { return m.signals }

// Post queues ev for the event loop. It never blocks. Inbound requests
// and snapshot queries fail with ErrQueueFull when the loop falls behind;
// NegotiationComplete and SessionStateChanged are always accepted until
// the loop stops.
func (m *Machine) Post(ev Event) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	switch ev.(type) {
	case NegotiationComplete, SessionStateChanged:
		m.lifecycleMu.Lock()
		m.lifecycle = append(m.lifecycle, ev)
		m.lifecycleMu.Unlock()
		select {
		case m.wake <- struct{}{}:
		default:
		}
		return nil
	}

	select {
	case m.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// drainLifecycle dispatches every pending lifecycle event in post order.
func (m *Machine) drainLifecycle() {
	m.lifecycleMu.Lock()
	pending := m.lifecycle
	m.lifecycle = nil
	m.lifecycleMu.Unlock()

	for _, ev := range pending {
		m.Dispatch(ev)
	}
}

// Run processes events and timers until ctx is cancelled. Live calls are
// terminated on the way out. Run must be called at most once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("machine already running")
	}
	defer close(m.done)

	m.logger.Info("event loop started",
		"max_calls", m.cfg.MaxCalls,
		"ringing_time", m.cfg.RingingTime,
		"active_time", m.cfg.ActiveTime,
	)

	wait := time.NewTimer(m.cfg.PollInterval)
	defer wait.Stop()

	for {
		m.drainLifecycle()
		wait.Reset(m.nextWait())
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-m.wake:
			m.drainLifecycle()
		case ev := <-m.events:
			m.Dispatch(ev)
		case <-wait.C:
		}
		m.fireTimers()
	}
}

// nextWait bounds the loop wait by the poll interval and the next timer.
func (m *Machine) nextWait() time.Duration {
	d := m.cfg.PollInterval
	if deadline, ok := m.timers.NextDeadline(); ok {
		if until := deadline.Sub(m.now()); until < d {
			d = max(until, 0)
		}
	}
	return d
}

func (m *Machine) fireTimers() {
	for _, t := range m.timers.Expired(m.now()) {
		m.Dispatch(TimerFired{Timer: t})
	}
}

// Snapshot returns a copy of every live call, taken on the event loop.
func (m *Machine) Snapshot(ctx context.Context) ([]CallInfo, error) {
	q := snapshotQuery{reply: make(chan []CallInfo, 1)}
	if err := m.Post(q); err != nil {
		return nil, err
	}
	select {
	case calls := <-q.reply:
		return calls, nil
	case <-m.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shutdown ends every live call. Signaling is asked to terminate first so
// peers see a final response or BYE, then local resources are released
// without waiting for disconnect events that will never be processed.
func (m *Machine) shutdown() {
	calls := m.calls.All()
	for _, c := range calls {
		if c.Session != nil {
			if err := m.signaling.Terminate(c.Session, 503); err != nil {
				c.logger.Warn("terminating call on shutdown", "error", err)
			}
		}
		m.teardown(c, "shutdown")
	}
	m.logger.Info("event loop stopped", "calls_terminated", len(calls))
}

// ActiveCalls returns the number of registered calls.
func (m *Machine) ActiveCalls() int { return m.calls.Len() }

// MaxCalls returns the call registry capacity.
func (m *Machine) MaxCalls() int { return m.calls.Capacity() }

// CallsByState counts registered calls per state name.
func (m *Machine) CallsByState() map[string]int {
	out := map[string]int{
		StateRinging.String():     0,
		StateNegotiating.String(): 0,
		StateActive.String():      0,
	}
	for _, c := range m.calls.All() {
		out[c.State().String()]++
	}
	return out
}

// Outcomes returns cumulative call outcome counters.
func (m *Machine) Outcomes() map[string]uint64 {
	return map[string]uint64{
		"accepted":          m.stats.accepted.Load(),
		"answered":          m.stats.answered.Load(),
		"completed":         m.stats.completed.Load(),
		"media_failed":      m.stats.mediaFailed.Load(),
		"rejected_method":   m.stats.rejectedMethod.Load(),
		"rejected_invalid":  m.stats.rejectedInvalid.Load(),
		"rejected_unknown":  m.stats.rejectedUnknown.Load(),
		"rejected_capacity": m.stats.rejectedCapacity.Load(),
		"rejected_error":    m.stats.rejectedError.Load(),
	}
}
