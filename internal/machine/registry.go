package machine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/flowpbx/answermachine/internal/media"
)

var (
	// ErrCapacityExceeded is returned when the call registry is full.
	ErrCapacityExceeded = errors.New("call registry at capacity")

	// ErrDuplicateCall is returned when a call id is already registered.
	ErrDuplicateCall = errors.New("call already registered")

	// ErrCallNotFound is returned when no call has the given id.
	ErrCallNotFound = errors.New("call not found")

	// ErrUnknownSignal is returned for usernames with no registered signal.
	ErrUnknownSignal = errors.New("no signal registered for username")
)

// CallRegistry tracks live calls by id up to a fixed capacity. Insertion
// never overwrites and a full registry is left untouched.
type CallRegistry struct {
	capacity int

	mu    sync.RWMutex
	calls map[string]*Call
}

// NewCallRegistry creates a registry holding at most capacity calls.
func NewCallRegistry(capacity int) *CallRegistry {
	return &CallRegistry{
		capacity: capacity,
		calls:    make(map[string]*Call, capacity),
	}
}

// Add registers c.
func (r *CallRegistry) Add(c *Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[c.ID]; ok {
		return fmt.Errorf("call %s: %w", c.ID, ErrDuplicateCall)
	}
	if len(r.calls) >= r.capacity {
		return ErrCapacityExceeded
	}
	r.calls[c.ID] = c
	return nil
}

// Find returns the call with the given id.
func (r *CallRegistry) Find(id string) (*Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	return c, ok
}

// Remove deletes exactly the call with the given id.
func (r *CallRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[id]; !ok {
		return fmt.Errorf("call %s: %w", id, ErrCallNotFound)
	}
	delete(r.calls, id)
	return nil
}

// Len returns the number of registered calls.
func (r *CallRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Capacity returns the maximum number of calls.
func (r *CallRegistry) Capacity() int {
	return r.capacity
}

// All returns the registered calls, oldest first.
func (r *CallRegistry) All() []*Call {
	r.mu.RLock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(calls, func(a, b *Call) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return calls
}

// SignalInfo describes one registered signal.
type SignalInfo struct {
	Username string `json:"username"`
	Slot     int    `json:"slot"`
}

// SignalRegistry maps dialed usernames to the bridge slot of the signal
// played to callers. It is filled at startup and read-only afterwards.
type SignalRegistry struct {
	mixer Mixer

	mu    sync.RWMutex
	slots map[string]media.Slot
	order []string
}

// NewSignalRegistry creates a registry that attaches signals to mixer.
func NewSignalRegistry(mixer Mixer) *SignalRegistry {
	return &SignalRegistry{
		mixer: mixer,
		slots: make(map[string]media.Slot),
	}
}

// Register attaches port to the bridge and binds it to username.
func (r *SignalRegistry) Register(username string, port media.Port) (media.Slot, error) {
	if username == "" {
		return media.NoSlot, errors.New("signal username must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[username]; ok {
		return media.NoSlot, fmt.Errorf("signal %q already registered", username)
	}
	slot, err := r.mixer.AddPort(port)
	if err != nil {
		return media.NoSlot, fmt.Errorf("adding signal %q to bridge: %w", username, err)
	}
	r.slots[username] = slot
	r.order = append(r.order, username)
	return slot, nil
}

// Resolve returns the bridge slot for username. Matching is exact and
// case-sensitive.
func (r *SignalRegistry) Resolve(username string) (media.Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[username]
	return slot, ok
}

// Signals lists registered signals in registration order.
func (r *SignalRegistry) Signals() []SignalInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SignalInfo, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, SignalInfo{Username: u, Slot: int(r.slots[u])})
	}
	return out
}
