package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBridgeFull is returned by AddPort when every slot is taken.
	ErrBridgeFull = errors.New("bridge has no free slot")

	// ErrSlotNotFound is returned for operations on a slot with no port.
	ErrSlotNotFound = errors.New("bridge slot not found")
)

// Port is a bridge participant. GetFrame fills one frame of linear PCM and
// reports whether it produced audio; PutFrame receives the mix of every
// source connected to the port and must not retain the slice. Both are only
// called from the mix loop.
type Port interface {
	GetFrame(frame []int16) bool
	PutFrame(frame []int16)
}

// Slot identifies a port on the bridge. Slots are stable for the life of
// the port and are reused after RemovePort.
type Slot int

// NoSlot marks a call that has no bridge port yet.
const NoSlot Slot = -1

// MasterSlot is reserved for the bridge clock and never handed out.
const MasterSlot Slot = 0

type bridgeSlot struct {
	port    Port
	targets map[Slot]struct{} // sinks this slot feeds
}

// Bridge is a conference bridge mixing 8 kHz mono linear PCM. Connections
// are one-way: Connect(src, dst) makes dst hear src. A single mix goroutine
// runs every FrameDuration; on each cycle it reads one frame from every
// source that has at least one listener and writes the clamped sum of its
// sources to every listener.
type Bridge struct {
	logger *slog.Logger

	mu    sync.Mutex
	slots []*bridgeSlot // index is the Slot; nil entries are free

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBridge creates a bridge with room for maxPorts ports in addition to
// the reserved master slot.
func NewBridge(maxPorts int, logger *slog.Logger) *Bridge {
	b := &Bridge{
		logger: logger.With("subsystem", "bridge"),
		slots:  make([]*bridgeSlot, maxPorts+1),
		stop:   make(chan struct{}),
	}
	b.slots[MasterSlot] = &bridgeSlot{targets: make(map[Slot]struct{})}
	return b
}

// AddPort attaches p to the lowest free slot.
func (b *Bridge) AddPort(p Port) (Slot, error) {
	if p == nil {
		return NoSlot, errors.New("bridge port must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 1; i < len(b.slots); i++ {
		if b.slots[i] != nil {
			continue
		}
		b.slots[i] = &bridgeSlot{port: p, targets: make(map[Slot]struct{})}
		b.logger.Debug("port added to bridge", "slot", i, "ports", b.portCountLocked())
		return Slot(i), nil
	}
	return NoSlot, ErrBridgeFull
}

// Connect routes audio from src to dst. Connecting twice is harmless.
func (b *Bridge) Connect(src, dst Slot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(src)
	if err != nil {
		return fmt.Errorf("connecting source: %w", err)
	}
	if _, err := b.slotLocked(dst); err != nil {
		return fmt.Errorf("connecting sink: %w", err)
	}
	if src == dst {
		return fmt.Errorf("cannot connect slot %d to itself", src)
	}
	s.targets[dst] = struct{}{}
	return nil
}

// Disconnect removes the src to dst route. It succeeds when the route does
// not exist as long as both slots do.
func (b *Bridge) Disconnect(src, dst Slot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(src)
	if err != nil {
		return fmt.Errorf("disconnecting source: %w", err)
	}
	if _, err := b.slotLocked(dst); err != nil {
		return fmt.Errorf("disconnecting sink: %w", err)
	}
	delete(s.targets, dst)
	return nil
}

// RemovePort detaches the port in slot along with every route touching it.
func (b *Bridge) RemovePort(slot Slot) error {
	if slot == MasterSlot {
		return errors.New("master slot cannot be removed")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.slotLocked(slot); err != nil {
		return err
	}
	b.slots[slot] = nil
	for _, s := range b.slots {
		if s != nil {
			delete(s.targets, slot)
		}
	}
	b.logger.Debug("port removed from bridge", "slot", int(slot), "ports", b.portCountLocked())
	return nil
}

// IsConnected reports whether audio flows from src to dst.
func (b *Bridge) IsConnected(src, dst Slot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(src)
	if err != nil {
		return false
	}
	_, ok := s.targets[dst]
	return ok
}

// PortCount returns the number of attached ports, excluding the master slot.
func (b *Bridge) PortCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.portCountLocked()
}

// Capacity returns the number of usable slots, the master slot excluded.
func (b *Bridge) Capacity() int {
	return len(b.slots) - 1
}

func (b *Bridge) portCountLocked() int {
	n := 0
	for i := 1; i < len(b.slots); i++ {
		if b.slots[i] != nil {
			n++
		}
	}
	return n
}

func (b *Bridge) slotLocked(slot Slot) (*bridgeSlot, error) {
	if slot < 0 || int(slot) >= len(b.slots) || b.slots[slot] == nil {
		return nil, fmt.Errorf("slot %d: %w", slot, ErrSlotNotFound)
	}
	return b.slots[slot], nil
}

// Start runs the mix loop until ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	b.done = make(chan struct{})
	go b.mixLoop(ctx)
	b.logger.Info("bridge started", "slots", len(b.slots)-1)
}

// Stop ends the mix loop and waits for it to exit.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.done != nil {
		<-b.done
	}
	b.logger.Info("bridge stopped")
}

func (b *Bridge) mixLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			b.mixOnce()
		}
	}
}

type route struct {
	sink    Port
	sources []Slot
}

// mixOnce performs one mix cycle. Port callbacks run without the bridge
// lock held so a port may call back into the bridge.
func (b *Bridge) mixOnce() {
	b.mu.Lock()
	sources := make(map[Slot]Port)
	sinks := make(map[Slot]*route)
	for i, s := range b.slots {
		if s == nil || s.port == nil || len(s.targets) == 0 {
			continue
		}
		sources[Slot(i)] = s.port
		for dst := range s.targets {
			d := b.slots[dst]
			if d.port == nil {
				continue
			}
			r, ok := sinks[dst]
			if !ok {
				r = &route{sink: d.port}
				sinks[dst] = r
			}
			r.sources = append(r.sources, Slot(i))
		}
	}
	b.mu.Unlock()

	if len(sinks) == 0 {
		return
	}

	frames := make(map[Slot][]int16, len(sources))
	for slot, p := range sources {
		frame := make([]int16, SamplesPerFrame)
		if p.GetFrame(frame) {
			frames[slot] = frame
		}
	}

	var sum [SamplesPerFrame]int32
	out := make([]int16, SamplesPerFrame)
	for _, r := range sinks {
		clear(sum[:])
		heard := false
		for _, src := range r.sources {
			f, ok := frames[src]
			if !ok {
				continue
			}
			heard = true
			for i, v := range f {
				sum[i] += int32(v)
			}
		}
		if !heard {
			continue
		}
		for i := range out {
			out[i] = clamp16(sum[i])
		}
		r.sink.PutFrame(out)
	}
}
