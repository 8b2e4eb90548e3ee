package machine

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/flowpbx/answermachine/internal/media"
)

// CallState is the lifecycle state of a call.
type CallState int

const (
	StateRinging CallState = iota
	StateNegotiating
	StateActive
	StateDisconnected
)

func (s CallState) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func parseCallState(s string) CallState {
	switch s {
	case "ringing":
		return StateRinging
	case "negotiating":
		return StateNegotiating
	case "active":
		return StateActive
	default:
		return StateDisconnected
	}
}

// FSM event names.
const (
	eventNegotiate  = "negotiate"
	eventActivate   = "activate"
	eventDisconnect = "disconnect"
)

// Call is one inbound call tracked from INVITE to disconnect.
//
// SignalSlot is fixed at creation. BridgePort and Socket are assigned
// together once media negotiation succeeds and are released together on
// disconnect; a call with a bridge port always holds a socket.
type Call struct {
	ID         string
	Username   string
	SignalSlot media.Slot
	BridgePort media.Slot
	Socket     *media.Socket
	Session    Session

	CreatedAt  time.Time
	AnsweredAt time.Time
	ActiveAt   time.Time

	stream       Stream
	ringingTimer *Timer
	activeTimer  *Timer

	fsm    *fsm.FSM
	logger *slog.Logger
}

func newCall(id, username string, signalSlot media.Slot, now time.Time, logger *slog.Logger) *Call {
	c := &Call{
		ID:         id,
		Username:   username,
		SignalSlot: signalSlot,
		BridgePort: media.NoSlot,
		CreatedAt:  now,
		logger:     logger.With("call_id", id, "username", username),
	}
	c.fsm = fsm.NewFSM(
		StateRinging.String(),
		fsm.Events{
			{Name: eventNegotiate, Src: []string{StateRinging.String()}, Dst: StateNegotiating.String()},
			{Name: eventActivate, Src: []string{StateNegotiating.String()}, Dst: StateActive.String()},
			{Name: eventDisconnect, Src: []string{
				StateRinging.String(),
				StateNegotiating.String(),
				StateActive.String(),
			}, Dst: StateDisconnected.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("call state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c
}

// State returns the current lifecycle state. Safe for concurrent use.
func (c *Call) State() CallState {
	return parseCallState(c.fsm.Current())
}

func (c *Call) transition(event string) error {
	return c.fsm.Event(context.Background(), event)
}

// CallInfo is a point-in-time copy of a call for observers.
type CallInfo struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	State      string    `json:"state"`
	SignalSlot int       `json:"signal_slot"`
	BridgePort int       `json:"bridge_port"`
	RTPPort    int       `json:"rtp_port,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	AnsweredAt time.Time `json:"answered_at,omitzero"`
	ActiveAt   time.Time `json:"active_at,omitzero"`
}

func (c *Call) info() CallInfo {
	ci := CallInfo{
		ID:         c.ID,
		Username:   c.Username,
		State:      c.State().String(),
		SignalSlot: int(c.SignalSlot),
		BridgePort: int(c.BridgePort),
		CreatedAt:  c.CreatedAt,
		AnsweredAt: c.AnsweredAt,
		ActiveAt:   c.ActiveAt,
	}
	if c.Socket != nil {
		ci.RTPPort = c.Socket.Port
	}
	return ci
}
