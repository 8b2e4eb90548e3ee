package machine

import "github.com/flowpbx/answermachine/internal/media"

// Event is anything the event loop dispatches. The set is closed: only the
// types in this file implement it.
type Event interface {
	isEvent()
}

// InboundRequest is a SIP request that did not match an existing session.
type InboundRequest struct {
	CallID   string
	Method   string
	Username string // user part of the To URI, else the request URI

	// Invalid is set when the request failed verification (malformed
	// or unacceptable SDP offer, unsupported extensions).
	Invalid error

	// Request is the signaling stack's own request object, handed back to
	// Signaling untouched.
	Request any

	// Handled, if non-nil, receives whether the dispatcher took ownership
	// of the request. It must be buffered.
	Handled chan bool
}

// NegotiationComplete reports the outcome of SDP offer/answer for a call.
type NegotiationComplete struct {
	CallID string
	Params media.StreamParams
	Err    error
}

// SessionState is the signaling-level state of a session.
type SessionState int

const (
	SessionEarly SessionState = iota
	SessionConfirmed
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionEarly:
		return "early"
	case SessionConfirmed:
		return "confirmed"
	case SessionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SessionStateChanged reports a signaling state change. Only
// SessionDisconnected triggers work.
type SessionStateChanged struct {
	CallID string
	State  SessionState
	Cause  string
}

// TimerFired is produced by the event loop for each expired timer.
type TimerFired struct {
	Timer *Timer
}

// snapshotQuery asks the loop for a consistent copy of the live calls.
type snapshotQuery struct {
	reply chan []CallInfo
}

func (*InboundRequest) isEvent()     {}
func (NegotiationComplete) isEvent() {}
func (SessionStateChanged) isEvent() {}
func (TimerFired) isEvent()          {}
func (snapshotQuery) isEvent()       {}
