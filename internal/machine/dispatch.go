package machine

import (
	"errors"
	"fmt"
	"time"
)

// Dispatch handles one event synchronously. It must only be called from
// the goroutine running Run, or by a caller that drives the machine
// without Run (tests).
func (m *Machine) Dispatch(ev Event) {
	switch e := ev.(type) {
	case *InboundRequest:
		m.handleInbound(e)
	case NegotiationComplete:
		m.handleNegotiation(e)
	case SessionStateChanged:
		m.handleSessionState(e)
	case TimerFired:
		m.handleTimer(e)
	case snapshotQuery:
		calls := m.calls.All()
		infos := make([]CallInfo, 0, len(calls))
		for _, c := range calls {
			infos = append(infos, c.info())
		}
		e.reply <- infos
	default:
		m.logger.Error("unknown event type", "type", fmt.Sprintf("%T", ev))
	}
}

func (m *Machine) handleInbound(req *InboundRequest) {
	defer func() {
		if req.Handled != nil {
			select {
			case req.Handled <- true:
			default:
			}
		}
	}()

	log := m.logger.With("call_id", req.CallID, "method", req.Method)

	switch {
	case req.Method == "ACK":
		// Stray ACKs need no response.
		log.Debug("ignoring ack outside a session")
		return
	case req.Method != "INVITE":
		m.stats.rejectedMethod.Add(1)
		m.reject(req, 405, "Method Not Allowed")
		return
	case req.Invalid != nil:
		m.stats.rejectedInvalid.Add(1)
		log.Info("rejecting invalid invite", "error", req.Invalid)
		m.reject(req, 400, "Bad Request")
		return
	}

	slot, ok := m.signals.Resolve(req.Username)
	if !ok {
		m.stats.rejectedUnknown.Add(1)
		log.Info("rejecting invite", "username", req.Username, "error", ErrUnknownSignal)
		m.reject(req, 403, "Forbidden")
		return
	}

	call := newCall(req.CallID, req.Username, slot, m.now(), m.logger)
	if err := m.calls.Add(call); err != nil {
		switch {
		case errors.Is(err, ErrCapacityExceeded):
			m.stats.rejectedCapacity.Add(1)
			log.Warn("rejecting invite, call registry full", "max_calls", m.calls.Capacity())
			m.reject(req, 503, "Service Unavailable")
		case errors.Is(err, ErrDuplicateCall):
			m.stats.rejectedError.Add(1)
			log.Warn("rejecting invite for a call id already in progress")
			m.reject(req, 482, "Loop Detected")
		default:
			m.stats.rejectedError.Add(1)
			log.Error("registering call", "error", err)
			m.reject(req, 500, "Internal Server Error")
		}
		return
	}

	sess, err := m.signaling.CreateSession(req)
	if err != nil {
		m.stats.rejectedError.Add(1)
		log.Error("creating session", "error", err)
		if err := m.calls.Remove(call.ID); err != nil {
			m.invariant(call, "removing call after session failure", err)
		}
		m.reject(req, 500, "Internal Server Error")
		return
	}
	call.Session = sess
	m.stats.accepted.Add(1)

	if err := m.signaling.SendProvisional(sess); err != nil {
		call.logger.Error("sending ringing", "error", err)
		m.endSession(call, 500)
		return
	}

	call.ringingTimer = m.timers.Schedule(TimerRinging, call.ID, m.cfg.RingingTime)
	call.logger.Info("call ringing", "signal_slot", int(slot), "ringing_time", m.cfg.RingingTime)
}

func (m *Machine) reject(req *InboundRequest, code int, reason string) {
	if err := m.signaling.Reject(req, code, reason); err != nil {
		m.logger.Warn("sending rejection",
			"call_id", req.CallID,
			"code", code,
			"error", err,
		)
	}
}

func (m *Machine) handleTimer(ev TimerFired) {
	t := ev.Timer
	if t.cancelled {
		return
	}
	call, ok := m.calls.Find(t.CallID)
	if !ok {
		m.logger.Debug("timer for unknown call", "call_id", t.CallID, "timer", t.Kind.String())
		return
	}

	switch t.Kind {
	case TimerRinging:
		if call.ringingTimer != t {
			return
		}
		call.ringingTimer = nil
		if call.State() != StateRinging {
			return
		}
		if err := call.transition(eventNegotiate); err != nil {
			m.invariant(call, "entering negotiation", err)
			return
		}
		call.AnsweredAt = m.now()
		m.stats.answered.Add(1)
		call.logger.Info("answering call")
		if err := m.signaling.SendFinal(call.Session, 200); err != nil {
			call.logger.Error("sending 200 ok", "error", err)
			m.endSession(call, 500)
		}

	case TimerActive:
		if call.activeTimer != t {
			return
		}
		call.activeTimer = nil
		if call.State() != StateActive {
			return
		}
		call.logger.Info("active time elapsed, ending call", "code", m.cfg.ActiveEndCode)
		m.endSession(call, m.cfg.ActiveEndCode)
	}
}

func (m *Machine) handleNegotiation(ev NegotiationComplete) {
	call, ok := m.calls.Find(ev.CallID)
	if !ok {
		m.logger.Debug("negotiation result for unknown call", "call_id", ev.CallID)
		return
	}
	if ev.Err != nil {
		call.logger.Warn("media negotiation failed", "error", ev.Err)
		return
	}
	if call.State() != StateNegotiating || call.Socket != nil {
		m.invariant(call, "negotiation completed out of order", fmt.Errorf("state %s", call.State()))
		return
	}

	sock, err := m.pool.Acquire()
	if err != nil {
		m.stats.mediaFailed.Add(1)
		call.logger.Warn("no media socket for answered call", "error", err)
		m.endSession(call, 503)
		return
	}
	call.Socket = sock

	if err := m.startMedia(call, ev); err != nil {
		m.stats.mediaFailed.Add(1)
		call.logger.Error("starting media", "rtp_port", sock.Port, "error", err)
		m.releaseMedia(call)
		m.endSession(call, 500)
		return
	}

	call.activeTimer = m.timers.Schedule(TimerActive, call.ID, m.cfg.ActiveTime)
	if err := call.transition(eventActivate); err != nil {
		m.invariant(call, "entering active", err)
		return
	}
	call.ActiveAt = m.now()
	call.logger.Info("call active",
		"rtp_port", sock.Port,
		"bridge_port", int(call.BridgePort),
		"codec", ev.Params.Codec.Name,
		"remote", ev.Params.Remote,
	)
}

// startMedia creates the call's stream on its socket, wires it to the
// signal and starts it.
func (m *Machine) startMedia(call *Call, ev NegotiationComplete) error {
	stream, err := m.media.CreateStream(call.Session, ev.Params, call.Socket.Transport)
	if err != nil {
		return fmt.Errorf("creating stream: %w", err)
	}
	call.stream = stream

	if err := m.attachStream(call); err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	return nil
}

func (m *Machine) handleSessionState(ev SessionStateChanged) {
	if ev.State != SessionDisconnected {
		return
	}
	call, ok := m.calls.Find(ev.CallID)
	if !ok {
		m.logger.Debug("disconnect for unknown call", "call_id", ev.CallID)
		return
	}
	m.teardown(call, ev.Cause)
}

// endSession asks signaling to end the call. The disconnect event that
// follows performs the teardown; if signaling cannot even try, the call is
// torn down here so it does not leak.
func (m *Machine) endSession(call *Call, code int) {
	if err := m.signaling.Terminate(call.Session, code); err != nil {
		call.logger.Error("terminating session", "code", code, "error", err)
		m.teardown(call, "terminate failed")
	}
}

// teardown releases everything the call holds and forgets it: timers,
// bridge port, stream, socket and finally the registry entry. Calling it
// again for the same call is a no-op.
func (m *Machine) teardown(call *Call, cause string) {
	if call.State() == StateDisconnected {
		return
	}
	call.ringingTimer.Cancel()
	call.activeTimer.Cancel()
	call.ringingTimer, call.activeTimer = nil, nil

	m.releaseMedia(call)

	if err := call.transition(eventDisconnect); err != nil {
		m.invariant(call, "entering disconnected", err)
	}
	if err := m.calls.Remove(call.ID); err != nil {
		m.invariant(call, "removing call", err)
	}
	m.stats.completed.Add(1)

	call.logger.Info("call ended",
		"cause", cause,
		"duration", m.now().Sub(call.CreatedAt).Round(time.Millisecond),
	)
}

// releaseMedia undoes startMedia in reverse order. Each step is skipped
// when the resource was never assigned.
func (m *Machine) releaseMedia(call *Call) {
	m.detachStream(call)
	if call.stream != nil {
		if err := call.stream.Close(); err != nil {
			call.logger.Warn("closing stream", "error", err)
		}
		call.stream = nil
	}
	if call.Socket != nil {
		m.pool.Release(call.Socket)
		call.Socket = nil
	}
}

func (m *Machine) invariant(call *Call, what string, err error) {
	if m.cfg.StrictInvariants {
		panic(fmt.Sprintf("call %s: %s: %v", call.ID, what, err))
	}
	call.logger.Error("call state inconsistency", "during", what, "error", err)
}
