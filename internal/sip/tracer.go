package sip

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// TraceLevel selects how much of each SIP message is logged.
type TraceLevel int32

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers and drops the body.
	TraceHeaders
	// TraceFull logs the raw message including the SDP body.
	TraceFull
)

// ParseTraceLevel converts "off", "headers" or "full".
func ParseTraceLevel(s string) (TraceLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return TraceOff, nil
	case "headers":
		return TraceHeaders, nil
	case "full":
		return TraceFull, nil
	default:
		return TraceOff, fmt.Errorf("unknown sip trace level %q", s)
	}
}

func (l TraceLevel) String() string {
	switch l {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs every SIP message sipgo reads or writes. It satisfies
// sip.SIPTracer.
type MessageTracer struct {
	logger *slog.Logger
	level  atomic.Int32
}

// NewMessageTracer creates a tracer logging at debug level.
func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	t := &MessageTracer{logger: logger.With("subsystem", "sip-trace")}
	t.level.Store(int32(level))
	return t
}

// SetLevel changes the trace level at runtime.
func (t *MessageTracer) SetLevel(l TraceLevel) {
	if prev := TraceLevel(t.level.Swap(int32(l))); prev != l {
		t.logger.Info("sip trace level changed", "from", prev.String(), "to", l.String())
	}
}

// Level returns the current trace level.
func (t *MessageTracer) Level() TraceLevel {
	return TraceLevel(t.level.Load())
}

func (t *MessageTracer) SIPTraceRead(transport, laddr, raddr string, sipmsg []byte) {
	t.trace("rx", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) SIPTraceWrite(transport, laddr, raddr string, sipmsg []byte) {
	t.trace("tx", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(dir, transport, laddr, raddr string, sipmsg []byte) {
	level := t.Level()
	if level == TraceOff {
		return
	}
	msg, bodyLen := trimMessage(sipmsg, level)
	t.logger.Debug("sip "+dir,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"body_bytes", bodyLen,
		"message", msg,
	)
}

// trimMessage applies level to a raw message and returns the text to log
// with the size of its body.
func trimMessage(sipmsg []byte, level TraceLevel) (string, int) {
	head, body, found := bytes.Cut(sipmsg, []byte("\r\n\r\n"))
	if !found {
		return string(sipmsg), 0
	}
	if level == TraceFull {
		return string(sipmsg), len(body)
	}
	return string(head), len(body)
}
