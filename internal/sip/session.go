package sip

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/flowpbx/answermachine/internal/machine"
	"github.com/flowpbx/answermachine/internal/media"
)

// errFinalSent is returned when a request already has its final response.
var errFinalSent = errors.New("final response already sent")

// responder is the part of sip.ServerTransaction used to answer requests.
type responder interface {
	Respond(res *sip.Response) error
}

// transaction is an inbound request waiting for its final response. The
// handler that received it blocks on final.
type transaction struct {
	req   *sip.Request
	tx    responder
	toTag string
	offer *sdp.SessionDescription

	// delayedOffer marks an INVITE without SDP: we offer in the 200 and
	// the caller answers in the ACK.
	delayedOffer bool

	mu        sync.Mutex
	finalSent bool
	final     chan struct{}
}

func newTransaction(req *sip.Request, tx responder) *transaction {
	return &transaction{
		req:   req,
		tx:    tx,
		toTag: uuid.NewString(),
		final: make(chan struct{}),
	}
}

// respond sends a response carrying the transaction's To tag. At most one
// final response is ever sent; provisionals after it are refused too.
func (t *transaction) respond(code int, reason string, body []byte, headers ...sip.Header) error {
	res := sip.NewResponseFromRequest(t.req, code, reason, body)
	if to := res.To(); to != nil && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", t.toTag)
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}

	t.mu.Lock()
	if t.finalSent {
		t.mu.Unlock()
		return errFinalSent
	}
	if code >= 200 {
		t.finalSent = true
		defer close(t.final)
	}
	t.mu.Unlock()

	return t.tx.Respond(res)
}

func (t *transaction) isFinal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalSent
}

// session is the signaling side of one accepted call, from CreateSession
// until its disconnect event has been posted.
type session struct {
	*transaction
	callID string
	logger *slog.Logger

	// params is written by SendFinal and read by the stream's Start, both
	// on the event loop.
	params   media.StreamParams
	answered atomic.Bool

	// stream is set before the 200 goes out and read by the ACK handler.
	stream atomic.Pointer[media.Stream]

	disconnectOnce sync.Once
	onDisconnect   func(s *session, cause string)
}

// CallID implements machine.Session.
func (s *session) CallID() string { return s.callID }

// disconnect reports the end of the session exactly once.
func (s *session) disconnect(cause string) {
	s.disconnectOnce.Do(func() {
		s.logger.Debug("session disconnected", "cause", cause)
		s.onDisconnect(s, cause)
	})
}

var _ machine.Session = (*session)(nil)

// sessionTable tracks live sessions by Call-ID so in-dialog requests can
// find them.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

// add registers s unless its Call-ID is taken.
func (st *sessionTable) add(s *session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.callID]; ok {
		return false
	}
	st.sessions[s.callID] = s
	return true
}

func (st *sessionTable) get(callID string) *session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[callID]
}

// remove deletes s, leaving a newer session with the same Call-ID alone.
func (st *sessionTable) remove(s *session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.callID] == s {
		delete(st.sessions, s.callID)
	}
}

func (st *sessionTable) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
