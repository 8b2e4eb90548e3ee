package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/answermachine/internal/config"
	"github.com/flowpbx/answermachine/internal/machine"
	"github.com/flowpbx/answermachine/internal/media"
	"github.com/flowpbx/answermachine/internal/ratelimit"
)

// noRouteWait bounds how long a handler for an unsupported method waits for
// the machine to reject it.
const noRouteWait = 2 * time.Second

// EventSink receives the events the SIP stack produces. *machine.Machine
// satisfies it. Post may refuse inbound requests under load but must accept
// NegotiationComplete and SessionStateChanged while the sink is running.
type EventSink interface {
	Post(ev machine.Event) error
}

// Server is the answering machine's SIP user agent. It turns inbound
// requests into machine events and implements machine.Signaling and
// machine.MediaStack for the sessions the machine accepts.
type Server struct {
	cfg      *config.Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	tracer   *MessageTracer
	limiter  *ratelimit.Limiter
	sessions *sessionTable
	mediaIP  string
	contact  sip.Header

	sink   EventSink
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates the SIP stack. Attach must be called before Start.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	logger = logger.With("subsystem", "sip")

	level, err := ParseTraceLevel(cfg.SIPTrace)
	if err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("answermachine"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger.With("subsystem", "sip-client")))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	// Installed even when off so the level can be raised at runtime.
	tracer := NewMessageTracer(logger, level)
	sip.SIPDebug = true
	sip.SIPDebugTracer(tracer)

	mediaIP := cfg.MediaIP()
	s := &Server{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		client:   client,
		tracer:   tracer,
		limiter:  ratelimit.New("invite", cfg.InviteRate, cfg.InviteBurst, logger),
		sessions: newSessionTable(),
		mediaIP:  mediaIP,
		contact:  sip.NewHeader("Contact", fmt.Sprintf("<sip:%s:%d>", mediaIP, cfg.SIPPort)),
		ctx:      context.Background(),
		logger:   logger,
	}

	srv.OnInvite(s.handleInvite)
	srv.OnAck(s.handleAck)
	srv.OnBye(s.handleBye)
	srv.OnCancel(s.handleCancel)
	srv.OnNoRoute(s.handleNoRoute)
	return s, nil
}

// Attach sets the sink for inbound events. The machine needs the server as
// its Signaling before it exists, so the two are tied together afterwards.
func (s *Server) Attach(sink EventSink) {
	s.sink = sink
}

// Start begins listening on UDP and TCP. It returns once the listeners are
// launched; Stop shuts them down.
func (s *Server) Start(ctx context.Context) error {
	if s.sink == nil {
		return errors.New("sip server has no event sink attached")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	for _, network := range []string{"udp", "tcp"} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(s.ctx, network, addr); err != nil && s.ctx.Err() == nil {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.limiter.Run(s.ctx)
	}()
	return nil
}

// Stop closes the listeners and waits for in-flight handlers and BYEs.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server", "sessions", s.sessions.len())
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Tracer returns the message tracer.
func (s *Server) Tracer() *MessageTracer { return s.tracer }

// post hands ev to the sink and reports whether it was queued.
func (s *Server) post(ev machine.Event) bool {
	if s.sink == nil {
		return false
	}
	if err := s.sink.Post(ev); err != nil {
		s.logger.Warn("dropping event", "type", fmt.Sprintf("%T", ev), "error", err)
		return false
	}
	return true
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	log := s.logger.With("call_id", callID, "source", req.Source())

	if !s.limiter.Allow(req.Source()) {
		log.Warn("invite rate limit exceeded")
		res := sip.NewResponseFromRequest(req, 503, reasonPhrase(503), nil)
		res.AppendHeader(sip.NewHeader("Retry-After", "1"))
		if err := tx.Respond(res); err != nil {
			log.Error("failed to respond to invite", "error", err)
		}
		return
	}

	t := newTransaction(req, tx)
	if err := t.respond(100, "Trying", nil); err != nil {
		log.Error("failed to send 100 trying", "error", err)
		return
	}

	inbound := s.inboundRequest(req, t)
	if inbound.Invalid != nil {
		log.Debug("invalid invite", "error", inbound.Invalid)
	}
	if !s.post(inbound) {
		if err := t.respond(503, reasonPhrase(503), nil); err != nil {
			log.Error("failed to respond to invite", "error", err)
		}
		return
	}

	// sipgo terminates the transaction when the handler returns, so stay
	// here until the machine has produced a final response.
	select {
	case <-t.final:
	case <-tx.Done():
		if !t.isFinal() {
			log.Info("invite transaction ended before final response", "error", tx.Err())
			if sess := s.sessions.get(callID); sess != nil && sess.transaction == t {
				sess.disconnect("transaction ended")
			}
		}
	case <-s.ctx.Done():
	}
}

// inboundRequest builds the machine event for an INVITE, checking what the
// machine cannot: a Call-ID, required extensions and the SDP offer. An
// INVITE without a body is a delayed offer, answered with our own offer.
func (s *Server) inboundRequest(req *sip.Request, t *transaction) *machine.InboundRequest {
	in := &machine.InboundRequest{
		CallID:   callIDOf(req),
		Method:   string(sip.INVITE),
		Username: usernameOf(req),
		Request:  t,
	}
	switch {
	case in.CallID == "":
		in.Invalid = errors.New("missing call-id")
	case req.From() == nil || req.To() == nil:
		in.Invalid = errors.New("missing from or to header")
	}
	if in.Invalid != nil {
		return in
	}

	if tags := requiredExtensions(req); len(tags) > 0 {
		in.Invalid = fmt.Errorf("unsupported extensions required: %s", strings.Join(tags, ", "))
		return in
	}

	if len(req.Body()) == 0 {
		t.delayedOffer = true
		return in
	}
	offer, err := media.ParseOffer(req.Body())
	if err != nil {
		in.Invalid = fmt.Errorf("invalid offer: %w", err)
	}
	t.offer = offer
	return in
}

// requiredExtensions returns the option tags of every Require header. No
// SIP extensions are implemented, so any tag makes the INVITE invalid.
func requiredExtensions(req *sip.Request) []string {
	var tags []string
	for _, h := range req.GetHeaders("Require") {
		for _, tag := range strings.Split(h.Value(), ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// usernameOf returns the user part of the To URI, falling back to the
// request URI.
func usernameOf(req *sip.Request) string {
	if to := req.To(); to != nil && to.Address.User != "" {
		return to.Address.User
	}
	return req.Recipient.User
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if !s.remoteAck(callID, req.Body()) {
		s.post(&machine.InboundRequest{CallID: callID, Method: string(sip.ACK)})
	}
}

// remoteAck confirms the session. For a delayed offer the ACK carries the
// caller's answer, which fixes the remote RTP address; a missing or
// unusable answer ends the call. It reports whether a session matched.
func (s *Server) remoteAck(callID string, body []byte) bool {
	sess := s.sessions.get(callID)
	if sess == nil {
		return false
	}
	sess.logger.Debug("ack received")

	if sess.delayedOffer && sess.answered.Load() {
		if err := s.applyAnswer(sess, body); err != nil {
			sess.logger.Info("rejecting answer in ack", "error", err)
			if err := s.Terminate(sess, 488); err != nil {
				sess.logger.Warn("ending call after bad answer", "error", err)
			}
			return true
		}
	}
	s.post(machine.SessionStateChanged{CallID: callID, State: machine.SessionConfirmed})
	return true
}

// applyAnswer points the session's stream at the address in the caller's
// answer. The answer must keep the single codec we offered.
func (s *Server) applyAnswer(sess *session, body []byte) error {
	answer, err := media.ParseOffer(body)
	if err != nil {
		return err
	}
	params, err := media.Negotiate(answer)
	if err != nil {
		return err
	}
	if params.Codec.Name != sess.params.Codec.Name {
		return fmt.Errorf("answer selected %s, offered %s", params.Codec.Name, sess.params.Codec.Name)
	}
	stream := sess.stream.Load()
	if stream == nil {
		return errors.New("session has no stream")
	}
	stream.SetRemote(params.Remote)
	sess.logger.Info("delayed offer answered", "remote", params.Remote, "codec", params.Codec.Name)
	return nil
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	code := s.remoteBye(callIDOf(req))
	res := sip.NewResponseFromRequest(req, code, reasonPhrase(code), nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye", "error", err)
	}
}

// remoteBye ends the session the peer hung up and returns the code for
// the BYE response.
func (s *Server) remoteBye(callID string) int {
	sess := s.sessions.get(callID)
	if sess == nil {
		return 481
	}
	if !sess.isFinal() {
		// BYE before our final response still ends the INVITE.
		if err := sess.respond(487, reasonPhrase(487), nil); err != nil && !errors.Is(err, errFinalSent) {
			sess.logger.Warn("sending 487 after bye", "error", err)
		}
	}
	sess.logger.Info("remote hangup")
	sess.disconnect("remote bye")
	return 200
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	code := s.remoteCancel(callIDOf(req))
	res := sip.NewResponseFromRequest(req, code, reasonPhrase(code), nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to cancel", "error", err)
	}
}

// remoteCancel answers the pending INVITE of a cancelled session with 487
// and returns the code for the CANCEL response. A CANCEL that loses the
// race with our final response changes nothing.
func (s *Server) remoteCancel(callID string) int {
	sess := s.sessions.get(callID)
	if sess == nil {
		return 481
	}
	err := sess.respond(487, reasonPhrase(487), nil)
	switch {
	case errors.Is(err, errFinalSent):
		return 200
	case err != nil:
		sess.logger.Warn("sending 487 after cancel", "error", err)
	}
	sess.logger.Info("call cancelled by caller")
	sess.disconnect("cancelled")
	return 200
}

// handleNoRoute passes every other method to the machine, which rejects it.
func (s *Server) handleNoRoute(req *sip.Request, tx sip.ServerTransaction) {
	t := newTransaction(req, tx)
	in := &machine.InboundRequest{
		CallID:   callIDOf(req),
		Method:   strings.ToUpper(req.Method.String()),
		Username: req.Recipient.User,
		Request:  t,
	}
	if !s.post(in) {
		if err := t.respond(503, reasonPhrase(503), nil); err != nil {
			s.logger.Error("failed to respond", "method", in.Method, "error", err)
		}
		return
	}

	timer := time.NewTimer(noRouteWait)
	defer timer.Stop()
	select {
	case <-t.final:
	case <-timer.C:
		s.logger.Warn("no response from machine", "method", in.Method, "call_id", in.CallID)
	case <-s.ctx.Done():
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
