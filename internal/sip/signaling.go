package sip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/flowpbx/answermachine/internal/machine"
	"github.com/flowpbx/answermachine/internal/media"
)

// byeTimeout bounds how long a locally initiated BYE waits for its answer.
const byeTimeout = 5 * time.Second

var reasonPhrases = map[int]string{
	180: "Ringing",
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	482: "Loop Detected",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	500: "Server Internal Error",
	503: "Service Unavailable",
	603: "Decline",
}

func reasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "Unknown"
}

func (s *Server) sessionOf(ms machine.Session) (*session, error) {
	sess, ok := ms.(*session)
	if !ok || sess == nil {
		return nil, fmt.Errorf("session %T not created by this server", ms)
	}
	return sess, nil
}

// Reject implements machine.Signaling.
func (s *Server) Reject(req *machine.InboundRequest, code int, reason string) error {
	t, ok := req.Request.(*transaction)
	if !ok {
		return fmt.Errorf("request %s carries no sip transaction", req.CallID)
	}
	if reason == "" {
		reason = reasonPhrase(code)
	}
	return t.respond(code, reason, nil)
}

// CreateSession implements machine.Signaling.
func (s *Server) CreateSession(req *machine.InboundRequest) (machine.Session, error) {
	t, ok := req.Request.(*transaction)
	if !ok {
		return nil, fmt.Errorf("request %s carries no sip transaction", req.CallID)
	}
	sess := &session{
		transaction:  t,
		callID:       req.CallID,
		logger:       s.logger.With("call_id", req.CallID),
		onDisconnect: s.sessionEnded,
	}
	if !s.sessions.add(sess) {
		return nil, fmt.Errorf("session %s already exists", req.CallID)
	}
	return sess, nil
}

// SendProvisional implements machine.Signaling with 180 Ringing.
func (s *Server) SendProvisional(ms machine.Session) error {
	sess, err := s.sessionOf(ms)
	if err != nil {
		return err
	}
	return sess.respond(180, reasonPhrase(180), nil, s.contact)
}

// SendFinal implements machine.Signaling. A 200 runs codec negotiation and
// reports the result; the 200 OK itself goes out once the call's stream is
// started and the local RTP port is known. For a delayed offer the stream
// starts on PCMU with no remote until the ACK brings the caller's answer.
func (s *Server) SendFinal(ms machine.Session, code int) error {
	sess, err := s.sessionOf(ms)
	if err != nil {
		return err
	}
	if code != 200 {
		err := sess.respond(code, reasonPhrase(code), nil, s.contact)
		sess.disconnect(fmt.Sprintf("final response %d", code))
		return err
	}

	if sess.delayedOffer {
		sess.params = media.StreamParams{Codec: media.CodecPCMU, Ptime: media.FrameDuration}
		if !s.post(machine.NegotiationComplete{CallID: sess.callID, Params: sess.params}) {
			return errors.New("event queue rejected negotiation result")
		}
		return nil
	}

	params, err := negotiate(sess.offer)
	if err != nil {
		sess.logger.Info("rejecting offer", "error", err)
		if rerr := sess.respond(488, reasonPhrase(488), nil, s.contact); rerr != nil {
			sess.logger.Warn("sending 488", "error", rerr)
		}
		s.post(machine.NegotiationComplete{CallID: sess.callID, Err: err})
		sess.disconnect("negotiation failed")
		return nil
	}

	sess.params = params
	if !s.post(machine.NegotiationComplete{CallID: sess.callID, Params: params}) {
		return errors.New("event queue rejected negotiation result")
	}
	return nil
}

func negotiate(offer *sdp.SessionDescription) (media.StreamParams, error) {
	if offer == nil {
		return media.StreamParams{}, media.ErrNoAudioMedia
	}
	return media.Negotiate(offer)
}

// Terminate implements machine.Signaling. Before the final response the
// INVITE is answered with code; after a 200 the dialog is ended with BYE.
func (s *Server) Terminate(ms machine.Session, code int) error {
	sess, err := s.sessionOf(ms)
	if err != nil {
		return err
	}

	err = sess.respond(code, reasonPhrase(code), nil, s.contact)
	switch {
	case err == nil:
		sess.disconnect(fmt.Sprintf("terminated with %d", code))
		return nil
	case errors.Is(err, errFinalSent) && sess.answered.Load():
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.sendBye(sess); err != nil {
				sess.logger.Warn("bye failed", "error", err)
			}
			sess.disconnect("local bye")
		}()
		return nil
	case errors.Is(err, errFinalSent):
		sess.disconnect("terminated after final response")
		return nil
	default:
		sess.disconnect("terminate failed")
		return fmt.Errorf("sending %d: %w", code, err)
	}
}

// sendBye ends an answered dialog from our side. Our From is the INVITE's
// To with our tag; our To is the caller's From.
func (s *Server) sendBye(sess *session) error {
	invite := sess.req
	from, to := invite.From(), invite.To()
	if from == nil || to == nil {
		return errors.New("invite lacks from or to header")
	}

	target := from.Address
	if contact := invite.Contact(); contact != nil {
		target = contact.Address
	}
	bye := sip.NewRequest(sip.BYE, *target.Clone())
	bye.SipVersion = invite.SipVersion

	localFrom := &sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: sip.NewParams()}
	localFrom.Params.Add("tag", sess.toTag)
	remoteTo := &sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: sip.NewParams()}
	if tag, ok := from.Params.Get("tag"); ok {
		remoteTo.Params.Add("tag", tag)
	}
	callID := sip.CallIDHeader(sess.callID)
	maxFwd := sip.MaxForwardsHeader(70)

	bye.AppendHeader(localFrom)
	bye.AppendHeader(remoteTo)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})
	bye.AppendHeader(&maxFwd)
	bye.AppendHeader(s.contact)
	bye.SetTransport(invite.Transport())
	bye.SetDestination(invite.Source())

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	tx, err := s.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for bye response: %w", ctx.Err())
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return fmt.Errorf("bye transaction: %w", err)
			}
			return errors.New("bye transaction ended without final response")
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode >= 300 {
				return fmt.Errorf("bye answered with %d", res.StatusCode)
			}
			return nil
		}
	}
}

// CreateStream implements machine.MediaStack.
func (s *Server) CreateStream(ms machine.Session, params media.StreamParams, t media.Transport) (machine.Stream, error) {
	sess, err := s.sessionOf(ms)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("no media transport")
	}
	return &answerStream{
		Stream: media.NewStream(t, params, sess.logger),
		server: s,
		sess:   sess,
	}, nil
}

// answerStream sends the 200 OK with its SDP after its RTP stream has
// started.
type answerStream struct {
	*media.Stream
	server *Server
	sess   *session
}

func (a *answerStream) Start() error {
	if err := a.Stream.Start(); err != nil {
		return err
	}
	a.sess.stream.Store(a.Stream)
	if err := a.server.answer(a.sess, a.LocalPort()); err != nil {
		a.Stream.Close() //nolint:errcheck
		return err
	}
	return nil
}

func (s *Server) answer(sess *session, rtpPort int) error {
	// A single-codec answer doubles as our offer for a delayed-offer INVITE.
	body, err := media.BuildAnswer(s.mediaIP, rtpPort, sess.params, uint64(uuid.New().ID()))
	if err != nil {
		return fmt.Errorf("building sdp: %w", err)
	}
	if err := sess.respond(200, reasonPhrase(200), body, s.contact, sip.NewHeader("Content-Type", "application/sdp")); err != nil {
		return fmt.Errorf("sending 200 ok: %w", err)
	}
	sess.answered.Store(true)
	sess.logger.Info("call answered",
		"rtp_port", rtpPort,
		"codec", sess.params.Codec.Name,
		"delayed_offer", sess.delayedOffer,
	)
	return nil
}

// sessionEnded forgets sess and tells the machine.
func (s *Server) sessionEnded(sess *session, cause string) {
	s.sessions.remove(sess)
	s.post(machine.SessionStateChanged{
		CallID: sess.callID,
		State:  machine.SessionDisconnected,
		Cause:  cause,
	})
}

var (
	_ machine.Signaling  = (*Server)(nil)
	_ machine.MediaStack = (*Server)(nil)
)
