package sip

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/answermachine/internal/machine"
	"github.com/flowpbx/answermachine/internal/media"
	"github.com/flowpbx/answermachine/internal/ratelimit"
)

const testOffer = "v=0\r\n" +
	"o=caller 1 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 8 0\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

const g729Offer = "v=0\r\n" +
	"o=caller 1 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 18\r\n" +
	"a=rtpmap:18 G729/8000\r\n"

func answerSDP(port int, pt string) string {
	return "v=0\r\n" +
		"o=caller 2 2 IN IP4 192.0.2.10\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.10\r\n" +
		"t=0 0\r\n" +
		fmt.Sprintf("m=audio %d RTP/AVP %s\r\n", port, pt)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	err       error
}

func (r *recordingTx) Respond(res *sip.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, res)
	return r.err
}

func (r *recordingTx) codes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, res := range r.responses {
		out = append(out, int(res.StatusCode))
	}
	return out
}

func (r *recordingTx) last() *sip.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) == 0 {
		return nil
	}
	return r.responses[len(r.responses)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []machine.Event
	err    error
}

func (r *recordingSink) Post(ev machine.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if sc, ok := ev.(machine.SessionStateChanged); ok && sc.State == machine.SessionDisconnected {
			n++
		}
	}
	return n
}

func (r *recordingSink) negotiation() (machine.NegotiationComplete, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if nc, ok := ev.(machine.NegotiationComplete); ok {
			return nc, true
		}
	}
	return machine.NegotiationComplete{}, false
}

type idleTransport struct{ port int }

func (t idleTransport) ReadFrom([]byte) (int, net.Addr, error) {
	time.Sleep(time.Millisecond)
	return 0, nil, os.ErrDeadlineExceeded
}
func (t idleTransport) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }
func (t idleTransport) SetReadDeadline(time.Time) error          { return nil }
func (t idleTransport) LocalPort() int                           { return t.port }
func (t idleTransport) Close() error                             { return nil }

func newTestServer(sink EventSink) *Server {
	return &Server{
		sessions: newSessionTable(),
		mediaIP:  "198.51.100.5",
		contact:  sip.NewHeader("Contact", "<sip:198.51.100.5:6222>"),
		limiter:  ratelimit.New("invite", 0, 1, testLogger()),
		sink:     sink,
		logger:   testLogger(),
	}
}

func newInvite(callID, user, body string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: user, Host: "198.51.100.5", Port: 6222})
	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.0.2.10"},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", "caller-tag")
	to := &sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: user, Host: "198.51.100.5"},
		Params:  sip.NewParams(),
	}
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.10",
		Port:            5060,
		Params:          sip.NewParams(),
	})
	req.AppendHeader(from)
	req.AppendHeader(to)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	if body != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody([]byte(body))
	}
	return req
}

// accept runs the INVITE path up to CreateSession the way the machine does.
func accept(t *testing.T, s *Server, callID, body string) (*session, *recordingTx, *machine.InboundRequest) {
	t.Helper()
	tx := &recordingTx{}
	tr := newTransaction(newInvite(callID, "wav", body), tx)
	in := s.inboundRequest(tr.req, tr)
	ms, err := s.CreateSession(in)
	require.NoError(t, err)
	return ms.(*session), tx, in
}

func TestInboundRequestValidation(t *testing.T) {
	s := newTestServer(&recordingSink{})

	ok := newTransaction(newInvite("a", "wav", testOffer), &recordingTx{})
	in := s.inboundRequest(ok.req, ok)
	assert.NoError(t, in.Invalid)
	assert.Equal(t, "wav", in.Username)
	assert.Equal(t, "INVITE", in.Method)
	assert.NotNil(t, ok.offer)

	noBody := newTransaction(newInvite("b", "wav", ""), &recordingTx{})
	assert.NoError(t, s.inboundRequest(noBody.req, noBody).Invalid, "delayed offer")
	assert.True(t, noBody.delayedOffer)
	assert.Nil(t, noBody.offer)

	garbage := newTransaction(newInvite("c", "wav", "not sdp at all"), &recordingTx{})
	assert.Error(t, s.inboundRequest(garbage.req, garbage).Invalid)

	req := newInvite("d", "wav", testOffer)
	req.AppendHeader(sip.NewHeader("Require", "100rel, x-unknown-ext"))
	required := newTransaction(req, &recordingTx{})
	in = s.inboundRequest(required.req, required)
	require.Error(t, in.Invalid)
	assert.Contains(t, in.Invalid.Error(), "x-unknown-ext")

	noCallID := newInvite("", "wav", testOffer)
	missing := newTransaction(noCallID, &recordingTx{})
	assert.Error(t, s.inboundRequest(missing.req, missing).Invalid)
}

func TestUsernameFromToHeader(t *testing.T) {
	s := newTestServer(&recordingSink{})

	req := newInvite("a", "rbt", testOffer)
	req.Recipient.User = "gateway"
	tr := newTransaction(req, &recordingTx{})
	assert.Equal(t, "rbt", s.inboundRequest(req, tr).Username)

	req = newInvite("b", "", testOffer)
	req.Recipient.User = "longtone"
	tr = newTransaction(req, &recordingTx{})
	assert.Equal(t, "longtone", s.inboundRequest(req, tr).Username)
}

func TestRejectSendsSingleFinal(t *testing.T) {
	s := newTestServer(&recordingSink{})
	tx := &recordingTx{}
	tr := newTransaction(newInvite("a", "nobody", testOffer), tx)
	in := s.inboundRequest(tr.req, tr)

	require.NoError(t, s.Reject(in, 403, "Forbidden"))
	assert.ErrorIs(t, s.Reject(in, 500, ""), errFinalSent)
	assert.Equal(t, []int{403}, tx.codes())

	select {
	case <-tr.final:
	default:
		t.Fatal("final channel not closed")
	}

	tag, ok := tx.last().To().Params.Get("tag")
	assert.True(t, ok)
	assert.Equal(t, tr.toTag, tag)
}

func TestRejectWithoutTransaction(t *testing.T) {
	s := newTestServer(&recordingSink{})
	assert.Error(t, s.Reject(&machine.InboundRequest{CallID: "x", Method: "OPTIONS"}, 405, ""))
}

func TestDuplicateSession(t *testing.T) {
	s := newTestServer(&recordingSink{})
	accept(t, s, "a", testOffer)

	tr := newTransaction(newInvite("a", "wav", testOffer), &recordingTx{})
	_, err := s.CreateSession(s.inboundRequest(tr.req, tr))
	assert.Error(t, err)
}

func TestAnswerFlow(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(sink)
	sess, tx, _ := accept(t, s, "a", testOffer)

	require.NoError(t, s.SendProvisional(sess))
	require.NoError(t, s.SendFinal(sess, 200))

	assert.Equal(t, []int{180}, tx.codes(), "200 waits for the stream")
	nc, ok := sink.negotiation()
	require.True(t, ok)
	require.NoError(t, nc.Err)
	assert.Equal(t, "PCMA", nc.Params.Codec.Name)
	assert.Equal(t, 30000, nc.Params.Remote.Port)

	stream, err := s.CreateStream(sess, nc.Params, idleTransport{port: 4002})
	require.NoError(t, err)
	require.NoError(t, stream.Start())
	defer stream.Close()

	assert.Equal(t, []int{180, 200}, tx.codes())
	assert.True(t, sess.answered.Load())

	answer, err := media.ParseOffer(tx.last().Body())
	require.NoError(t, err)
	require.Len(t, answer.MediaDescriptions, 1)
	assert.Equal(t, 4002, answer.MediaDescriptions[0].MediaName.Port.Value)
	assert.Equal(t, "198.51.100.5", answer.ConnectionInformation.Address.Address)
}

func TestDelayedOffer(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(sink)
	sess, tx, in := accept(t, s, "a", "")
	require.NoError(t, in.Invalid)

	require.NoError(t, s.SendFinal(sess, 200))
	nc, ok := sink.negotiation()
	require.True(t, ok)
	require.NoError(t, nc.Err)
	assert.Equal(t, media.CodecPCMU, nc.Params.Codec)
	assert.Nil(t, nc.Params.Remote)

	stream, err := s.CreateStream(sess, nc.Params, idleTransport{port: 4004})
	require.NoError(t, err)
	require.NoError(t, stream.Start())
	defer stream.Close()

	require.Equal(t, []int{200}, tx.codes())
	offer, err := media.ParseOffer(tx.last().Body())
	require.NoError(t, err)
	ours, err := media.Negotiate(offer)
	require.NoError(t, err)
	assert.Equal(t, 4004, ours.Remote.Port)
	assert.Equal(t, "PCMU", ours.Codec.Name)

	assert.True(t, s.remoteAck("a", []byte(answerSDP(31000, "0"))))
	remote := sess.stream.Load().Remote()
	require.NotNil(t, remote)
	assert.Equal(t, 31000, remote.Port)
	assert.Equal(t, "192.0.2.10", remote.IP.String())
	assert.Equal(t, 0, sink.disconnects())
}

func TestDelayedOfferAnswerChecks(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(sink)
	sess, _, _ := accept(t, s, "a", "")
	require.NoError(t, s.SendFinal(sess, 200))

	assert.Error(t, s.applyAnswer(sess, []byte(answerSDP(31000, "0"))), "no stream yet")

	nc, _ := sink.negotiation()
	stream, err := s.CreateStream(sess, nc.Params, idleTransport{port: 4006})
	require.NoError(t, err)
	require.NoError(t, stream.Start())
	defer stream.Close()

	assert.Error(t, s.applyAnswer(sess, nil), "ack without answer")
	assert.Error(t, s.applyAnswer(sess, []byte(answerSDP(31000, "8"))), "codec we did not offer")
	assert.Error(t, s.applyAnswer(sess, []byte(answerSDP(0, "0"))), "rejected audio")
	assert.Nil(t, sess.stream.Load().Remote())

	assert.False(t, s.remoteAck("unknown", nil))
}

func TestNegotiationFailure(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(sink)
	sess, tx, _ := accept(t, s, "a", g729Offer)

	require.NoError(t, s.SendFinal(sess, 200))

	assert.Equal(t, []int{488}, tx.codes())
	nc, ok := sink.negotiation()
	require.True(t, ok)
	assert.ErrorIs(t, nc.Err, media.ErrNoCompatibleCodec)
	assert.Equal(t, 1, sink.disconnects())
	assert.Nil(t, s.sessions.get("a"))
}

func TestTerminateBeforeAnswer(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(sink)
	sess, tx, _ := accept(t, s, "a", testOffer)
	require.NoError(t, s.SendProvisional(sess))

	require.NoError(t, s.Terminate(sess, 503))
	require.NoError(t, s.Terminate(sess, 503))

	assert.Equal(t, []int{180, 503}, tx.codes())
	assert.Equal(t, 1, sink.disconnects(), "disconnect is reported once")
	assert.Equal(t, 0, s.sessions.len())
}

func TestRemoteCancel(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(sink)
	sess, tx, _ := accept(t, s, "a", testOffer)
	require.NoError(t, s.SendProvisional(sess))

	assert.Equal(t, 200, s.remoteCancel("a"))
	assert.Equal(t, []int{180, 487}, tx.codes())
	assert.Equal(t, 1, sink.disconnects())

	assert.Equal(t, 481, s.remoteCancel("a"), "session is gone")
	assert.Equal(t, 481, s.remoteCancel("unknown"))
}

func TestCancelAfterAnswerIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(sink)
	sess, tx, _ := accept(t, s, "a", testOffer)
	require.NoError(t, s.SendFinal(sess, 200))
	nc, _ := sink.negotiation()
	stream, err := s.CreateStream(sess, nc.Params, idleTransport{port: 4000})
	require.NoError(t, err)
	require.NoError(t, stream.Start())
	defer stream.Close()

	assert.Equal(t, 200, s.remoteCancel("a"))
	assert.Equal(t, []int{200}, tx.codes())
	assert.Equal(t, 0, sink.disconnects())
}

func TestRemoteBye(t *testing.T) {
	sink := &recordingSink{}
	s := newTestServer(sink)
	sess, tx, _ := accept(t, s, "a", testOffer)
	require.NoError(t, s.SendProvisional(sess))

	assert.Equal(t, 200, s.remoteBye("a"))
	assert.Equal(t, []int{180, 487}, tx.codes())
	assert.Equal(t, 1, sink.disconnects())
	assert.Equal(t, 481, s.remoteBye("a"))

	// A later Terminate from the machine must not report again.
	require.NoError(t, s.Terminate(sess, 403))
	assert.Equal(t, 1, sink.disconnects())
}

func TestSendFinalPostFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("queue full")}
	s := newTestServer(sink)
	sess, _, _ := accept(t, s, "a", testOffer)
	assert.Error(t, s.SendFinal(sess, 200))
}

func TestForeignSession(t *testing.T) {
	s := newTestServer(&recordingSink{})
	type other struct{ machine.Session }
	assert.Error(t, s.SendProvisional(other{}))
	assert.Error(t, s.Terminate(other{}, 403))
	_, err := s.CreateStream(other{}, media.StreamParams{}, idleTransport{})
	assert.Error(t, err)
}

func TestReasonPhrase(t *testing.T) {
	assert.Equal(t, "Not Acceptable Here", reasonPhrase(488))
	assert.Equal(t, "Unknown", reasonPhrase(499))
}
