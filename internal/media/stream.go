package media

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	maxRTPPacket = 1500

	// readPoll bounds how long Close waits for the receive loop.
	readPoll = 50 * time.Millisecond
)

// ErrStreamClosed is returned when starting a stream that was closed.
var ErrStreamClosed = errors.New("stream closed")

// Stream sends bridge audio to a remote RTP endpoint over a borrowed pool
// transport and decodes what the remote sends back. Close stops the stream
// but leaves the transport open for the next call.
type Stream struct {
	transport Transport
	codec     Codec
	logger    *slog.Logger

	remote atomic.Pointer[net.UDPAddr]

	// Outbound RTP state, only touched by PutFrame (the mix loop).
	ssrc   uint32
	seq    uint16
	ts     uint32
	marker bool
	buf    []byte

	rxMu  sync.Mutex
	rx    [SamplesPerFrame]int16
	hasRx bool

	started   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
}

// NewStream prepares a stream on t using the negotiated params. Nothing is
// sent or received until Start.
func NewStream(t Transport, params StreamParams, logger *slog.Logger) *Stream {
	s := &Stream{
		transport: t,
		codec:     params.Codec,
		logger: logger.With("subsystem", "rtp-stream",
			"rtp_port", t.LocalPort(),
			"codec", params.Codec.Name,
		),
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.UintN(65536)),
		ts:     rand.Uint32(),
		marker: true,
		buf:    make([]byte, 0, SamplesPerFrame),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if params.Remote != nil {
		s.remote.Store(params.Remote)
	}
	return s
}

// LocalPort returns the RTP port of the underlying transport.
func (s *Stream) LocalPort() int { return s.transport.LocalPort() }

// Remote returns the current remote RTP address.
func (s *Stream) Remote() *net.UDPAddr { return s.remote.Load() }

// SetRemote changes the address frames are sent to.
func (s *Stream) SetRemote(addr *net.UDPAddr) {
	if addr != nil {
		s.remote.Store(addr)
	}
}

// Start begins receiving and allows PutFrame to transmit.
func (s *Stream) Start() error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("stream already started")
	}
	go s.readLoop()
	s.logger.Debug("rtp stream started", "remote", s.Remote())
	return nil
}

// Close stops the stream. It is safe to call more than once and on a
// stream that never started.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.started.Load() {
			<-s.done
		}
		s.logger.Debug("rtp stream closed",
			"packets_sent", s.packetsSent.Load(),
			"packets_received", s.packetsReceived.Load(),
		)
	})
	return nil
}

// PutFrame encodes one frame and sends it to the remote.
func (s *Stream) PutFrame(frame []int16) {
	if !s.started.Load() {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	remote := s.remote.Load()
	if remote == nil {
		return
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.marker,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: s.codec.Encode(s.buf[:0], frame),
	}
	s.marker = false
	s.seq++
	s.ts += uint32(len(frame))

	raw, err := pkt.Marshal()
	if err != nil {
		s.logger.Debug("marshalling rtp packet", "error", err)
		return
	}
	if _, err := s.transport.WriteTo(raw, remote); err != nil {
		s.logger.Debug("rtp write error", "remote", remote, "error", err)
		return
	}
	s.packetsSent.Add(1)
}

// GetFrame returns the most recent frame received from the remote, once.
func (s *Stream) GetFrame(frame []int16) bool {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	if !s.hasRx {
		return false
	}
	copy(frame, s.rx[:])
	s.hasRx = false
	return true
}

// PacketsSent returns the number of RTP packets transmitted.
func (s *Stream) PacketsSent() uint64 { return s.packetsSent.Load() }

// PacketsReceived returns the number of matching RTP packets received.
func (s *Stream) PacketsReceived() uint64 { return s.packetsReceived.Load() }

func (s *Stream) readLoop() {
	defer close(s.done)

	buf := make([]byte, maxRTPPacket)
	var pkt rtp.Packet
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		if err := s.transport.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			s.logger.Debug("setting rtp read deadline", "error", err)
			return
		}
		n, from, err := s.transport.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-s.closed:
			default:
				s.logger.Debug("rtp read error", "error", err)
			}
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		// Skip DTMF and anything else that is not the negotiated codec.
		if pkt.PayloadType != s.codec.PayloadType {
			continue
		}
		s.packetsReceived.Add(1)

		// Symmetric RTP: follow the address the remote actually sends from.
		if addr, ok := from.(*net.UDPAddr); ok {
			if old := s.remote.Load(); old == nil || !old.IP.Equal(addr.IP) || old.Port != addr.Port {
				s.remote.Store(addr)
			}
		}

		s.rxMu.Lock()
		written := s.codec.Decode(s.rx[:], pkt.Payload)
		clear(s.rx[written:])
		s.hasRx = true
		s.rxMu.Unlock()
	}
}
