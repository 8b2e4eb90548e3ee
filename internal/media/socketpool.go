package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Acquire when every media socket is in use.
var ErrPoolExhausted = errors.New("media socket pool exhausted")

// Transport is a bound media endpoint a stream sends and receives RTP on.
// Transports are owned by the pool and outlive the calls that borrow them.
type Transport interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	LocalPort() int
	Close() error
}

// TransportFactory binds the transport for an RTP port.
type TransportFactory func(rtpPort int) (Transport, error)

// Socket is one slot of the pool. Port is the RTP port; RTCP sits on Port+1.
type Socket struct {
	Index     int
	Port      int
	Transport Transport

	occupied bool
}

// SocketPool is a fixed set of media sockets bound once at startup and lent
// to calls for the duration of their media session. Allocation is a
// first-fit scan; pools are small so the linear cost does not matter.
type SocketPool struct {
	basePort int
	logger   *slog.Logger

	mu      sync.Mutex
	sockets []*Socket
	inUse   int
}

// NewSocketPool binds count transports on basePort, basePort+2, ... using
// factory. If any bind fails, the already bound transports are closed.
func NewSocketPool(count, basePort int, factory TransportFactory, logger *slog.Logger) (*SocketPool, error) {
	if count < 1 {
		return nil, fmt.Errorf("socket pool size must be positive, got %d", count)
	}
	if basePort%2 != 0 {
		return nil, fmt.Errorf("base port must be even, got %d", basePort)
	}

	l := logger.With("subsystem", "socket-pool")
	p := &SocketPool{
		basePort: basePort,
		logger:   l,
		sockets:  make([]*Socket, 0, count),
	}

	for i := 0; i < count; i++ {
		port := basePort + i*2
		t, err := factory(port)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("binding media socket %d on port %d: %w", i, port, err)
		}
		p.sockets = append(p.sockets, &Socket{Index: i, Port: port, Transport: t})
	}

	l.Info("media socket pool bound",
		"base_port", basePort,
		"last_port", basePort+(count-1)*2,
		"capacity", count,
	)
	return p, nil
}

// Acquire marks the first free socket as occupied and returns it. It never
// blocks; ErrPoolExhausted is returned when nothing is free.
func (p *SocketPool) Acquire() (*Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sockets {
		if s.occupied {
			continue
		}
		s.occupied = true
		p.inUse++
		p.logger.Debug("media socket acquired",
			"rtp_port", s.Port,
			"in_use", p.inUse,
			"capacity", len(p.sockets),
		)
		return s, nil
	}
	return nil, ErrPoolExhausted
}

// Release returns a socket to the pool. Releasing nil or an already free
// socket is a no-op.
func (p *SocketPool) Release(s *Socket) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !s.occupied {
		return
	}
	s.occupied = false
	p.inUse--
	p.logger.Debug("media socket released",
		"rtp_port", s.Port,
		"in_use", p.inUse,
	)
}

// Capacity returns the number of sockets in the pool.
func (p *SocketPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sockets)
}

// InUse returns the number of occupied sockets.
func (p *SocketPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Close closes every transport. Only call at shutdown.
func (p *SocketPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, s := range p.sockets {
		if err := s.Transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing media socket on port %d: %w", s.Port, err))
		}
	}
	return errors.Join(errs...)
}

// BindUDP returns a TransportFactory that binds an RTP/RTCP UDP pair on ip.
func BindUDP(ip net.IP) TransportFactory {
	return func(rtpPort int) (Transport, error) {
		return bindPair(ip, rtpPort)
	}
}

// udpTransport carries RTP on the even port. The RTCP socket is held so the
// odd port stays reserved; incoming RTCP is not interpreted.
type udpTransport struct {
	rtp  *net.UDPConn
	rtcp *net.UDPConn
}

func (t *udpTransport) ReadFrom(b []byte) (int, net.Addr, error) { return t.rtp.ReadFrom(b) }

func (t *udpTransport) WriteTo(b []byte, addr net.Addr) (int, error) { return t.rtp.WriteTo(b, addr) }

func (t *udpTransport) SetReadDeadline(d time.Time) error { return t.rtp.SetReadDeadline(d) }

func (t *udpTransport) LocalPort() int { return t.rtp.LocalAddr().(*net.UDPAddr).Port }

func (t *udpTransport) Close() error {
	return errors.Join(t.rtp.Close(), t.rtcp.Close())
}

// bindPair creates UDP sockets bound to the given even port (RTP) and
// its companion odd port (RTCP). If either bind fails, both are cleaned up.
func bindPair(ip net.IP, rtpPort int) (*udpTransport, error) {
	if ip == nil {
		ip = net.IPv4zero
	}
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpPort := rtpPort + 1
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: rtcpPort})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtcpPort, err)
	}

	return &udpTransport{rtp: rtpConn, rtcp: rtcpConn}, nil
}
