package application

import (
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/infrastructure/network"
)

// backendHighWaterMark is the amount of queued output above which a backend
// stops accepting more.
const backendHighWaterMark = 256 << 10

const backendReadChunk = 16 << 10

// TCPBackend is a non-blocking stream to the CONNECT target.
type TCPBackend struct {
	log       *slog.Logger
	fd        int
	token     domain.Token
	status    domain.ConnStatus
	connected bool
	out       []byte
	buf       []byte
	idle      time.Duration
}

var _ domain.Backend = (*TCPBackend)(nil)

// NewTCPBackend starts connecting to target and registers the socket. Data
// dispatched before the connect completes is queued.
func NewTCPBackend(reg domain.Registry, token domain.Token, target netip.AddrPort, idle time.Duration, log *slog.Logger) (*TCPBackend, error) {
	fd, err := network.DialTCP(target)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(fd, token, domain.EventRead|domain.EventWrite); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &TCPBackend{
		log:   log.With("target", target),
		fd:    fd,
		token: token,
		buf:   make([]byte, backendReadChunk),
		idle:  idle,
	}, nil
}

func (b *TCPBackend) Writable() bool {
	return b.status == domain.ConnEstablished && len(b.out) < backendHighWaterMark
}

// Dispatch queues data and writes as much as the socket accepts. An empty
// dispatch is the writable notification.
func (b *TCPBackend) Dispatch(data []byte) {
	if b.status == domain.ConnClosing || b.status == domain.ConnDeregistered {
		return
	}
	if len(data) == 0 && !b.connected {
		if err := network.ConnectError(b.fd); err != nil {
			b.log.Warn("Connect to target failed", "error", err)
			b.Abort()
			return
		}
		b.connected = true
		b.log.Debug("Connected to target", "token", b.token)
	}
	if b.status == domain.ConnEstablished {
		b.out = append(b.out, data...)
	}
	b.flush()
}

func (b *TCPBackend) flush() {
	for len(b.out) > 0 {
		n, err := unix.Write(b.fd, b.out)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			b.log.Debug("Target write failed", "error", err)
			b.Abort()
			return
		}
		b.out = b.out[n:]
	}
	b.out = nil
}

// DoRead forwards target data into sink until the socket is drained or the
// sink stops accepting.
func (b *TCPBackend) DoRead(sink domain.Sink) {
	for b.status == domain.ConnEstablished && sink.Writable() {
		n, err := unix.Read(b.fd, b.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			b.log.Debug("Target read failed", "error", err)
			b.Abort()
			return
		case n == 0:
			b.log.Debug("Target closed connection", "token", b.token)
			b.Shutdown()
			return
		}
		b.connected = true
		sink.Write(b.buf[:n])
	}
}

// Shutdown stops reading; the socket closes once queued output is written.
func (b *TCPBackend) Shutdown() {
	if b.status != domain.ConnEstablished {
		return
	}
	b.status = domain.ConnShutdown
	b.flush()
}

func (b *TCPBackend) Abort() {
	if b.status == domain.ConnDeregistered {
		return
	}
	b.status = domain.ConnClosing
}

func (b *TCPBackend) PeerClosed() { b.Shutdown() }

func (b *TCPBackend) IsShutdown() bool { return b.status != domain.ConnEstablished }

func (b *TCPBackend) Timeout(lastActive, now time.Time) bool {
	return idleSince(lastActive, now, b.idle)
}

func (b *TCPBackend) CheckStatus(reg domain.Registry) {
	switch b.status {
	case domain.ConnShutdown:
		if len(b.out) == 0 {
			b.close(reg)
		}
	case domain.ConnClosing:
		b.close(reg)
	}
}

func (b *TCPBackend) close(reg domain.Registry) {
	if err := reg.Unregister(b.fd); err != nil {
		b.log.Debug("Unregister target socket failed", "error", err)
	}
	unix.Close(b.fd)
	b.out = nil
	b.status = domain.ConnDeregistered
}

func (b *TCPBackend) Deregistered() bool { return b.status == domain.ConnDeregistered }
