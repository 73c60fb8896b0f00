package application

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/infrastructure/network"
	"tunnel-proxy/internal/protocol"
)

// maxQueuedDatagrams bounds datagrams waiting for the socket to become
// writable; beyond it the backend reports itself not writable and drops.
const maxQueuedDatagrams = 64

type datagram struct {
	to      netip.AddrPort
	payload []byte
}

// UDPBackend serves a UDP associate session: frames read from the control
// channel are sent as datagrams, datagrams received are framed back.
type UDPBackend struct {
	log      *slog.Logger
	sock     PacketConn
	token    domain.Token
	status   domain.ConnStatus
	resolver Resolver
	stream   []byte
	queue    []datagram
	buf      []byte
	frame    []byte
	idle     time.Duration
}

var _ domain.Backend = (*UDPBackend)(nil)

func NewUDPBackend(reg domain.Registry, token domain.Token, sock PacketConn, resolver Resolver, idle time.Duration, log *slog.Logger) (*UDPBackend, error) {
	if err := reg.Register(sock.Fd(), token, domain.EventRead|domain.EventWrite); err != nil {
		return nil, err
	}
	return &UDPBackend{
		log:      log.With("bind", sock.LocalAddr()),
		sock:     sock,
		token:    token,
		resolver: resolver,
		buf:      make([]byte, protocol.MaxUDPPayload),
		idle:     idle,
	}, nil
}

func (b *UDPBackend) Writable() bool {
	return b.status == domain.ConnEstablished && len(b.queue) < maxQueuedDatagrams
}

// Dispatch reassembles associate frames from the stream and sends every
// complete one. An empty dispatch retries queued datagrams.
func (b *UDPBackend) Dispatch(data []byte) {
	if b.status != domain.ConnEstablished {
		return
	}
	b.drainQueue()
	b.stream = append(b.stream, data...)
	for len(b.stream) > 0 {
		addr, payload, n, err := protocol.ParseUDPPacket(b.stream)
		if errors.Is(err, protocol.ErrShortBuffer) {
			break
		}
		if err != nil {
			b.log.Warn("Invalid udp associate frame", "error", err)
			b.Abort()
			return
		}
		b.send(addr, payload)
		b.stream = b.stream[n:]
	}
	if len(b.stream) == 0 {
		b.stream = nil
	}
}

func (b *UDPBackend) send(addr protocol.Address, payload []byte) {
	to := addr.AddrPort()
	if addr.IsDomain() {
		ip, ok := b.resolver.Lookup(addr.Domain())
		if !ok {
			b.log.Debug("Udp target not resolved yet, datagram dropped", "target", addr)
			b.resolver.Resolve(addr.Domain(), domain.TokenNone)
			return
		}
		to = netip.AddrPortFrom(ip, addr.Port())
	}
	if len(b.queue) > 0 || !b.trySend(to, payload) {
		b.enqueue(to, payload)
	}
}

// trySend reports false only when the socket would block. Other send errors
// drop the datagram.
func (b *UDPBackend) trySend(to netip.AddrPort, payload []byte) bool {
	err := b.sock.SendTo(payload, to)
	if err == nil {
		return true
	}
	if network.IsWouldBlock(err) {
		return false
	}
	b.log.Debug("Udp send failed, datagram dropped", "target", to, "error", err)
	return true
}

func (b *UDPBackend) enqueue(to netip.AddrPort, payload []byte) {
	if len(b.queue) >= maxQueuedDatagrams {
		b.log.Debug("Udp send queue full, datagram dropped", "target", to)
		return
	}
	b.queue = append(b.queue, datagram{to: to, payload: append([]byte(nil), payload...)})
}

func (b *UDPBackend) drainQueue() {
	for len(b.queue) > 0 {
		if !b.trySend(b.queue[0].to, b.queue[0].payload) {
			return
		}
		b.queue = b.queue[1:]
	}
	b.queue = nil
}

// DoRead frames every received datagram with its source address and writes
// it to sink.
func (b *UDPBackend) DoRead(sink domain.Sink) {
	for b.status == domain.ConnEstablished && sink.Writable() {
		n, from, err := b.sock.RecvFrom(b.buf)
		switch {
		case err == nil:
		case network.IsWouldBlock(err):
			return
		case network.IsConnReset(err):
			continue
		default:
			b.log.Debug("Udp receive failed", "error", err)
			b.Abort()
			return
		}
		b.frame = protocol.AppendUDPPacket(b.frame[:0], protocol.IPAddress(network.Unmap(from)), b.buf[:n])
		sink.Write(b.frame)
	}
}

func (b *UDPBackend) Shutdown() {
	if b.status == domain.ConnEstablished {
		b.status = domain.ConnShutdown
	}
}

func (b *UDPBackend) Abort() {
	if b.status != domain.ConnDeregistered {
		b.status = domain.ConnClosing
	}
}

func (b *UDPBackend) PeerClosed() { b.Shutdown() }

func (b *UDPBackend) IsShutdown() bool { return b.status != domain.ConnEstablished }

func (b *UDPBackend) Timeout(lastActive, now time.Time) bool {
	return idleSince(lastActive, now, b.idle)
}

// CheckStatus closes the socket once shut down; queued datagrams are dropped.
func (b *UDPBackend) CheckStatus(reg domain.Registry) {
	if b.status != domain.ConnShutdown && b.status != domain.ConnClosing {
		return
	}
	if err := reg.Unregister(b.sock.Fd()); err != nil {
		b.log.Debug("Unregister udp socket failed", "error", err)
	}
	_ = b.sock.Close()
	b.queue = nil
	b.stream = nil
	b.status = domain.ConnDeregistered
}

func (b *UDPBackend) Deregistered() bool { return b.status == domain.ConnDeregistered }
