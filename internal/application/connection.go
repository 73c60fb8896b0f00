package application

import (
	"log/slog"
	"net/netip"
	"time"

	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/protocol"
)

// connEnv is what a connection needs from its owning service.
type connEnv struct {
	reg         domain.Registry
	resolver    Resolver
	backends    BackendFactory
	auth        *protocol.Authenticator
	fallback    netip.AddrPort
	idleTimeout time.Duration
}

// Connection relays one control channel to its backend. It occupies the two
// tokens ProxyToken(index) and BackendToken(index).
type Connection struct {
	log     *slog.Logger
	env     *connEnv
	index   int
	channel domain.ControlChannel
	backend domain.Backend
	status  domain.Status

	command byte
	addr    protocol.Address
	target  netip.AddrPort
	pending []byte

	lastActive time.Time
	// readChannel is Suspended while the backend cannot take more data,
	// readBackend while the channel cannot.
	readChannel domain.Flow
	readBackend domain.Flow
}

func newConnection(index int, channel domain.ControlChannel, env *connEnv, now time.Time, log *slog.Logger) *Connection {
	return &Connection{
		log:        log.With("conn", index),
		env:        env,
		index:      index,
		channel:    channel,
		status:     domain.StatusHandShake,
		lastActive: now,
	}
}

func (c *Connection) Index() int            { return c.index }
func (c *Connection) Status() domain.Status { return c.status }

// Ready handles a readiness event on either of the connection's tokens.
func (c *Connection) Ready(token domain.Token, event domain.EventType, now time.Time) {
	c.lastActive = now

	if domain.IsProxyToken(token) {
		if event.Readable() {
			if c.backend == nil || c.backend.Writable() {
				c.tryReadChannel()
			} else {
				c.log.Debug("Backend not writable, stop reading from channel")
				c.readChannel.Suspend()
			}
		}
		if event.Writable() {
			c.channel.Flush()
			if c.channel.Writable() && c.readBackend.Resume() && c.backend != nil {
				c.log.Debug("Channel writable, restore reading from backend")
				c.tryReadBackend()
			}
		}
	} else if c.status == domain.StatusTCPForward || c.status == domain.StatusUDPForward {
		if c.backend == nil {
			c.log.Error("Forwarding without backend", "status", c.status)
		} else {
			if event.Readable() {
				if c.channel.Writable() {
					c.tryReadBackend()
				} else {
					c.log.Debug("Channel not writable, stop reading from backend")
					c.readBackend.Suspend()
				}
			}
			if event.Writable() {
				c.backend.Dispatch(nil)
				if c.backend.Writable() && c.readChannel.Resume() {
					c.log.Debug("Backend writable, restore reading from channel")
					c.tryReadChannel()
				}
			}
		}
	}

	c.propagate()
}

// Resolved delivers the outcome of the lookup started for this connection.
func (c *Connection) Resolved(res ResolveResult, now time.Time) {
	c.lastActive = now
	switch {
	case c.status != domain.StatusDnsWait || c.command != protocol.CmdConnect || !c.addr.IsDomain():
		c.log.Debug("Ignoring resolve result", "status", c.status, "name", res.Name)
		return
	case cacheKey(res.Name) != cacheKey(c.addr.Domain()):
		c.log.Debug("Ignoring resolve result for another host", "name", res.Name, "want", c.addr.Domain())
		return
	case c.target.IsValid():
		return
	}

	if !res.OK {
		c.log.Warn("Resolve failed", "host", c.addr.Domain())
		c.channel.Shutdown()
	} else {
		c.log.Debug("Resolved", "host", c.addr.Domain(), "addr", res.Addr)
		c.target = netip.AddrPortFrom(res.Addr, c.addr.Port())
		c.dispatch(nil)
	}
	c.propagate()
}

func (c *Connection) tryReadChannel() {
	if data := c.channel.Read(); len(data) > 0 {
		c.dispatch(data)
	}
	if c.backend != nil && !c.backend.Writable() {
		c.readChannel.Suspend()
	}
}

func (c *Connection) tryReadBackend() {
	c.backend.DoRead(c.channel)
	if !c.channel.Writable() {
		c.readBackend.Suspend()
	}
}

func (c *Connection) dispatch(buf []byte) {
	c.log.Debug("Dispatch request data", "bytes", len(buf), "status", c.status)
	for {
		switch c.status {
		case domain.StatusHandShake:
			if !c.handshake(&buf) {
				return
			}
			c.status = domain.StatusDnsWait
		case domain.StatusDnsWait:
			if c.command != protocol.CmdConnect {
				if !c.openUDP() {
					return
				}
				c.status = domain.StatusUDPForward
				continue
			}
			c.pending = append(c.pending, buf...)
			if !c.target.IsValid() {
				c.log.Debug("Target not resolved yet, buffering", "buffered", len(c.pending))
				return
			}
			if !c.openTCP() {
				return
			}
			buf = nil
			c.status = domain.StatusTCPForward
		default:
			if len(buf) > 0 {
				c.backend.Dispatch(buf)
			}
			return
		}
	}
}

// handshake parses the request header, moving *buf past it. Unparsable
// input is relayed unchanged to the fallback address.
func (c *Connection) handshake(buf *[]byte) bool {
	req, err := protocol.ParseRequest(*buf, c.env.auth)
	if err != nil {
		if !c.env.fallback.IsValid() {
			c.log.Warn("Invalid request and no fallback configured", "error", err)
			c.channel.Shutdown()
			return false
		}
		c.log.Debug("Not a proxy request, pass through", "error", err, "fallback", c.env.fallback)
		c.command = protocol.CmdConnect
		c.target = c.env.fallback
		return true
	}

	c.command = req.Command
	c.addr = req.Address
	*buf = req.Payload

	if c.command != protocol.CmdConnect {
		c.log.Debug("Udp associate request")
		return true
	}
	if !c.addr.IsDomain() {
		c.target = c.addr.AddrPort()
		c.log.Debug("Target address", "target", c.target)
		return true
	}
	if ip, ok := c.env.resolver.Lookup(c.addr.Domain()); ok {
		c.target = netip.AddrPortFrom(ip, c.addr.Port())
		c.log.Debug("Target resolved from cache", "host", c.addr.Domain(), "target", c.target)
		return true
	}
	c.log.Debug("Resolving target", "host", c.addr.Domain())
	c.env.resolver.Resolve(c.addr.Domain(), domain.BackendToken(c.index))
	return true
}

func (c *Connection) openTCP() bool {
	c.log.Debug("Connecting to target", "target", c.target)
	backend, err := c.env.backends.DialTCP(c.index, c.target)
	if err != nil {
		c.log.Warn("Connect to target failed", "target", c.target, "error", err)
		c.channel.Shutdown()
		return false
	}
	if len(c.pending) > 0 {
		backend.Dispatch(c.pending)
		c.pending = nil
	}
	c.backend = backend
	return true
}

func (c *Connection) openUDP() bool {
	backend, err := c.env.backends.BindUDP(c.index)
	if err != nil {
		c.log.Error("Bind udp backend failed", "error", err)
		c.channel.Shutdown()
		return false
	}
	c.backend = backend
	return true
}

func (c *Connection) propagate() {
	if c.backend != nil {
		if c.channel.IsShutdown() {
			c.backend.PeerClosed()
		}
		if c.backend.IsShutdown() {
			c.channel.PeerClosed()
		}
	}
	c.channel.CheckStatus(c.env.reg)
	if c.backend != nil {
		c.backend.CheckStatus(c.env.reg)
	}
}

// Timeout applies the idle limit before a backend exists and the backend's
// own policy afterwards.
func (c *Connection) Timeout(now time.Time) bool {
	if c.backend != nil {
		return c.backend.Timeout(c.lastActive, now)
	}
	return idleSince(c.lastActive, now, c.env.idleTimeout)
}

// Destroy closes both sides without waiting for pending output.
func (c *Connection) Destroy() {
	c.channel.Abort()
	c.channel.CheckStatus(c.env.reg)
	if c.backend != nil {
		c.backend.Abort()
		c.backend.CheckStatus(c.env.reg)
	}
}

// Destroyed reports whether every socket of the connection is deregistered,
// after which its index and tokens may be reused.
func (c *Connection) Destroyed() bool {
	if !c.channel.Deregistered() {
		return false
	}
	return c.backend == nil || c.backend.Deregistered()
}
