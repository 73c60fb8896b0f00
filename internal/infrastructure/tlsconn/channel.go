// Package tlsconn wraps a TLS server connection on a raw socket so it can be
// driven by the edge-triggered event loop: reads drain until the socket would
// block, writes are buffered and flushed on writability.
package tlsconn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"tunnel-proxy/internal/domain"
)

// HighWaterMark is the amount of buffered ciphertext above which the channel
// stops reporting itself writable.
const HighWaterMark = 256 << 10

const readChunk = 16 << 10

// Channel is the control channel of one proxied connection.
type Channel struct {
	log    *slog.Logger
	raw    *rawConn
	conn   *tls.Conn
	token  domain.Token
	status domain.ConnStatus
	buf    []byte
}

var _ domain.ControlChannel = (*Channel)(nil)

// Handshake runs the server side TLS handshake on fd, blocking the calling
// goroutine for at most timeout. On success the returned channel is in
// non-blocking mode and owns fd; on failure the caller still owns fd.
func Handshake(fd int, cfg *tls.Config, timeout time.Duration, log *slog.Logger) (*Channel, error) {
	raw := &rawConn{fd: fd, blocking: true}
	conn := tls.Server(raw, cfg)

	_ = raw.SetDeadline(time.Now().Add(timeout))
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	_ = raw.SetDeadline(time.Time{})
	raw.blocking = false

	return &Channel{
		log:  log,
		raw:  raw,
		conn: conn,
		buf:  make([]byte, readChunk),
	}, nil
}

func (c *Channel) Fd() int { return c.raw.fd }

func (c *Channel) Register(reg domain.Registry, token domain.Token) error {
	c.token = token
	return reg.Register(c.raw.fd, token, domain.EventRead|domain.EventWrite)
}

func (c *Channel) Read() []byte {
	if c.status != domain.ConnEstablished {
		return nil
	}
	var out []byte
	for {
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			out = append(out, c.buf[:n]...)
		}
		if err == nil {
			continue
		}
		var nerr wouldBlockError
		switch {
		case errors.As(err, &nerr):
		case errors.Is(err, io.EOF):
			c.log.Debug("Control channel closed by peer", "token", c.token)
			c.Shutdown()
		default:
			c.log.Debug("Control channel read failed", "token", c.token, "error", err)
			c.Abort()
		}
		return out
	}
}

// Write encrypts p into the output buffer. Data written after Shutdown is
// dropped.
func (c *Channel) Write(p []byte) {
	if c.status != domain.ConnEstablished || len(p) == 0 {
		return
	}
	if _, err := c.conn.Write(p); err != nil {
		c.log.Debug("Control channel write failed", "token", c.token, "error", err)
		c.Abort()
		return
	}
	c.Flush()
}

func (c *Channel) Flush() {
	if c.status == domain.ConnClosing || c.status == domain.ConnDeregistered {
		return
	}
	if err := c.raw.flush(); err != nil {
		c.log.Debug("Control channel send failed", "token", c.token, "error", err)
		c.Abort()
	}
}

func (c *Channel) Writable() bool {
	return c.status == domain.ConnEstablished && len(c.raw.out) < HighWaterMark
}

// Shutdown sends close_notify and closes the socket once buffered output is
// written.
func (c *Channel) Shutdown() {
	if c.status != domain.ConnEstablished {
		return
	}
	c.status = domain.ConnShutdown
	_ = c.conn.CloseWrite()
	c.Flush()
}

// PeerClosed is called when the backend is gone; nothing more will be
// written, so the channel closes gracefully.
func (c *Channel) PeerClosed() {
	c.Shutdown()
}

// Abort closes the socket on the next status check, dropping buffered output.
func (c *Channel) Abort() {
	if c.status == domain.ConnDeregistered {
		return
	}
	c.status = domain.ConnClosing
}

func (c *Channel) IsShutdown() bool {
	return c.status != domain.ConnEstablished
}

func (c *Channel) CheckStatus(reg domain.Registry) {
	switch c.status {
	case domain.ConnShutdown:
		if len(c.raw.out) == 0 {
			c.close(reg)
		}
	case domain.ConnClosing:
		c.close(reg)
	}
}

func (c *Channel) close(reg domain.Registry) {
	if err := reg.Unregister(c.raw.fd); err != nil {
		c.log.Debug("Deregister control channel failed", "token", c.token, "error", err)
	}
	_ = unix.Close(c.raw.fd)
	c.raw.out = nil
	c.status = domain.ConnDeregistered
}

func (c *Channel) Deregistered() bool {
	return c.status == domain.ConnDeregistered
}
