package tlsconn

import (
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"tunnel-proxy/internal/infrastructure/network"
)

// wouldBlockError is a temporary net.Error, so crypto/tls keeps the connection
// usable and retains partially read records.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "operation would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlockError{}

// rawConn adapts a non-blocking socket to net.Conn for crypto/tls.
//
// In blocking mode (TLS handshake, off the event loop) reads and writes wait
// with poll(2) until the deadline. In non-blocking mode reads return
// errWouldBlock and writes are appended to out, which the owner flushes on
// writability.
type rawConn struct {
	fd       int
	blocking bool
	deadline time.Time
	out      []byte
}

func (c *rawConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if !c.blocking {
				return 0, errWouldBlock
			}
			if err := c.wait(unix.POLLIN); err != nil {
				return 0, err
			}
			continue
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *rawConn) Write(p []byte) (int, error) {
	if !c.blocking {
		c.out = append(c.out, p...)
		return len(p), nil
	}
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := c.wait(unix.POLLOUT); err != nil {
				return written, err
			}
			continue
		case err != nil:
			return written, err
		}
		written += n
	}
	return written, nil
}

// flush writes buffered output until the socket would block.
func (c *rawConn) flush() error {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil
		case err != nil:
			return err
		}
		c.out = c.out[n:]
	}
	c.out = nil
	return nil
}

func (c *rawConn) wait(events int16) error {
	for {
		timeout := -1
		if !c.deadline.IsZero() {
			left := time.Until(c.deadline)
			if left <= 0 {
				return os.ErrDeadlineExceeded
			}
			timeout = int(left/time.Millisecond) + 1
		}
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// Close is a no-op: the socket belongs to the Channel, which deregisters it
// from the event loop before closing.
func (c *rawConn) Close() error { return nil }

func (c *rawConn) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return &net.TCPAddr{}
	}
	return net.TCPAddrFromAddrPort(network.FromSockaddr(sa))
}

func (c *rawConn) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return &net.TCPAddr{}
	}
	return net.TCPAddrFromAddrPort(network.FromSockaddr(sa))
}

func (c *rawConn) SetDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *rawConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *rawConn) SetWriteDeadline(t time.Time) error { return nil }
