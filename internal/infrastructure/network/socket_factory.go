package network

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by non-blocking operations that have nothing to do.
var ErrWouldBlock = errors.New("operation would block")

func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, unix.EAGAIN)
}

// IsConnReset reports the errors a UDP socket returns after an ICMP error for
// an earlier datagram. They describe a past packet, not the socket.
func IsConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.ECONNREFUSED)
}

func ListenTCP(addr netip.AddrPort, reusePort bool) (int, error) {
	fd, err := socket(addr, unix.SOCK_STREAM)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return 0, err
		}
	}

	if err := unix.Bind(fd, ToSockaddr(addr)); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// Accept returns a non-blocking connected socket, or ErrWouldBlock when the
// backlog is empty.
func Accept(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return 0, netip.AddrPort{}, err
	}
	return nfd, FromSockaddr(sa), nil
}

// DialTCP starts a non-blocking connect. Completion is signalled by
// writability; ConnectError reports the outcome.
func DialTCP(addr netip.AddrPort) (int, error) {
	addr = Unmap(addr)
	fd, err := socket(addr, unix.SOCK_STREAM)
	if err != nil {
		return 0, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, ToSockaddr(addr))
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, fmt.Errorf("connect %s: %w", addr, err)
	}
	return fd, nil
}

func ConnectError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func socket(addr netip.AddrPort, typ int) (int, error) {
	domain := unix.AF_INET
	if addr.Addr().Is6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func ToSockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

// FromSockaddr converts a socket address, unmapping IPv4-mapped IPv6.
func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return Unmap(netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)))
	}
	return netip.AddrPort{}
}

func Unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
