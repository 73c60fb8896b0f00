package protocol

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"strconv"
)

// SOCKS5 address types.
const (
	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04
)

var (
	ErrShortBuffer    = errors.New("short buffer")
	ErrInvalidAddress = errors.New("invalid address")
)

// Address is a SOCKS5 destination: either an IP socket address or a domain
// name with a port. The zero value is not valid.
type Address struct {
	ip     netip.AddrPort
	domain string
	port   uint16
}

func IPAddress(ap netip.AddrPort) Address {
	return Address{ip: ap}
}

func DomainAddress(name string, port uint16) Address {
	return Address{domain: name, port: port}
}

func (a Address) IsValid() bool  { return a.domain != "" || a.ip.IsValid() }
func (a Address) IsDomain() bool { return a.domain != "" }
func (a Address) Domain() string { return a.domain }

// AddrPort returns the socket address; it is invalid for domain addresses.
func (a Address) AddrPort() netip.AddrPort { return a.ip }

func (a Address) Port() uint16 {
	if a.IsDomain() {
		return a.port
	}
	return a.ip.Port()
}

func (a Address) String() string {
	switch {
	case a.IsDomain():
		return a.domain + ":" + strconv.Itoa(int(a.port))
	case a.ip.IsValid():
		return a.ip.String()
	}
	return "<none>"
}

// Len is the encoded length of the address.
func (a Address) Len() int {
	switch {
	case a.IsDomain():
		return 1 + 1 + len(a.domain) + 2
	case a.ip.Addr().Is4():
		return 1 + 4 + 2
	}
	return 1 + 16 + 2
}

// AppendTo appends the wire encoding: ATYP, address, big-endian port.
func (a Address) AppendTo(b []byte) []byte {
	switch {
	case a.IsDomain():
		b = append(b, AtypDomain, byte(len(a.domain)))
		b = append(b, a.domain...)
	case a.ip.Addr().Is4():
		ip := a.ip.Addr().As4()
		b = append(b, AtypIPv4)
		b = append(b, ip[:]...)
	default:
		ip := a.ip.Addr().As16()
		b = append(b, AtypIPv6)
		b = append(b, ip[:]...)
	}
	return binary.BigEndian.AppendUint16(b, a.Port())
}

// ParseAddress decodes an address from the start of b and returns the number
// of bytes consumed.
func ParseAddress(b []byte) (Address, int, error) {
	if len(b) < 1 {
		return Address{}, 0, ErrShortBuffer
	}
	switch b[0] {
	case AtypIPv4:
		if len(b) < 1+4+2 {
			return Address{}, 0, ErrShortBuffer
		}
		ip := netip.AddrFrom4([4]byte(b[1:5]))
		port := binary.BigEndian.Uint16(b[5:7])
		return IPAddress(netip.AddrPortFrom(ip, port)), 7, nil
	case AtypIPv6:
		if len(b) < 1+16+2 {
			return Address{}, 0, ErrShortBuffer
		}
		ip := netip.AddrFrom16([16]byte(b[1:17]))
		port := binary.BigEndian.Uint16(b[17:19])
		return IPAddress(netip.AddrPortFrom(ip, port)), 19, nil
	case AtypDomain:
		if len(b) < 2 {
			return Address{}, 0, ErrShortBuffer
		}
		n := int(b[1])
		if n == 0 {
			return Address{}, 0, ErrInvalidAddress
		}
		if len(b) < 2+n+2 {
			return Address{}, 0, ErrShortBuffer
		}
		name := string(b[2 : 2+n])
		port := binary.BigEndian.Uint16(b[2+n : 4+n])
		return DomainAddress(name, port), 4 + n, nil
	}
	return Address{}, 0, ErrInvalidAddress
}
