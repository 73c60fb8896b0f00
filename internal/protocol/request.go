package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Commands carried in the request header.
const (
	CmdConnect      = 0x01
	CmdUDPAssociate = 0x03
)

// HashLen is the length of the hex encoded SHA-224 password hash that opens
// every request.
const HashLen = 56

var crlf = []byte{'\r', '\n'}

var (
	ErrUnauthorized   = errors.New("unknown password hash")
	ErrInvalidCommand = errors.New("invalid command")
	ErrMissingCRLF    = errors.New("missing CRLF")
)

// Request is the header of a control channel stream:
//
//	hex(SHA224(password)) CRLF CMD ATYP ADDR PORT CRLF payload...
//
// Payload aliases the parsed buffer.
type Request struct {
	Command byte
	Address Address
	Payload []byte
}

// ParseRequest decodes the request header at the start of b. It never
// modifies b, so callers can fall back to treating the bytes as opaque data.
func ParseRequest(b []byte, auth *Authenticator) (Request, error) {
	if len(b) < HashLen+2+1 {
		return Request{}, ErrShortBuffer
	}
	if !auth.Allowed(b[:HashLen]) {
		return Request{}, ErrUnauthorized
	}
	if !bytes.Equal(b[HashLen:HashLen+2], crlf) {
		return Request{}, ErrMissingCRLF
	}
	rest := b[HashLen+2:]
	cmd := rest[0]
	if cmd != CmdConnect && cmd != CmdUDPAssociate {
		return Request{}, ErrInvalidCommand
	}
	addr, n, err := ParseAddress(rest[1:])
	if err != nil {
		return Request{}, err
	}
	rest = rest[1+n:]
	if len(rest) < 2 {
		return Request{}, ErrShortBuffer
	}
	if !bytes.Equal(rest[:2], crlf) {
		return Request{}, ErrMissingCRLF
	}
	return Request{Command: cmd, Address: addr, Payload: rest[2:]}, nil
}

// AppendRequest appends an encoded request header for the given password hash.
func AppendRequest(b []byte, hash string, cmd byte, addr Address) []byte {
	b = append(b, hash...)
	b = append(b, crlf...)
	b = append(b, cmd)
	b = addr.AppendTo(b)
	return append(b, crlf...)
}

func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Authenticator holds the accepted password hashes.
type Authenticator struct {
	hashes map[string]struct{}
}

func NewAuthenticator(passwords []string) *Authenticator {
	a := &Authenticator{hashes: make(map[string]struct{}, len(passwords))}
	for _, p := range passwords {
		a.hashes[HashPassword(p)] = struct{}{}
	}
	return a
}

// Allowed reports whether hash belongs to a configured password. A nil
// Authenticator accepts any hash.
func (a *Authenticator) Allowed(hash []byte) bool {
	if a == nil {
		return true
	}
	_, ok := a.hashes[string(hash)]
	return ok
}
