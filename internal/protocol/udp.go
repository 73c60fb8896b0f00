package protocol

import (
	"bytes"
	"encoding/binary"
)

// MaxUDPPayload bounds a single associate datagram.
const MaxUDPPayload = 65507

// ParseUDPPacket decodes one UDP associate frame from the start of b:
//
//	ATYP ADDR PORT LENGTH(2) CRLF payload
//
// ErrShortBuffer means the frame is incomplete and more stream bytes are
// needed. n is the number of bytes the frame occupies.
func ParseUDPPacket(b []byte) (addr Address, payload []byte, n int, err error) {
	addr, n, err = ParseAddress(b)
	if err != nil {
		return Address{}, nil, 0, err
	}
	if len(b) < n+4 {
		return Address{}, nil, 0, ErrShortBuffer
	}
	length := int(binary.BigEndian.Uint16(b[n : n+2]))
	if !bytes.Equal(b[n+2:n+4], crlf) {
		return Address{}, nil, 0, ErrMissingCRLF
	}
	n += 4
	if len(b) < n+length {
		return Address{}, nil, 0, ErrShortBuffer
	}
	return addr, b[n : n+length], n + length, nil
}

func AppendUDPPacket(b []byte, addr Address, payload []byte) []byte {
	b = addr.AppendTo(b)
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, crlf...)
	return append(b, payload...)
}
