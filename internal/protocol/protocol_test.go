package protocol

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	addrs := []Address{
		IPAddress(netip.MustParseAddrPort("93.184.216.34:443")),
		IPAddress(netip.MustParseAddrPort("[2001:db8::1]:8443")),
		DomainAddress("example.com", 80),
		DomainAddress("a", 0),
		IPAddress(netip.MustParseAddrPort("0.0.0.0:65535")),
	}
	for _, addr := range addrs {
		t.Run(addr.String(), func(t *testing.T) {
			encoded := addr.AppendTo(nil)
			require.Len(t, encoded, addr.Len())

			parsed, n, err := ParseAddress(encoded)
			require.NoError(t, err)
			assert.Equal(t, len(encoded), n)
			assert.Equal(t, addr, parsed)
			assert.Equal(t, addr.Port(), parsed.Port())
		})
	}
}

func TestParseAddressErrors(t *testing.T) {
	_, _, err := ParseAddress(nil)
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, _, err = ParseAddress([]byte{AtypIPv4, 1, 2, 3})
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, _, err = ParseAddress([]byte{AtypDomain, 5, 'a', 'b'})
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, _, err = ParseAddress([]byte{AtypDomain, 0, 0, 80})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, _, err = ParseAddress([]byte{0x09, 1, 2, 3, 4, 0, 80})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestParseRequest(t *testing.T) {
	auth := NewAuthenticator([]string{"secret"})
	hash := HashPassword("secret")
	require.Len(t, hash, HashLen)

	target := DomainAddress("example.com", 443)
	frame := AppendRequest(nil, hash, CmdConnect, target)
	frame = append(frame, "GET / HTTP/1.1\r\n"...)
	original := append([]byte(nil), frame...)

	req, err := ParseRequest(frame, auth)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdConnect), req.Command)
	assert.Equal(t, target, req.Address)
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(req.Payload))
	assert.Equal(t, original, frame, "parsing must not modify the input")
}

func TestParseRequestUDPAssociate(t *testing.T) {
	hash := HashPassword("pw")
	target := IPAddress(netip.MustParseAddrPort("[::1]:53"))
	frame := AppendRequest(nil, hash, CmdUDPAssociate, target)

	req, err := ParseRequest(frame, NewAuthenticator([]string{"pw"}))
	require.NoError(t, err)
	assert.Equal(t, byte(CmdUDPAssociate), req.Command)
	assert.Equal(t, target, req.Address)
	assert.Empty(t, req.Payload)
}

func TestParseRequestRejects(t *testing.T) {
	auth := NewAuthenticator([]string{"secret"})
	good := AppendRequest(nil, HashPassword("secret"), CmdConnect, DomainAddress("example.com", 80))

	tests := []struct {
		name  string
		input []byte
		err   error
	}{
		{"http", []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"), ErrShortBuffer},
		{"wrong password", AppendRequest(nil, HashPassword("other"), CmdConnect, DomainAddress("example.com", 80)), ErrUnauthorized},
		{"truncated", good[:len(good)-3], ErrShortBuffer},
		{"bad command", AppendRequest(nil, HashPassword("secret"), 0x07, DomainAddress("example.com", 80)), ErrInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(tt.input, auth)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	missing := append([]byte(nil), good...)
	missing[len(missing)-1] = 'x'
	_, err := ParseRequest(missing, auth)
	assert.ErrorIs(t, err, ErrMissingCRLF)
}

func TestNilAuthenticatorAcceptsAnyHash(t *testing.T) {
	frame := AppendRequest(nil, HashPassword("whatever"), CmdConnect, DomainAddress("example.com", 80))
	_, err := ParseRequest(frame, nil)
	assert.NoError(t, err)
}

func TestUDPPacketStream(t *testing.T) {
	first := IPAddress(netip.MustParseAddrPort("8.8.8.8:53"))
	second := DomainAddress("example.org", 123)

	stream := AppendUDPPacket(nil, first, []byte("query"))
	stream = AppendUDPPacket(stream, second, []byte("ntp"))

	addr, payload, n, err := ParseUDPPacket(stream)
	require.NoError(t, err)
	assert.Equal(t, first, addr)
	assert.Equal(t, "query", string(payload))

	addr, payload, m, err := ParseUDPPacket(stream[n:])
	require.NoError(t, err)
	assert.Equal(t, second, addr)
	assert.Equal(t, "ntp", string(payload))
	assert.Equal(t, len(stream), n+m)

	for cut := 1; cut < n; cut++ {
		_, _, _, err := ParseUDPPacket(stream[:cut])
		assert.ErrorIs(t, err, ErrShortBuffer, "cut at %d", cut)
	}
}
