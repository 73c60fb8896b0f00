package domain

// Token identifies a registered I/O source. It is stored in the epoll event,
// so every token must fit in an int32.
type Token uint32

// Reserved tokens below ConnectionBase.
const (
	TokenListener Token = iota
	TokenWaker
	TokenResolver
	TokenDNSLocal
	TokenDNSTrusted
	TokenDNSPoisoned
)

// TokenNone is never registered. Lookups requested with it only warm caches.
const TokenNone Token = 1<<31 - 1

// Every connection owns a block of ChannelCount consecutive tokens starting at
// ConnectionBase + index*ChannelCount:
//
//	ConnectionBase + index*ChannelCount + ProxyOffset   control channel
//	ConnectionBase + index*ChannelCount + BackendOffset backend socket
const (
	ConnectionBase Token = 8
	ChannelCount         = 2
	ProxyOffset          = 0
	BackendOffset        = 1

	MaxConnections = int(TokenNone-ConnectionBase) / ChannelCount
)

func ProxyToken(index int) Token {
	return ConnectionBase + Token(index*ChannelCount+ProxyOffset)
}

func BackendToken(index int) Token {
	return ConnectionBase + Token(index*ChannelCount+BackendOffset)
}

func IsConnectionToken(t Token) bool {
	return t >= ConnectionBase && t < TokenNone
}

// ConnectionIndex is only meaningful when IsConnectionToken(t) holds.
func ConnectionIndex(t Token) int {
	return int(t-ConnectionBase) / ChannelCount
}

func IsProxyToken(t Token) bool {
	return int(t-ConnectionBase)%ChannelCount == ProxyOffset
}

func IsDNSToken(t Token) bool {
	return t >= TokenDNSLocal && t <= TokenDNSPoisoned
}
