package domain

// Status is the lifecycle of a proxied connection. There is no transition out
// of TCPForward or UDPForward other than destruction.
type Status int

const (
	StatusHandShake Status = iota
	StatusDnsWait
	StatusTCPForward
	StatusUDPForward
)

func (s Status) String() string {
	switch s {
	case StatusHandShake:
		return "handshake"
	case StatusDnsWait:
		return "dns-wait"
	case StatusTCPForward:
		return "tcp-forward"
	case StatusUDPForward:
		return "udp-forward"
	}
	return "unknown"
}

// ConnStatus tracks a single registered socket.
type ConnStatus int

const (
	ConnEstablished ConnStatus = iota
	ConnShutdown               // closing; flushes pending output first
	ConnClosing                // close immediately on next status check
	ConnDeregistered
)

func (s ConnStatus) String() string {
	switch s {
	case ConnEstablished:
		return "established"
	case ConnShutdown:
		return "shutdown"
	case ConnClosing:
		return "closing"
	case ConnDeregistered:
		return "deregistered"
	}
	return "unknown"
}
