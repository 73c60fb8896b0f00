package config

import "time"

type Config struct {
	General  *GeneralConfig  `toml:"general"`
	Server   *ServerConfig   `toml:"server"`
	Resolver *ResolverConfig `toml:"resolver"`
	DNS      *DNSConfig      `toml:"dns"`

	_absConfigFilePath string
}

type GeneralConfig struct {
	// LogLevel is one of debug, info, warn, error (default: info).
	LogLevel string `toml:"log_level" validate:"oneof=debug info warn error"`
	// LogFormat is text or json (default: text).
	LogFormat string `toml:"log_format" validate:"oneof=text json"`
	// Shards is the number of independent event loops (default: 1).
	Shards int `toml:"shards" validate:"min=1,max=256"`
}

type ServerConfig struct {
	// ListenAddr is the TLS listen address (default: 0.0.0.0:443).
	ListenAddr string `toml:"listen_addr" validate:"required,addr_port"`
	CertFile   string `toml:"cert_file" validate:"required"`
	KeyFile    string `toml:"key_file" validate:"required"`
	// Passwords accepted in the request header.
	Passwords []string `toml:"passwords" validate:"required,min=1,dive,required"`
	// FallbackAddr receives streams that do not start with a valid request (optional).
	FallbackAddr string `toml:"fallback_addr" validate:"omitempty,addr_port"`
	// UDPBindAddr is the local address of UDP associate sockets (default: 0.0.0.0:0).
	UDPBindAddr string `toml:"udp_bind_addr" validate:"required,addr_port"`
	// TCPIdleTimeoutSec closes idle TCP sessions and connections without a backend (default: 600).
	TCPIdleTimeoutSec int `toml:"tcp_idle_timeout_sec" validate:"min=1"`
	// UDPIdleTimeoutSec closes idle UDP associate sessions (default: 60).
	UDPIdleTimeoutSec int `toml:"udp_idle_timeout_sec" validate:"min=1"`
	// HandshakeTimeoutSec bounds the TLS handshake (default: 10).
	HandshakeTimeoutSec int `toml:"handshake_timeout_sec" validate:"min=1"`
	// MaxHandshakes bounds concurrent TLS handshakes per shard (default: 256).
	MaxHandshakes int `toml:"max_handshakes" validate:"min=1"`
}

type ResolverConfig struct {
	// Nameservers used for target lookups, host[:port]. Empty means /etc/resolv.conf.
	Nameservers []string `toml:"nameservers" validate:"dive,required,dns_server"`
	// TimeoutMs is the per-nameserver query timeout (default: 3000).
	TimeoutMs int `toml:"timeout_ms" validate:"min=1"`
	// MinTTLSec and MaxTTLSec clamp cached answers (default: 30 and 3600).
	MinTTLSec int `toml:"min_ttl_sec" validate:"min=0"`
	MaxTTLSec int `toml:"max_ttl_sec" validate:"gtefield=MinTTLSec"`
}

type DNSConfig struct {
	// Enable starts the split DNS relay on the first shard (default: false).
	Enable bool `toml:"enable"`
	// ListenAddr is the local UDP address of the relay (default: 127.0.0.1:53).
	ListenAddr string `toml:"listen_addr" validate:"omitempty,addr_port"`
	// TrustedDNS answers blocked domains; ":53" is appended when the port is missing.
	TrustedDNS string `toml:"trusted_dns" validate:"omitempty,dns_server"`
	// PoisonedDNS answers everything else.
	PoisonedDNS string `toml:"poisoned_dns" validate:"omitempty,dns_server"`
	// BlockedDomainList is a file with one domain per line.
	BlockedDomainList string `toml:"blocked_domain_list"`
	// CacheTimeSec is the lifetime of an entry that has not been answered yet (default: 600).
	CacheTimeSec int `toml:"cache_time_sec" validate:"min=0"`
	// CacheMaxEntries bounds the query store (default: 4096).
	CacheMaxEntries int `toml:"cache_max_entries" validate:"min=1"`
	// AddRoute installs a host route for trusted-path IPv4 answers.
	AddRoute bool `toml:"add_route"`
	// AdapterIndex is the link index routes are installed through.
	AdapterIndex int `toml:"adapter_index" validate:"min=0"`
	// AdapterName is resolved to a link index and takes precedence over
	// AdapterIndex when set.
	AdapterName string `toml:"adapter_name"`
	// RateQPS limits accepted queries per second (0 = unlimited).
	RateQPS int `toml:"rate_qps" validate:"min=0"`
}

// Default returns the configuration that file values are decoded over.
func Default() *Config {
	return &Config{
		General: &GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Shards:    1,
		},
		Server: &ServerConfig{
			ListenAddr:          "0.0.0.0:443",
			UDPBindAddr:         "0.0.0.0:0",
			TCPIdleTimeoutSec:   600,
			UDPIdleTimeoutSec:   60,
			HandshakeTimeoutSec: 10,
			MaxHandshakes:       256,
		},
		Resolver: &ResolverConfig{
			TimeoutMs: 3000,
			MinTTLSec: 30,
			MaxTTLSec: 3600,
		},
		DNS: &DNSConfig{
			ListenAddr:      "127.0.0.1:53",
			CacheTimeSec:    600,
			CacheMaxEntries: 4096,
		},
	}
}

func (s *ServerConfig) TCPIdleTimeout() time.Duration {
	return time.Duration(s.TCPIdleTimeoutSec) * time.Second
}

func (s *ServerConfig) UDPIdleTimeout() time.Duration {
	return time.Duration(s.UDPIdleTimeoutSec) * time.Second
}

func (s *ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSec) * time.Second
}

func (r *ResolverConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

func (d *DNSConfig) CacheTime() time.Duration {
	return time.Duration(d.CacheTimeSec) * time.Second
}
