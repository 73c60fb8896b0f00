package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var ErrConfigNotFound = errors.New("configuration file not found")

// DefaultDNSPort is appended to upstream resolvers configured without a port.
const DefaultDNSPort = 53

// LoadConfig reads the TOML file at configPath over Default() and validates it.
func LoadConfig(configPath string) (*Config, error) {
	configFile := filepath.Clean(configPath)
	if !filepath.IsAbs(configFile) {
		path, err := filepath.Abs(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
		configFile = path
	}

	content, err := os.ReadFile(configFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg._absConfigFilePath = configFile
	cfg.resolvePaths()

	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML content over the defaults without validating it.
func Parse(content []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(content, cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("failed to parse config file at line %d, column %d: %w", row, col, err)
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) GetConfigDir() string {
	return filepath.Dir(c._absConfigFilePath)
}

// resolvePaths makes file references relative to the config file absolute.
func (c *Config) resolvePaths() {
	dir := c.GetConfigDir()
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Server.CertFile = abs(c.Server.CertFile)
	c.Server.KeyFile = abs(c.Server.KeyFile)
	c.DNS.BlockedDomainList = abs(c.DNS.BlockedDomainList)
}

// ParseUpstream parses "ip" or "ip:port"; the port defaults to 53.
func ParseUpstream(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid upstream %q: %w", s, err)
	}
	return netip.AddrPortFrom(addr, DefaultDNSPort), nil
}

func (s *ServerConfig) Listen() netip.AddrPort {
	return netip.MustParseAddrPort(s.ListenAddr)
}

func (s *ServerConfig) UDPBind() netip.AddrPort {
	return netip.MustParseAddrPort(s.UDPBindAddr)
}

// Fallback returns the pass-through destination and whether one is configured.
func (s *ServerConfig) Fallback() (netip.AddrPort, bool) {
	if s.FallbackAddr == "" {
		return netip.AddrPort{}, false
	}
	return netip.MustParseAddrPort(s.FallbackAddr), true
}

func (d *DNSConfig) Listen() netip.AddrPort {
	return netip.MustParseAddrPort(d.ListenAddr)
}

func (d *DNSConfig) Trusted() netip.AddrPort {
	ap, _ := ParseUpstream(d.TrustedDNS)
	return ap
}

func (d *DNSConfig) Poisoned() netip.AddrPort {
	ap, _ := ParseUpstream(d.PoisonedDNS)
	return ap
}

func (r *ResolverConfig) NameserverAddrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, len(r.Nameservers))
	for _, ns := range r.Nameservers {
		if ap, err := ParseUpstream(ns); err == nil {
			addrs = append(addrs, ap)
		}
	}
	return addrs
}
