// Package route installs host routes for addresses learned from trusted DNS
// answers.
package route

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// HostRouteMetric keeps injected routes below the default route in priority.
const HostRouteMetric = 50

// NetlinkInjector adds /32 routes through one adapter.
type NetlinkInjector struct {
	log       *slog.Logger
	linkIndex int
}

// NewNetlinkInjector resolves the adapter once. A non-empty name takes
// precedence over index.
func NewNetlinkInjector(index int, name string, log *slog.Logger) (*NetlinkInjector, error) {
	if name != "" {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return nil, fmt.Errorf("lookup adapter %q: %w", name, err)
		}
		index = link.Attrs().Index
	}
	if index <= 0 {
		return nil, fmt.Errorf("invalid adapter index %d", index)
	}
	return &NetlinkInjector{
		log:       log.With("component", "route"),
		linkIndex: index,
	}, nil
}

func (n *NetlinkInjector) LinkIndex() int { return n.linkIndex }

// AddHostRoute installs ip/32 via the adapter. An already present route is
// not an error.
func (n *NetlinkInjector) AddHostRoute(ip netip.Addr) error {
	r := HostRoute(ip, n.linkIndex)
	if r == nil {
		return fmt.Errorf("not an IPv4 address: %s", ip)
	}
	if err := netlink.RouteAdd(r); err != nil {
		if errors.Is(err, unix.EEXIST) {
			n.log.Debug("Host route already present", "dst", ip)
			return nil
		}
		return fmt.Errorf("add route %s via link %d: %w", ip, n.linkIndex, err)
	}
	n.log.Info("Host route added", "dst", ip, "link", n.linkIndex)
	return nil
}

// HostRoute builds the netlink route for ip/32, or nil when ip is not IPv4.
func HostRoute(ip netip.Addr, linkIndex int) *netlink.Route {
	ip = ip.Unmap()
	if !ip.Is4() {
		return nil
	}
	v4 := ip.As4()
	return &netlink.Route{
		Family:    netlink.FAMILY_V4,
		LinkIndex: linkIndex,
		Priority:  HostRouteMetric,
		Scope:     netlink.SCOPE_LINK,
		Dst: &net.IPNet{
			IP:   net.IPv4(v4[0], v4[1], v4[2], v4[3]).To4(),
			Mask: net.CIDRMask(32, 32),
		},
	}
}
