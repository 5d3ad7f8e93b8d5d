// Package routing implements the routing coordinator: the narrow,
// errno-shaped RPC surface the rest of the tethering core uses to program
// routes, bind interfaces to the local network namespace, and track
// upstream prefixes. It is the single point through which kernel state is
// mutated, mirroring the "Router" interface shape in the teacher's own
// wgengine/router package.
package routing

import (
	"net/netip"

	"tethercore.dev/types/logger"
	"tethercore.dev/types/result"
)

// NetworkID is an opaque handle identifying a network (upstream or local),
// analogous to netId in the source RPC surface.
type NetworkID any

// InterfaceSet is the set of interfaces currently carrying the default
// route for the selected upstream, as computed by the orchestrator's
// upstream selection.
type InterfaceSet struct {
	Ifaces []string
}

// Equal reports whether a and b name the same interfaces, ignoring order.
func (a InterfaceSet) Equal(b InterfaceSet) bool {
	if len(a.Ifaces) != len(b.Ifaces) {
		return false
	}
	seen := make(map[string]bool, len(a.Ifaces))
	for _, i := range a.Ifaces {
		seen[i] = true
	}
	for _, i := range b.Ifaces {
		if !seen[i] {
			return false
		}
	}
	return true
}

// Route is a single route entry to install or remove on a network.
type Route struct {
	Destination netip.Prefix
	Gateway     netip.Addr
	Iface       string
}

// KernelClient is the platform-specific backend RoutingCoordinator drives:
// the actual netd/netlink/iptables calls. Implementations must translate
// OS failures into *result.Error and must never block longer than a bounded
// RPC timeout, since every caller runs on the single tethering event loop.
type KernelClient interface {
	AddRoute(net NetworkID, r Route) *result.Error
	RemoveRoute(net NetworkID, r Route) *result.Error
	UpdateRoute(net NetworkID, r Route) *result.Error
	AddInterfaceToNetwork(net NetworkID, iface string) *result.Error
	RemoveInterfaceFromNetwork(net NetworkID, iface string) *result.Error
	AddInterfaceForward(fromIface, toIface string) *result.Error
	RemoveInterfaceForward(fromIface, toIface string) *result.Error
	ConfigureInterfaceAddress(iface string, prefix netip.Prefix) *result.Error
	RemoveInterfaceAddress(iface string, prefix netip.Prefix) *result.Error
	IPForwardEnable() *result.Error
	IPForwardDisable() *result.Error
	TetherStart(dhcpRanges []string) *result.Error
	TetherStop() *result.Error
	TetherDNSSet(net NetworkID, dnsServers []string) *result.Error
}

// Coordinator is the routing coordinator: it fronts KernelClient with the
// route, interface-binding, and forwarding operations the tethering core
// needs, so callers only need one collaborator handle.
type Coordinator struct {
	logf   logger.Logf
	kernel KernelClient
}

// New returns a Coordinator backed by kernel.
func New(logf logger.Logf, kernel KernelClient) *Coordinator {
	return &Coordinator{logf: logger.WithPrefix(logf, "routing: "), kernel: kernel}
}

func (c *Coordinator) AddRoute(net NetworkID, r Route) error {
	return wrap(c.kernel.AddRoute(net, r))
}

func (c *Coordinator) RemoveRoute(net NetworkID, r Route) error {
	return wrap(c.kernel.RemoveRoute(net, r))
}

func (c *Coordinator) UpdateRoute(net NetworkID, r Route) error {
	return wrap(c.kernel.UpdateRoute(net, r))
}

func (c *Coordinator) AddInterfaceToNetworkID(net NetworkID, iface string) error {
	return wrap(c.kernel.AddInterfaceToNetwork(net, iface))
}

func (c *Coordinator) RemoveInterfaceFromNetworkID(net NetworkID, iface string) error {
	return wrap(c.kernel.RemoveInterfaceFromNetwork(net, iface))
}

func (c *Coordinator) AddInterfaceForward(fromIface, toIface string) error {
	return wrap(c.kernel.AddInterfaceForward(fromIface, toIface))
}

func (c *Coordinator) RemoveInterfaceForward(fromIface, toIface string) error {
	return wrap(c.kernel.RemoveInterfaceForward(fromIface, toIface))
}

// ConfigureInterfaceAddress assigns prefix (address + mask) to iface.
func (c *Coordinator) ConfigureInterfaceAddress(iface string, prefix netip.Prefix) error {
	return wrap(c.kernel.ConfigureInterfaceAddress(iface, prefix))
}

// RemoveInterfaceAddress is best-effort: rollback paths call it without
// wanting to handle a second failure.
func (c *Coordinator) RemoveInterfaceAddress(iface string, prefix netip.Prefix) {
	if err := c.kernel.RemoveInterfaceAddress(iface, prefix); err != nil {
		c.logf("remove address %v on %s: %v", prefix, iface, err)
	}
}

// UpdateInterfaceAddress swaps old for new atomically enough for our
// purposes: add-then-remove, so the interface is never briefly addressless.
func (c *Coordinator) UpdateInterfaceAddress(iface string, oldPrefix, newPrefix netip.Prefix) error {
	if err := c.ConfigureInterfaceAddress(iface, newPrefix); err != nil {
		return err
	}
	c.RemoveInterfaceAddress(iface, oldPrefix)
	return nil
}

// AddInterfaceToNetwork binds iface into the local (downstream) network
// namespace. Local-network binding doesn't need a NetworkID at the
// ipserver call site, so this wraps AddInterfaceToNetworkID with the
// coordinator's fixed local-network identity.
func (c *Coordinator) AddInterfaceToNetwork(iface string) error {
	return c.AddInterfaceToNetworkID(localNetwork{}, iface)
}

// RemoveInterfaceFromNetwork is the counterpart to AddInterfaceToNetwork,
// best-effort for teardown paths.
func (c *Coordinator) RemoveInterfaceFromNetwork(iface string) {
	if err := c.RemoveInterfaceFromNetworkID(localNetwork{}, iface); err != nil {
		c.logf("remove %s from local network: %v", iface, err)
	}
}

// SetUpstreamInterfaces installs iface's default-route membership toward
// ifaces, e.g. via interface forwarding rules.
func (c *Coordinator) SetUpstreamInterfaces(iface string, ifaces InterfaceSet) error {
	for _, up := range ifaces.Ifaces {
		if err := c.AddInterfaceForward(iface, up); err != nil {
			return err
		}
	}
	return nil
}

// IPForwardEnable turns on kernel IPv4 forwarding process-wide.
func (c *Coordinator) IPForwardEnable() error { return wrap(c.kernel.IPForwardEnable()) }

// IPForwardDisable turns off kernel IPv4 forwarding process-wide.
func (c *Coordinator) IPForwardDisable() error { return wrap(c.kernel.IPForwardDisable()) }

// TetherStart starts (or restarts) the tether daemon with dhcpRanges (empty
// for the offloaded/BPF DHCP case).
func (c *Coordinator) TetherStart(dhcpRanges []string) error {
	return wrap(c.kernel.TetherStart(dhcpRanges))
}

// TetherStop stops the tether daemon.
func (c *Coordinator) TetherStop() error { return wrap(c.kernel.TetherStop()) }

// TetherDNSSet installs the DNS forwarder list for net.
func (c *Coordinator) TetherDNSSet(net NetworkID, dnsServers []string) error {
	return wrap(c.kernel.TetherDNSSet(net, dnsServers))
}

type localNetwork struct{}

func wrap(e *result.Error) error {
	if e == nil {
		return nil
	}
	return e
}
