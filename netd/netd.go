// Package netd is the Linux implementation of routing.KernelClient: it
// programs addresses and routes over rtnetlink, binds interfaces to the
// local network namespace via netns, toggles IPv4 forwarding through
// /proc/sys the way the teacher's cmd/containerboot does, and drives NAT
// and forwarding rules through package linuxfw.
package netd

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"tethercore.dev/linuxfw"
	"tethercore.dev/routing"
	"tethercore.dev/types/logger"
	"tethercore.dev/types/result"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// Client implements routing.KernelClient against the running Linux kernel.
type Client struct {
	logf logger.Logf
	fw   *linuxfw.Runner

	localNS netns.NsHandle
}

// New returns a Client. localNS, if non-zero and open, is the network
// namespace in which AddInterfaceToNetwork looks up and brings up
// downstream interfaces; the zero value makes AddInterfaceToNetwork a
// no-op, which is sufficient for a single-namespace deployment.
func New(logf logger.Logf, localNS netns.NsHandle) (*Client, error) {
	fw, err := linuxfw.NewRunner(logf)
	if err != nil {
		return nil, fmt.Errorf("netd: %w", err)
	}
	return &Client{
		logf:    logger.WithPrefix(logf, "netd: "),
		fw:      fw,
		localNS: localNS,
	}, nil
}

func dial() (*rtnetlink.Conn, error) {
	return rtnetlink.Dial(&netlink.Config{})
}

func ifaceIndex(name string) (int, *result.Error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, result.Errorf("ifaceIndex", int(unix.ENODEV), err)
	}
	return iface.Index, nil
}

func addrMessage(index int, prefix netip.Prefix) *rtnetlink.AddressMessage {
	family := uint8(unix.AF_INET)
	if prefix.Addr().Is6() {
		family = unix.AF_INET6
	}
	return &rtnetlink.AddressMessage{
		Family:       family,
		PrefixLength: uint8(prefix.Bits()),
		Scope:        unix.RT_SCOPE_UNIVERSE,
		Index:        uint32(index),
		Attributes: &rtnetlink.AddressAttributes{
			Address:   prefix.Addr().AsSlice(),
			Local:     prefix.Addr().AsSlice(),
			Broadcast: broadcastOf(prefix),
		},
	}
}

func broadcastOf(prefix netip.Prefix) net.IP {
	if !prefix.Addr().Is4() {
		return nil
	}
	base := prefix.Masked().Addr().As4()
	bits := prefix.Bits()
	mask := net.CIDRMask(bits, 32)
	bc := make(net.IP, 4)
	for i := range bc {
		bc[i] = base[i] | ^mask[i]
	}
	return bc
}

// ConfigureInterfaceAddress assigns prefix to iface via rtnetlink.
func (c *Client) ConfigureInterfaceAddress(iface string, prefix netip.Prefix) *result.Error {
	idx, rerr := ifaceIndex(iface)
	if rerr != nil {
		return rerr
	}
	conn, err := dial()
	if err != nil {
		return result.Errorf("ConfigureInterfaceAddress", int(unix.EIO), err)
	}
	defer conn.Close()
	if err := conn.Address.New(addrMessage(idx, prefix)); err != nil {
		return result.Errorf("ConfigureInterfaceAddress", int(unix.EINVAL), err)
	}
	return nil
}

// RemoveInterfaceAddress removes prefix from iface, best-effort.
func (c *Client) RemoveInterfaceAddress(iface string, prefix netip.Prefix) *result.Error {
	idx, rerr := ifaceIndex(iface)
	if rerr != nil {
		return rerr
	}
	conn, err := dial()
	if err != nil {
		return result.Errorf("RemoveInterfaceAddress", int(unix.EIO), err)
	}
	defer conn.Close()
	if err := conn.Address.Delete(addrMessage(idx, prefix)); err != nil {
		return result.Errorf("RemoveInterfaceAddress", int(unix.EINVAL), err)
	}
	return nil
}

// AddInterfaceToNetwork brings iface up inside the local network namespace,
// binding it to the downstream network. iface must already be in that
// namespace; this does not move it there. Deployments that run everything
// in a single namespace pass a zero netns.NsHandle to New, in which case
// this is a no-op: the interface is already where it needs to be.
func (c *Client) AddInterfaceToNetwork(net_ routing.NetworkID, iface string) *result.Error {
	if c.localNS == 0 || !c.localNS.IsOpen() {
		return nil
	}
	origNS, err := netns.Get()
	if err != nil {
		return result.Errorf("AddInterfaceToNetwork", int(unix.EIO), err)
	}
	defer origNS.Close()
	defer netns.Set(origNS)

	if err := netns.Set(c.localNS); err != nil {
		return result.Errorf("AddInterfaceToNetwork", int(unix.EPERM), err)
	}

	idx, rerr := ifaceIndex(iface)
	if rerr != nil {
		return rerr
	}
	conn, err := dial()
	if err != nil {
		return result.Errorf("AddInterfaceToNetwork", int(unix.EIO), err)
	}
	defer conn.Close()
	if err := conn.Link.Set(&rtnetlink.LinkMessage{
		Index:  uint32(idx),
		Change: unix.IFF_UP,
		Flags:  unix.IFF_UP,
	}); err != nil {
		return result.Errorf("AddInterfaceToNetwork", int(unix.EPERM), err)
	}
	return nil
}

// RemoveInterfaceFromNetwork is a no-op placeholder for symmetry; interfaces
// are torn down by removing their address and letting the kernel garbage
// collect the association.
func (c *Client) RemoveInterfaceFromNetwork(net_ routing.NetworkID, iface string) *result.Error {
	return nil
}

// AddInterfaceForward opens NAT and forwarding between fromIface and
// toIface (downstream to upstream).
func (c *Client) AddInterfaceForward(fromIface, toIface string) *result.Error {
	if err := c.fw.EnableMasquerade(toIface); err != nil {
		return result.Errorf("AddInterfaceForward", int(unix.EIO), err)
	}
	if err := c.fw.AddForward(fromIface, toIface); err != nil {
		return result.Errorf("AddInterfaceForward", int(unix.EIO), err)
	}
	return nil
}

// RemoveInterfaceForward tears down what AddInterfaceForward installed.
func (c *Client) RemoveInterfaceForward(fromIface, toIface string) *result.Error {
	c.fw.RemoveForward(fromIface, toIface)
	c.fw.DisableMasquerade(toIface)
	return nil
}

// AddRoute is not needed for the common tethering path (default routing
// happens via forwarding rules, not per-destination routes), but is
// available for static routes an upstream network announces.
func (c *Client) AddRoute(net_ routing.NetworkID, r routing.Route) *result.Error {
	idx, rerr := ifaceIndex(r.Iface)
	if rerr != nil {
		return rerr
	}
	conn, err := dial()
	if err != nil {
		return result.Errorf("AddRoute", int(unix.EIO), err)
	}
	defer conn.Close()
	msg := routeMessage(idx, r)
	if err := conn.Route.Add(msg); err != nil {
		return result.Errorf("AddRoute", int(unix.EINVAL), err)
	}
	return nil
}

// RemoveRoute removes a route previously installed by AddRoute.
func (c *Client) RemoveRoute(net_ routing.NetworkID, r routing.Route) *result.Error {
	idx, rerr := ifaceIndex(r.Iface)
	if rerr != nil {
		return rerr
	}
	conn, err := dial()
	if err != nil {
		return result.Errorf("RemoveRoute", int(unix.EIO), err)
	}
	defer conn.Close()
	if err := conn.Route.Delete(routeMessage(idx, r)); err != nil {
		return result.Errorf("RemoveRoute", int(unix.EINVAL), err)
	}
	return nil
}

// UpdateRoute replaces a route in place.
func (c *Client) UpdateRoute(net_ routing.NetworkID, r routing.Route) *result.Error {
	if rerr := c.RemoveRoute(net_, r); rerr != nil {
		return rerr
	}
	return c.AddRoute(net_, r)
}

func routeMessage(index int, r routing.Route) *rtnetlink.RouteMessage {
	family := uint8(unix.AF_INET)
	if r.Destination.Addr().Is6() {
		family = unix.AF_INET6
	}
	attrs := rtnetlink.RouteAttributes{
		Dst:      r.Destination.Addr().AsSlice(),
		OutIface: uint32(index),
	}
	if r.Gateway.IsValid() {
		attrs.Gateway = r.Gateway.AsSlice()
	}
	return &rtnetlink.RouteMessage{
		Family:     family,
		DstLength:  uint8(r.Destination.Bits()),
		Table:      unix.RT_TABLE_MAIN,
		Protocol:   unix.RTPROT_STATIC,
		Scope:      unix.RT_SCOPE_UNIVERSE,
		Type:       unix.RTN_UNICAST,
		Attributes: attrs,
	}
}

// IPForwardEnable turns on process-wide IPv4 forwarding, matching the
// sysctl write in the teacher's containerboot entrypoint.
func (c *Client) IPForwardEnable() *result.Error {
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0644); err != nil {
		return result.Errorf("IPForwardEnable", int(unix.EACCES), err)
	}
	return nil
}

// IPForwardDisable turns off process-wide IPv4 forwarding.
func (c *Client) IPForwardDisable() *result.Error {
	if err := os.WriteFile(ipForwardPath, []byte("0"), 0644); err != nil {
		return result.Errorf("IPForwardDisable", int(unix.EACCES), err)
	}
	return nil
}

// TetherStart is a no-op at the kernel-client layer: DHCP is run in-process
// by package dhcp, not by an external daemon, so there is nothing to start
// here beyond forwarding, which AddInterfaceForward already handles.
func (c *Client) TetherStart(dhcpRanges []string) *result.Error { return nil }

// TetherStop mirrors TetherStart.
func (c *Client) TetherStop() *result.Error { return nil }

// TetherDNSSet is a no-op at the kernel-client layer in this deployment:
// dnsServers is not pushed to any resolver or DNS proxy. Package dns64
// only probes for a NAT64 prefix and does no DNS forwarding.
func (c *Client) TetherDNSSet(net_ routing.NetworkID, dnsServers []string) *result.Error {
	return nil
}
