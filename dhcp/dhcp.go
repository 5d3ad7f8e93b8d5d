// Package dhcp runs the downstream-facing DHCPv4 server tethering uses to
// hand out addresses to connected clients within a served /24, built on
// github.com/insomniacslk/dhcp/dhcpv4 the way the teacher's TAP responder
// constructs offers and acks (net/tstun/tap_linux.go).
package dhcp

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"tethercore.dev/types/logger"
)

// Server is the narrow contract ipserver.Server drives: start serving a
// /24 on an interface, reconfigure it in place after an address change, or
// stop.
type Server interface {
	Start(iface string, prefix netip.Prefix) error
	Reconfigure(iface string, prefix netip.Prefix) error
	Stop(iface string)
}

// LeaseTime is how long handed-out leases are valid for.
const LeaseTime = time.Hour

// Manager runs one github.com/insomniacslk/dhcp server4.Server per served
// interface, matching the one-DHCP-server-per-downstream model from the
// data model (§3 dhcpRange).
type Manager struct {
	logf logger.Logf

	mu      sync.Mutex
	servers map[string]*downstreamServer
}

type downstreamServer struct {
	iface  string
	prefix netip.Prefix
	srv    *server4.Server
}

// New returns a Manager.
func New(logf logger.Logf) *Manager {
	return &Manager{
		logf:    logger.WithPrefix(logf, "dhcp: "),
		servers: map[string]*downstreamServer{},
	}
}

// Start begins serving DHCP leases for prefix's host range on iface.
func (m *Manager) Start(iface string, prefix netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[iface]; ok {
		return fmt.Errorf("dhcp: already serving %s", iface)
	}

	ds := &downstreamServer{iface: iface, prefix: prefix}
	handler := ds.handle(m.logf)

	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: dhcpv4.ServerPort}
	srv, err := server4.NewServer(iface, laddr, handler)
	if err != nil {
		return fmt.Errorf("dhcp: start server4 on %s: %w", iface, err)
	}
	ds.srv = srv
	m.servers[iface] = ds

	go func() {
		if err := srv.Serve(); err != nil {
			m.logf("server on %s exited: %v", iface, err)
		}
	}()
	return nil
}

// Reconfigure updates the served prefix in place, used after a prefix
// conflict forces the coordinator to reassign the downstream's address.
func (m *Manager) Reconfigure(iface string, prefix netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.servers[iface]
	if !ok {
		return fmt.Errorf("dhcp: %s is not being served", iface)
	}
	ds.prefix = prefix
	return nil
}

// Stop shuts down the server for iface, if any.
func (m *Manager) Stop(iface string) {
	m.mu.Lock()
	ds, ok := m.servers[iface]
	if ok {
		delete(m.servers, iface)
	}
	m.mu.Unlock()
	if ok && ds.srv != nil {
		ds.srv.Close()
	}
}

// handle returns the server4 handler closure for this downstream. The
// handler is invoked per inbound packet on the server's own goroutine, so
// it reads ds.prefix without a lock; Reconfigure racing a handler is
// acceptable since the effect is just an offer for the immediately
// preceding prefix.
func (ds *downstreamServer) handle(logf logger.Logf) server4.Handler {
	return func(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
		prefix := ds.prefix
		gateway := prefix.Addr()
		mask := net.CIDRMask(prefix.Bits(), 32)

		clientIP, ok := leaseAddrFor(prefix, m.ClientHWAddr)
		if !ok {
			logf("no lease address available for %v on %s", m.ClientHWAddr, ds.iface)
			return
		}

		var reply *dhcpv4.DHCPv4
		var err error
		switch m.MessageType() {
		case dhcpv4.MessageTypeDiscover:
			reply, err = dhcpv4.NewReplyFromRequest(m,
				dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
				dhcpv4.WithServerIP(net.IP(gateway.AsSlice())),
				dhcpv4.WithRouter(net.IP(gateway.AsSlice())),
				dhcpv4.WithNetmask(mask),
				dhcpv4.WithYourIP(clientIP),
				dhcpv4.WithLeaseTime(uint32(LeaseTime.Seconds())),
				dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IP(gateway.AsSlice()))),
			)
		case dhcpv4.MessageTypeRequest:
			reply, err = dhcpv4.NewReplyFromRequest(m,
				dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
				dhcpv4.WithServerIP(net.IP(gateway.AsSlice())),
				dhcpv4.WithRouter(net.IP(gateway.AsSlice())),
				dhcpv4.WithNetmask(mask),
				dhcpv4.WithYourIP(clientIP),
				dhcpv4.WithLeaseTime(uint32(LeaseTime.Seconds())),
				dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IP(gateway.AsSlice()))),
			)
		default:
			return
		}
		if err != nil {
			logf("build reply for %s on %s: %v", m.MessageType(), ds.iface, err)
			return
		}
		if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
			logf("write reply on %s: %v", ds.iface, err)
		}
	}
}

// leaseAddrFor derives a stable client address from prefix's host range by
// hashing the client's hardware address into the space excluding the
// gateway and broadcast, so a client requesting again gets the same
// address for the life of the served prefix.
func leaseAddrFor(prefix netip.Prefix, hwAddr net.HardwareAddr) (net.IP, bool) {
	if prefix.Bits() != 24 {
		return nil, false
	}
	base := prefix.Masked().Addr().As4()
	var h uint32
	for _, b := range hwAddr {
		h = h*31 + uint32(b)
	}
	// Hosts 1..254 minus the gateway's own host octet: avoid .0 (network),
	// .255 (broadcast) and whatever host the gateway was given.
	gw := uint32(prefix.Addr().As4()[3])
	host := 1 + h%253
	if host >= gw {
		host++
	}
	return net.IPv4(base[0], base[1], base[2], byte(host)), true
}
