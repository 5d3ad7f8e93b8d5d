// Package ipserver implements the per-downstream tethering state machine:
// bring the interface up, request an address, run DHCP, and tear it all
// down again on request or on interface loss.
package ipserver

import (
	"context"
	"fmt"
	"net/netip"

	"tethercore.dev/addrcoord"
	"tethercore.dev/dhcp"
	"tethercore.dev/routing"
	"tethercore.dev/types/logger"
	"tethercore.dev/types/result"
)

// Phase is the downstream's lifecycle phase.
type Phase int

const (
	Unavailable Phase = iota
	Available
	Tethered
	LocalOnly
)

func (p Phase) String() string {
	switch p {
	case Unavailable:
		return "UNAVAILABLE"
	case Available:
		return "AVAILABLE"
	case Tethered:
		return "TETHERED"
	case LocalOnly:
		return "LOCAL_ONLY"
	default:
		return "UNKNOWN"
	}
}

// LastError enumerates the per-downstream error taxonomy that applies to a
// Server specifically.
type LastError int

const (
	ErrNone LastError = iota
	ErrNoAddressAvailable
	ErrInternalError
	ErrTetherInterfaceBind
	ErrEnableIPv6Coordination
	ErrDHCPServer
)

// ServingMode distinguishes global (forwarded) from local-only serving.
type ServingMode int

const (
	ModeTethered ServingMode = iota
	ModeLocalOnly
)

// Callback is the narrow contract a Server uses to reach its owning
// orchestrator and collaborators. A Server never holds a pointer back to
// the orchestrator; it only calls out through this interface,
// synchronously, on the same goroutine.
type Callback interface {
	// OnServingStateActive is called when the server enters TETHERED or
	// LOCAL_ONLY.
	OnServingStateActive(s *Server, mode ServingMode)
	// OnServingStateInactive is called when the server leaves TETHERED or
	// LOCAL_ONLY back to AVAILABLE, or is destroyed.
	OnServingStateInactive(s *Server)
	// OnLastErrorChanged is called each time a failure records err as the
	// server's last error, even when err equals the previous value. A
	// successful Enable resets the last error to ErrNone without calling it.
	OnLastErrorChanged(s *Server, err LastError)
}

// AddressAllocator is the narrow view of the address coordinator a Server
// needs. Depending on this instead of the concrete *addrcoord.Coordinator
// keeps ipserver from caring how addresses get chosen, and lets tests
// substitute a fake without pulling in the pool-selection algorithm.
type AddressAllocator interface {
	RequestDownstreamAddress(id addrcoord.ServerID, typ addrcoord.DownstreamType, scope addrcoord.Scope, useLast bool) (netip.Prefix, bool)
	ReleaseDownstream(id addrcoord.ServerID)
}

// Server is a single downstream's state machine.
type Server struct {
	id            addrcoord.ServerID
	ifaceName     string
	ifaceType     addrcoord.DownstreamType
	isNcm         bool
	requestedMode ServingMode

	logf logger.Logf
	addr AddressAllocator
	rt   *routing.Coordinator
	dhcp dhcp.Server
	cb   Callback

	phase       Phase
	lastError   LastError
	prefix      netip.Prefix
	upstreamSet routing.InterfaceSet
	dhcpRunning bool
}

// New creates a Server for a downstream interface. It starts in
// Unavailable; call Start to move it to Available.
func New(id addrcoord.ServerID, ifaceName string, ifaceType addrcoord.DownstreamType, isNcm bool, logf logger.Logf, addr AddressAllocator, rt *routing.Coordinator, dhcpSrv dhcp.Server, cb Callback) *Server {
	return &Server{
		id:        id,
		ifaceName: ifaceName,
		ifaceType: ifaceType,
		isNcm:     isNcm,
		logf:      logger.WithPrefix(logf, fmt.Sprintf("ipserver[%s]: ", ifaceName)),
		addr:      addr,
		rt:        rt,
		dhcp:      dhcpSrv,
		cb:        cb,
		phase:     Unavailable,
	}
}

// InterfaceName returns the downstream's interface name.
func (s *Server) InterfaceName() string { return s.ifaceName }

// InterfaceType returns the downstream's carrier type.
func (s *Server) InterfaceType() addrcoord.DownstreamType { return s.ifaceType }

// Phase returns the server's current lifecycle phase.
func (s *Server) Phase() Phase { return s.phase }

// LastError returns the most recent error recorded against this server.
func (s *Server) LastError() LastError { return s.lastError }

// Prefix returns the currently assigned /24, if any.
func (s *Server) Prefix() (netip.Prefix, bool) {
	if s.phase != Tethered && s.phase != LocalOnly {
		return netip.Prefix{}, false
	}
	return s.prefix, true
}

// Start transitions Unavailable -> Available: the interface exists but is
// not yet serving clients.
func (s *Server) Start() {
	if s.phase != Unavailable {
		return
	}
	s.phase = Available
}

// Stop tears everything down and transitions to Unavailable, e.g. because
// the underlying interface disappeared.
func (s *Server) Stop() {
	if s.phase == Tethered || s.phase == LocalOnly {
		s.teardown()
	}
	s.phase = Unavailable
}

// Enable transitions Available -> Tethered or LocalOnly: request an
// address, configure it on the interface, bind the interface to the local
// network, and start DHCP. On any failure it reverts prior steps and
// returns to Available with lastError set.
func (s *Server) Enable(mode ServingMode, useLastAddress bool) error {
	if s.phase != Available {
		return fmt.Errorf("ipserver: enable called in phase %s, want AVAILABLE", s.phase)
	}

	scope := addrcoord.ScopeGlobal
	if mode == ModeLocalOnly {
		scope = addrcoord.ScopeLocal
	}

	prefix, ok := s.addr.RequestDownstreamAddress(s.id, s.ifaceType, scope, useLastAddress)
	if !ok {
		s.fail(ErrNoAddressAvailable)
		return fmt.Errorf("ipserver: no address available")
	}
	s.prefix = prefix

	if err := s.rt.ConfigureInterfaceAddress(s.ifaceName, s.prefix); err != nil {
		s.addr.ReleaseDownstream(s.id)
		s.fail(ErrInternalError)
		return err
	}

	if err := s.rt.AddInterfaceToNetwork(s.ifaceName); err != nil {
		s.rt.RemoveInterfaceAddress(s.ifaceName, s.prefix)
		s.addr.ReleaseDownstream(s.id)
		s.fail(ErrTetherInterfaceBind)
		return err
	}

	if mode == ModeTethered {
		// IPv6 tethering coordination and default-route membership are
		// driven by the orchestrator once it knows the upstream interface
		// set; see TetherConnectionChanged.
	}

	if err := s.dhcp.Start(s.ifaceName, s.prefix); err != nil {
		s.rt.RemoveInterfaceFromNetwork(s.ifaceName)
		s.rt.RemoveInterfaceAddress(s.ifaceName, s.prefix)
		s.addr.ReleaseDownstream(s.id)
		s.fail(ErrDHCPServer)
		return err
	}
	s.dhcpRunning = true

	s.requestedMode = mode
	s.lastError = ErrNone
	if mode == ModeTethered {
		s.phase = Tethered
	} else {
		s.phase = LocalOnly
	}
	if s.cb != nil {
		s.cb.OnServingStateActive(s, mode)
	}
	return nil
}

// Unwanted transitions Tethered|LocalOnly -> Available, stopping DHCP and
// releasing the address, without destroying the server.
func (s *Server) Unwanted() {
	if s.phase != Tethered && s.phase != LocalOnly {
		return
	}
	s.teardown()
	s.phase = Available
	if s.cb != nil {
		s.cb.OnServingStateInactive(s)
	}
}

func (s *Server) teardown() {
	if s.dhcpRunning {
		s.dhcp.Stop(s.ifaceName)
		s.dhcpRunning = false
	}
	s.rt.RemoveInterfaceFromNetwork(s.ifaceName)
	s.rt.RemoveInterfaceAddress(s.ifaceName, s.prefix)
	s.addr.ReleaseDownstream(s.id)
	s.prefix = netip.Prefix{}
}

func (s *Server) fail(e LastError) {
	s.lastError = e
	s.phase = Available
	if s.cb != nil {
		s.cb.OnLastErrorChanged(s, e)
	}
}

// TetherConnectionChanged notifies the server of the orchestrator's current
// upstream interface set, so it can install (or clear) its default-route
// membership when TETHERED.
func (s *Server) TetherConnectionChanged(ifaces routing.InterfaceSet) {
	s.upstreamSet = ifaces
	if s.phase != Tethered {
		return
	}
	if err := s.rt.SetUpstreamInterfaces(s.ifaceName, ifaces); err != nil {
		s.logf("failed to update upstream interface set: %v", err)
	}
}

// NotifyPrefixConflict handles a prefix-conflict notification from the
// address coordinator: release the current address and re-request one. If
// none is available, move to Available with ErrNoAddressAvailable.
func (s *Server) NotifyPrefixConflict(ctx context.Context) {
	if s.phase != Tethered && s.phase != LocalOnly {
		return
	}
	mode := s.requestedMode
	scope := addrcoord.ScopeGlobal
	if mode == ModeLocalOnly {
		scope = addrcoord.ScopeLocal
	}

	s.addr.ReleaseDownstream(s.id)
	prefix, ok := s.addr.RequestDownstreamAddress(s.id, s.ifaceType, scope, false)
	if !ok {
		s.teardown()
		s.fail(ErrNoAddressAvailable)
		if s.cb != nil {
			s.cb.OnServingStateInactive(s)
		}
		return
	}

	old := s.prefix
	s.prefix = prefix
	if err := s.rt.UpdateInterfaceAddress(s.ifaceName, old, s.prefix); err != nil {
		s.teardown()
		s.fail(ErrInternalError)
		if s.cb != nil {
			s.cb.OnServingStateInactive(s)
		}
		return
	}
	if err := s.dhcp.Reconfigure(s.ifaceName, s.prefix); err != nil {
		s.teardown()
		s.fail(ErrDHCPServer)
		if s.cb != nil {
			s.cb.OnServingStateInactive(s)
		}
		return
	}
	s.logf("resolved prefix conflict, reassigned %v", s.prefix)
}

// KernelError records a failure surfaced by the orchestrator that pertains
// to every server in the notify list (e.g. a kernel-level IP forwarding
// failure). A server that is serving is torn down first and reported
// inactive, like every other failure branch that leaves TETHERED or
// LOCAL_ONLY.
func (s *Server) KernelError(op string, e *result.Error) {
	s.logf("kernel error during %s: %v", op, e)
	serving := s.phase == Tethered || s.phase == LocalOnly
	if serving {
		s.teardown()
	}
	s.fail(ErrInternalError)
	if serving && s.cb != nil {
		s.cb.OnServingStateInactive(s)
	}
}
