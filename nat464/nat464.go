// Package nat464 implements CLAT: stateless NAT64 translation that lets an
// IPv4-only downstream client reach the internet over an IPv6-only
// upstream. It tracks the discovered NAT64 prefix, drives clatd-equivalent
// start/stop transitions, and performs the RFC 6052 address embedding,
// grounded on the source's Nat464Xlat state machine.
package nat464

import (
	"fmt"
	"net/netip"

	"tethercore.dev/types/logger"
)

// State is the controller's lifecycle state.
type State int

const (
	Idle State = iota
	Discovering
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Discovering:
		return "DISCOVERING"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// PrefixDiscovery is the narrow collaborator the controller uses to start
// or stop NAT64 prefix discovery (RFC 7050 DNS-based discovery, or an RA
// PREF64 option) on the upstream network.
type PrefixDiscovery interface {
	Start(upstreamIface string) error
	Stop(upstreamIface string)
}

// Daemon starts and stops the CLAT translation process for a base
// interface, mirroring INetd.clatdStart/clatdStop (or ClatCoordinator on
// newer platforms): a boundary to an external process, not a translation
// data plane implemented inside this control plane. Start returns the
// name of the synthesized stacked v4-<baseIface> interface and clatd's
// own IPv6 source address, valid once the daemon has launched but before
// the stacked interface is necessarily up.
type Daemon interface {
	Start(baseIface string, prefix netip.Prefix) (stackedIface string, srcAddr netip.Addr, err error)
	Stop(baseIface string)
}

// StackedLink injects or removes the synthesized stacked interface's
// default IPv4 route once the kernel reports it up, mirroring
// ConnectivityService.handleUpdateLinkProperties's stacked-link
// injection into the base network's LinkProperties.
type StackedLink interface {
	Attach(stackedIface string, v4Addr netip.Addr) error
	Detach(stackedIface string) error
}

// Controller runs one instance of CLAT per upstream network, deciding when
// prefix discovery and translation should be running.
type Controller struct {
	logf   logger.Logf
	pd     PrefixDiscovery
	daemon Daemon
	link   StackedLink

	state           State
	upstreamIface   string
	requiresClat    bool
	prefixFromRA    *netip.Prefix
	prefixFromDNS   *netip.Prefix
	prefixInUse     *netip.Prefix
	discoveryActive bool
	stackedIface    string
	srcAddr         netip.Addr
}

// New returns an idle Controller.
func New(logf logger.Logf, pd PrefixDiscovery, daemon Daemon, link StackedLink) *Controller {
	return &Controller{
		logf:   logger.WithPrefix(logf, "nat464: "),
		pd:     pd,
		daemon: daemon,
		link:   link,
		state:  Idle,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State { return c.state }

// StackedInterface returns the name of the synthesized v4-<baseIface>
// interface and whether clatd has been told to create one (true in
// Starting or Running).
func (c *Controller) StackedInterface() (string, bool) {
	if c.state != Starting && c.state != Running {
		return "", false
	}
	return c.stackedIface, true
}

// Prefix64 returns the NAT64 prefix currently in use for translation, if
// CLAT is running.
func (c *Controller) Prefix64() (netip.Prefix, bool) {
	if c.prefixInUse == nil {
		return netip.Prefix{}, false
	}
	return *c.prefixInUse, true
}

// SetUpstream tells the controller which upstream interface it's managing
// CLAT for, and whether that upstream requires translation at all (i.e. it
// has no IPv4 address). Call with requiresClat=false to fully idle out.
func (c *Controller) SetUpstream(iface string, requiresClat bool) {
	c.upstreamIface = iface
	c.requiresClat = requiresClat
	c.update()
}

// SetPrefixFromRA records a NAT64 prefix learned from a router
// advertisement's PREF64 option.
func (c *Controller) SetPrefixFromRA(prefix netip.Prefix) {
	c.prefixFromRA = &prefix
	c.update()
}

// ClearPrefixFromRA is called when the RA option is withdrawn.
func (c *Controller) ClearPrefixFromRA() {
	c.prefixFromRA = nil
	c.update()
}

// SetPrefixFromDNS records a NAT64 prefix learned via RFC 7050 DNS64
// discovery (querying ipv4only.arpa).
func (c *Controller) SetPrefixFromDNS(prefix netip.Prefix) {
	c.prefixFromDNS = &prefix
	c.update()
}

// ClearPrefixFromDNS is called when discovery stops returning a prefix.
func (c *Controller) ClearPrefixFromDNS() {
	c.prefixFromDNS = nil
	c.update()
}

// selectPrefix always prefers the RA-learned prefix when both are known:
// it updates faster and carries better provenance than a DNS lookup, and
// is almost always the first one to arrive anyway.
func (c *Controller) selectPrefix() *netip.Prefix {
	if c.prefixFromRA != nil {
		return c.prefixFromRA
	}
	return c.prefixFromDNS
}

func (c *Controller) prefixDiscoveryNeeded() bool {
	return c.requiresClat && c.prefixFromRA == nil
}

func (c *Controller) shouldRun() bool {
	return c.requiresClat && c.selectPrefix() != nil
}

// update runs the same state machine as Nat464Xlat.update: idle <->
// discovering <-> starting/running, driven by whether translation is
// required and whether a usable prefix is known.
func (c *Controller) update() {
	switch c.state {
	case Idle:
		if c.prefixDiscoveryNeeded() {
			c.startDiscovery()
			c.state = Discovering
		} else if c.requiresClat && c.selectPrefix() != nil {
			c.start()
		}
	case Discovering:
		if c.shouldRun() {
			c.start()
			return
		}
		if !c.requiresClat {
			c.stopDiscovery()
			c.state = Idle
		}
	case Starting, Running:
		if !c.shouldRun() {
			c.stop()
			return
		}
		c.maybeHandlePrefixChange()
	}
}

func (c *Controller) maybeHandlePrefixChange() {
	next := c.selectPrefix()
	if prefixEqual(c.prefixInUse, next) {
		return
	}
	c.logf("nat64 prefix changed from %v to %v", c.prefixInUse, next)
	c.stop()
	c.update()
}

func (c *Controller) startDiscovery() {
	if c.discoveryActive {
		return
	}
	if err := c.pd.Start(c.upstreamIface); err != nil {
		c.logf("start prefix discovery on %s: %v", c.upstreamIface, err)
		return
	}
	c.discoveryActive = true
}

func (c *Controller) stopDiscovery() {
	if !c.discoveryActive {
		return
	}
	c.pd.Stop(c.upstreamIface)
	c.discoveryActive = false
}

// start launches clatd and enters Starting. It does not reach Running:
// that transition only happens once NotifyStackedInterfaceUp reports the
// synthesized interface is actually up, matching enterStartingState /
// enterRunningState being two distinct steps in the source system.
func (c *Controller) start() {
	prefix := c.selectPrefix()
	stacked, addr, err := c.daemon.Start(c.upstreamIface, *prefix)
	if err != nil {
		c.logf("start clatd on %s: %v", c.upstreamIface, err)
		return
	}
	c.prefixInUse = prefix
	c.stackedIface = stacked
	c.srcAddr = addr
	c.state = Starting
	if c.discoveryActive && !c.prefixDiscoveryNeeded() {
		c.stopDiscovery()
	}
	c.logf("clatd starting on %s, stacked iface %s prefix %v", c.upstreamIface, stacked, *prefix)
}

// NotifyStackedInterfaceUp is called once the kernel reports the
// synthesized stacked interface is up, mirroring
// handleInterfaceLinkStateChanged. v4Addr is the address the kernel
// assigned to iface; it becomes the gateway of the injected default
// route. Ignored unless the controller is Starting on exactly this
// interface.
func (c *Controller) NotifyStackedInterfaceUp(iface string, v4Addr netip.Addr) {
	if c.state != Starting || iface != c.stackedIface {
		return
	}
	if err := c.link.Attach(iface, v4Addr); err != nil {
		c.logf("attach stacked interface %s: %v", iface, err)
		return
	}
	c.state = Running
	c.logf("clat running on %s via %s (%s)", c.upstreamIface, iface, v4Addr)
}

func (c *Controller) stop() {
	if c.state == Idle {
		return
	}
	wasRunning := c.state == Running
	c.daemon.Stop(c.upstreamIface)
	if wasRunning {
		if err := c.link.Detach(c.stackedIface); err != nil {
			c.logf("detach stacked interface %s: %v", c.stackedIface, err)
		}
	}
	c.stackedIface = ""
	c.srcAddr = netip.Addr{}
	c.stopDiscovery()
	c.prefixInUse = nil
	c.state = Idle
	c.logf("clat stopped on %s", c.upstreamIface)
	c.update()
}

func prefixEqual(a, b *netip.Prefix) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

// TranslateV4ToV6 embeds a IPv4 address into the NAT64 prefix currently in
// use, per RFC 6052 §2.2: the /96 case simply appends the 4 address bytes
// after the prefix's 12 prefix bytes; other supported prefix lengths
// (32, 40, 48, 56, 64) interleave a reserved zero byte at a fixed offset.
func (c *Controller) TranslateV4ToV6(addr netip.Addr) (netip.Addr, error) {
	if c.prefixInUse == nil {
		return netip.Addr{}, fmt.Errorf("nat464: no active nat64 prefix")
	}
	return Embed(*c.prefixInUse, addr)
}

// Embed performs the RFC 6052 §2.2 algorithm for embedding a4 into prefix,
// which must be an IPv6 prefix of length 32, 40, 48, 56, 64, or 96. Byte 8
// of the result (the "u" octet) is always reserved zero and is skipped
// when laying down the address bytes that follow the prefix.
func Embed(prefix netip.Prefix, a4 netip.Addr) (netip.Addr, error) {
	if !prefix.Addr().Is6() || !a4.Is4() {
		return netip.Addr{}, fmt.Errorf("nat464: embed requires an ipv6 prefix and an ipv4 address")
	}
	pbits := prefix.Bits()
	switch pbits {
	case 32, 40, 48, 56, 64, 96:
	default:
		return netip.Addr{}, fmt.Errorf("nat464: unsupported nat64 prefix length /%d", pbits)
	}

	pbytes := prefix.Addr().As16()
	abytes := a4.As4()

	var out [16]byte
	prefixBytes := pbits / 8
	copy(out[:prefixBytes], pbytes[:prefixBytes])

	pos, ai := prefixBytes, 0
	for ai < 4 {
		if pos == 8 {
			pos++
			continue
		}
		out[pos] = abytes[ai]
		pos++
		ai++
	}
	return netip.AddrFrom16(out), nil
}
