// Package tether implements the tether orchestrator: the top-level state
// machine that owns the decision of whether tethering is active at all,
// which upstream network backs it, and what to do when a kernel-facing
// operation fails partway through. It is grounded on Tethering.java's
// TetherMainSM, generalized from Android's Handler/Message dispatch to
// direct method calls plus an injected Scheduler for the one delayed
// transition (the upstream retry backoff), the way the teacher schedules a
// deferred retry with time.AfterFunc in wgengine/userspace.go and
// health.go's self-check timer.
package tether

import (
	"net/netip"
	"time"

	"tethercore.dev/addrcoord"
	"tethercore.dev/callback"
	"tethercore.dev/config"
	"tethercore.dev/health"
	"tethercore.dev/ipserver"
	"tethercore.dev/metrics"
	"tethercore.dev/nat464"
	"tethercore.dev/offload"
	"tethercore.dev/routing"
	"tethercore.dev/types/logger"
	"tethercore.dev/types/result"
	"tethercore.dev/upstream"
)

// upstreamSettleTime is how long the orchestrator waits after losing an
// upstream before trying again, alternating whether it asks for cellular.
// It matches UPSTREAM_SETTLE_TIME_MS.
const upstreamSettleTime = 10 * time.Second

// defaultDNSServers is used to program DNS forwarders when the selected
// upstream reports none of its own, matching TetheringConfiguration's
// defaultIPv4DNS fallback in Tethering.java's setDnsForwarders.
var defaultDNSServers = []netip.Addr{
	netip.MustParseAddr("8.8.8.8"),
	netip.MustParseAddr("8.8.4.4"),
}

// State is the orchestrator's top-level lifecycle state.
type State int

const (
	Initial State = iota
	TetherModeAlive
	IPForwardEnableError
	IPForwardDisableError
	StartTetheringError
	StopTetheringError
	DNSForwardersError
)

func (s State) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case TetherModeAlive:
		return "TETHER_MODE_ALIVE"
	case IPForwardEnableError:
		return "SET_IP_FORWARDING_ENABLED_ERROR"
	case IPForwardDisableError:
		return "SET_IP_FORWARDING_DISABLED_ERROR"
	case StartTetheringError:
		return "START_TETHERING_ERROR"
	case StopTetheringError:
		return "STOP_TETHERING_ERROR"
	case DNSForwardersError:
		return "SET_DNS_FORWARDERS_ERROR"
	default:
		return "UNKNOWN"
	}
}

// IPMode mirrors WifiManager's tethered-interface IP mode, reported to
// IfaceIPModeNotifier whenever a downstream's serving state changes.
type IPMode int

const (
	IPModeUnspecified IPMode = iota
	IPModeTethered
	IPModeLocalOnly
	IPModeConfigurationError
)

// IfaceIPModeNotifier is the narrow collaborator the orchestrator uses to
// tell the platform's Wi-Fi stack which IP mode a downstream interface is
// running in, mirroring WifiManager.updateInterfaceIpState. It is optional:
// a nil notifier is simply never called.
type IfaceIPModeNotifier interface {
	OnIfaceIPModeChanged(iface string, mode IPMode)
}

// downstreamEntry augments an ipserver.Server with the request metadata
// ipserver itself has no reason to carry (who asked for it, and what SoftAP
// configuration to report back), so callback broadcasts can be built
// without ipserver depending on the callback package.
type downstreamEntry struct {
	server     *ipserver.Server
	requestUID int
	softAP     *callback.SoftAPConfig
}

// Scheduler lets the orchestrator arrange for f to run once, after d
// elapses, marshaled onto whatever serializes calls into the orchestrator
// (the caller's single tethering event loop). It returns a function that
// cancels the pending call if it hasn't fired yet. Production wiring
// typically posts f onto the loop's channel rather than calling it directly
// from the timer goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (cancel func())
}

// realScheduler backs Scheduler with time.AfterFunc directly, for callers
// that are themselves already single-threaded (e.g. tests, or a daemon
// whose main loop channel-serializes everything downstream of it anyway).
type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// RealScheduler returns a Scheduler backed by time.AfterFunc.
func RealScheduler() Scheduler { return realScheduler{} }

// Orchestrator is the tether orchestrator. Like every component in this
// module, it is not safe for concurrent use: all of its exported methods
// are meant to be called from a single serial event loop.
type Orchestrator struct {
	logf logger.Logf

	routing   *routing.Coordinator
	upstream  *upstream.Monitor
	addr      *addrcoord.Coordinator
	offload   *offload.Controller
	clat      *nat464.Controller
	callbacks *callback.Registry
	cfg       *config.Store
	sched     Scheduler
	ipMode    IfaceIPModeNotifier

	healthKernel *health.Warnable
	metrics      *metrics.Registry

	state State

	// notifyList holds every downstream that needs to be told about a
	// kernel-level failure or an upstream-connection change: anything the
	// orchestrator is actively serving, tethered or local-only.
	notifyList map[string]*downstreamEntry
	// forwardedDownstreams is the TETHERED-only subset of notifyList; its
	// non-emptiness is what upstreamWanted reports.
	forwardedDownstreams map[string]*downstreamEntry

	currentUpstream *upstream.Network
	haveUpstream    bool
	tryCell         bool
	cancelRetry     func()

	configGeneration int
}

// New returns an Initial-state Orchestrator wired to its collaborators.
// ipMode may be nil.
func New(
	logf logger.Logf,
	rt *routing.Coordinator,
	up *upstream.Monitor,
	addr *addrcoord.Coordinator,
	off *offload.Controller,
	clat *nat464.Controller,
	callbacks *callback.Registry,
	cfg *config.Store,
	sched Scheduler,
	healthRegistry *health.Registry,
	ipMode IfaceIPModeNotifier,
) *Orchestrator {
	if sched == nil {
		sched = RealScheduler()
	}
	o := &Orchestrator{
		logf:                 logger.WithPrefix(logf, "tether: "),
		routing:              rt,
		upstream:             up,
		addr:                 addr,
		offload:              off,
		clat:                 clat,
		callbacks:            callbacks,
		cfg:                  cfg,
		sched:                sched,
		ipMode:               ipMode,
		healthKernel:         healthRegistry.Warnable(health.SysRouting),
		state:                Initial,
		notifyList:           map[string]*downstreamEntry{},
		forwardedDownstreams: map[string]*downstreamEntry{},
	}
	up.RegisterChangeCallback(o.onUpstreamChanged)
	return o
}

// State returns the orchestrator's current top-level state.
func (o *Orchestrator) State() State { return o.state }

// SetMetrics attaches a counters registry the orchestrator reports its
// lifecycle events to. A nil registry (the default) disables reporting.
func (o *Orchestrator) SetMetrics(m *metrics.Registry) { o.metrics = m }

// RequestTethering asks the orchestrator to bring s up in mode, as
// requested by requestUID with the given (possibly nil) SoftAP
// configuration to report back to privileged listeners. It enters
// TetherModeAlive on the first active downstream, matching
// TetherMainSM's transition out of InitialState on the first
// requestUpstreamMobileConnection-worthy interface.
func (o *Orchestrator) RequestTethering(s *ipserver.Server, mode ipserver.ServingMode, requestUID int, softAP *callback.SoftAPConfig) error {
	entry := &downstreamEntry{server: s, requestUID: requestUID, softAP: softAP}
	o.notifyList[s.InterfaceName()] = entry

	if o.state == Initial {
		if err := o.enableTetherMode(); err != nil {
			delete(o.notifyList, s.InterfaceName())
			return err
		}
	}

	useLast := s.InterfaceType() == addrcoord.TypeWifiP2P
	if err := s.Enable(mode, useLast); err != nil {
		delete(o.notifyList, s.InterfaceName())
		o.maybeExitTetherMode()
		return err
	}
	return nil
}

// RequestTetheringStop asks the orchestrator to stop serving s.
func (o *Orchestrator) RequestTetheringStop(s *ipserver.Server) {
	s.Unwanted()
	delete(o.notifyList, s.InterfaceName())
	delete(o.forwardedDownstreams, s.InterfaceName())
	o.maybeExitTetherMode()
	o.reprogramDownstreamCollaborators()
}

// OnServingStateActive implements ipserver.Callback.
func (o *Orchestrator) OnServingStateActive(s *ipserver.Server, mode ipserver.ServingMode) {
	iface := s.InterfaceName()
	if mode == ipserver.ModeTethered {
		if e, ok := o.notifyList[iface]; ok {
			o.forwardedDownstreams[iface] = e
		}
	}
	o.offload.NotifyDownstream(iface)
	o.notifyIPMode(iface, mode)
	o.reprogramDownstreamCollaborators()
	o.broadcastState()
	o.reportDownstreamActive(s)
}

// OnServingStateInactive implements ipserver.Callback.
func (o *Orchestrator) OnServingStateInactive(s *ipserver.Server) {
	iface := s.InterfaceName()
	delete(o.forwardedDownstreams, iface)
	o.offload.RemoveDownstream(iface)
	if o.ipMode != nil {
		o.ipMode.OnIfaceIPModeChanged(iface, IPModeUnspecified)
	}
	o.maybeExitTetherMode()
	o.broadcastState()
	o.reportDownstreamActive(s)
}

// OnLastErrorChanged implements ipserver.Callback.
func (o *Orchestrator) OnLastErrorChanged(s *ipserver.Server, err ipserver.LastError) {
	if err != ipserver.ErrNone && o.ipMode != nil {
		o.ipMode.OnIfaceIPModeChanged(s.InterfaceName(), IPModeConfigurationError)
	}
	o.broadcastState()
}

func (o *Orchestrator) notifyIPMode(iface string, mode ipserver.ServingMode) {
	if o.ipMode == nil {
		return
	}
	if mode == ipserver.ModeTethered {
		o.ipMode.OnIfaceIPModeChanged(iface, IPModeTethered)
	} else {
		o.ipMode.OnIfaceIPModeChanged(iface, IPModeLocalOnly)
	}
}

// upstreamWanted reports whether any downstream currently needs a real
// (forwarded) upstream, matching TetherMainSM.upstreamWanted().
func (o *Orchestrator) upstreamWanted() bool {
	return len(o.forwardedDownstreams) > 0
}

// enableTetherMode enables IPv4 forwarding and starts the tether daemon,
// matching InitialState's transition into TetherModeAliveState. On any
// failure it enters the matching ErrorState and returns the failure.
func (o *Orchestrator) enableTetherMode() error {
	if err := o.routing.IPForwardEnable(); err != nil {
		o.enterErrorState(IPForwardEnableError, "ipfwdEnableForwarding", err, nil)
		return err
	}
	if err := o.routing.TetherStart(o.dhcpRanges()); err != nil {
		o.enterErrorState(StartTetheringError, "tetherStartWithConfiguration", err, []func(){
			func() { o.routing.IPForwardDisable() },
		})
		return err
	}
	o.state = TetherModeAlive
	o.healthKernel.Set(nil)
	o.offload.Start()
	if o.metrics != nil {
		o.metrics.TetheringStarted()
	}
	return nil
}

// maybeExitTetherMode tears tethering down once nothing is left to serve.
func (o *Orchestrator) maybeExitTetherMode() {
	if o.state != TetherModeAlive || len(o.notifyList) > 0 {
		return
	}
	if err := o.routing.TetherStop(); err != nil {
		o.enterErrorState(StopTetheringError, "tetherStop", err, []func(){
			func() { o.routing.IPForwardDisable() },
		})
		return
	}
	if err := o.routing.IPForwardDisable(); err != nil {
		o.enterErrorState(IPForwardDisableError, "ipfwdDisableForwarding", err, nil)
		return
	}
	o.state = Initial
	o.cancelRetryUpstream()
	o.offload.Stop()
	if o.metrics != nil {
		o.metrics.TetheringStopped()
	}
}

// dhcpRanges returns the configured legacy DHCP range list, or nil for the
// offloaded/BPF DHCP server's default ranges.
func (o *Orchestrator) dhcpRanges() []string {
	c := o.cfg.Current()
	if !c.UseLegacyDHCPServer {
		return nil
	}
	return c.LegacyDHCPRanges
}

// enterErrorState transitions to state, runs any additional best-effort
// kernel cleanup steps (matching e.g. StartTetheringErrorState's own
// ipfwdDisableForwarding attempt), records the failure on the health
// registry, and tells every server in the notify list about it.
func (o *Orchestrator) enterErrorState(state State, op string, err error, cleanup []func()) {
	o.logf("entering %s after %s: %v", state, op, err)
	o.state = state
	o.healthKernel.Set(err)
	if o.metrics != nil {
		o.metrics.KernelError(state.String(), op)
	}
	for _, c := range cleanup {
		c()
	}
	kerr := result.Errorf(op, 0, err)
	for _, e := range o.notifyList {
		e.server.KernelError(op, kerr)
	}
}

// onUpstreamChanged is registered with the upstream monitor and drives every
// downstream effect of a new (or lost) selected upstream: DNS forwarding,
// interface forwarding, address-conflict tracking, offload, and CLAT.
func (o *Orchestrator) onUpstreamChanged(n *upstream.Network) {
	if n == nil {
		o.handleUpstreamLost()
		return
	}
	o.currentUpstream = n
	o.haveUpstream = true
	o.cancelRetryUpstream()

	o.addr.UpdateUpstreamPrefix(n.ID, n.Prefixes, n.Type == upstream.TypeVPN)

	dns := n.DNS
	if len(dns) == 0 {
		dns = defaultDNSServers
	}
	dnsServers := make([]string, len(dns))
	for i, addr := range dns {
		dnsServers[i] = addr.String()
	}
	if err := o.routing.TetherDNSSet(n.ID, dnsServers); err != nil {
		o.enterErrorState(DNSForwardersError, "tetherDnsSet", err, []func(){
			func() { o.routing.TetherStop() },
			func() { o.routing.IPForwardDisable() },
		})
		return
	}

	ifaces := routing.InterfaceSet{Ifaces: []string{n.Iface}}
	for _, e := range o.forwardedDownstreams {
		e.server.TetherConnectionChanged(ifaces)
	}

	o.offload.SetUpstream(&offload.Upstream{Iface: n.Iface, NotVPN: n.Type != upstream.TypeVPN})
	o.offload.SetExemptPrefixes(n.LocalPrefixes)

	requiresClat := len(v4Prefixes(n.Prefixes)) == 0
	o.clat.SetUpstream(n.Iface, requiresClat)

	o.callbacks.BroadcastUpstreamChanged(n.Iface)
	o.broadcastState()

	if o.metrics != nil {
		o.metrics.UpstreamSwitched(n.Type.String())
		if requiresClat {
			o.metrics.CLATActivated()
		}
	}
}

func (o *Orchestrator) handleUpstreamLost() {
	o.haveUpstream = false
	o.currentUpstream = nil
	o.offload.SetUpstream(nil)
	o.offload.SetExemptPrefixes(nil)
	o.clat.SetUpstream("", false)
	o.callbacks.BroadcastUpstreamChanged("")
	o.broadcastState()

	if o.metrics != nil {
		o.metrics.UpstreamLost()
	}
	if o.upstreamWanted() {
		o.scheduleRetryUpstream()
	}
}

// scheduleRetryUpstream arranges to flip whether cellular is requested and
// re-check upstream eligibility after upstreamSettleTime, matching
// CMD_RETRY_UPSTREAM's mTryCell alternation.
func (o *Orchestrator) scheduleRetryUpstream() {
	o.cancelRetryUpstream()
	o.cancelRetry = o.sched.AfterFunc(upstreamSettleTime, o.retryUpstream)
}

func (o *Orchestrator) cancelRetryUpstream() {
	if o.cancelRetry != nil {
		o.cancelRetry()
		o.cancelRetry = nil
	}
}

// retryUpstream is the CMD_RETRY_UPSTREAM handler: it flips tryCell,
// rechecks the DUN setting, and forces the upstream monitor to reselect.
// Requesting the platform actually bring up a cellular network is an
// external collaborator's job; RefreshDunSetting only re-runs eligibility
// against networks already known to the monitor.
func (o *Orchestrator) retryUpstream() {
	if o.metrics != nil {
		o.metrics.RetryUpstreamRan()
	}
	if !o.upstreamWanted() || o.haveUpstream {
		return
	}
	o.tryCell = !o.tryCell
	o.upstream.SetTryCell(o.tryCell)
	o.RefreshDunSetting()
	if !o.haveUpstream {
		o.scheduleRetryUpstream()
	}
}

// RefreshDunSetting re-reads the DUN-required setting from configuration
// and pushes it into the upstream monitor, matching
// maybeDunSettingChanged: it runs at startup, on every upstream retry and
// on every configuration change.
func (o *Orchestrator) RefreshDunSetting() {
	o.upstream.RefreshCellularEligibility(o.cfg.AllowCellularUpstream())
	o.upstream.SetPreferredTypes(o.cfg.Current().PreferredUpstreamIfaceTypes)
}

// OnConfigChanged is called whenever the configuration store's generation
// counter advances. It re-pushes DUN eligibility and the preferred upstream
// types into the upstream monitor and broadcasts the new generation. It
// does not act on TETHER_SUPPORTED: turning that off leaves any active
// tethering running.
func (o *Orchestrator) OnConfigChanged() {
	gen := o.cfg.Generation()
	if gen == o.configGeneration {
		return
	}
	o.configGeneration = gen
	o.RefreshDunSetting()
	o.callbacks.BroadcastConfigurationChanged(gen)
}

func (o *Orchestrator) reprogramDownstreamCollaborators() {
	if o.currentUpstream == nil {
		return
	}
	ifaces := routing.InterfaceSet{Ifaces: []string{o.currentUpstream.Iface}}
	for _, e := range o.forwardedDownstreams {
		e.server.TetherConnectionChanged(ifaces)
	}
}

func (o *Orchestrator) broadcastState() {
	state := callback.State{
		UpstreamIface: o.upstreamIfaceName(),
		Config:        o.cfg.Generation(),
		OffloadStatus: int(o.offload.Status()),
	}
	for iface, e := range o.notifyList {
		state.Downstreams = append(state.Downstreams, callback.DownstreamSnapshot{
			InterfaceName: iface,
			RequestUID:    e.requestUID,
			Phase:         e.server.Phase().String(),
			LastError:     int(e.server.LastError()),
			SoftAPConfig:  e.softAP,
		})
	}
	o.callbacks.BroadcastTetherStatesChanged(state)
}

// reportDownstreamActive recomputes the forwarded-downstream count for s's
// carrier type and pushes it to the metrics registry, if attached.
func (o *Orchestrator) reportDownstreamActive(s *ipserver.Server) {
	if o.metrics == nil {
		return
	}
	typ := s.InterfaceType().String()
	n := 0
	for _, e := range o.forwardedDownstreams {
		if e.server.InterfaceType().String() == typ {
			n++
		}
	}
	o.metrics.SetDownstreamActive(typ, n)
}

func (o *Orchestrator) upstreamIfaceName() string {
	if o.currentUpstream == nil {
		return ""
	}
	return o.currentUpstream.Iface
}

func v4Prefixes(prefixes []netip.Prefix) []netip.Prefix {
	var v4 []netip.Prefix
	for _, p := range prefixes {
		if p.Addr().Is4() {
			v4 = append(v4, p)
		}
	}
	return v4
}
