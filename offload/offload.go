// Package offload implements the hardware-offload controller: it tracks
// the upstream and downstream link state tethering cares about and
// programs (or clears) the forwarding rules that let traffic bypass the
// kernel softirq path, refusing to do so when the upstream is a VPN. It is
// grounded on Tethering.java's OffloadWrapper for the status state machine
// and on util/linuxfw/iptables_runner.go's AddHooks/AddBase/AddSNATRule
// shape for the rule programming itself, adapted from general firewalling
// to offload-eligible forwarding pairs.
package offload

import (
	"net/netip"
	"sync"

	"tethercore.dev/types/logger"
)

// Status is the controller's last reported state to the orchestrator.
type Status int

const (
	StatusStopped Status = iota
	StatusStarted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "STOPPED"
	case StatusStarted:
		return "STARTED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Upstream describes the network offload rules would forward traffic
// toward. NotVPN mirrors the platform capability of the same name:
// offload must never be enabled when it's false.
type Upstream struct {
	Iface  string
	NotVPN bool
}

// Rules is the narrow programming surface the controller drives; satisfied
// by *linuxfw.Runner in production and fakeable in tests.
type Rules interface {
	AddForward(downstream, upstream string) error
	RemoveForward(downstream, upstream string) error
	ExemptPrefix(prefix netip.Prefix) error
	UnexemptPrefix(prefix netip.Prefix) error
}

// Controller maintains offload's view of link state and reports one of
// StatusStopped/StatusStarted/StatusFailed to onStatus whenever it changes.
type Controller struct {
	logf     logger.Logf
	fw       Rules
	onStatus func(Status)

	mu               sync.Mutex
	running          bool
	upstream         *Upstream
	downstreams      map[string]bool
	programmed       map[string]bool
	localPrefixes    []netip.Prefix
	exemptPrefixes   []netip.Prefix
	programmedExempt map[netip.Prefix]bool
	status           Status
}

// New returns a stopped Controller. fw programs the underlying rules;
// onStatus, if non-nil, is called (from the caller's goroutine, inline)
// whenever the reported status changes.
func New(logf logger.Logf, fw Rules, onStatus func(Status)) *Controller {
	return &Controller{
		logf:             logger.WithPrefix(logf, "offload: "),
		fw:               fw,
		onStatus:         onStatus,
		downstreams:      map[string]bool{},
		programmed:       map[string]bool{},
		programmedExempt: map[netip.Prefix]bool{},
	}
}

// Status returns the controller's last reported status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start enables offload programming; it takes effect once an upstream and
// at least one downstream are known.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.reprogramLocked()
}

// Stop clears all programmed rules and reports StatusStopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.reprogramLocked()
}

// SetUpstream records the current upstream. A non-nil upstream with
// NotVPN=false is refused: offload transitions to StatusFailed and no
// rules are programmed for it, matching the "must refuse to enable
// offload when the upstream is a VPN" requirement.
func (c *Controller) SetUpstream(up *Upstream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if up != nil && !up.NotVPN {
		c.logf("refusing offload: upstream %s is a VPN", up.Iface)
		c.clearProgrammedLocked()
		c.upstream = nil
		c.setStatusLocked(StatusFailed)
		return
	}
	c.upstream = up
	c.reprogramLocked()
}

// NotifyDownstream records iface as an offload-eligible downstream.
func (c *Controller) NotifyDownstream(iface string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downstreams[iface] = true
	c.reprogramLocked()
}

// RemoveDownstream drops iface from the offload-eligible set.
func (c *Controller) RemoveDownstream(iface string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.downstreams, iface)
	c.reprogramLocked()
}

// SetLocalPrefixes records the on-device reserved prefixes that offload
// rules must never match (directly-connected downstream subnets, the
// well-known Wi-Fi Direct prefix, and the like) and immediately reprograms
// the exemption rules to match.
func (c *Controller) SetLocalPrefixes(prefixes []netip.Prefix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localPrefixes = prefixes
	c.reprogramExemptLocked()
}

// SetExemptPrefixes records the offload-exempt prefix set reported by the
// upstream monitor's LOCAL_PREFIXES event (addresses that must always be
// handled in the kernel softirq path, never in hardware) and immediately
// reprograms the exemption rules to match.
func (c *Controller) SetExemptPrefixes(prefixes []netip.Prefix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exemptPrefixes = prefixes
	c.reprogramExemptLocked()
}

func (c *Controller) reprogramLocked() {
	if !c.running || c.upstream == nil || len(c.downstreams) == 0 {
		c.clearProgrammedLocked()
		c.setStatusLocked(StatusStopped)
		return
	}

	failed := false
	for iface := range c.downstreams {
		if c.programmed[iface] {
			continue
		}
		if err := c.fw.AddForward(iface, c.upstream.Iface); err != nil {
			c.logf("program offload forward %s->%s: %v", iface, c.upstream.Iface, err)
			failed = true
			continue
		}
		c.programmed[iface] = true
	}
	for iface := range c.programmed {
		if !c.downstreams[iface] {
			if err := c.fw.RemoveForward(iface, c.upstream.Iface); err != nil {
				c.logf("remove offload forward %s->%s: %v", iface, c.upstream.Iface, err)
			}
			delete(c.programmed, iface)
		}
	}

	if failed {
		c.setStatusLocked(StatusFailed)
		return
	}
	c.setStatusLocked(StatusStarted)
}

// reprogramExemptLocked diffs the union of localPrefixes and exemptPrefixes
// against what's currently installed and adds/removes rules to match,
// independent of whether offload is currently running: a prefix must never
// be offloaded whether or not any forwarding pair happens to be programmed
// right now.
func (c *Controller) reprogramExemptLocked() {
	want := make(map[netip.Prefix]bool, len(c.localPrefixes)+len(c.exemptPrefixes))
	for _, p := range c.localPrefixes {
		want[p] = true
	}
	for _, p := range c.exemptPrefixes {
		want[p] = true
	}
	for p := range want {
		if c.programmedExempt[p] {
			continue
		}
		if err := c.fw.ExemptPrefix(p); err != nil {
			c.logf("exempt %s from offload: %v", p, err)
			continue
		}
		c.programmedExempt[p] = true
	}
	for p := range c.programmedExempt {
		if want[p] {
			continue
		}
		if err := c.fw.UnexemptPrefix(p); err != nil {
			c.logf("remove offload exemption for %s: %v", p, err)
			continue
		}
		delete(c.programmedExempt, p)
	}
}

func (c *Controller) clearProgrammedLocked() {
	upstreamIface := ""
	if c.upstream != nil {
		upstreamIface = c.upstream.Iface
	}
	for iface := range c.programmed {
		if err := c.fw.RemoveForward(iface, upstreamIface); err != nil {
			c.logf("remove offload forward %s->%s: %v", iface, upstreamIface, err)
		}
	}
	c.programmed = map[string]bool{}
}

func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.onStatus != nil {
		c.onStatus(s)
	}
}
