// Package linuxfw programs the iptables rules that turn on NAT and
// forwarding between a downstream (served) interface and an upstream
// interface, grounded on the teacher's own util/linuxfw package: same
// coreos/go-iptables client, same insert-then-track approach to rule
// bookkeeping so rules can be torn down individually rather than by
// flushing shared chains.
package linuxfw

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/coreos/go-iptables/iptables"

	"tethercore.dev/types/logger"
)

const (
	natChain     = "tether-postrouting"
	forwardChain = "tether-forward"
)

// forwardKey identifies one interface-pair forwarding rule.
type forwardKey struct {
	from, to string
}

// iptablesInterface is the subset of *iptables.IPTables Runner drives,
// pulled out so tests can substitute an in-memory fake for the real
// binary, the way the teacher's own iptables_runner.go does.
type iptablesInterface interface {
	Append(table, chain string, args ...string) error
	Insert(table, chain string, pos int, args ...string) error
	Delete(table, chain string, args ...string) error
	Exists(table, chain string, args ...string) (bool, error)
	ClearChain(table, chain string) error
	NewChain(table, chain string) error
	DeleteChain(table, chain string) error
}

// exitStatuser is implemented by *iptables.Error; ClearChain and Delete
// return one with ExitStatus()==1 when the chain or rule doesn't exist.
type exitStatuser interface {
	ExitStatus() int
}

func isErrChainNotExist(err error) bool {
	se, ok := err.(exitStatuser)
	return ok && se.ExitStatus() == 1
}

// Runner programs NAT and forwarding rules for tethered interfaces using
// iptables. It is not safe for concurrent use from multiple goroutines
// beyond the mutex protecting its own bookkeeping; callers on the serial
// tethering event loop don't need to worry about that.
type Runner struct {
	logf logger.Logf
	ipt4 iptablesInterface

	mu        sync.Mutex
	natIfaces map[string]bool
	forwards  map[forwardKey]bool
	exempted  map[netip.Prefix]bool
}

// NewRunner constructs a Runner and ensures the tether-owned chains exist,
// hooked into nat/POSTROUTING and filter/FORWARD.
func NewRunner(logf logger.Logf) (*Runner, error) {
	ipt4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("linuxfw: iptables init: %w", err)
	}
	return newRunner(logf, ipt4)
}

func newRunner(logf logger.Logf, ipt4 iptablesInterface) (*Runner, error) {
	r := &Runner{
		logf:      logger.WithPrefix(logf, "linuxfw: "),
		ipt4:      ipt4,
		natIfaces: map[string]bool{},
		forwards:  map[forwardKey]bool{},
		exempted:  map[netip.Prefix]bool{},
	}
	if err := r.addHooks(); err != nil {
		return nil, err
	}
	return r, nil
}

// createChain idempotently ensures table/chain exists and is empty,
// creating it if it's missing rather than assuming ClearChain does so.
func (r *Runner) createChain(table, chain string) error {
	err := r.ipt4.ClearChain(table, chain)
	if isErrChainNotExist(err) {
		return r.ipt4.NewChain(table, chain)
	}
	return err
}

func (r *Runner) addHooks() error {
	if err := r.createChain("nat", natChain); err != nil {
		return fmt.Errorf("linuxfw: create nat chain: %w", err)
	}
	if ok, _ := r.ipt4.Exists("nat", "POSTROUTING", "-j", natChain); !ok {
		if err := r.ipt4.Append("nat", "POSTROUTING", "-j", natChain); err != nil {
			return fmt.Errorf("linuxfw: hook nat chain: %w", err)
		}
	}
	if err := r.createChain("filter", forwardChain); err != nil {
		return fmt.Errorf("linuxfw: create forward chain: %w", err)
	}
	if ok, _ := r.ipt4.Exists("filter", "FORWARD", "-j", forwardChain); !ok {
		if err := r.ipt4.Append("filter", "FORWARD", "-j", forwardChain); err != nil {
			return fmt.Errorf("linuxfw: hook forward chain: %w", err)
		}
	}
	return nil
}

// EnableMasquerade adds a MASQUERADE rule for traffic leaving upstream, the
// NAT half of tethering's forwarding pair.
func (r *Runner) EnableMasquerade(upstream string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.natIfaces[upstream] {
		return nil
	}
	if err := r.ipt4.Append("nat", natChain, "-o", upstream, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("linuxfw: masquerade %s: %w", upstream, err)
	}
	r.natIfaces[upstream] = true
	return nil
}

// DisableMasquerade removes upstream's MASQUERADE rule, if present.
func (r *Runner) DisableMasquerade(upstream string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.natIfaces[upstream] {
		return
	}
	if err := r.ipt4.Delete("nat", natChain, "-o", upstream, "-j", "MASQUERADE"); err != nil {
		r.logf("remove masquerade rule for %s: %v", upstream, err)
	}
	delete(r.natIfaces, upstream)
}

// AddForward opens bidirectional forwarding between a downstream and
// upstream interface pair: new connections from downstream to upstream,
// and established/related traffic back.
func (r *Runner) AddForward(downstream, upstream string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := forwardKey{downstream, upstream}
	if r.forwards[k] {
		return nil
	}
	if err := r.ipt4.Append("filter", forwardChain, "-i", downstream, "-o", upstream, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("linuxfw: forward %s->%s: %w", downstream, upstream, err)
	}
	if err := r.ipt4.Append("filter", forwardChain, "-i", upstream, "-o", downstream,
		"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"); err != nil {
		r.ipt4.Delete("filter", forwardChain, "-i", downstream, "-o", upstream, "-j", "ACCEPT")
		return fmt.Errorf("linuxfw: forward %s<-%s: %w", downstream, upstream, err)
	}
	r.forwards[k] = true
	return nil
}

// RemoveForward tears down a forwarding pair previously installed by
// AddForward, if present.
func (r *Runner) RemoveForward(downstream, upstream string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := forwardKey{downstream, upstream}
	if !r.forwards[k] {
		return nil
	}
	var err error
	if e := r.ipt4.Delete("filter", forwardChain, "-i", downstream, "-o", upstream, "-j", "ACCEPT"); e != nil {
		err = fmt.Errorf("linuxfw: remove forward rule %s->%s: %w", downstream, upstream, e)
	}
	if e := r.ipt4.Delete("filter", forwardChain, "-i", upstream, "-o", downstream,
		"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"); e != nil && err == nil {
		err = fmt.Errorf("linuxfw: remove forward rule %s<-%s: %w", downstream, upstream, e)
	}
	delete(r.forwards, k)
	return err
}

// ExemptPrefix installs a RETURN rule ahead of the general forwarding
// ACCEPTs so traffic to prefix skips this Runner's forward chain entirely,
// falling through to whatever the base FORWARD chain decides instead of
// being carried over the tethering forwarding path. Idempotent.
func (r *Runner) ExemptPrefix(prefix netip.Prefix) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exempted[prefix] {
		return nil
	}
	if err := r.ipt4.Insert("filter", forwardChain, 1, "-d", prefix.String(), "-j", "RETURN"); err != nil {
		return fmt.Errorf("linuxfw: exempt %s: %w", prefix, err)
	}
	r.exempted[prefix] = true
	return nil
}

// UnexemptPrefix removes a rule previously installed by ExemptPrefix, if
// present.
func (r *Runner) UnexemptPrefix(prefix netip.Prefix) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exempted[prefix] {
		return nil
	}
	if err := r.ipt4.Delete("filter", forwardChain, "-d", prefix.String(), "-j", "RETURN"); err != nil {
		return fmt.Errorf("linuxfw: unexempt %s: %w", prefix, err)
	}
	delete(r.exempted, prefix)
	return nil
}

// Cleanup removes every rule this Runner has installed and unhooks its
// chains, best-effort, for daemon shutdown.
func (r *Runner) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.forwards {
		r.ipt4.Delete("filter", forwardChain, "-i", k.from, "-o", k.to, "-j", "ACCEPT")
		r.ipt4.Delete("filter", forwardChain, "-i", k.to, "-o", k.from,
			"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT")
	}
	for prefix := range r.exempted {
		r.ipt4.Delete("filter", forwardChain, "-d", prefix.String(), "-j", "RETURN")
	}
	for iface := range r.natIfaces {
		r.ipt4.Delete("nat", natChain, "-o", iface, "-j", "MASQUERADE")
	}
	r.ipt4.Delete("nat", "POSTROUTING", "-j", natChain)
	r.ipt4.ClearChain("nat", natChain)
	r.ipt4.DeleteChain("nat", natChain)
	r.ipt4.Delete("filter", "FORWARD", "-j", forwardChain)
	r.ipt4.ClearChain("filter", forwardChain)
	r.ipt4.DeleteChain("filter", forwardChain)
}
