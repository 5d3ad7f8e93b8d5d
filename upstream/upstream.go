// Package upstream implements the upstream monitor: it tracks every
// network the platform reports as available, scores them against the
// requested preference order, and publishes the current best upstream (or
// its absence) on the event bus. Its Close/RegisterChangeCallback
// shape is modeled on the teacher's net/netmon.Monitor, adapted from
// polling link state to reacting to externally reported network updates.
package upstream

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"tethercore.dev/eventbus"
	"tethercore.dev/types/logger"
)

// Type is the carrier type of an upstream network.
type Type int

const (
	TypeUnknown Type = iota
	TypeEthernet
	TypeWifi
	TypeCellular
	TypeBluetooth
	TypeVPN
)

func (t Type) String() string {
	switch t {
	case TypeEthernet:
		return "ethernet"
	case TypeWifi:
		return "wifi"
	case TypeCellular:
		return "cellular"
	case TypeBluetooth:
		return "bluetooth"
	case TypeVPN:
		return "vpn"
	default:
		return "unknown"
	}
}

// NetworkID identifies a network to the monitor. The orchestrator and
// address coordinator both use the same identity for a given network, so
// conflict notifications and upstream selection agree on which network
// changed.
type NetworkID any

// Network is what the monitor knows about one available network.
type Network struct {
	ID            NetworkID
	Type          Type
	Prefixes      []netip.Prefix // IPv4 prefixes assigned on this network's interface
	DNS           []netip.Addr   // DNS servers this network's connectivity layer reported, if any
	LocalPrefixes []netip.Prefix // on-device reserved prefixes this network's connectivity layer reported (LOCAL_PREFIXES)
	Iface         string
	Metered       bool
	DunOK         bool // whether this network satisfies the DUN (cellular tethering) setting
}

// Selected is published whenever the chosen upstream changes.
type Selected struct {
	Network Network
}

// Lost is published when there is no viable upstream at all.
type Lost struct{}

// DefaultPreference orders candidate types from most to least preferred when
// no explicit priority list has been configured, mirroring the platform's
// default network request priority (Wi-Fi and Ethernet preferred over
// metered cellular).
var DefaultPreference = []Type{TypeEthernet, TypeWifi, TypeCellular, TypeBluetooth}

// Monitor tracks available upstream networks and selects the best one.
type Monitor struct {
	logf logger.Logf

	mu       sync.Mutex
	networks map[any]Network
	current  *Network
	closed   bool

	selected *eventbus.Publisher[Selected]
	lost     *eventbus.Publisher[Lost]

	callbacksMu sync.Mutex
	callbacks   map[int]func(*Network)
	nextCbID    int

	tryCell    bool
	preference []Type
}

// New returns a Monitor. bus may be nil, in which case selection changes
// are only visible through RegisterChangeCallback and Current.
func New(logf logger.Logf, bus *eventbus.Bus) *Monitor {
	m := &Monitor{
		logf:      logger.WithPrefix(logf, "upstream: "),
		networks:  map[any]Network{},
		callbacks: map[int]func(*Network){},
	}
	if bus != nil {
		client := bus.Client("upstream")
		m.selected = eventbus.Publish[Selected](client)
		m.lost = eventbus.Publish[Lost](client)
	}
	return m
}

// UpdateNetwork records or updates a network's properties and re-runs
// selection. allowCellular gates whether TypeCellular networks are
// eligible; callers pass the platform's current DUN/tethering-allowed
// setting each time, since it can change independently of connectivity.
func (m *Monitor) UpdateNetwork(n Network, allowCellular bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	n.DunOK = allowCellular || n.Type != TypeCellular
	m.networks[n.ID] = n
	m.reselectLocked()
}

// RemoveNetwork drops a network that disconnected.
func (m *Monitor) RemoveNetwork(id NetworkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	delete(m.networks, id)
	m.reselectLocked()
}

// SetPreferredTypes installs the explicit upstream-type priority order used
// by the next reselection, mirroring select_preferred_upstream_type's
// config-driven walk over preferredUpstreamIfaceTypes. An empty list resets
// selection to DefaultPreference.
func (m *Monitor) SetPreferredTypes(types []Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.preference = types
	m.reselectLocked()
}

// RefreshCellularEligibility re-evaluates every tracked cellular network
// against allowCellular without waiting for a connectivity change, so a
// DUN setting flip is reflected immediately.
func (m *Monitor) RefreshCellularEligibility(allowCellular bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for id, n := range m.networks {
		if n.Type != TypeCellular {
			continue
		}
		n.DunOK = allowCellular
		m.networks[id] = n
	}
	m.reselectLocked()
}

// reselectLocked picks the best eligible network by preference order,
// breaking ties within a type by NetworkID string form (map iteration
// order is unspecified) to keep selection stable across calls.
func (m *Monitor) reselectLocked() {
	var candidates []Network
	for _, n := range m.networks {
		if n.Type == TypeCellular && !n.DunOK {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		m.setCurrentLocked(nil)
		return
	}

	pref := m.preference
	if len(pref) == 0 {
		pref = DefaultPreference
	}
	rank := func(t Type) int {
		for i, p := range pref {
			if p == t {
				return i
			}
		}
		return len(pref)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank(candidates[i].Type), rank(candidates[j].Type)
		if ri != rj {
			return ri < rj
		}
		return fmt.Sprint(candidates[i].ID) < fmt.Sprint(candidates[j].ID)
	})
	best := candidates[0]
	m.setCurrentLocked(&best)
}

func (m *Monitor) setCurrentLocked(n *Network) {
	changed := (m.current == nil) != (n == nil)
	if !changed && m.current != nil && n != nil {
		changed = m.current.ID != n.ID ||
			!prefixesEqual(m.current.Prefixes, n.Prefixes) ||
			!dnsEqual(m.current.DNS, n.DNS) ||
			!prefixesEqual(m.current.LocalPrefixes, n.LocalPrefixes)
	}
	m.current = n
	if !changed {
		return
	}
	if n == nil {
		m.logf("no upstream available")
		if m.lost != nil {
			m.lost.Publish(Lost{})
		}
	} else {
		m.logf("selected upstream %v (%v)", n.ID, n.Type)
		if m.selected != nil {
			m.selected.Publish(Selected{Network: *n})
		}
	}
	m.notifyCallbacks(n)
}

func (m *Monitor) notifyCallbacks(n *Network) {
	m.callbacksMu.Lock()
	cbs := make([]func(*Network), 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	m.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(n)
	}
}

// RegisterChangeCallback registers f to be called synchronously whenever
// the selected upstream changes. It returns a function to unregister.
func (m *Monitor) RegisterChangeCallback(f func(*Network)) (unregister func()) {
	m.callbacksMu.Lock()
	id := m.nextCbID
	m.nextCbID++
	m.callbacks[id] = f
	m.callbacksMu.Unlock()
	return func() {
		m.callbacksMu.Lock()
		delete(m.callbacks, id)
		m.callbacksMu.Unlock()
	}
}

// Current returns the currently selected upstream, if any.
func (m *Monitor) Current() (Network, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Network{}, false
	}
	return *m.current, true
}

// SetTryCell records whether the orchestrator currently wants a cellular
// upstream requested from the platform's connectivity layer. The actual
// radio request is an external collaborator's job; this only records the
// value that TryCellRequested reports.
func (m *Monitor) SetTryCell(want bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tryCell = want
}

// TryCellRequested reports the last value passed to SetTryCell.
func (m *Monitor) TryCellRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryCell
}

// Close marks the monitor closed; further updates are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func prefixesEqual(a, b []netip.Prefix) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[netip.Prefix]bool, len(a))
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		if !seen[p] {
			return false
		}
	}
	return true
}

func dnsEqual(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[netip.Addr]bool, len(a))
	for _, addr := range a {
		seen[addr] = true
	}
	for _, addr := range b {
		if !seen[addr] {
			return false
		}
	}
	return true
}
