// Package addrcoord implements the private-address coordinator: it hands
// out non-conflicting IPv4 /24 prefixes to tethering downstreams, tracks
// upstream prefixes to detect conflicts against them, and notifies
// downstreams when a conflict appears.
package addrcoord

import (
	"math/rand"
	"net/netip"
	"time"

	"tethercore.dev/eventbus"
	"tethercore.dev/tsaddr"
	"tethercore.dev/types/logger"
)

func randSeed() int64 { return time.Now().UnixNano() }

// DownstreamType is the physical carrier of a downstream.
type DownstreamType int

const (
	TypeWifi DownstreamType = iota
	TypeWifiP2P
	TypeUsb
	TypeNcm
	TypeBluetooth
	TypeEthernet
	TypeVirtual
	TypeWigig
)

func (t DownstreamType) String() string {
	switch t {
	case TypeWifi:
		return "wifi"
	case TypeWifiP2P:
		return "wifi_p2p"
	case TypeUsb:
		return "usb"
	case TypeNcm:
		return "ncm"
	case TypeBluetooth:
		return "bluetooth"
	case TypeEthernet:
		return "ethernet"
	case TypeVirtual:
		return "virtual"
	case TypeWigig:
		return "wigig"
	default:
		return "unknown"
	}
}

// Scope is the connectivity scope requested for a downstream.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeLocal
)

// ServerID identifies a downstream holder to the coordinator. In this
// module that's the ipserver.Server, but addrcoord only needs a
// comparable handle plus the prefix it currently holds, so it depends on
// nothing from package ipserver, avoiding a cyclic import between the two.
type ServerID any

// Holder is what the coordinator needs to know about an active downstream:
// its identity and the prefix it was last handed (so a manually configured
// address, not present in the cache, still counts as in-use).
type Holder struct {
	ID     ServerID
	Prefix netip.Prefix
}

// PrefixConflict is published when an active downstream's prefix starts
// overlapping a newly observed upstream prefix. The downstream is expected
// to release and re-request its address on receipt.
type PrefixConflict struct {
	ID ServerID
}

type addressKey struct {
	typ   DownstreamType
	scope Scope
}

// Coordinator is the address coordinator. It is not safe for
// concurrent use: like every component in this module, it is only ever
// touched from the single serial tethering event loop.
type Coordinator struct {
	logf logger.Logf
	rand *rand.Rand

	dedicatedWifiP2PIP bool

	upstreams  map[any][]netip.Prefix // keyed by an opaque network identity
	downstream map[ServerID]netip.Prefix
	cached     map[addressKey]netip.Prefix

	conflicts *eventbus.Publisher[PrefixConflict]
}

// Config configures a new Coordinator.
type Config struct {
	// DedicatedWifiP2PIP mirrors the platform's "dedicated IP" policy: when
	// true, Wi-Fi P2P downstreams always receive the reserved
	// 192.168.49.1/24 address.
	DedicatedWifiP2PIP bool

	// Bus, if non-nil, is used to publish PrefixConflict events. A caller
	// that doesn't need eventbus fan-out (e.g. a unit test) can pass nil
	// and poll TakeConflicts instead.
	Bus *eventbus.Bus
}

// New returns a Coordinator seeded with the reserved static addresses for
// Bluetooth (global scope) and Wi-Fi P2P (local scope), matching the
// original's mCachedAddresses seeding.
func New(logf logger.Logf, cfg Config) *Coordinator {
	c := &Coordinator{
		logf:               logger.WithPrefix(logf, "addrcoord: "),
		rand:               rand.New(rand.NewSource(randSeed())),
		dedicatedWifiP2PIP: cfg.DedicatedWifiP2PIP,
		upstreams:          map[any][]netip.Prefix{},
		downstream:         map[ServerID]netip.Prefix{},
		cached: map[addressKey]netip.Prefix{
			{TypeBluetooth, ScopeGlobal}: tsaddr.ReservedBluetoothAddress(),
			{TypeWifiP2P, ScopeLocal}:    tsaddr.ReservedWifiP2PAddress(),
		},
	}
	if cfg.Bus != nil {
		c.conflicts = eventbus.Publish[PrefixConflict](cfg.Bus.Client("addrcoord"))
	}
	return c
}

// RequestDownstreamAddress assigns id an IPv4 /24 using the same weighted
// pool selection and conflict-avoidance rules as chooseFromPool. It
// returns false if no address is available in any pool.
func (c *Coordinator) RequestDownstreamAddress(id ServerID, typ DownstreamType, scope Scope, useLast bool) (netip.Prefix, bool) {
	if c.dedicatedWifiP2PIP && typ == TypeWifiP2P {
		addr := tsaddr.ReservedWifiP2PAddress()
		c.downstream[id] = addr
		return addr, true
	}

	key := addressKey{typ, scope}
	if useLast {
		if cached, ok := c.cached[key]; ok && !c.conflictsWithUpstream(cached) {
			c.downstream[id] = cached
			return cached, true
		}
	}

	pools := tsaddr.Pools()
	start := c.randomPoolIndex()
	for i := range pools {
		idx := (start + i) % len(pools)
		if addr, ok := c.chooseFromPool(pools[idx]); ok {
			c.downstream[id] = addr
			c.cached[key] = addr
			return addr, true
		}
	}
	c.logf("no address available for type=%v scope=%v", typ, scope)
	return netip.Prefix{}, false
}

// randomPoolIndex picks a starting pool index weighted ~94%/6%/0.4% toward
// 10/8, 172.16/12, 192.168/16, matching getRandomPrefixIndex exactly: 24
// random bits, thresholds at 0xffff and 0xfffff.
func (c *Coordinator) randomPoolIndex() int {
	v := c.rand.Uint32() & 0xffffff
	switch {
	case v > 0xfffff:
		return tsaddr.Pool10
	case v > 0xffff:
		return tsaddr.Pool172016
	default:
		return tsaddr.Pool192168
	}
}

// chooseFromPool tries up to 20 random /24 candidates within pool,
// rejecting host octets {0,1,255}, the fixed commonly-used subnets, the
// 10.0-10.10 range, and anything conflicting with a known upstream or
// in-use downstream prefix.
func (c *Coordinator) chooseFromPool(pool netip.Prefix) (netip.Prefix, bool) {
	base := pool.Masked().Addr().As4()
	baseInt := be32(base)
	poolMask := ^uint32(0) << (32 - pool.Bits())

	for i := 0; i < 20; i++ {
		suffix := c.rand.Uint32() & ^poolMask
		candidateInt := baseInt | suffix
		candidateAddr := fromBE32(candidateInt)

		if tsaddr.RejectHostOctet(candidateAddr) {
			continue
		}
		if tsaddr.RejectedRanges().Contains(candidateAddr) {
			continue
		}

		candidate := netip.PrefixFrom(candidateAddr, tsaddr.PrefixLength).Masked()
		if c.conflictsWithUpstream(candidate) || c.conflictsWithDownstream(candidate) {
			continue
		}
		// The returned address keeps the random host bits as the gateway
		// address (never .0, .1 or .255 within the chosen /24), matching
		// chooseDownstreamAddress.
		gateway := netip.PrefixFrom(candidateAddr, tsaddr.PrefixLength)
		return gateway, true
	}
	return netip.Prefix{}, false
}

func (c *Coordinator) conflictsWithUpstream(p netip.Prefix) bool {
	for _, prefixes := range c.upstreams {
		if tsaddr.ConflictsAny(p, prefixes) {
			return true
		}
	}
	return false
}

func (c *Coordinator) conflictsWithDownstream(p netip.Prefix) bool {
	for _, cached := range c.cached {
		if tsaddr.Conflicts(p, cached) {
			return true
		}
	}
	for _, active := range c.downstream {
		if tsaddr.Conflicts(p, active) {
			return true
		}
	}
	return false
}

// ReleaseDownstream removes id from the active set. The cached address for
// its (type, scope) key is retained so a later UseLast request can reuse
// it.
func (c *Coordinator) ReleaseDownstream(id ServerID) {
	delete(c.downstream, id)
}

// UpdateUpstreamPrefix replaces network's tracked IPv4 prefixes with those
// derived from addrs, then notifies any active downstream whose prefix now
// overlaps one of them. isVPN, when true, is treated as if the upstream
// had disappeared (VPNs never anchor conflict detection).
func (c *Coordinator) UpdateUpstreamPrefix(network any, addrs []netip.Prefix, isVPN bool) {
	if isVPN {
		c.RemoveUpstreamPrefix(network)
		return
	}
	v4 := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		if a.Addr().Is4() {
			v4 = append(v4, a)
		}
	}
	if len(v4) == 0 {
		c.RemoveUpstreamPrefix(network)
		return
	}
	c.upstreams[network] = v4
	c.notifyConflicts(v4)
}

func (c *Coordinator) notifyConflicts(prefixes []netip.Prefix) {
	for id, held := range c.downstream {
		if tsaddr.ConflictsAny(held, prefixes) {
			c.logf("prefix conflict: downstream %v holds %v", id, held)
			if c.conflicts != nil {
				c.conflicts.Publish(PrefixConflict{ID: id})
			}
		}
	}
}

// RemoveUpstreamPrefix drops network's tracked prefixes entirely.
func (c *Coordinator) RemoveUpstreamPrefix(network any) {
	delete(c.upstreams, network)
}

// MaybeRemoveDeprecatedUpstreams drops any tracked network absent from
// currentNetworks. Called once when the orchestrator (re)starts.
func (c *Coordinator) MaybeRemoveDeprecatedUpstreams(currentNetworks []any) {
	if len(c.upstreams) == 0 {
		return
	}
	present := make(map[any]bool, len(currentNetworks))
	for _, n := range currentNetworks {
		present[n] = true
	}
	for n := range c.upstreams {
		if !present[n] {
			delete(c.upstreams, n)
		}
	}
}

func be32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromBE32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
