// Package tsaddr handles the private IPv4 ranges the tethering core
// allocates downstream prefixes from: the RFC1918 pools, the fixed
// rejection rules candidate /24s must clear, and the prefix-conflict
// predicate shared by the address coordinator and the upstream tracker.
package tsaddr

import (
	"net/netip"
	"sync"

	"go4.org/netipx"
)

// PrefixLength is the length, in bits, of every downstream prefix this
// module hands out. Keep in sync with any code that assumes a /24.
const PrefixLength = 24

// Pool indices, in the order chooseDownstreamAddress walks them. The order
// matches the weighting in addrcoord's randomPoolIndex: index 0 is the least likely to
// be picked, index 2 the most likely.
const (
	Pool192168 = iota // 192.168.0.0/16
	Pool172016        // 172.16.0.0/12
	Pool10            // 10.0.0.0/8
	numPools
)

var (
	poolsOnce sync.Once
	pools     [numPools]netip.Prefix

	reservedOnce      sync.Once
	reservedWifiP2P   netip.Prefix
	reservedBluetooth netip.Prefix

	rejectedOnce sync.Once
	rejected     *netipx.IPSet
)

func initPools() {
	pools[Pool192168] = netip.MustParsePrefix("192.168.0.0/16")
	pools[Pool172016] = netip.MustParsePrefix("172.16.0.0/12")
	pools[Pool10] = netip.MustParsePrefix("10.0.0.0/8")
}

// Pools returns the three prefix pools downstream addresses are drawn from,
// in the fixed order [192.168.0.0/16, 172.16.0.0/12, 10.0.0.0/8].
func Pools() [numPools]netip.Prefix {
	poolsOnce.Do(initPools)
	return pools
}

// ReservedWifiP2PAddress is the /24 handed out for Wi-Fi P2P downstreams
// when the dedicated-IP policy is enabled.
func ReservedWifiP2PAddress() netip.Prefix {
	reservedOnce.Do(initReserved)
	return reservedWifiP2P
}

// ReservedBluetoothAddress is the default /24 for Bluetooth PAN downstreams
// in global scope, used unless it conflicts with an upstream prefix.
func ReservedBluetoothAddress() netip.Prefix {
	reservedOnce.Do(initReserved)
	return reservedBluetooth
}

func initReserved() {
	reservedWifiP2P = netip.MustParsePrefix("192.168.49.1/24")
	reservedBluetooth = netip.MustParsePrefix("192.168.44.1/24")
}

// RejectedRanges returns the fixed set of addresses no candidate /24 base
// address may fall in: the commonly-squatted 192.168.{0,1,88,100}.0/24
// subnets, and the 10.0.0.0-10.10.255.255 range reserved to avoid clashing
// with common home-router defaults and enterprise VPN ranges.
func RejectedRanges() *netipx.IPSet {
	rejectedOnce.Do(func() {
		var b netipx.IPSetBuilder
		for _, s := range []string{
			"192.168.0.0/24",
			"192.168.1.0/24",
			"192.168.88.0/24",
			"192.168.100.0/24",
		} {
			b.AddPrefix(netip.MustParsePrefix(s))
		}
		b.AddRange(netipx.IPRangeFrom(
			netip.MustParseAddr("10.0.0.0"),
			netip.MustParseAddr("10.10.255.255"),
		))
		set, err := b.IPSet()
		if err != nil {
			panic(err) // unreachable: all inputs are well-formed literals
		}
		rejected = set
	})
	return rejected
}

// RejectHostOctet reports whether the low octet of a candidate IPv4 address
// (0, 1 or 255) makes it unsuitable as a gateway address for a /24.
func RejectHostOctet(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	b := addr.As4()
	switch b[3] {
	case 0, 1, 255:
		return true
	}
	return false
}

// Conflicts reports whether a and b overlap, in either direction: the
// shorter-prefixed one contains the other's base address. This is the
// conflict predicate spec'd for downstream-vs-downstream and
// downstream-vs-upstream prefix comparisons.
func Conflicts(a, b netip.Prefix) bool {
	a, b = a.Masked(), b.Masked()
	if b.Bits() < a.Bits() {
		return b.Contains(a.Addr())
	}
	return a.Contains(b.Addr())
}

// ConflictsAny reports whether p conflicts with any prefix in others.
func ConflictsAny(p netip.Prefix, others []netip.Prefix) bool {
	for _, o := range others {
		if Conflicts(p, o) {
			return true
		}
	}
	return false
}
