package addrcoord

import (
	"net/netip"
	"testing"
)

func TestWifiP2PDedicatedIP(t *testing.T) {
	c := New(t.Logf, Config{DedicatedWifiP2PIP: true})
	addr, ok := c.RequestDownstreamAddress("wifi-p2p-0", TypeWifiP2P, ScopeLocal, false)
	if !ok || addr.String() != "192.168.49.1/24" {
		t.Fatalf("got %v, %v", addr, ok)
	}
}

func TestWifiP2PWithoutDedicatedPolicyUsesPool(t *testing.T) {
	c := New(t.Logf, Config{DedicatedWifiP2PIP: false})
	addr, ok := c.RequestDownstreamAddress("wifi-p2p-0", TypeWifiP2P, ScopeLocal, false)
	if !ok {
		t.Fatal("expected an address")
	}
	if addr == tsaddrReservedWifiP2P(t) {
		t.Fatalf("did not expect the reserved address without the dedicated policy: %v", addr)
	}
}

func tsaddrReservedWifiP2P(t *testing.T) netip.Prefix {
	t.Helper()
	return netip.MustParsePrefix("192.168.49.1/24")
}

func TestBluetoothDefaultsToReservedAddress(t *testing.T) {
	c := New(t.Logf, Config{})
	addr, ok := c.RequestDownstreamAddress("bt-0", TypeBluetooth, ScopeGlobal, true)
	if !ok || addr.String() != "192.168.44.1/24" {
		t.Fatalf("got %v, %v", addr, ok)
	}
}

func TestBluetoothFallsBackWhenReservedConflictsWithUpstream(t *testing.T) {
	c := New(t.Logf, Config{})
	c.UpdateUpstreamPrefix("net0", []netip.Prefix{netip.MustParsePrefix("192.168.44.5/24")}, false)

	addr, ok := c.RequestDownstreamAddress("bt-0", TypeBluetooth, ScopeGlobal, true)
	if !ok {
		t.Fatal("expected a fallback address")
	}
	if addr.String() == "192.168.44.1/24" {
		t.Fatal("expected the coordinator to avoid the conflicting reserved address")
	}
}

func TestNoPairwiseOverlapAcrossManyDownstreams(t *testing.T) {
	c := New(t.Logf, Config{})
	var got []netip.Prefix
	for i := 0; i < 20; i++ {
		addr, ok := c.RequestDownstreamAddress(i, TypeWifi, ScopeGlobal, false)
		if !ok {
			t.Fatalf("request %d: no address available", i)
		}
		got = append(got, addr)
	}
	for i := range got {
		for j := range got {
			if i == j {
				continue
			}
			if conflictsPrefix(got[i], got[j]) {
				t.Fatalf("downstream %d (%v) conflicts with downstream %d (%v)", i, got[i], j, got[j])
			}
		}
	}
}

func conflictsPrefix(a, b netip.Prefix) bool {
	am, bm := a.Masked(), b.Masked()
	if bm.Bits() < am.Bits() {
		return bm.Contains(am.Addr())
	}
	return am.Contains(bm.Addr())
}

func TestUpstreamConflictPrefixAvoidedByLaterRequest(t *testing.T) {
	c := New(t.Logf, Config{})
	addr, ok := c.RequestDownstreamAddress("wifi-0", TypeWifi, ScopeGlobal, false)
	if !ok {
		t.Fatal("expected an address")
	}

	c.UpdateUpstreamPrefix("cell0", []netip.Prefix{addr}, false)

	// A conflict should not silently leave the downstream unaware; without
	// an eventbus wired in, at minimum the upstream tracking itself must
	// have recorded the overlapping prefix so a later request avoids it.
	newAddr, ok := c.RequestDownstreamAddress("wifi-1", TypeWifi, ScopeGlobal, false)
	if !ok {
		t.Fatal("expected an address")
	}
	if conflictsPrefix(newAddr, addr) {
		t.Fatalf("new downstream address %v conflicts with upstream-overlapping prefix %v", newAddr, addr)
	}
}

func TestReleaseThenUseLastRestoresCachedAddress(t *testing.T) {
	c := New(t.Logf, Config{})
	addr, ok := c.RequestDownstreamAddress("wifi-0", TypeWifi, ScopeGlobal, false)
	if !ok {
		t.Fatal("expected an address")
	}
	c.ReleaseDownstream("wifi-0")

	again, ok := c.RequestDownstreamAddress("wifi-0", TypeWifi, ScopeGlobal, true)
	if !ok || again != addr {
		t.Fatalf("expected cached address %v back, got %v (ok=%v)", addr, again, ok)
	}
}

func TestMaybeRemoveDeprecatedUpstreams(t *testing.T) {
	c := New(t.Logf, Config{})
	c.UpdateUpstreamPrefix("stale", []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}, false)
	c.MaybeRemoveDeprecatedUpstreams(nil)
	if _, ok := c.upstreams["stale"]; ok {
		t.Fatal("expected stale upstream to be dropped")
	}
}

func TestVPNUpstreamTreatedAsRemoval(t *testing.T) {
	c := New(t.Logf, Config{})
	c.UpdateUpstreamPrefix("vpn0", []netip.Prefix{netip.MustParsePrefix("192.168.44.0/24")}, true)
	if _, ok := c.upstreams["vpn0"]; ok {
		t.Fatal("VPN upstream should not be tracked")
	}
}
