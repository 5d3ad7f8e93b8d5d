package dhcp

import (
	"net"
	"net/netip"
	"testing"
)

func TestLeaseAddrForIsStablePerHardwareAddress(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.43.1/24")
	hw, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")

	a, ok := leaseAddrFor(prefix, hw)
	if !ok {
		t.Fatal("expected a lease address for a /24 prefix")
	}
	b, ok := leaseAddrFor(prefix, hw)
	if !ok || !a.Equal(b) {
		t.Fatalf("expected the same client to derive the same address twice, got %v and %v", a, b)
	}
	if a.Equal(net.IP(prefix.Addr().AsSlice())) {
		t.Fatal("lease address must not collide with the gateway address")
	}
}

func TestLeaseAddrForRejectsNonSlash24(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.43.0/28")
	hw, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	if _, ok := leaseAddrFor(prefix, hw); ok {
		t.Fatal("expected leaseAddrFor to refuse a non-/24 prefix")
	}
}

func TestLeaseAddrForVariesAcrossHardwareAddresses(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.43.1/24")
	hw1, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")
	hw2, _ := net.ParseMAC("aa:bb:cc:dd:ee:02")

	a, _ := leaseAddrFor(prefix, hw1)
	b, _ := leaseAddrFor(prefix, hw2)
	if a.Equal(b) {
		t.Fatal("expected different hardware addresses to usually derive different lease addresses")
	}
}

func TestReconfigureFailsForUnstartedInterface(t *testing.T) {
	m := New(t.Logf)
	if err := m.Reconfigure("wlan0", netip.MustParsePrefix("192.168.43.1/24")); err == nil {
		t.Fatal("expected an error reconfiguring an interface that was never started")
	}
}

func TestStopIsANoOpForUnknownInterface(t *testing.T) {
	m := New(t.Logf)
	m.Stop("wlan0") // must not panic
}

func TestServerInterfaceSatisfiedByManager(t *testing.T) {
	var _ Server = (*Manager)(nil)
}
