package ipserver

import (
	"net/netip"
	"testing"

	"tethercore.dev/addrcoord"
	"tethercore.dev/routing"
	"tethercore.dev/types/result"
)

type fakeAllocator struct {
	prefix    netip.Prefix
	available bool
	released  []addrcoord.ServerID
}

func (f *fakeAllocator) RequestDownstreamAddress(id addrcoord.ServerID, typ addrcoord.DownstreamType, scope addrcoord.Scope, useLast bool) (netip.Prefix, bool) {
	return f.prefix, f.available
}

func (f *fakeAllocator) ReleaseDownstream(id addrcoord.ServerID) {
	f.released = append(f.released, id)
}

type fakeKernel struct{}

func (f *fakeKernel) AddRoute(routing.NetworkID, routing.Route) *result.Error              { return nil }
func (f *fakeKernel) RemoveRoute(routing.NetworkID, routing.Route) *result.Error           { return nil }
func (f *fakeKernel) UpdateRoute(routing.NetworkID, routing.Route) *result.Error           { return nil }
func (f *fakeKernel) AddInterfaceToNetwork(routing.NetworkID, string) *result.Error        { return nil }
func (f *fakeKernel) RemoveInterfaceFromNetwork(routing.NetworkID, string) *result.Error   { return nil }
func (f *fakeKernel) AddInterfaceForward(string, string) *result.Error                     { return nil }
func (f *fakeKernel) RemoveInterfaceForward(string, string) *result.Error                  { return nil }
func (f *fakeKernel) ConfigureInterfaceAddress(string, netip.Prefix) *result.Error         { return nil }
func (f *fakeKernel) RemoveInterfaceAddress(string, netip.Prefix) *result.Error            { return nil }
func (f *fakeKernel) IPForwardEnable() *result.Error                                       { return nil }
func (f *fakeKernel) IPForwardDisable() *result.Error                                      { return nil }
func (f *fakeKernel) TetherStart([]string) *result.Error                                   { return nil }
func (f *fakeKernel) TetherStop() *result.Error                                            { return nil }
func (f *fakeKernel) TetherDNSSet(routing.NetworkID, []string) *result.Error               { return nil }

type fakeDHCP struct {
	started      map[string]netip.Prefix
	reconfigured map[string]netip.Prefix
	stopped      []string
	failStart    bool
	failReconfig bool
}

func newFakeDHCP() *fakeDHCP {
	return &fakeDHCP{started: map[string]netip.Prefix{}, reconfigured: map[string]netip.Prefix{}}
}

func (f *fakeDHCP) Start(iface string, prefix netip.Prefix) error {
	if f.failStart {
		return errFake
	}
	f.started[iface] = prefix
	return nil
}

func (f *fakeDHCP) Reconfigure(iface string, prefix netip.Prefix) error {
	if f.failReconfig {
		return errFake
	}
	f.reconfigured[iface] = prefix
	return nil
}

func (f *fakeDHCP) Stop(iface string) {
	f.stopped = append(f.stopped, iface)
}

type errString string

func (e errString) Error() string { return string(e) }

const errFake = errString("fake failure")

type fakeCallback struct {
	activeMode   ServingMode
	activeCalled bool
	inactive     bool
	lastErr      LastError
}

func (c *fakeCallback) OnServingStateActive(s *Server, mode ServingMode) {
	c.activeCalled = true
	c.activeMode = mode
}
func (c *fakeCallback) OnServingStateInactive(s *Server) { c.inactive = true }
func (c *fakeCallback) OnLastErrorChanged(s *Server, err LastError) { c.lastErr = err }

func newTestServer(t *testing.T, addr *fakeAllocator, dhcpSrv *fakeDHCP, cb Callback) *Server {
	t.Helper()
	rt := routing.New(t.Logf, &fakeKernel{})
	return New("wlan0-holder", "wlan0", addrcoord.TypeWifi, false, t.Logf, addr, rt, dhcpSrv, cb)
}

func TestEnableTetheredHappyPath(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.43.1/24")
	addr := &fakeAllocator{prefix: prefix, available: true}
	dhcpSrv := newFakeDHCP()
	cb := &fakeCallback{}
	s := newTestServer(t, addr, dhcpSrv, cb)

	s.Start()
	if s.Phase() != Available {
		t.Fatalf("phase = %v, want AVAILABLE", s.Phase())
	}

	if err := s.Enable(ModeTethered, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if s.Phase() != Tethered {
		t.Fatalf("phase = %v, want TETHERED", s.Phase())
	}
	if got, _ := s.Prefix(); got != prefix {
		t.Fatalf("prefix = %v, want %v", got, prefix)
	}
	if !cb.activeCalled || cb.activeMode != ModeTethered {
		t.Fatal("expected OnServingStateActive(TETHERED)")
	}
	if dhcpSrv.started["wlan0"] != prefix {
		t.Fatal("expected dhcp started with the assigned prefix")
	}
}

func TestEnableFailsWithoutAddress(t *testing.T) {
	addr := &fakeAllocator{available: false}
	cb := &fakeCallback{}
	s := newTestServer(t, addr, newFakeDHCP(), cb)
	s.Start()

	if err := s.Enable(ModeTethered, false); err == nil {
		t.Fatal("expected an error")
	}
	if s.Phase() != Available {
		t.Fatalf("phase = %v, want AVAILABLE", s.Phase())
	}
	if cb.lastErr != ErrNoAddressAvailable {
		t.Fatalf("lastErr = %v, want ErrNoAddressAvailable", cb.lastErr)
	}
}

func TestEnableRollsBackOnDHCPFailure(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.43.1/24")
	addr := &fakeAllocator{prefix: prefix, available: true}
	dhcpSrv := newFakeDHCP()
	dhcpSrv.failStart = true
	cb := &fakeCallback{}
	s := newTestServer(t, addr, dhcpSrv, cb)
	s.Start()

	if err := s.Enable(ModeTethered, false); err == nil {
		t.Fatal("expected an error")
	}
	if s.Phase() != Available {
		t.Fatalf("phase = %v, want AVAILABLE", s.Phase())
	}
	if cb.lastErr != ErrDHCPServer {
		t.Fatalf("lastErr = %v, want ErrDHCPServer", cb.lastErr)
	}
	if len(addr.released) != 1 {
		t.Fatalf("expected the address to be released on rollback, got %v", addr.released)
	}
}

func TestUnwantedTearsDownAndReturnsToAvailable(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.43.1/24")
	addr := &fakeAllocator{prefix: prefix, available: true}
	dhcpSrv := newFakeDHCP()
	cb := &fakeCallback{}
	s := newTestServer(t, addr, dhcpSrv, cb)
	s.Start()
	if err := s.Enable(ModeLocalOnly, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	s.Unwanted()
	if s.Phase() != Available {
		t.Fatalf("phase = %v, want AVAILABLE", s.Phase())
	}
	if !cb.inactive {
		t.Fatal("expected OnServingStateInactive")
	}
	if len(dhcpSrv.stopped) != 1 || dhcpSrv.stopped[0] != "wlan0" {
		t.Fatalf("expected dhcp stopped, got %v", dhcpSrv.stopped)
	}
}

func TestNotifyPrefixConflictReassignsAddress(t *testing.T) {
	first := netip.MustParsePrefix("192.168.43.1/24")
	addr := &fakeAllocator{prefix: first, available: true}
	dhcpSrv := newFakeDHCP()
	cb := &fakeCallback{}
	s := newTestServer(t, addr, dhcpSrv, cb)
	s.Start()
	if err := s.Enable(ModeTethered, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	second := netip.MustParsePrefix("192.168.44.1/24")
	addr.prefix = second
	s.NotifyPrefixConflict(nil)

	if got, _ := s.Prefix(); got != second {
		t.Fatalf("prefix = %v, want %v", got, second)
	}
	if s.Phase() != Tethered {
		t.Fatalf("phase = %v, want TETHERED after resolving conflict", s.Phase())
	}
	if dhcpSrv.reconfigured["wlan0"] != second {
		t.Fatal("expected dhcp reconfigured with the new prefix")
	}
}

func TestNotifyPrefixConflictWithNoAddressTearsDown(t *testing.T) {
	first := netip.MustParsePrefix("192.168.43.1/24")
	addr := &fakeAllocator{prefix: first, available: true}
	dhcpSrv := newFakeDHCP()
	cb := &fakeCallback{}
	s := newTestServer(t, addr, dhcpSrv, cb)
	s.Start()
	if err := s.Enable(ModeTethered, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	addr.available = false
	s.NotifyPrefixConflict(nil)

	if s.Phase() != Available {
		t.Fatalf("phase = %v, want AVAILABLE", s.Phase())
	}
	if cb.lastErr != ErrNoAddressAvailable {
		t.Fatalf("lastErr = %v, want ErrNoAddressAvailable", cb.lastErr)
	}
}
