package routing

import (
	"net/netip"
	"testing"

	"tethercore.dev/types/result"
)

type fakeKernel struct {
	addRouteErr                   *result.Error
	configureAddrErr              *result.Error
	removeAddrErr                 *result.Error
	addInterfaceForwardErr        *result.Error
	removeInterfaceFromNetworkErr *result.Error

	addInterfaceForwardCalls []string
	removeAddrCalls          int
}

func (f *fakeKernel) AddRoute(NetworkID, Route) *result.Error    { return f.addRouteErr }
func (f *fakeKernel) RemoveRoute(NetworkID, Route) *result.Error { return nil }
func (f *fakeKernel) UpdateRoute(NetworkID, Route) *result.Error { return nil }
func (f *fakeKernel) AddInterfaceToNetwork(NetworkID, string) *result.Error {
	return nil
}
func (f *fakeKernel) RemoveInterfaceFromNetwork(NetworkID, string) *result.Error {
	return f.removeInterfaceFromNetworkErr
}
func (f *fakeKernel) AddInterfaceForward(from, to string) *result.Error {
	f.addInterfaceForwardCalls = append(f.addInterfaceForwardCalls, from+"->"+to)
	return f.addInterfaceForwardErr
}
func (f *fakeKernel) RemoveInterfaceForward(string, string) *result.Error { return nil }
func (f *fakeKernel) ConfigureInterfaceAddress(string, netip.Prefix) *result.Error {
	return f.configureAddrErr
}
func (f *fakeKernel) RemoveInterfaceAddress(string, netip.Prefix) *result.Error {
	f.removeAddrCalls++
	return f.removeAddrErr
}
func (f *fakeKernel) IPForwardEnable() *result.Error                     { return nil }
func (f *fakeKernel) IPForwardDisable() *result.Error                    { return nil }
func (f *fakeKernel) TetherStart([]string) *result.Error                 { return nil }
func (f *fakeKernel) TetherStop() *result.Error                          { return nil }
func (f *fakeKernel) TetherDNSSet(NetworkID, []string) *result.Error     { return nil }

func TestWrapConvertsNilToNilError(t *testing.T) {
	if err := wrap(nil); err != nil {
		t.Fatalf("wrap(nil) = %v, want nil", err)
	}
}

func TestWrapPropagatesResultError(t *testing.T) {
	re := result.Errorf("addRoute", 5, nil)
	if err := wrap(re); err == nil {
		t.Fatal("expected a non-nil error")
	}
}

func TestAddRoutePropagatesKernelError(t *testing.T) {
	k := &fakeKernel{addRouteErr: result.Errorf("addRoute", 5, nil)}
	c := New(t.Logf, k)
	if err := c.AddRoute(nil, Route{}); err == nil {
		t.Fatal("expected AddRoute to propagate the kernel error")
	}
}

func TestUpdateInterfaceAddressAddsBeforeRemoving(t *testing.T) {
	k := &fakeKernel{}
	c := New(t.Logf, k)
	oldPrefix := netip.MustParsePrefix("192.168.1.1/24")
	newPrefix := netip.MustParsePrefix("192.168.2.1/24")

	if err := c.UpdateInterfaceAddress("wlan0", oldPrefix, newPrefix); err != nil {
		t.Fatalf("UpdateInterfaceAddress: %v", err)
	}
	if k.removeAddrCalls != 1 {
		t.Fatalf("expected exactly one remove-address call, got %d", k.removeAddrCalls)
	}
}

func TestUpdateInterfaceAddressSkipsRemoveOnConfigureFailure(t *testing.T) {
	k := &fakeKernel{configureAddrErr: result.Errorf("configureInterfaceAddress", 5, nil)}
	c := New(t.Logf, k)
	oldPrefix := netip.MustParsePrefix("192.168.1.1/24")
	newPrefix := netip.MustParsePrefix("192.168.2.1/24")

	if err := c.UpdateInterfaceAddress("wlan0", oldPrefix, newPrefix); err == nil {
		t.Fatal("expected an error when configuring the new address fails")
	}
	if k.removeAddrCalls != 0 {
		t.Fatalf("expected no remove-address call after a failed configure, got %d", k.removeAddrCalls)
	}
}

func TestSetUpstreamInterfacesForwardsToEachUpstream(t *testing.T) {
	k := &fakeKernel{}
	c := New(t.Logf, k)
	if err := c.SetUpstreamInterfaces("wlan0", InterfaceSet{Ifaces: []string{"rmnet0", "eth0"}}); err != nil {
		t.Fatalf("SetUpstreamInterfaces: %v", err)
	}
	if len(k.addInterfaceForwardCalls) != 2 {
		t.Fatalf("expected 2 forward calls, got %v", k.addInterfaceForwardCalls)
	}
}

func TestSetUpstreamInterfacesStopsOnFirstFailure(t *testing.T) {
	k := &fakeKernel{addInterfaceForwardErr: result.Errorf("addInterfaceForward", 5, nil)}
	c := New(t.Logf, k)
	if err := c.SetUpstreamInterfaces("wlan0", InterfaceSet{Ifaces: []string{"rmnet0", "eth0"}}); err == nil {
		t.Fatal("expected an error from the first failing forward call")
	}
	if len(k.addInterfaceForwardCalls) != 1 {
		t.Fatalf("expected to stop after the first failure, got %v", k.addInterfaceForwardCalls)
	}
}

func TestInterfaceSetEqualIgnoresOrder(t *testing.T) {
	a := InterfaceSet{Ifaces: []string{"rmnet0", "eth0"}}
	b := InterfaceSet{Ifaces: []string{"eth0", "rmnet0"}}
	if !a.Equal(b) {
		t.Fatal("expected InterfaceSet.Equal to ignore ordering")
	}
	c := InterfaceSet{Ifaces: []string{"eth0"}}
	if a.Equal(c) {
		t.Fatal("expected InterfaceSet.Equal to report inequality for different sets")
	}
}
