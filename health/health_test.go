package health

import (
	"errors"
	"testing"
)

func TestWarnableSetNotifiesOnlyOnChange(t *testing.T) {
	r := NewRegistry()
	w := r.Warnable(SysRouting)

	var calls []error
	r.RegisterWatcher(func(sub Subsystem, err error) {
		if sub == SysRouting {
			calls = append(calls, err)
		}
	})

	err1 := errors.New("boom")
	w.Set(err1)
	w.Set(err1)
	w.Set(nil)
	w.Set(nil)

	if len(calls) != 2 {
		t.Fatalf("expected exactly 2 notifications (set then clear), got %d: %v", len(calls), calls)
	}
	if calls[0] == nil || calls[1] != nil {
		t.Fatalf("expected [err, nil], got %v", calls)
	}
}

func TestWarnableReturnsSameInstanceForSameSubsystem(t *testing.T) {
	r := NewRegistry()
	a := r.Warnable(SysOffload)
	b := r.Warnable(SysOffload)
	a.Set(errors.New("x"))
	if b.Get() == nil {
		t.Fatal("expected Warnable(SysOffload) to return the same instance across calls")
	}
}

func TestOverallErrorReturnsFirstBySubsystemName(t *testing.T) {
	r := NewRegistry()
	r.Warnable(SysUpstream).Set(errors.New("upstream broke"))
	r.Warnable(SysDHCP).Set(errors.New("dhcp broke"))

	err := r.OverallError()
	if err == nil {
		t.Fatal("expected a non-nil overall error")
	}
	// "dhcp" < "upstream" lexically, so DHCP's error should win.
	if err.Error() != "dhcp broke" {
		t.Fatalf("got %q, want the alphabetically first failing subsystem's error", err.Error())
	}
}

func TestOverallErrorIsNilWhenHealthy(t *testing.T) {
	r := NewRegistry()
	r.Warnable(SysNat464)
	if err := r.OverallError(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestUnregisterStopsFurtherNotifications(t *testing.T) {
	r := NewRegistry()
	w := r.Warnable(SysAddressCoordinator)

	n := 0
	unregister := r.RegisterWatcher(func(Subsystem, error) { n++ })
	w.Set(errors.New("first"))
	unregister()
	w.Set(errors.New("second"))

	if n != 1 {
		t.Fatalf("expected exactly 1 notification before unregistering, got %d", n)
	}
}
