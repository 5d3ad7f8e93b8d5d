package callback

import "testing"

type recordingListener struct {
	states []State
}

func (r *recordingListener) OnSupportedTypesChanged(types []int)   {}
func (r *recordingListener) OnUpstreamChanged(iface string)        {}
func (r *recordingListener) OnConfigurationChanged(generation int) {}
func (r *recordingListener) OnTetherStatesChanged(s State)         { r.states = append(r.states, s) }
func (r *recordingListener) OnClientsChanged(downstream string)    {}
func (r *recordingListener) OnOffloadStatusChanged(status int)     {}

func stateWithOwnedConfig(uid int) State {
	return State{
		Downstreams: []DownstreamSnapshot{
			{InterfaceName: "wlan0", RequestUID: uid, SoftAPConfig: &SoftAPConfig{SSID: "hotspot"}},
		},
	}
}

func TestUnprivilegedNonOwnerDoesNotSeeSoftAPConfig(t *testing.T) {
	r := New(t.Logf)
	l := &recordingListener{}
	r.Register(Cookie{UID: 999}, l)

	r.BroadcastTetherStatesChanged(stateWithOwnedConfig(42))

	if len(l.states) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(l.states))
	}
	if l.states[0].Downstreams[0].SoftAPConfig != nil {
		t.Fatal("expected SoftAPConfig to be redacted for a non-owning, unprivileged listener")
	}
}

func TestOwnerSeesSoftAPConfig(t *testing.T) {
	r := New(t.Logf)
	l := &recordingListener{}
	r.Register(Cookie{UID: 42}, l)

	r.BroadcastTetherStatesChanged(stateWithOwnedConfig(42))

	if l.states[0].Downstreams[0].SoftAPConfig == nil {
		t.Fatal("expected the request owner to see its own SoftAPConfig")
	}
}

func TestSystemPrivilegedListenerSeesSoftAPConfig(t *testing.T) {
	r := New(t.Logf)
	l := &recordingListener{}
	r.Register(Cookie{UID: 999, HasSystemPrivilege: true}, l)

	r.BroadcastTetherStatesChanged(stateWithOwnedConfig(42))

	if l.states[0].Downstreams[0].SoftAPConfig == nil {
		t.Fatal("expected a system-privileged listener to see SoftAPConfig")
	}
}

func TestClientsChangedOnlyReachesPrivilegedListeners(t *testing.T) {
	r := New(t.Logf)
	var privilegedCalls, unprivilegedCalls int
	r.Register(Cookie{HasSystemPrivilege: true}, &funcListener{onClients: func(string) { privilegedCalls++ }})
	r.Register(Cookie{HasSystemPrivilege: false}, &funcListener{onClients: func(string) { unprivilegedCalls++ }})

	r.BroadcastClientsChanged("wlan0")

	if privilegedCalls != 1 {
		t.Fatalf("privileged listener calls = %d, want 1", privilegedCalls)
	}
	if unprivilegedCalls != 0 {
		t.Fatalf("unprivileged listener calls = %d, want 0", unprivilegedCalls)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r := New(t.Logf)
	l := &recordingListener{}
	id := r.Register(Cookie{}, l)
	r.Unregister(id)

	r.BroadcastTetherStatesChanged(State{})

	if len(l.states) != 0 {
		t.Fatal("expected no delivery after unregistering")
	}
}

type funcListener struct {
	onClients func(string)
}

func (f *funcListener) OnSupportedTypesChanged(types []int)   {}
func (f *funcListener) OnUpstreamChanged(iface string)        {}
func (f *funcListener) OnConfigurationChanged(generation int) {}
func (f *funcListener) OnTetherStatesChanged(s State)         {}
func (f *funcListener) OnClientsChanged(downstream string) {
	if f.onClients != nil {
		f.onClients(downstream)
	}
}
func (f *funcListener) OnOffloadStatusChanged(status int) {}
