// Package callback implements the redacted listener fan-out used to tell
// external observers about tethering state: each listener is registered
// with a cookie describing its privilege, and the snapshot it receives is
// reduced according to that cookie before delivery.
package callback

import (
	"sync"

	"tethercore.dev/types/logger"
)

// Cookie describes the caller that registered a listener: its uid and
// whether it holds system-level privilege (NETWORK_SETTINGS-equivalent).
// A cookie never changes after registration.
type Cookie struct {
	UID                int
	HasSystemPrivilege bool
}

// SoftAPConfig is the subset of a tethering request's SoftAP configuration
// that a listener may or may not see, depending on privilege.
type SoftAPConfig struct {
	SSID string
	Band int
}

// DownstreamSnapshot is one downstream's state as broadcast to listeners.
// SoftAPConfig is nil unless the receiving cookie is entitled to see it.
type DownstreamSnapshot struct {
	InterfaceName string
	RequestUID    int
	Phase         string
	LastError     int
	SoftAPConfig  *SoftAPConfig
}

// State is a full tethering-state broadcast, built once per change and
// then redacted per listener.
type State struct {
	SupportedTypes  []int
	UpstreamIface   string
	Config          int // opaque configuration generation counter
	Downstreams     []DownstreamSnapshot
	OffloadStatus   int
}

// Listener receives redacted broadcasts. A listener implementation must
// not block: it runs synchronously on the broadcasting goroutine, which
// for this module is the single serial tethering event loop.
type Listener interface {
	OnSupportedTypesChanged(types []int)
	OnUpstreamChanged(iface string)
	OnConfigurationChanged(generation int)
	OnTetherStatesChanged(state State)
	OnClientsChanged(downstream string)
	OnOffloadStatusChanged(status int)
}

type entry struct {
	id     int
	cookie Cookie
	l      Listener
}

// Registry holds the set of currently registered listeners and performs
// the privilege-based redaction described by the source's
// beginBroadcast/CallbackCookie pattern, using a plain mutex-guarded slice
// since nothing in this pack implements Android's RemoteCallbackList
// broadcast semantics.
type Registry struct {
	logf logger.Logf

	mu      sync.Mutex
	entries []entry
	nextID  int
}

// New returns an empty Registry.
func New(logf logger.Logf) *Registry {
	return &Registry{logf: logger.WithPrefix(logf, "callback: ")}
}

// Register adds l with cookie describing its privilege, returning an id
// that Unregister accepts.
func (r *Registry) Register(cookie Cookie, l Listener) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.entries = append(r.entries, entry{id: id, cookie: cookie, l: l})
	return id
}

// Unregister removes the listener registered under id, if still present.
func (r *Registry) Unregister(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *Registry) snapshot() []entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// BroadcastSupportedTypes notifies every listener of the current supported
// tethering type bitmap (0 when TETHER_SUPPORTED is off).
func (r *Registry) BroadcastSupportedTypes(types []int) {
	for _, e := range r.snapshot() {
		e.l.OnSupportedTypesChanged(types)
	}
}

// BroadcastUpstreamChanged notifies every listener of a new upstream
// interface name (empty string if none).
func (r *Registry) BroadcastUpstreamChanged(iface string) {
	for _, e := range r.snapshot() {
		e.l.OnUpstreamChanged(iface)
	}
}

// BroadcastConfigurationChanged notifies every listener that the
// TetheringConfiguration generation counter advanced.
func (r *Registry) BroadcastConfigurationChanged(generation int) {
	for _, e := range r.snapshot() {
		e.l.OnConfigurationChanged(generation)
	}
}

// BroadcastOffloadStatusChanged notifies every listener of the offload
// controller's current status.
func (r *Registry) BroadcastOffloadStatusChanged(status int) {
	for _, e := range r.snapshot() {
		e.l.OnOffloadStatusChanged(status)
	}
}

// BroadcastClientsChanged notifies only privileged listeners that clients
// on downstream changed, matching the source's clientsChanged being
// privileged-only.
func (r *Registry) BroadcastClientsChanged(downstream string) {
	for _, e := range r.snapshot() {
		if !e.cookie.HasSystemPrivilege {
			continue
		}
		e.l.OnClientsChanged(downstream)
	}
}

// BroadcastTetherStatesChanged sends state to every listener, redacting
// each downstream's SoftAPConfig per listener: a listener sees the config
// only if it owns the request (cookie.UID == snapshot.RequestUID) or holds
// system privilege, matching the source's literal check.
func (r *Registry) BroadcastTetherStatesChanged(state State) {
	for _, e := range r.snapshot() {
		e.l.OnTetherStatesChanged(redactFor(e.cookie, state))
	}
}

func redactFor(cookie Cookie, state State) State {
	out := state
	out.Downstreams = make([]DownstreamSnapshot, len(state.Downstreams))
	for i, d := range state.Downstreams {
		out.Downstreams[i] = d
		if d.SoftAPConfig == nil {
			continue
		}
		if cookie.HasSystemPrivilege || cookie.UID == d.RequestUID {
			continue
		}
		out.Downstreams[i].SoftAPConfig = nil
	}
	return out
}
