// Package health tracks the operational status of tethering subsystems as
// a set of Warnables, the way the teacher's health package does, but
// scoped to a Registry instance instead of global state, since this
// module is meant to be embedded rather than run as a singleton daemon.
package health

import "sync"

// Subsystem names one thing being health-checked.
type Subsystem string

const (
	SysAddressCoordinator Subsystem = "address-coordinator"
	SysUpstream           Subsystem = "upstream"
	SysRouting            Subsystem = "routing"
	SysOffload            Subsystem = "offload"
	SysNat464             Subsystem = "nat464"
	SysDHCP               Subsystem = "dhcp"
)

// Warnable is a health check item that may or may not currently be in a
// warning state. The owner of a Warnable calls Set to update it; anyone
// holding the Warnable can call Get to read it.
type Warnable struct {
	subsystem Subsystem
	registry  *Registry

	mu  sync.Mutex
	err error
}

// Subsystem returns which subsystem this Warnable reports on.
func (w *Warnable) Subsystem() Subsystem { return w.subsystem }

// Set updates the Warnable's state. A nil err clears the warning.
func (w *Warnable) Set(err error) {
	w.mu.Lock()
	changed := !errorsEqual(w.err, err)
	w.err = err
	w.mu.Unlock()
	if changed {
		w.registry.notify(w.subsystem, err)
	}
}

// Get returns the Warnable's current error, or nil if healthy.
func (w *Warnable) Get() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Registry owns the Warnables for one running tethering core instance.
type Registry struct {
	mu        sync.Mutex
	warnables map[Subsystem]*Warnable

	watchersMu sync.Mutex
	watchers   map[int]func(Subsystem, error)
	nextID     int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		warnables: map[Subsystem]*Warnable{},
		watchers:  map[int]func(Subsystem, error){},
	}
}

// Warnable returns the Warnable for subsystem, creating it on first use.
func (r *Registry) Warnable(subsystem Subsystem) *Warnable {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.warnables[subsystem]; ok {
		return w
	}
	w := &Warnable{subsystem: subsystem, registry: r}
	r.warnables[subsystem] = w
	return w
}

// RegisterWatcher registers cb to be called whenever any Warnable's state
// changes. It returns a function to unregister.
func (r *Registry) RegisterWatcher(cb func(subsystem Subsystem, err error)) (unregister func()) {
	r.watchersMu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = cb
	r.watchersMu.Unlock()
	return func() {
		r.watchersMu.Lock()
		delete(r.watchers, id)
		r.watchersMu.Unlock()
	}
}

func (r *Registry) notify(subsystem Subsystem, err error) {
	r.watchersMu.Lock()
	cbs := make([]func(Subsystem, error), 0, len(r.watchers))
	for _, cb := range r.watchers {
		cbs = append(cbs, cb)
	}
	r.watchersMu.Unlock()
	for _, cb := range cbs {
		cb(subsystem, err)
	}
}

// OverallError returns the first non-nil error among all tracked
// subsystems, ordered by subsystem name, or nil if every subsystem is
// healthy.
func (r *Registry) OverallError() error {
	r.mu.Lock()
	subs := make([]*Warnable, 0, len(r.warnables))
	for _, w := range r.warnables {
		subs = append(subs, w)
	}
	r.mu.Unlock()
	sortWarnables(subs)
	for _, w := range subs {
		if err := w.Get(); err != nil {
			return err
		}
	}
	return nil
}

func sortWarnables(ws []*Warnable) {
	for i := 1; i < len(ws); i++ {
		for j := i; j > 0 && ws[j].subsystem < ws[j-1].subsystem; j-- {
			ws[j], ws[j-1] = ws[j-1], ws[j]
		}
	}
}

func errorsEqual(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}
