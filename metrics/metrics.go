// Package metrics holds the ambient counters the tethering control plane
// exposes to its own logging and health surfaces. There is no HTTP scrape
// endpoint here: publishing these to Prometheus (or any other collector) is
// an external collaborator's job, not this module's, so everything below
// only needs to satisfy expvar's own registry.
package metrics

import (
	"expvar"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// LabelMap is a struct-value-to-*expvar.Int map, generalized from the
// teacher's own MultiLabelMap: a struct type's fields (lowercased, or a
// "label" tag) become the map's label set, keeping counters comparable and
// enumerable without a code-generated metric per label combination.
type LabelMap[T comparable] struct {
	mu     sync.Mutex
	counts map[T]*expvar.Int
	sorted []T // by label string, for deterministic Do iteration
}

// NewLabelMap creates and publishes (via expvar.Publish) a LabelMap under
// name. Publishing early, at construction, matches expvar's own idiom of
// registering vars once at startup rather than lazily.
func NewLabelMap[T comparable](name string) *LabelMap[T] {
	var zero T
	_ = labelString(zero) // panic early if T is an unsupported shape
	m := &LabelMap[T]{counts: map[T]*expvar.Int{}}
	expvar.Publish(name, m)
	return m
}

func labelString(k any) string {
	rv := reflect.ValueOf(k)
	t := rv.Type()
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("metrics: LabelMap key must be a struct, got %v", t))
	}
	var sb strings.Builder
	for i := range t.NumField() {
		if i > 0 {
			sb.WriteByte(',')
		}
		ft := t.Field(i)
		label := ft.Tag.Get("label")
		if label == "" {
			label = strings.ToLower(ft.Name)
		}
		fv := rv.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fmt.Fprintf(&sb, "%s=%q", label, fv.String())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fmt.Fprintf(&sb, "%s=%d", label, fv.Int())
		case reflect.Bool:
			fmt.Fprintf(&sb, "%s=%v", label, fv.Bool())
		default:
			panic(fmt.Sprintf("metrics: LabelMap key field %q has unsupported type %v", ft.Name, fv.Type()))
		}
	}
	return sb.String()
}

// String implements expvar.Var by rendering as a JSON-ish object, matching
// what expvar.Map itself produces for debug/handler output.
func (m *LabelMap[T]) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range m.sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%q:%s", labelString(k), m.counts[k].String())
	}
	sb.WriteByte('}')
	return sb.String()
}

// Add increments the counter for key by delta, creating it on first use.
func (m *LabelMap[T]) Add(key T, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[key]
	if !ok {
		c = new(expvar.Int)
		m.counts[key] = c
		ls := labelString(key)
		i := sort.Search(len(m.sorted), func(i int) bool { return labelString(m.sorted[i]) >= ls })
		m.sorted = append(m.sorted, key)
		copy(m.sorted[i+1:], m.sorted[i:])
		m.sorted[i] = key
	}
	c.Add(delta)
}

// Get returns the current value for key, or 0 if it has never been touched.
func (m *LabelMap[T]) Get(key T) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[key]
	if !ok {
		return 0
	}
	return c.Value()
}

// KernelErrorLabels identifies which orchestrator error state a kernel
// operation failure landed in, keyed the same way tether.State names its
// error states.
type KernelErrorLabels struct {
	State string `label:"state"`
	Op    string `label:"op"`
}

// DownstreamLabels identifies a served interface by tethering type, matching
// addrcoord.DownstreamType's String().
type DownstreamLabels struct {
	Type string `label:"type"`
}

// UpstreamLabels identifies the interface type an upstream network switch
// landed on.
type UpstreamLabels struct {
	Type string `label:"type"`
}

// Registry is the set of counters the tethering daemon publishes. It's
// intentionally sparse: only the events an operator diagnosing a stuck
// tethering session would want a count of.
type Registry struct {
	initOnce sync.Once

	tetheringStarts   *expvar.Int
	tetheringStops    *expvar.Int
	kernelErrors      *LabelMap[KernelErrorLabels]
	downstreamActive  *LabelMap[DownstreamLabels]
	upstreamSwitches  *LabelMap[UpstreamLabels]
	upstreamLost      *expvar.Int
	clatActivations   *expvar.Int
	retryUpstreamRuns *expvar.Int
}

// NewRegistry constructs a Registry and publishes its counters under
// name-prefixed expvar keys, so multiple Registries (e.g. one per test) don't
// collide in the process-global expvar map.
func NewRegistry(namePrefix string) *Registry {
	r := &Registry{}
	r.initOnce.Do(func() {
		r.tetheringStarts = expvar.NewInt(namePrefix + "_tethering_starts_total")
		r.tetheringStops = expvar.NewInt(namePrefix + "_tethering_stops_total")
		r.kernelErrors = NewLabelMap[KernelErrorLabels](namePrefix + "_kernel_errors_total")
		r.downstreamActive = NewLabelMap[DownstreamLabels](namePrefix + "_downstream_active")
		r.upstreamSwitches = NewLabelMap[UpstreamLabels](namePrefix + "_upstream_switches_total")
		r.upstreamLost = expvar.NewInt(namePrefix + "_upstream_lost_total")
		r.clatActivations = expvar.NewInt(namePrefix + "_clat_activations_total")
		r.retryUpstreamRuns = expvar.NewInt(namePrefix + "_retry_upstream_runs_total")
	})
	return r
}

// TetheringStarted records that the orchestrator entered its alive state.
func (r *Registry) TetheringStarted() { r.tetheringStarts.Add(1) }

// TetheringStopped records that the orchestrator returned to its initial
// state.
func (r *Registry) TetheringStopped() { r.tetheringStops.Add(1) }

// KernelError records a kernel-operation failure that pushed the
// orchestrator into an error state.
func (r *Registry) KernelError(state, op string) {
	r.kernelErrors.Add(KernelErrorLabels{State: state, Op: op}, 1)
}

// SetDownstreamActive records the current count of actively-forwarded
// downstreams of the given type.
func (r *Registry) SetDownstreamActive(typ string, n int) {
	cur := r.downstreamActive.Get(DownstreamLabels{Type: typ})
	r.downstreamActive.Add(DownstreamLabels{Type: typ}, int64(n)-cur)
}

// UpstreamSwitched records that tethering picked a new upstream network of
// the given interface type.
func (r *Registry) UpstreamSwitched(typ string) {
	r.upstreamSwitches.Add(UpstreamLabels{Type: typ}, 1)
}

// UpstreamLost records that the previously-active upstream went away.
func (r *Registry) UpstreamLost() { r.upstreamLost.Add(1) }

// CLATActivated records that a CLAT/NAT64 controller started translating for
// a downstream that lacked native IPv4 upstream connectivity.
func (r *Registry) CLATActivated() { r.clatActivations.Add(1) }

// RetryUpstreamRan records one run of the upstream retry timer, whether or
// not it ended up finding a candidate.
func (r *Registry) RetryUpstreamRan() { r.retryUpstreamRuns.Add(1) }

// KernelErrorCount returns how many times KernelError(state, op) has fired.
func (r *Registry) KernelErrorCount(state, op string) int64 {
	return r.kernelErrors.Get(KernelErrorLabels{State: state, Op: op})
}

// TetheringStartedCount returns how many times TetheringStarted has fired.
func (r *Registry) TetheringStartedCount() int64 { return r.tetheringStarts.Value() }

// TetheringStoppedCount returns how many times TetheringStopped has fired.
func (r *Registry) TetheringStoppedCount() int64 { return r.tetheringStops.Value() }

// UpstreamSwitchedCount returns how many times UpstreamSwitched(typ) has
// fired for the given interface type.
func (r *Registry) UpstreamSwitchedCount(typ string) int64 {
	return r.upstreamSwitches.Get(UpstreamLabels{Type: typ})
}

// DownstreamActiveCount returns the last reported forwarded-downstream count
// for the given interface type.
func (r *Registry) DownstreamActiveCount(typ string) int64 {
	return r.downstreamActive.Get(DownstreamLabels{Type: typ})
}
