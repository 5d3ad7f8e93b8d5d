package metrics

import "testing"

func TestLabelMapAddAccumulatesPerKey(t *testing.T) {
	m := NewLabelMap[KernelErrorLabels]("test_label_map_accumulates")
	m.Add(KernelErrorLabels{State: "StartTetheringError", Op: "TetherStart"}, 1)
	m.Add(KernelErrorLabels{State: "StartTetheringError", Op: "TetherStart"}, 1)
	m.Add(KernelErrorLabels{State: "IPForwardEnableError", Op: "IPForwardEnable"}, 1)

	if got := m.Get(KernelErrorLabels{State: "StartTetheringError", Op: "TetherStart"}); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := m.Get(KernelErrorLabels{State: "IPForwardEnableError", Op: "IPForwardEnable"}); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := m.Get(KernelErrorLabels{State: "never touched"}); got != 0 {
		t.Fatalf("got %d, want 0 for an untouched key", got)
	}
}

func TestLabelMapStringRendersAllKeys(t *testing.T) {
	m := NewLabelMap[UpstreamLabels]("test_label_map_string")
	m.Add(UpstreamLabels{Type: "wifi"}, 3)
	m.Add(UpstreamLabels{Type: "cellular"}, 1)

	s := m.String()
	if s == "{}" || s == "" {
		t.Fatalf("expected a non-empty rendering, got %q", s)
	}
}

func TestRegistryCountersIndependentByPrefix(t *testing.T) {
	a := NewRegistry("test_registry_a")
	b := NewRegistry("test_registry_b")

	a.TetheringStarted()
	a.TetheringStarted()
	b.TetheringStarted()

	if got := a.tetheringStarts.Value(); got != 2 {
		t.Fatalf("registry a: got %d starts, want 2", got)
	}
	if got := b.tetheringStarts.Value(); got != 1 {
		t.Fatalf("registry b: got %d starts, want 1", got)
	}
}

func TestSetDownstreamActiveTracksDelta(t *testing.T) {
	r := NewRegistry("test_registry_downstream_active")
	r.SetDownstreamActive("wifi", 2)
	if got := r.downstreamActive.Get(DownstreamLabels{Type: "wifi"}); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	r.SetDownstreamActive("wifi", 1)
	if got := r.downstreamActive.Get(DownstreamLabels{Type: "wifi"}); got != 1 {
		t.Fatalf("got %d after decreasing, want 1", got)
	}
}

func TestKernelErrorAndUpstreamCounters(t *testing.T) {
	r := NewRegistry("test_registry_events")
	r.KernelError("StartTetheringError", "TetherStart")
	r.UpstreamSwitched("cellular")
	r.UpstreamLost()
	r.CLATActivated()
	r.RetryUpstreamRan()

	if got := r.kernelErrors.Get(KernelErrorLabels{State: "StartTetheringError", Op: "TetherStart"}); got != 1 {
		t.Fatalf("got %d kernel errors, want 1", got)
	}
	if got := r.upstreamSwitches.Get(UpstreamLabels{Type: "cellular"}); got != 1 {
		t.Fatalf("got %d upstream switches, want 1", got)
	}
	if got := r.upstreamLost.Value(); got != 1 {
		t.Fatalf("got %d upstream-lost events, want 1", got)
	}
	if got := r.clatActivations.Value(); got != 1 {
		t.Fatalf("got %d clat activations, want 1", got)
	}
	if got := r.retryUpstreamRuns.Value(); got != 1 {
		t.Fatalf("got %d retry-upstream runs, want 1", got)
	}
}
