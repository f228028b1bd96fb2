package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersNoOpBeforeRegister(t *testing.T) {
	if regOK.Load() {
		t.Skip("metrics already registered by another test")
	}
	// None of these may panic or record before Register is called.
	IncStart("x")
	IncStop("x")
	IncConflict("x")
	IncRecovery("x")
	RecordStateTransition("x", "idle", "stopping")
	SetCurrentState("x", "idle", true)
}

func TestRegisterAndRecord(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Second registration is a no-op.
	if err := Register(r); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	IncStart("mybot")
	IncConflict("mybot")
	IncConflict("mybot")
	IncRecovery("mybot")
	RecordStateTransition("mybot", "running", "conflict")
	SetCurrentState("mybot", "running", true)
	SetCurrentState("mybot", "running", false)

	if got := testutil.ToFloat64(clientStarts.WithLabelValues("mybot")); got != 1 {
		t.Fatalf("starts = %v", got)
	}
	if got := testutil.ToFloat64(conflicts.WithLabelValues("mybot")); got != 2 {
		t.Fatalf("conflicts = %v", got)
	}
	if got := testutil.ToFloat64(recoveries.WithLabelValues("mybot")); got != 1 {
		t.Fatalf("recoveries = %v", got)
	}
	if got := testutil.ToFloat64(stateTransitions.WithLabelValues("mybot", "running", "conflict")); got != 1 {
		t.Fatalf("transitions = %v", got)
	}
	if got := testutil.ToFloat64(currentState.WithLabelValues("mybot", "running")); got != 0 {
		t.Fatalf("current state = %v", got)
	}

	names, err := r.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, mf := range names {
		if strings.HasPrefix(mf.GetName(), "botlock_") {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("no botlock_ metrics gathered")
	}
}
