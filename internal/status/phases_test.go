package status

import (
	"testing"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/state"
)

func clusterIn(phase v1alpha1.ClusterPhase) *state.ClusterState {
	cs := state.New("hpc", v1alpha1.ClusterTypeHPC)
	cs.Phase = phase
	return cs
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name      string
		from      v1alpha1.ClusterPhase
		apply     func(*state.ClusterState) error
		to        v1alpha1.ClusterPhase
		wantError bool
	}{
		{"plan new cluster", v1alpha1.ClusterPhaseAbsent, TransitionToPlanned, v1alpha1.ClusterPhasePlanned, false},
		{"plan destroyed cluster", v1alpha1.ClusterPhaseDestroyed, TransitionToPlanned, v1alpha1.ClusterPhasePlanned, false},
		{"plan running cluster", v1alpha1.ClusterPhaseRunning, TransitionToPlanned, "", true},
		{"provision planned", v1alpha1.ClusterPhasePlanned, TransitionToProvisioning, v1alpha1.ClusterPhaseProvisioning, false},
		{"provision stopped", v1alpha1.ClusterPhaseStopped, TransitionToProvisioning, v1alpha1.ClusterPhaseProvisioning, false},
		{"retry partial", v1alpha1.ClusterPhasePartiallyProvisioned, TransitionToProvisioning, v1alpha1.ClusterPhaseProvisioning, false},
		{"provision running", v1alpha1.ClusterPhaseRunning, TransitionToProvisioning, "", true},
		{"provision absent", v1alpha1.ClusterPhaseAbsent, TransitionToProvisioning, "", true},
		{"running from provisioning", v1alpha1.ClusterPhaseProvisioning, TransitionToRunning, v1alpha1.ClusterPhaseRunning, false},
		{"running from stopped", v1alpha1.ClusterPhaseStopped, TransitionToRunning, "", true},
		{"stop running", v1alpha1.ClusterPhaseRunning, TransitionToStopped, v1alpha1.ClusterPhaseStopped, false},
		{"stop partial", v1alpha1.ClusterPhasePartiallyProvisioned, TransitionToStopped, v1alpha1.ClusterPhaseStopped, false},
		{"stop planned", v1alpha1.ClusterPhasePlanned, TransitionToStopped, "", true},
		{
			"partial from provisioning",
			v1alpha1.ClusterPhaseProvisioning,
			func(cs *state.ClusterState) error { return TransitionToPartiallyProvisioned(cs, "VMFailed", "boom") },
			v1alpha1.ClusterPhasePartiallyProvisioned,
			false,
		},
		{
			"partial from running",
			v1alpha1.ClusterPhaseRunning,
			func(cs *state.ClusterState) error { return TransitionToPartiallyProvisioned(cs, "VMFailed", "boom") },
			"",
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := clusterIn(tt.from)
			err := tt.apply(cs)

			if tt.wantError {
				if !errdefs.IsValidation(err) {
					t.Errorf("Expected ValidationError, got %v", err)
				}
				if cs.Phase != tt.from {
					t.Errorf("Phase should not change on error, got %s", cs.Phase)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if cs.Phase != tt.to {
				t.Errorf("Expected phase %s, got %s", tt.to, cs.Phase)
			}
		})
	}
}

func TestTransitionToDestroyed_FromAnyPhase(t *testing.T) {
	for _, from := range []v1alpha1.ClusterPhase{
		v1alpha1.ClusterPhaseAbsent,
		v1alpha1.ClusterPhasePlanned,
		v1alpha1.ClusterPhaseProvisioning,
		v1alpha1.ClusterPhaseRunning,
		v1alpha1.ClusterPhaseStopped,
		v1alpha1.ClusterPhasePartiallyProvisioned,
	} {
		cs := clusterIn(from)
		TransitionToDestroyed(cs)
		if cs.Phase != v1alpha1.ClusterPhaseDestroyed {
			t.Errorf("from %q: expected destroyed, got %s", from, cs.Phase)
		}
	}
}

func TestPhaseTransitionFlow(t *testing.T) {
	cs := clusterIn(v1alpha1.ClusterPhaseAbsent)

	steps := []func(*state.ClusterState) error{
		TransitionToPlanned,
		TransitionToProvisioning,
		TransitionToRunning,
		TransitionToStopped,
		TransitionToProvisioning,
		TransitionToRunning,
	}
	for i, step := range steps {
		if err := step(cs); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if !IsRunning(cs.Phase) {
		t.Errorf("Expected running, got %s", cs.Phase)
	}
	if !IsConditionTrue(cs, v1alpha1.ConditionReady) {
		t.Error("Expected Ready=True after reaching running")
	}
}

func TestPhaseTransitionFailureFlow(t *testing.T) {
	cs := clusterIn(v1alpha1.ClusterPhaseAbsent)
	if err := TransitionToPlanned(cs); err != nil {
		t.Fatal(err)
	}
	if err := TransitionToProvisioning(cs); err != nil {
		t.Fatal(err)
	}
	if err := TransitionToPartiallyProvisioned(cs, "VMFailed", "hpc-compute-02 failed to start"); err != nil {
		t.Fatal(err)
	}

	cond := GetCondition(cs, v1alpha1.ConditionReady)
	if cond == nil || cond.Status != v1alpha1.ConditionFalse || cond.Reason != "VMFailed" {
		t.Errorf("Unexpected Ready condition %+v", cond)
	}
	if !IsTerminal(cs.Phase) {
		t.Error("partially-provisioned should be terminal")
	}

	// retry
	if err := TransitionToProvisioning(cs); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !IsTransitioning(cs.Phase) {
		t.Error("provisioning should be transitioning")
	}
}
