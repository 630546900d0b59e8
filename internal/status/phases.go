package status

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/state"
)

// Lifecycle:
//
//	absent/destroyed --> planned --> provisioning --> running
//	provisioning --> partially-provisioned --> provisioning (retry)
//	running/partially-provisioned --> stopped --> provisioning (start again)
//	any --> destroyed
var allowed = map[v1alpha1.ClusterPhase][]v1alpha1.ClusterPhase{
	v1alpha1.ClusterPhasePlanned: {
		v1alpha1.ClusterPhaseAbsent,
		v1alpha1.ClusterPhaseDestroyed,
	},
	v1alpha1.ClusterPhaseProvisioning: {
		v1alpha1.ClusterPhasePlanned,
		v1alpha1.ClusterPhaseStopped,
		v1alpha1.ClusterPhasePartiallyProvisioned,
	},
	v1alpha1.ClusterPhaseRunning: {
		v1alpha1.ClusterPhaseProvisioning,
	},
	v1alpha1.ClusterPhasePartiallyProvisioned: {
		v1alpha1.ClusterPhaseProvisioning,
	},
	v1alpha1.ClusterPhaseStopped: {
		v1alpha1.ClusterPhaseRunning,
		v1alpha1.ClusterPhasePartiallyProvisioned,
	},
}

// CanTransition reports whether a cluster in phase from may move to phase to.
func CanTransition(from, to v1alpha1.ClusterPhase) bool {
	if to == v1alpha1.ClusterPhaseDestroyed {
		return true
	}
	return lo.Contains(allowed[to], from)
}

func transition(cs *state.ClusterState, to v1alpha1.ClusterPhase) error {
	if !CanTransition(cs.Phase, to) {
		from := cs.Phase
		if from == v1alpha1.ClusterPhaseAbsent {
			from = "absent"
		}
		return errdefs.Invalid("cluster", cs.Name, "cannot transition from %s to %s", from, to)
	}
	cs.Phase = to
	return nil
}

// TransitionToPlanned records that resources are reserved for a new cluster.
func TransitionToPlanned(cs *state.ClusterState) error {
	if err := transition(cs, v1alpha1.ClusterPhasePlanned); err != nil {
		return err
	}
	cs.Conditions = nil
	SetCondition(cs, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, "Planned", "cluster resources reserved")
	return nil
}

// TransitionToProvisioning starts (or resumes) bringing the cluster up.
func TransitionToProvisioning(cs *state.ClusterState) error {
	if err := transition(cs, v1alpha1.ClusterPhaseProvisioning); err != nil {
		return err
	}
	SetCondition(cs, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, "Provisioning", "cluster provisioning in progress")
	return nil
}

// TransitionToRunning records that every VM is running.
func TransitionToRunning(cs *state.ClusterState) error {
	if err := transition(cs, v1alpha1.ClusterPhaseRunning); err != nil {
		return err
	}
	SetCondition(cs, v1alpha1.ConditionVMsRunning, v1alpha1.ConditionTrue, "AllRunning", fmt.Sprintf("%d VM(s) running", len(cs.VMs)))
	SetCondition(cs, v1alpha1.ConditionReady, v1alpha1.ConditionTrue, "ClusterReady", "cluster is running")
	return nil
}

// TransitionToPartiallyProvisioned records a failed or cancelled run. The
// reason is kept on the Ready condition.
func TransitionToPartiallyProvisioned(cs *state.ClusterState, reason, message string) error {
	if err := transition(cs, v1alpha1.ClusterPhasePartiallyProvisioned); err != nil {
		return err
	}
	SetCondition(cs, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, reason, message)
	return nil
}

// TransitionToStopped records that every VM is shut off.
func TransitionToStopped(cs *state.ClusterState) error {
	if err := transition(cs, v1alpha1.ClusterPhaseStopped); err != nil {
		return err
	}
	SetCondition(cs, v1alpha1.ConditionVMsRunning, v1alpha1.ConditionFalse, "Stopped", "cluster has been stopped")
	SetCondition(cs, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, "Stopped", "cluster has been stopped")
	return nil
}

// TransitionToDestroyed records that every resource was removed. Allowed
// from any phase.
func TransitionToDestroyed(cs *state.ClusterState) {
	cs.Phase = v1alpha1.ClusterPhaseDestroyed
	SetCondition(cs, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, "Destroyed", "cluster has been destroyed")
}

// IsTerminal returns true if the phase does not change without a new run.
func IsTerminal(phase v1alpha1.ClusterPhase) bool {
	return phase == v1alpha1.ClusterPhaseStopped || phase == v1alpha1.ClusterPhaseDestroyed ||
		phase == v1alpha1.ClusterPhasePartiallyProvisioned
}

// IsRunning returns true if the cluster is fully up.
func IsRunning(phase v1alpha1.ClusterPhase) bool {
	return phase == v1alpha1.ClusterPhaseRunning
}

// IsTransitioning returns true while a run is in progress or was
// interrupted without settling.
func IsTransitioning(phase v1alpha1.ClusterPhase) bool {
	return phase == v1alpha1.ClusterPhasePlanned || phase == v1alpha1.ClusterPhaseProvisioning
}
