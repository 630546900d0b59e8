// Package status manages the lifecycle phase and conditions of a cluster's
// persisted state.
package status

import (
	"github.com/jbweber/corral/api/v1alpha1"
	"github.com/jbweber/corral/internal/state"
)

// SetCondition adds or updates a condition on the cluster state.
// The LastTransitionTime is only updated if the status changes.
func SetCondition(cs *state.ClusterState, condType string, status v1alpha1.ConditionStatus, reason, message string) {
	now := v1alpha1.Now()

	for i := range cs.Conditions {
		if cs.Conditions[i].Type == condType {
			existing := &cs.Conditions[i]
			if existing.Status != status {
				existing.LastTransitionTime = now
			}
			existing.Status = status
			existing.Reason = reason
			existing.Message = message
			return
		}
	}

	cs.Conditions = append(cs.Conditions, v1alpha1.Condition{
		Type:               condType,
		Status:             status,
		LastTransitionTime: now,
		Reason:             reason,
		Message:            message,
	})
}

// GetCondition returns a condition by type, or nil if not found.
func GetCondition(cs *state.ClusterState, condType string) *v1alpha1.Condition {
	for i := range cs.Conditions {
		if cs.Conditions[i].Type == condType {
			return &cs.Conditions[i]
		}
	}
	return nil
}

// IsConditionTrue returns true if the condition exists and has status True.
func IsConditionTrue(cs *state.ClusterState, condType string) bool {
	cond := GetCondition(cs, condType)
	return cond != nil && cond.Status == v1alpha1.ConditionTrue
}

// RemoveCondition removes a condition by type.
func RemoveCondition(cs *state.ClusterState, condType string) {
	filtered := make([]v1alpha1.Condition, 0, len(cs.Conditions))
	for _, c := range cs.Conditions {
		if c.Type != condType {
			filtered = append(filtered, c)
		}
	}
	cs.Conditions = filtered
}

// MarkNetworkReady marks the network condition as True.
func MarkNetworkReady(cs *state.ClusterState) {
	SetCondition(cs, v1alpha1.ConditionNetworkReady, v1alpha1.ConditionTrue, "NetworkActive", "cluster network defined and active")
}

// MarkNetworkFailed marks the network condition as False.
func MarkNetworkFailed(cs *state.ClusterState, err error) {
	SetCondition(cs, v1alpha1.ConditionNetworkReady, v1alpha1.ConditionFalse, "NetworkFailed", err.Error())
}

// MarkStorageProvisioned marks the storage condition as True.
func MarkStorageProvisioned(cs *state.ClusterState) {
	SetCondition(cs, v1alpha1.ConditionStorageProvisioned, v1alpha1.ConditionTrue, "StorageCreated", "storage pool and disks created")
}

// MarkStorageFailed marks the storage condition as False.
func MarkStorageFailed(cs *state.ClusterState, err error) {
	SetCondition(cs, v1alpha1.ConditionStorageProvisioned, v1alpha1.ConditionFalse, "StorageFailed", err.Error())
}

// MarkVMsFailed marks the VM condition as False.
func MarkVMsFailed(cs *state.ClusterState, err error) {
	SetCondition(cs, v1alpha1.ConditionVMsRunning, v1alpha1.ConditionFalse, "VMFailed", err.Error())
}

// MarkConfigured marks the provisioner condition as True.
func MarkConfigured(cs *state.ClusterState) {
	SetCondition(cs, v1alpha1.ConditionConfigured, v1alpha1.ConditionTrue, "PlaybookSucceeded", "provisioner playbook completed")
}

// MarkConfigureFailed marks the provisioner condition as False.
func MarkConfigureFailed(cs *state.ClusterState, err error) {
	SetCondition(cs, v1alpha1.ConditionConfigured, v1alpha1.ConditionFalse, "PlaybookFailed", err.Error())
}
