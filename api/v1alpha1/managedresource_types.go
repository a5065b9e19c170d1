package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ResourcePhase summarizes the runtime state of a managed resource.
type ResourcePhase string

const (
	// PhaseActive means the stored model is backed by running services (or needs none).
	PhaseActive ResourcePhase = "Active"
	// PhaseReloadRequired means the stored model only takes effect after a process reload.
	PhaseReloadRequired ResourcePhase = "ReloadRequired"
	// PhaseDegraded means the resource's services could not be rebuilt consistently.
	// The model shown is the last known good one.
	PhaseDegraded ResourcePhase = "Degraded"
)

const (
	ConditionServiceReady   = "ServiceReady"
	ConditionReloadRequired = "ReloadRequired"
	ConditionDegraded       = "Degraded"
	ConditionDeprecated     = "Deprecated"
)

// ManagedResource is a snapshot of one node of the configuration tree.
//
// Snapshots only carry stored configuration: children computed from live services
// are never part of a ManagedResource.
type ManagedResource struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ManagedResourceSpec   `json:"spec"`
	Status ManagedResourceStatus `json:"status,omitempty"`
}

type ManagedResourceSpec struct {
	Address string `json:"address"`
	// Model holds JSON-compatible attribute values.
	Model map[string]interface{} `json:"model,omitempty"`
	// Children maps child type -> stored children ordered by key. Only populated for
	// recursive reads.
	Children map[string][]ManagedResource `json:"children,omitempty"`
}

type ManagedResourceStatus struct {
	Phase           ResourcePhase      `json:"phase,omitempty"`
	Message         string             `json:"message,omitempty"`
	ServiceName     string             `json:"serviceName,omitempty"`
	ServiceState    string             `json:"serviceState,omitempty"`
	ServiceInstance string             `json:"serviceInstance,omitempty"`
	Capabilities    []string           `json:"capabilities,omitempty"`
	Conditions      []metav1.Condition `json:"conditions,omitempty"`
}

// ManagedResourceList is a flat list of snapshots.
type ManagedResourceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ManagedResource `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ManagedResource{}, &ManagedResourceList{})
}
