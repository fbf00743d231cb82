// Package cluster is the engine's boundary to the cluster control
// plane. The Gateway exposes plain CRUD plus status reads; all
// orchestration (retries, rollback, polling) stays with the caller.
package cluster

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
)

// WorkloadRef identifies a workload in the cluster.
type WorkloadRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// WorkloadCondition mirrors a single status condition reported by the
// control plane.
type WorkloadCondition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// WorkloadStatus is a point-in-time readiness snapshot of a workload.
type WorkloadStatus struct {
	DesiredReplicas   int32               `json:"replicas"`
	ReadyReplicas     int32               `json:"ready_replicas"`
	AvailableReplicas int32               `json:"available_replicas"`
	Conditions        []WorkloadCondition `json:"conditions,omitempty"`
}

// Ready reports whether the workload has reached its declared replica
// count.
func (s WorkloadStatus) Ready() bool {
	return s.DesiredReplicas > 0 && s.ReadyReplicas == s.DesiredReplicas
}

// Gateway is the capability set the rollout controllers drive. Every
// call returns nil, a NotFoundError, a ConflictError or a
// TransientError; see errors.go for how callers are expected to react
// to each.
type Gateway interface {
	EnsureNamespace(ctx context.Context, namespace string) error

	CreateWorkload(ctx context.Context, workload *appsv1.Deployment) error
	UpdateWorkload(ctx context.Context, workload *appsv1.Deployment) error
	PatchWorkloadReplicas(ctx context.Context, ref WorkloadRef, replicas int32) error
	ReadWorkloadStatus(ctx context.Context, ref WorkloadRef) (WorkloadStatus, error)
	DeleteWorkload(ctx context.Context, ref WorkloadRef) error
	ListWorkloadsByLabel(ctx context.Context, namespace, selector string) ([]appsv1.Deployment, error)

	CreateEndpoint(ctx context.Context, endpoint *corev1.Service) error
	DeleteEndpoint(ctx context.Context, ref WorkloadRef) error

	CreateRoutingRule(ctx context.Context, rule *networkingv1.Ingress) error
	DeleteRoutingRule(ctx context.Context, ref WorkloadRef) error
}
