// Package registry is the single source of truth for orchestration
// state. Records are mutated only through registry-serialized updates,
// and status changes are validated against the deployment lifecycle
// graph, so no two writers can disagree about a record's state.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/prism-mining/deploy-engine/pkg/cluster"
	"github.com/prism-mining/deploy-engine/pkg/descriptor"
)

// Status is a deployment lifecycle state.
type Status string

// Lifecycle states. Ready, Failed and TimedOut are terminal.
const (
	StatusPending           Status = "pending"
	StatusDeploying         Status = "deploying"
	StatusAwaitingReadiness Status = "awaiting_readiness"
	StatusHealthChecking    Status = "health_checking"
	StatusObserving         Status = "observing"
	StatusPromoting         Status = "promoting"
	StatusRollingBack       Status = "rolling_back"
	StatusReady             Status = "ready"
	StatusFailed            Status = "failed"
	StatusTimedOut          Status = "timed_out"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Record is the registry's view of one rollout attempt. Identity
// fields (id, artifact, environment, strategy) are immutable after
// creation; everything else changes only through the owning Store.
type Record struct {
	ID              string              `json:"deployment_id"`
	ArtifactName    string              `json:"artifact_name"`
	ArtifactVersion string              `json:"artifact_version"`
	SourceURI       string              `json:"source_uri,omitempty"`
	Environment     string              `json:"environment"`
	Strategy        descriptor.Strategy `json:"strategy"`
	Config          descriptor.Config   `json:"config"`

	Descriptor *descriptor.Bundle `json:"resource_descriptor,omitempty"`

	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
	ScaledAt  *time.Time `json:"scaled_at,omitempty"`

	// ClusterStatus is a live readiness snapshot attached on reads;
	// it is never stored.
	ClusterStatus *cluster.WorkloadStatus `json:"cluster_status,omitempty"`
}

// NewRecord creates a Pending record for an accepted rollout request,
// with a fresh unique id and the effective (defaulted) configuration.
func NewRecord(artifactName, artifactVersion, environment string, strategy descriptor.Strategy, cfg descriptor.Config) *Record {
	return &Record{
		ID:              uuid.NewString(),
		ArtifactName:    artifactName,
		ArtifactVersion: artifactVersion,
		Environment:     environment,
		Strategy:        strategy,
		Config:          cfg.WithDefaults(),
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}
