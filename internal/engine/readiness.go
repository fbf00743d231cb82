package engine

import (
	"context"
	"errors"
	"time"

	"github.com/prism-mining/deploy-engine/pkg/cluster"
	"github.com/prism-mining/deploy-engine/pkg/metrics"
)

// Readiness wait outcomes. Both are expected, policy-driven results,
// not crashes.
var (
	// ErrReadinessTimeout reports that the workload did not reach its
	// declared replica count before the deadline. The deadline is a
	// hard ceiling: the poller never issues a poll past it.
	ErrReadinessTimeout = errors.New("workload did not become ready before timeout")
	// ErrWorkloadVanished reports that the workload disappeared while
	// being waited on.
	ErrWorkloadVanished = errors.New("workload vanished while awaiting readiness")
)

// waitUntilReady blocks the calling controller step until the workload
// reports desired ready replicas, the timeout elapses, or the workload
// vanishes. Transient read failures consume poll slots rather than
// aborting, so a flaky API server cannot fail a healthy rollout.
func (e *Engine) waitUntilReady(ctx context.Context, ref cluster.WorkloadRef, desired int32, timeout time.Duration) error {
	interval := e.opts.ReadyInterval
	start := time.Now()
	defer func() {
		metrics.ReadinessWaitTimer.Observe(time.Since(start).Seconds())
	}()

	for elapsed := time.Duration(0); elapsed < timeout; elapsed += interval {
		status, err := e.gateway.ReadWorkloadStatus(ctx, ref)
		switch {
		case err == nil && status.ReadyReplicas == desired:
			return nil
		case cluster.IsNotFound(err):
			return ErrWorkloadVanished
		case err != nil && !cluster.IsTransient(err):
			return err
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return ErrReadinessTimeout
}
