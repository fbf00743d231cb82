package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prism-mining/deploy-engine/internal/registry"
	"github.com/prism-mining/deploy-engine/pkg/cluster"
	"github.com/prism-mining/deploy-engine/pkg/observe"
)

// ObservationError reports a canary whose observed traffic did not
// clear the promotion thresholds.
type ObservationError struct {
	Snapshot observe.Snapshot
}

func (e *ObservationError) Error() string {
	return "canary metrics below promotion thresholds: " + e.Snapshot.String()
}

// runCanary drives the canary rollout protocol. It shares the create /
// wait-ready / health-gate prefix with the standard strategy, then
// observes live traffic for the configured window and either scales the
// canary to the full replica count or rolls it back.
func (e *Engine) runCanary(ctx context.Context, id string) {
	rec, ok := e.store.Get(id)
	if !ok {
		return
	}
	bundle := rec.Descriptor
	ref := cluster.WorkloadRef{Namespace: bundle.Namespace, Name: bundle.Name}

	if err := e.transition(id, registry.StatusDeploying, nil); err != nil {
		return
	}

	if err := e.createResources(ctx, bundle); err != nil {
		e.failCreate(id, rec.Strategy, err)
		return
	}

	if err := e.transition(id, registry.StatusAwaitingReadiness, nil); err != nil {
		return
	}

	// The canary runs a single replica regardless of the requested
	// count; full scale happens only after promotion.
	if err := e.waitUntilReady(ctx, ref, 1, e.opts.ReadyTimeout); err != nil {
		e.failReadiness(id, err)
		return
	}

	if err := e.transition(id, registry.StatusHealthChecking, nil); err != nil {
		return
	}

	if err := e.healthGate(ctx, endpointURL(bundle, rec.Config.HealthPath)); err != nil {
		e.rollBack(ctx, id, rec.Strategy, bundle, err)
		return
	}

	if err := e.transition(id, registry.StatusObserving, nil); err != nil {
		return
	}

	slog.Info("observing canary traffic",
		"deployment_id", id,
		"workload", bundle.Name,
		"window", e.opts.ObservationWindow,
	)

	select {
	case <-time.After(e.opts.ObservationWindow):
	case <-ctx.Done():
		_ = e.transition(id, registry.StatusFailed, func(r *registry.Record) {
			r.Error = ctx.Err().Error()
		})
		return
	}

	snap, err := e.metricsIn.Snapshot(ctx, bundle.Namespace, bundle.Name, e.opts.ObservationWindow)
	if err != nil {
		e.rollBack(ctx, id, rec.Strategy, bundle,
			fmt.Errorf("failed to read canary metrics: %w", err))
		return
	}

	if snap.SuccessRate <= e.opts.MinSuccessRate || snap.ErrorRate >= e.opts.MaxErrorRate {
		e.rollBack(ctx, id, rec.Strategy, bundle, &ObservationError{Snapshot: snap})
		return
	}

	slog.Info("canary cleared promotion thresholds",
		"deployment_id", id,
		"success_rate", snap.SuccessRate,
		"error_rate", snap.ErrorRate,
	)

	if err := e.transition(id, registry.StatusPromoting, nil); err != nil {
		return
	}

	err = e.withRetry(ctx, "scale promoted canary", func() error {
		return e.gateway.PatchWorkloadReplicas(ctx, ref, rec.Config.Replicas)
	})
	if err != nil {
		e.rollBack(ctx, id, rec.Strategy, bundle,
			fmt.Errorf("failed to scale promoted canary: %w", err))
		return
	}

	now := time.Now().UTC()
	if err := e.transition(id, registry.StatusReady, func(r *registry.Record) {
		r.ReadyAt = &now
	}); err != nil {
		return
	}

	slog.Info("canary promoted",
		"deployment_id", id,
		"artifact", rec.ArtifactName,
		"version", rec.ArtifactVersion,
		"replicas", rec.Config.Replicas,
	)

	e.promoteArtifactStage(ctx, rec)
}
