package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prism-mining/deploy-engine/internal/registry"
	"github.com/prism-mining/deploy-engine/pkg/artifact"
	"github.com/prism-mining/deploy-engine/pkg/cluster"
	"github.com/prism-mining/deploy-engine/pkg/descriptor"
	"github.com/prism-mining/deploy-engine/pkg/metrics"
)

// runStandard drives the standard rollout protocol: create resources,
// wait for readiness, pass the health gate, cut traffic over and clean
// up superseded versions. Any failure lands the record in a terminal
// state; nothing escapes this function.
func (e *Engine) runStandard(ctx context.Context, id string) {
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

	if err := e.waitUntilReady(ctx, ref, rec.Config.Replicas, e.opts.ReadyTimeout); err != nil {
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

	if err := e.transition(id, registry.StatusPromoting, nil); err != nil {
		return
	}

	e.cutoverRouting(id, bundle)
	e.cleanupOldWorkloads(ctx, rec)

	now := time.Now().UTC()
	if err := e.transition(id, registry.StatusReady, func(r *registry.Record) {
		r.ReadyAt = &now
	}); err != nil {
		return
	}

	slog.Info("rollout complete",
		"deployment_id", id,
		"artifact", rec.ArtifactName,
		"version", rec.ArtifactVersion,
		"workload", bundle.Name,
	)

	e.promoteArtifactStage(ctx, rec)
}

// createResources submits the bundle to the cluster. Conflicts on the
// workload flip to an update-in-place; conflicts on endpoint and
// routing mean the resource is already there from a prior attempt and
// are accepted as-is.
func (e *Engine) createResources(ctx context.Context, bundle *descriptor.Bundle) error {
	if err := e.withRetry(ctx, "ensure namespace", func() error {
		return e.gateway.EnsureNamespace(ctx, bundle.Namespace)
	}); err != nil {
		return fmt.Errorf("failed to ensure namespace %s: %w", bundle.Namespace, err)
	}

	err := e.withRetry(ctx, "create workload", func() error {
		err := e.gateway.CreateWorkload(ctx, bundle.Workload)
		if cluster.IsConflict(err) {
			slog.Info("workload already exists, updating in place",
				"workload", bundle.Name,
			)
			return e.gateway.UpdateWorkload(ctx, bundle.Workload)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create workload %s: %w", bundle.Name, err)
	}

	err = e.withRetry(ctx, "create endpoint", func() error {
		err := e.gateway.CreateEndpoint(ctx, bundle.Endpoint)
		if cluster.IsConflict(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create endpoint %s: %w", bundle.Endpoint.Name, err)
	}

	if bundle.Routing != nil {
		err = e.withRetry(ctx, "create routing rule", func() error {
			err := e.gateway.CreateRoutingRule(ctx, bundle.Routing)
			if cluster.IsConflict(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to create routing rule %s: %w", bundle.Routing.Name, err)
		}
	}

	return nil
}

// rollBack tears down the just-created resources and records the
// rollout as failed. Teardown failures are appended to the record's
// error next to the original cause, never swallowed.
func (e *Engine) rollBack(ctx context.Context, id string, strategy descriptor.Strategy, bundle *descriptor.Bundle, cause error) {
	if err := e.transition(id, registry.StatusRollingBack, func(r *registry.Record) {
		r.Error = cause.Error()
	}); err != nil {
		return
	}

	metrics.RollbacksTotal.WithLabelValues(string(strategy)).Inc()
	slog.Warn("rolling back deployment",
		"deployment_id", id,
		"workload", bundle.Name,
		"cause", cause,
	)

	teardownErr := e.teardown(ctx, bundle)

	_ = e.transition(id, registry.StatusFailed, func(r *registry.Record) {
		if teardownErr != nil {
			r.Error = fmt.Sprintf("%s (rollback incomplete: %s)", cause.Error(), teardownErr.Error())
		}
	})
}

// teardown removes the bundle's cluster resources. Absent resources
// are fine; only real failures are reported.
func (e *Engine) teardown(ctx context.Context, bundle *descriptor.Bundle) error {
	var errs []error

	if bundle.Routing != nil {
		err := e.withRetry(ctx, "delete routing rule", func() error {
			err := e.gateway.DeleteRoutingRule(ctx, cluster.WorkloadRef{
				Namespace: bundle.Namespace, Name: bundle.Routing.Name,
			})
			if cluster.IsNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete routing rule: %w", err))
		}
	}

	err := e.withRetry(ctx, "delete endpoint", func() error {
		err := e.gateway.DeleteEndpoint(ctx, cluster.WorkloadRef{
			Namespace: bundle.Namespace, Name: bundle.Endpoint.Name,
		})
		if cluster.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("delete endpoint: %w", err))
	}

	err = e.withRetry(ctx, "delete workload", func() error {
		err := e.gateway.DeleteWorkload(ctx, cluster.WorkloadRef{
			Namespace: bundle.Namespace, Name: bundle.Name,
		})
		if cluster.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("delete workload: %w", err))
	}

	return errors.Join(errs...)
}

// cutoverRouting points traffic at the new workload. The endpoint's
// selector already targets it, so for in-cluster consumers the
// cutover happened at endpoint creation; this records the cutover for
// external routing.
func (e *Engine) cutoverRouting(id string, bundle *descriptor.Bundle) {
	slog.Info("updated traffic routing",
		"deployment_id", id,
		"endpoint", bundle.Endpoint.Name,
		"routing", bundle.RoutingName(),
	)
}

// cleanupOldWorkloads deletes superseded workloads of the same
// artifact: anything beyond the newest versions that has aged past the
// retention window. Failures are logged, not fatal; a leftover old
// workload is better than failing a healthy rollout.
func (e *Engine) cleanupOldWorkloads(ctx context.Context, rec registry.Record) {
	selector := "model=" + descriptor.Sanitize(rec.ArtifactName)
	namespace := rec.Descriptor.Namespace

	workloads, err := e.gateway.ListWorkloadsByLabel(ctx, namespace, selector)
	if err != nil {
		slog.Warn("failed to list workloads for cleanup",
			"selector", selector,
			"error", err,
		)
		return
	}

	sort.Slice(workloads, func(i, j int) bool {
		return workloads[i].CreationTimestamp.After(workloads[j].CreationTimestamp.Time)
	})

	kept := 0
	for _, w := range workloads {
		if w.Name == rec.Descriptor.Name {
			continue
		}
		if w.Labels["version"] == rec.ArtifactVersion {
			continue
		}
		if kept < e.opts.CleanupKeepLatest {
			kept++
			continue
		}
		if time.Since(w.CreationTimestamp.Time) < e.opts.CleanupRetention {
			continue
		}

		err := e.gateway.DeleteWorkload(ctx, cluster.WorkloadRef{Namespace: namespace, Name: w.Name})
		if err != nil && !cluster.IsNotFound(err) {
			slog.Warn("failed to clean up old workload",
				"workload", w.Name,
				"error", err,
			)
			continue
		}
		slog.Info("cleaned up old workload",
			"workload", w.Name,
			"version", w.Labels["version"],
		)
	}
}

// promoteArtifactStage records the rollout's stage with the artifact
// registry. Best effort: the rollout already succeeded, a registry
// hiccup must not undo it.
func (e *Engine) promoteArtifactStage(ctx context.Context, rec registry.Record) {
	if rec.Environment != "production" {
		return
	}
	err := e.artifacts.PromoteStage(ctx, rec.ArtifactName, rec.ArtifactVersion, artifact.StageProduction)
	if err != nil {
		slog.Warn("failed to record stage promotion",
			"artifact", rec.ArtifactName,
			"version", rec.ArtifactVersion,
			"error", err,
		)
		return
	}
	slog.Info("recorded stage promotion",
		"artifact", rec.ArtifactName,
		"version", rec.ArtifactVersion,
		"stage", artifact.StageProduction,
	)
}

// failCreate converts a resource creation failure into a terminal
// Failed record.
func (e *Engine) failCreate(id string, strategy descriptor.Strategy, cause error) {
	slog.Error("failed to create cluster resources",
		"deployment_id", id,
		"strategy", strategy,
		"error", cause,
	)
	_ = e.transition(id, registry.StatusFailed, func(r *registry.Record) {
		r.Error = cause.Error()
	})
}

// failReadiness converts a readiness wait failure into TimedOut.
func (e *Engine) failReadiness(id string, cause error) {
	slog.Error("workload never became ready",
		"deployment_id", id,
		"error", cause,
	)
	_ = e.transition(id, registry.StatusTimedOut, func(r *registry.Record) {
		r.Error = cause.Error()
	})
}
