package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/prism-mining/deploy-engine/internal/registry"
	"github.com/prism-mining/deploy-engine/pkg/cluster"
	"github.com/prism-mining/deploy-engine/pkg/metrics"
)

// runMonitor watches one deployment's workload until the record reaches
// a terminal state, the budget runs out, or the monitor is cancelled.
// It is the safety net behind the rollout controller: a workload that
// vanishes mid-rollout fails the record, a rollout stuck past the
// budget times out, and a promoted workload that reaches full readiness
// is marked ready even if the controller missed it.
func (e *Engine) runMonitor(ctx context.Context, id string, ref cluster.WorkloadRef, desired int32) {
	metrics.MonitorsActive.Inc()
	defer metrics.MonitorsActive.Dec()

	slog.Info("monitor started",
		"deployment_id", id,
		"workload", ref.Name,
		"timeout", e.opts.MonitorTimeout,
	)

	for elapsed := time.Duration(0); elapsed < e.opts.MonitorTimeout; elapsed += e.opts.MonitorInterval {
		select {
		case <-ctx.Done():
			slog.Info("monitor cancelled", "deployment_id", id)
			return
		case <-time.After(e.opts.MonitorInterval):
		}

		rec, ok := e.store.Get(id)
		if !ok {
			return
		}
		if rec.Status.Terminal() {
			slog.Info("monitor finished",
				"deployment_id", id,
				"status", rec.Status,
			)
			return
		}

		status, err := e.gateway.ReadWorkloadStatus(ctx, ref)
		if cluster.IsNotFound(err) {
			// During a rollback the controller deletes the workload
			// itself; only an unexplained disappearance is a failure.
			if rec.Status == registry.StatusRollingBack {
				continue
			}
			if rec.Status == registry.StatusPending || rec.Status == registry.StatusDeploying {
				continue
			}
			slog.Error("monitored workload vanished",
				"deployment_id", id,
				"workload", ref.Name,
			)
			_ = e.transition(id, registry.StatusFailed, func(r *registry.Record) {
				r.Error = "workload vanished from cluster"
			})
			return
		}
		if err != nil {
			slog.Warn("monitor failed to read workload status",
				"deployment_id", id,
				"error", err,
			)
			continue
		}

		if rec.Status == registry.StatusPromoting && status.Ready() && status.ReadyReplicas >= desired {
			now := time.Now().UTC()
			if err := e.transition(id, registry.StatusReady, func(r *registry.Record) {
				if r.ReadyAt == nil {
					r.ReadyAt = &now
				}
			}); err == nil {
				slog.Info("monitor observed full readiness",
					"deployment_id", id,
					"ready_replicas", status.ReadyReplicas,
				)
				return
			}
		}
	}

	rec, ok := e.store.Get(id)
	if !ok || rec.Status.Terminal() {
		return
	}

	slog.Error("monitor budget exhausted",
		"deployment_id", id,
		"status", rec.Status,
		"timeout", e.opts.MonitorTimeout,
	)
	_ = e.transition(id, registry.StatusTimedOut, func(r *registry.Record) {
		r.Error = "deployment did not reach a terminal state within the monitoring budget"
	})
}
