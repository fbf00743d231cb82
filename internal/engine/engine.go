// Package engine orchestrates rollouts of versioned artifacts onto the
// cluster: it drives the create / wait-ready / health-gate / promote
// protocol, records every outcome in the deployment registry, and runs
// one background monitor per accepted deployment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prism-mining/deploy-engine/internal/registry"
	"github.com/prism-mining/deploy-engine/pkg/artifact"
	"github.com/prism-mining/deploy-engine/pkg/cluster"
	"github.com/prism-mining/deploy-engine/pkg/descriptor"
	"github.com/prism-mining/deploy-engine/pkg/metrics"
	"github.com/prism-mining/deploy-engine/pkg/observe"
)

// ValidationError rejects a rollout request before any record is
// created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid deployment request: " + e.Reason
}

// ArtifactRegistry is the engine's view of the artifact registry:
// resolve the source for a version at rollout start, and record stage
// promotions after a successful production rollout.
type ArtifactRegistry interface {
	ResolveVersion(ctx context.Context, name, version string) (*artifact.Source, error)
	PromoteStage(ctx context.Context, name, version, stage string) error
}

// Options holds the timing and policy knobs of the engine. Zero
// values are replaced with the production defaults; tests inject
// millisecond-scale intervals.
type Options struct {
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration

	MonitorInterval time.Duration
	MonitorTimeout  time.Duration

	HealthAttempts int
	HealthBackoff  time.Duration

	ClusterRetries      int
	ClusterRetryBackoff time.Duration

	ObservationWindow time.Duration
	MinSuccessRate    float64
	MaxErrorRate      float64

	CleanupRetention  time.Duration
	CleanupKeepLatest int
}

func (o Options) withDefaults() Options {
	if o.ReadyInterval == 0 {
		o.ReadyInterval = 10 * time.Second
	}
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = 300 * time.Second
	}
	if o.MonitorInterval == 0 {
		o.MonitorInterval = 10 * time.Second
	}
	if o.MonitorTimeout == 0 {
		o.MonitorTimeout = 600 * time.Second
	}
	if o.HealthAttempts == 0 {
		o.HealthAttempts = 5
	}
	if o.HealthBackoff == 0 {
		o.HealthBackoff = 5 * time.Second
	}
	if o.ClusterRetries == 0 {
		o.ClusterRetries = 3
	}
	if o.ClusterRetryBackoff == 0 {
		o.ClusterRetryBackoff = 2 * time.Second
	}
	if o.ObservationWindow == 0 {
		o.ObservationWindow = 600 * time.Second
	}
	if o.MinSuccessRate == 0 {
		o.MinSuccessRate = 0.95
	}
	if o.MaxErrorRate == 0 {
		o.MaxErrorRate = 0.01
	}
	if o.CleanupRetention == 0 {
		o.CleanupRetention = 24 * time.Hour
	}
	if o.CleanupKeepLatest == 0 {
		o.CleanupKeepLatest = 2
	}
	return o
}

// Engine accepts rollout requests and owns their full lifecycle.
type Engine struct {
	store     registry.Store
	gateway   cluster.Gateway
	artifacts ArtifactRegistry
	metricsIn observe.Source
	prober    Prober
	opts      Options

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine. The store is the single source of truth for
// deployment state; gateway, artifacts and metrics source are the
// external collaborators.
func New(store registry.Store, gateway cluster.Gateway, artifacts ArtifactRegistry, metricsIn observe.Source, opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		gateway:   gateway,
		artifacts: artifacts,
		metricsIn: metricsIn,
		prober:    NewHTTPProber(),
		opts:      opts.withDefaults(),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// SetProber replaces the health gate prober. Intended for tests and
// for callers that probe through a service mesh.
func (e *Engine) SetProber(p Prober) {
	e.prober = p
}

// Close cancels all in-flight rollouts and monitors and waits for
// their goroutines to drain.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// StartRequest is an incoming rollout request.
type StartRequest struct {
	ArtifactName    string            `json:"artifact_name"`
	ArtifactVersion string            `json:"artifact_version"`
	Environment     string            `json:"environment"`
	Strategy        string            `json:"strategy"`
	Config          descriptor.Config `json:"config"`
}

// StartDeployment validates the request, creates the deployment
// record and returns its id. The rollout itself proceeds
// asynchronously; callers observe progress through GetDeployment.
func (e *Engine) StartDeployment(ctx context.Context, req StartRequest) (string, error) {
	if req.ArtifactName == "" {
		return "", &ValidationError{Reason: "artifact name is required"}
	}
	if req.ArtifactVersion == "" {
		return "", &ValidationError{Reason: "artifact version is required"}
	}
	if req.Environment == "" {
		return "", &ValidationError{Reason: "environment is required"}
	}
	strategy, err := descriptor.ParseStrategy(req.Strategy)
	if err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}
	if req.Config.Replicas < 0 {
		return "", &ValidationError{Reason: "replicas must not be negative"}
	}

	// Resolve the artifact once, at rollout start. The engine does
	// not re-validate it afterwards.
	src, err := e.artifacts.ResolveVersion(ctx, req.ArtifactName, req.ArtifactVersion)
	if err != nil {
		return "", fmt.Errorf("failed to resolve artifact %s:%s: %w",
			req.ArtifactName, req.ArtifactVersion, err)
	}

	rec := registry.NewRecord(req.ArtifactName, req.ArtifactVersion, req.Environment, strategy, req.Config)
	rec.SourceURI = src.URI

	bundle, err := descriptor.Build(descriptor.Input{
		ArtifactName:    req.ArtifactName,
		ArtifactVersion: req.ArtifactVersion,
		SourceURI:       src.URI,
		ID:              rec.ID,
		Environment:     req.Environment,
		Strategy:        strategy,
		Config:          rec.Config,
	})
	if err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}
	rec.Descriptor = bundle

	if err := e.store.Create(rec); err != nil {
		return "", fmt.Errorf("failed to create deployment record: %w", err)
	}

	metrics.RolloutsStarted.WithLabelValues(string(strategy), req.Environment).Inc()
	slog.Info("accepted rollout request",
		"deployment_id", rec.ID,
		"artifact", req.ArtifactName,
		"version", req.ArtifactVersion,
		"environment", req.Environment,
		"strategy", strategy,
	)

	desired := rec.Config.Replicas
	ref := cluster.WorkloadRef{Namespace: bundle.Namespace, Name: bundle.Name}

	monCtx, monCancel := context.WithCancel(e.baseCtx)
	if err := e.store.SetMonitorCancel(rec.ID, monCancel); err != nil {
		monCancel()
		return "", err
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.runRollout(e.baseCtx, rec.ID, strategy)
	}()
	go func() {
		defer e.wg.Done()
		e.runMonitor(monCtx, rec.ID, ref, desired)
	}()

	return rec.ID, nil
}

// GetDeployment returns the record, enriched with a live workload
// status snapshot when the cluster can be reached.
func (e *Engine) GetDeployment(ctx context.Context, id string) (registry.Record, error) {
	rec, ok := e.store.Get(id)
	if !ok {
		return registry.Record{}, &registry.ErrNotFound{ID: id}
	}

	if rec.Descriptor != nil {
		ref := cluster.WorkloadRef{Namespace: rec.Descriptor.Namespace, Name: rec.Descriptor.Name}
		status, err := e.gateway.ReadWorkloadStatus(ctx, ref)
		if err == nil {
			rec.ClusterStatus = &status
		}
	}
	return rec, nil
}

// ListDeployments returns all records, newest first.
func (e *Engine) ListDeployments(_ context.Context) []registry.Record {
	return e.store.List()
}

// ScaleDeployment patches the workload to the requested replica count
// and records the new target in the deployment record.
func (e *Engine) ScaleDeployment(ctx context.Context, id string, replicas int32) error {
	if replicas < 1 {
		return &ValidationError{Reason: "replicas must be at least 1"}
	}

	rec, ok := e.store.Get(id)
	if !ok {
		return &registry.ErrNotFound{ID: id}
	}

	ref := cluster.WorkloadRef{Namespace: rec.Descriptor.Namespace, Name: rec.Descriptor.Name}
	err := e.withRetry(ctx, "patch workload replicas", func() error {
		return e.gateway.PatchWorkloadReplicas(ctx, ref, replicas)
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := e.store.Update(id, func(r *registry.Record) {
		r.Config.Replicas = replicas
		r.ScaledAt = &now
	}); err != nil {
		return err
	}

	slog.Info("scaled deployment",
		"deployment_id", id,
		"replicas", replicas,
	)
	return nil
}

// DeleteDeployment cancels the record's monitor, tears down the
// cluster resources the rollout created and removes the record. The
// record survives a failed teardown so it never points at stale
// cluster state.
func (e *Engine) DeleteDeployment(ctx context.Context, id string) error {
	rec, ok := e.store.Get(id)
	if !ok {
		return &registry.ErrNotFound{ID: id}
	}

	// Stop the monitor before touching cluster resources so it can
	// not observe the teardown as a workload failure.
	if err := e.store.CancelMonitor(id); err != nil {
		return err
	}

	if rec.Descriptor != nil {
		if err := e.teardown(ctx, rec.Descriptor); err != nil {
			return fmt.Errorf("failed to tear down cluster resources for %s: %w", id, err)
		}
	}

	if err := e.store.Delete(id); err != nil {
		return err
	}

	slog.Info("deleted deployment",
		"deployment_id", id,
		"artifact", rec.ArtifactName,
		"version", rec.ArtifactVersion,
	)
	return nil
}

// runRollout dispatches to the strategy controller and records the
// terminal outcome metrics. Controllers never let a failure escape;
// callers only ever observe record state.
func (e *Engine) runRollout(ctx context.Context, id string, strategy descriptor.Strategy) {
	start := time.Now()

	switch strategy {
	case descriptor.StrategyCanary:
		e.runCanary(ctx, id)
	default:
		e.runStandard(ctx, id)
	}

	rec, ok := e.store.Get(id)
	if !ok {
		return
	}
	metrics.RolloutDuration.WithLabelValues(string(strategy)).Observe(time.Since(start).Seconds())
	metrics.RolloutsCompleted.WithLabelValues(string(strategy), string(rec.Status)).Inc()
}

// withRetry retries fn on transient cluster errors with a bounded
// budget. Non-transient errors return immediately so callers keep
// their NotFound/Conflict handling.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= e.opts.ClusterRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.opts.ClusterRetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !cluster.IsTransient(err) {
			return err
		}
		lastErr = err
		slog.Warn("transient cluster error, re-trying",
			"op", op,
			"attempt", attempt,
			"error", err,
		)
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// transition applies a lifecycle transition and logs invariant
// rejections. A rejection can be a benign race with the monitor (both
// racing the record into a terminal state); callers that must know
// check the returned error.
func (e *Engine) transition(id string, to registry.Status, mutate func(*registry.Record)) error {
	err := e.store.Transition(id, to, mutate)
	if err != nil {
		var inv *registry.InvariantError
		if errors.As(err, &inv) {
			slog.Debug("lifecycle transition rejected",
				"deployment_id", id,
				"from", inv.From,
				"to", inv.To,
			)
		}
	}
	return err
}
