package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/utils/ptr"

	"github.com/prism-mining/deploy-engine/internal/registry"
	"github.com/prism-mining/deploy-engine/pkg/artifact"
	"github.com/prism-mining/deploy-engine/pkg/cluster"
	"github.com/prism-mining/deploy-engine/pkg/descriptor"
	"github.com/prism-mining/deploy-engine/pkg/observe"
)

// stubGateway is an in-memory Gateway with scripted readiness
// behavior.
type stubGateway struct {
	mu         sync.Mutex
	namespaces map[string]bool
	workloads  map[string]*appsv1.Deployment
	endpoints  map[string]*corev1.Service
	routings   map[string]*networkingv1.Ingress

	statusReads   int
	notReadyReads int // status reads that report zero ready replicas
	statusErr     error

	createdReplicas []int32
	patchedReplicas []int32
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		namespaces: make(map[string]bool),
		workloads:  make(map[string]*appsv1.Deployment),
		endpoints:  make(map[string]*corev1.Service),
		routings:   make(map[string]*networkingv1.Ingress),
	}
}

func objKey(namespace, name string) string {
	return namespace + "/" + name
}

func (g *stubGateway) EnsureNamespace(_ context.Context, namespace string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.namespaces[namespace] = true
	return nil
}

func (g *stubGateway) CreateWorkload(_ context.Context, w *appsv1.Deployment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := objKey(w.Namespace, w.Name)
	if _, ok := g.workloads[k]; ok {
		return &cluster.ConflictError{Kind: "workload", Name: w.Name}
	}
	g.workloads[k] = w.DeepCopy()
	g.createdReplicas = append(g.createdReplicas, *w.Spec.Replicas)
	return nil
}

func (g *stubGateway) UpdateWorkload(_ context.Context, w *appsv1.Deployment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := objKey(w.Namespace, w.Name)
	if _, ok := g.workloads[k]; !ok {
		return &cluster.NotFoundError{Kind: "workload", Name: w.Name}
	}
	g.workloads[k] = w.DeepCopy()
	return nil
}

func (g *stubGateway) PatchWorkloadReplicas(_ context.Context, ref cluster.WorkloadRef, replicas int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.workloads[objKey(ref.Namespace, ref.Name)]
	if !ok {
		return &cluster.NotFoundError{Kind: "workload", Name: ref.Name}
	}
	w.Spec.Replicas = ptr.To(replicas)
	g.patchedReplicas = append(g.patchedReplicas, replicas)
	return nil
}

func (g *stubGateway) ReadWorkloadStatus(_ context.Context, ref cluster.WorkloadRef) (cluster.WorkloadStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusReads++
	if g.statusErr != nil {
		return cluster.WorkloadStatus{}, g.statusErr
	}
	w, ok := g.workloads[objKey(ref.Namespace, ref.Name)]
	if !ok {
		return cluster.WorkloadStatus{}, &cluster.NotFoundError{Kind: "workload", Name: ref.Name}
	}
	desired := *w.Spec.Replicas
	if g.statusReads <= g.notReadyReads {
		return cluster.WorkloadStatus{DesiredReplicas: desired}, nil
	}
	return cluster.WorkloadStatus{
		DesiredReplicas:   desired,
		ReadyReplicas:     desired,
		AvailableReplicas: desired,
	}, nil
}

func (g *stubGateway) DeleteWorkload(_ context.Context, ref cluster.WorkloadRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := objKey(ref.Namespace, ref.Name)
	if _, ok := g.workloads[k]; !ok {
		return &cluster.NotFoundError{Kind: "workload", Name: ref.Name}
	}
	delete(g.workloads, k)
	return nil
}

func (g *stubGateway) ListWorkloadsByLabel(_ context.Context, _, _ string) ([]appsv1.Deployment, error) {
	return nil, nil
}

func (g *stubGateway) CreateEndpoint(_ context.Context, endpoint *corev1.Service) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := objKey(endpoint.Namespace, endpoint.Name)
	if _, ok := g.endpoints[k]; ok {
		return &cluster.ConflictError{Kind: "endpoint", Name: endpoint.Name}
	}
	g.endpoints[k] = endpoint.DeepCopy()
	return nil
}

func (g *stubGateway) DeleteEndpoint(_ context.Context, ref cluster.WorkloadRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := objKey(ref.Namespace, ref.Name)
	if _, ok := g.endpoints[k]; !ok {
		return &cluster.NotFoundError{Kind: "endpoint", Name: ref.Name}
	}
	delete(g.endpoints, k)
	return nil
}

func (g *stubGateway) CreateRoutingRule(_ context.Context, rule *networkingv1.Ingress) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routings[objKey(rule.Namespace, rule.Name)] = rule.DeepCopy()
	return nil
}

func (g *stubGateway) DeleteRoutingRule(_ context.Context, ref cluster.WorkloadRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.routings, objKey(ref.Namespace, ref.Name))
	return nil
}

func (g *stubGateway) counts() (workloads, endpoints, routings int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.workloads), len(g.endpoints), len(g.routings)
}

type stubArtifacts struct {
	mu         sync.Mutex
	resolveErr error
	promoted   []string
}

func (a *stubArtifacts) ResolveVersion(_ context.Context, name, version string) (*artifact.Source, error) {
	if a.resolveErr != nil {
		return nil, a.resolveErr
	}
	return &artifact.Source{
		Name:    name,
		Version: version,
		URI:     "s3://models/" + name + "/" + version,
		Stage:   artifact.StageStaging,
	}, nil
}

func (a *stubArtifacts) PromoteStage(_ context.Context, name, version, stage string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.promoted = append(a.promoted, name+":"+version+":"+stage)
	return nil
}

func (a *stubArtifacts) promotions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.promoted...)
}

type stubSource struct {
	snap observe.Snapshot
	err  error
}

func (s *stubSource) Snapshot(_ context.Context, _, _ string, _ time.Duration) (observe.Snapshot, error) {
	return s.snap, s.err
}

type stubProber struct {
	mu    sync.Mutex
	fail  bool
	calls int
	urls  []string
}

func (p *stubProber) Probe(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.urls = append(p.urls, url)
	if p.fail {
		return errors.New("connection refused")
	}
	return nil
}

func fastOpts() Options {
	return Options{
		ReadyInterval:       time.Millisecond,
		ReadyTimeout:        200 * time.Millisecond,
		MonitorInterval:     time.Minute,
		MonitorTimeout:      time.Hour,
		HealthAttempts:      2,
		HealthBackoff:       time.Millisecond,
		ClusterRetries:      2,
		ClusterRetryBackoff: time.Millisecond,
		ObservationWindow:   5 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, gw *stubGateway, src *stubSource, opts Options) (*Engine, *stubArtifacts) {
	t.Helper()
	arts := &stubArtifacts{}
	e := New(registry.NewMemoryStore(), gw, arts, src, opts)
	t.Cleanup(e.Close)
	return e, arts
}

func waitForStatus(t *testing.T, e *Engine, id string, want registry.Status) registry.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := e.store.Get(id)
		if ok && rec.Status == want {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	rec, _ := e.store.Get(id)
	t.Fatalf("deployment %s never reached %s, last status was %s", id, want, rec.Status)
	return registry.Record{}
}

func TestStartDeploymentValidation(t *testing.T) {
	tests := []struct {
		name string
		req  StartRequest
	}{
		{"missing artifact name", StartRequest{ArtifactVersion: "1", Environment: "staging", Strategy: "standard"}},
		{"missing version", StartRequest{ArtifactName: "m", Environment: "staging", Strategy: "standard"}},
		{"missing environment", StartRequest{ArtifactName: "m", ArtifactVersion: "1", Strategy: "standard"}},
		{"unknown strategy", StartRequest{ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "blue-green"}},
		{"negative replicas", StartRequest{ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "standard",
			Config: descriptor.Config{Replicas: -1}}},
	}

	e, _ := newTestEngine(t, newStubGateway(), &stubSource{}, fastOpts())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.StartDeployment(context.Background(), tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("StartDeployment() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestStartDeploymentResolveFailure(t *testing.T) {
	gw := newStubGateway()
	e, arts := newTestEngine(t, gw, &stubSource{}, fastOpts())
	arts.resolveErr = errors.New("registry unavailable")

	_, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "standard",
	})
	if err == nil || !strings.Contains(err.Error(), "failed to resolve artifact") {
		t.Fatalf("StartDeployment() error = %v, want resolution failure", err)
	}
	if got := len(e.ListDeployments(context.Background())); got != 0 {
		t.Errorf("record count after failed resolution = %d, want 0", got)
	}
}

func TestStandardRolloutReachesReady(t *testing.T) {
	gw := newStubGateway()
	e, arts := newTestEngine(t, gw, &stubSource{}, fastOpts())
	prober := &stubProber{}
	e.SetProber(prober)

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName:    "fraud-model",
		ArtifactVersion: "3",
		Environment:     "production",
		Strategy:        "standard",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}

	rec := waitForStatus(t, e, id, registry.StatusReady)
	if rec.ReadyAt == nil {
		t.Error("ReadyAt not set on ready deployment")
	}
	if rec.Error != "" {
		t.Errorf("Error = %q on ready deployment, want empty", rec.Error)
	}
	if rec.SourceURI != "s3://models/fraud-model/3" {
		t.Errorf("SourceURI = %q", rec.SourceURI)
	}

	workloads, endpoints, routings := gw.counts()
	if workloads != 1 || endpoints != 1 || routings != 0 {
		t.Errorf("cluster state = %d workloads, %d endpoints, %d routings; want 1, 1, 0",
			workloads, endpoints, routings)
	}
	if prober.calls != 1 {
		t.Errorf("probe calls = %d, want 1", prober.calls)
	}
	if !strings.Contains(prober.urls[0], ".svc.cluster.local/health") {
		t.Errorf("probe url = %q, want cluster-local health endpoint", prober.urls[0])
	}

	want := "fraud-model:3:" + artifact.StageProduction
	promos := arts.promotions()
	if len(promos) != 1 || promos[0] != want {
		t.Errorf("stage promotions = %v, want [%s]", promos, want)
	}
}

func TestStandardRolloutStagingSkipsStagePromotion(t *testing.T) {
	gw := newStubGateway()
	e, arts := newTestEngine(t, gw, &stubSource{}, fastOpts())
	e.SetProber(&stubProber{})

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "standard",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}
	waitForStatus(t, e, id, registry.StatusReady)

	if promos := arts.promotions(); len(promos) != 0 {
		t.Errorf("stage promotions in staging = %v, want none", promos)
	}
}

func TestStandardRolloutHealthGateRollsBack(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, &stubSource{}, fastOpts())
	prober := &stubProber{fail: true}
	e.SetProber(prober)

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "standard",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}

	rec := waitForStatus(t, e, id, registry.StatusFailed)
	if !strings.Contains(rec.Error, "health gate failed after 2 attempts") {
		t.Errorf("Error = %q, want health gate failure", rec.Error)
	}
	if prober.calls != 2 {
		t.Errorf("probe calls = %d, want 2", prober.calls)
	}

	workloads, endpoints, routings := gw.counts()
	if workloads != 0 || endpoints != 0 || routings != 0 {
		t.Errorf("residual cluster state after rollback = %d workloads, %d endpoints, %d routings; want none",
			workloads, endpoints, routings)
	}
}

func TestStandardRolloutReadinessTimeout(t *testing.T) {
	gw := newStubGateway()
	gw.notReadyReads = 1 << 20
	opts := fastOpts()
	opts.ReadyTimeout = 10 * time.Millisecond
	e, _ := newTestEngine(t, gw, &stubSource{}, opts)
	e.SetProber(&stubProber{})

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "standard",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}

	rec := waitForStatus(t, e, id, registry.StatusTimedOut)
	if !strings.Contains(rec.Error, "did not become ready") {
		t.Errorf("Error = %q, want readiness timeout", rec.Error)
	}
}

func TestWaitUntilReadyPollBudget(t *testing.T) {
	gw := newStubGateway()
	gw.workloads["prism-staging/w"] = &appsv1.Deployment{
		Spec: appsv1.DeploymentSpec{Replicas: ptr.To(int32(2))},
	}
	gw.notReadyReads = 1 << 20

	opts := fastOpts()
	opts.ReadyInterval = 10 * time.Millisecond
	e, _ := newTestEngine(t, gw, &stubSource{}, opts)

	ref := cluster.WorkloadRef{Namespace: "prism-staging", Name: "w"}
	err := e.waitUntilReady(context.Background(), ref, 2, 50*time.Millisecond)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("waitUntilReady() error = %v, want ErrReadinessTimeout", err)
	}
	if gw.statusReads != 5 {
		t.Errorf("status reads = %d, want exactly 5 for a 50ms budget at 10ms intervals", gw.statusReads)
	}
}

func TestWaitUntilReadyVanishedWorkload(t *testing.T) {
	e, _ := newTestEngine(t, newStubGateway(), &stubSource{}, fastOpts())
	ref := cluster.WorkloadRef{Namespace: "prism-staging", Name: "gone"}
	err := e.waitUntilReady(context.Background(), ref, 2, 50*time.Millisecond)
	if !errors.Is(err, ErrWorkloadVanished) {
		t.Fatalf("waitUntilReady() error = %v, want ErrWorkloadVanished", err)
	}
}

func TestCanaryRolloutPromotes(t *testing.T) {
	gw := newStubGateway()
	src := &stubSource{snap: observe.Snapshot{SuccessRate: 0.99, ErrorRate: 0.002}}
	e, _ := newTestEngine(t, gw, src, fastOpts())
	e.SetProber(&stubProber{})

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "2", Environment: "staging", Strategy: "canary",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}

	rec := waitForStatus(t, e, id, registry.StatusReady)
	if rec.ReadyAt == nil {
		t.Error("ReadyAt not set on promoted canary")
	}

	gw.mu.Lock()
	created := append([]int32(nil), gw.createdReplicas...)
	patched := append([]int32(nil), gw.patchedReplicas...)
	gw.mu.Unlock()

	if len(created) != 1 || created[0] != 1 {
		t.Errorf("canary created with replicas %v, want [1]", created)
	}
	if len(patched) != 1 || patched[0] != rec.Config.Replicas {
		t.Errorf("promotion patched replicas %v, want [%d]", patched, rec.Config.Replicas)
	}
}

func TestCanaryRolloutRollsBackOnBadMetrics(t *testing.T) {
	gw := newStubGateway()
	src := &stubSource{snap: observe.Snapshot{SuccessRate: 0.50, ErrorRate: 0.10}}
	e, _ := newTestEngine(t, gw, src, fastOpts())
	e.SetProber(&stubProber{})

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "2", Environment: "staging", Strategy: "canary",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}

	rec := waitForStatus(t, e, id, registry.StatusFailed)
	if !strings.Contains(rec.Error, "below promotion thresholds") {
		t.Errorf("Error = %q, want threshold failure", rec.Error)
	}
	if !strings.Contains(rec.Error, "success_rate=0.500") {
		t.Errorf("Error = %q, want observed success rate in message", rec.Error)
	}

	workloads, endpoints, _ := gw.counts()
	if workloads != 0 || endpoints != 0 {
		t.Errorf("residual cluster state after canary rollback = %d workloads, %d endpoints; want none",
			workloads, endpoints)
	}
}

func TestCanaryRolloutRollsBackOnMetricsOutage(t *testing.T) {
	gw := newStubGateway()
	src := &stubSource{err: errors.New("metrics backend down")}
	e, _ := newTestEngine(t, gw, src, fastOpts())
	e.SetProber(&stubProber{})

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "2", Environment: "staging", Strategy: "canary",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}

	rec := waitForStatus(t, e, id, registry.StatusFailed)
	if !strings.Contains(rec.Error, "failed to read canary metrics") {
		t.Errorf("Error = %q, want metrics read failure", rec.Error)
	}
	if workloads, _, _ := gw.counts(); workloads != 0 {
		t.Errorf("canary workload survived a metrics outage rollback")
	}
}

func TestScaleDeployment(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, &stubSource{}, fastOpts())
	e.SetProber(&stubProber{})

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "standard",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}
	waitForStatus(t, e, id, registry.StatusReady)

	if err := e.ScaleDeployment(context.Background(), id, 5); err != nil {
		t.Fatalf("ScaleDeployment() error = %v", err)
	}
	rec, _ := e.store.Get(id)
	if rec.Config.Replicas != 5 {
		t.Errorf("Config.Replicas = %d after scale, want 5", rec.Config.Replicas)
	}
	if rec.ScaledAt == nil {
		t.Error("ScaledAt not set after scale")
	}

	var verr *ValidationError
	if err := e.ScaleDeployment(context.Background(), id, 0); !errors.As(err, &verr) {
		t.Errorf("ScaleDeployment(0) error = %v, want ValidationError", err)
	}

	var nf *registry.ErrNotFound
	if err := e.ScaleDeployment(context.Background(), "nope", 3); !errors.As(err, &nf) {
		t.Errorf("ScaleDeployment(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteDeploymentTearsDownResources(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, &stubSource{}, fastOpts())
	e.SetProber(&stubProber{})

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "standard",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}
	waitForStatus(t, e, id, registry.StatusReady)

	if err := e.DeleteDeployment(context.Background(), id); err != nil {
		t.Fatalf("DeleteDeployment() error = %v", err)
	}

	if _, ok := e.store.Get(id); ok {
		t.Error("record still present after delete")
	}
	workloads, endpoints, _ := gw.counts()
	if workloads != 0 || endpoints != 0 {
		t.Errorf("cluster state after delete = %d workloads, %d endpoints; want none", workloads, endpoints)
	}

	var nf *registry.ErrNotFound
	if err := e.DeleteDeployment(context.Background(), id); !errors.As(err, &nf) {
		t.Errorf("second DeleteDeployment() error = %v, want ErrNotFound", err)
	}
}

func TestGetDeploymentEnrichesClusterStatus(t *testing.T) {
	gw := newStubGateway()
	e, _ := newTestEngine(t, gw, &stubSource{}, fastOpts())
	e.SetProber(&stubProber{})

	id, err := e.StartDeployment(context.Background(), StartRequest{
		ArtifactName: "m", ArtifactVersion: "1", Environment: "staging", Strategy: "standard",
	})
	if err != nil {
		t.Fatalf("StartDeployment() error = %v", err)
	}
	waitForStatus(t, e, id, registry.StatusReady)

	rec, err := e.GetDeployment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDeployment() error = %v", err)
	}
	if rec.ClusterStatus == nil {
		t.Fatal("ClusterStatus not populated on live deployment")
	}
	if !rec.ClusterStatus.Ready() {
		t.Errorf("ClusterStatus = %+v, want ready", rec.ClusterStatus)
	}

	var nf *registry.ErrNotFound
	if _, err := e.GetDeployment(context.Background(), "nope"); !errors.As(err, &nf) {
		t.Errorf("GetDeployment(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestWithRetry(t *testing.T) {
	e, _ := newTestEngine(t, newStubGateway(), &stubSource{}, fastOpts())

	t.Run("transient errors retried", func(t *testing.T) {
		calls := 0
		err := e.withRetry(context.Background(), "op", func() error {
			calls++
			if calls < 3 {
				return cluster.NewTransientError(errors.New("apiserver hiccup"))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("withRetry() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("non-transient errors returned as-is", func(t *testing.T) {
		calls := 0
		err := e.withRetry(context.Background(), "op", func() error {
			calls++
			return &cluster.NotFoundError{Kind: "workload", Name: "w"}
		})
		if !cluster.IsNotFound(err) {
			t.Fatalf("withRetry() error = %v, want NotFoundError", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("budget exhausted", func(t *testing.T) {
		calls := 0
		err := e.withRetry(context.Background(), "op", func() error {
			calls++
			return cluster.NewTransientError(errors.New("still down"))
		})
		if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
			t.Fatalf("withRetry() error = %v, want exhaustion", err)
		}
		if calls != e.opts.ClusterRetries+1 {
			t.Errorf("calls = %d, want %d", calls, e.opts.ClusterRetries+1)
		}
	})
}
