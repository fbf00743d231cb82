package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prism-mining/deploy-engine/pkg/descriptor"
	"github.com/prism-mining/deploy-engine/pkg/metrics"
)

// Prober issues a single health probe against an endpoint URL.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber probes over plain HTTP; any 2xx response passes.
type HTTPProber struct {
	client *http.Client
}

var _ Prober = (*HTTPProber)(nil)

// NewHTTPProber creates a prober with a 10 second per-probe timeout.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// healthGate runs the retried probe sequence against the new
// workload's endpoint. The first passing probe accepts the workload;
// exhausting the attempt budget fails the rollout.
func (e *Engine) healthGate(ctx context.Context, url string) error {
	var lastErr error
	for attempt := 0; attempt < e.opts.HealthAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.opts.HealthBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := e.prober.Probe(ctx, url)
		if err == nil {
			return nil
		}
		lastErr = err
		metrics.HealthProbeFailures.Inc()
	}
	return fmt.Errorf("health gate failed after %d attempts: %w", e.opts.HealthAttempts, lastErr)
}

// endpointURL derives the in-cluster health probe URL for a bundle.
func endpointURL(b *descriptor.Bundle, healthPath string) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local%s", b.Endpoint.Name, b.Namespace, healthPath)
}
