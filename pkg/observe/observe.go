// Package observe reads summarized health signals for a workload from
// the metrics source. The engine only consumes the summary; scraping
// and aggregation live behind the metrics source's own API.
package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Snapshot is a summarized view of a workload's traffic health over an
// observation window.
type Snapshot struct {
	SuccessRate float64 `json:"success_rate"`
	ErrorRate   float64 `json:"error_rate"`
	LatencyP95  float64 `json:"latency_p95"`
	Throughput  float64 `json:"throughput"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("success_rate=%.3f error_rate=%.3f latency_p95=%.3fs throughput=%.1frps",
		s.SuccessRate, s.ErrorRate, s.LatencyP95, s.Throughput)
}

// Source supplies health snapshots for canary evaluation.
type Source interface {
	Snapshot(ctx context.Context, namespace, workload string, window time.Duration) (Snapshot, error)
}

// HTTPSource reads snapshots from a metrics summary API.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates a snapshot source against the given base URL.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Snapshot fetches the health summary for a workload over the given
// window. Failures are returned as-is; the caller decides whether a
// missing snapshot fails the rollout.
func (s *HTTPSource) Snapshot(ctx context.Context, namespace, workload string, window time.Duration) (Snapshot, error) {
	q := url.Values{}
	q.Set("namespace", namespace)
	q.Set("workload", workload)
	q.Set("window", window.String())

	reqURL := fmt.Sprintf("%s/api/v1/summary?%s", s.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics source request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("metrics source returned status %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}
