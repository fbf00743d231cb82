// Package artifact talks to the artifact registry: resolving which
// source a versioned artifact is served from, and recording stage
// promotions after a successful rollout.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/prism-mining/deploy-engine/pkg/metrics"
	"golang.org/x/time/rate"
)

// Stage constants the registry understands.
const (
	StageStaging    = "Staging"
	StageProduction = "Production"
	StageArchived   = "Archived"
)

// ClientOption is a function that configures the Client.
type ClientOption func(*Client)

// validNamePattern validates artifact names used in URL paths
// (alphanumeric, hyphens, underscores, dots).
var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Client is an API client for the artifact registry.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retries     int
	apiToken    string
	rateLimiter *rate.Limiter
}

// NewClient creates a new registry client with the given base URL.
// Returns an error if the base URL is not HTTPS for non-local hosts.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	// Check if URL is local (allowed to use HTTP)
	isLocal := strings.HasPrefix(baseURL, "http://localhost") ||
		strings.HasPrefix(baseURL, "http://127.0.0.1") ||
		strings.Contains(baseURL, ".svc.cluster.local")

	// Reject non-HTTPS URLs for non-local hosts
	if strings.HasPrefix(baseURL, "http://") && !isLocal {
		return nil, fmt.Errorf("insecure URL not allowed: %s (use HTTPS for non-local hosts)", baseURL)
	}

	// Add https:// prefix if no scheme is provided
	if !strings.HasPrefix(baseURL, "https://") && !strings.HasPrefix(baseURL, "http://") {
		baseURL = "https://" + baseURL
	}

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		retries: 3,
		// 20 req/sec with burst of 50
		rateLimiter: rate.NewLimiter(rate.Limit(20), 50),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// WithTimeout sets the HTTP client timeout in seconds.
func WithTimeout(seconds int) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = time.Duration(seconds) * time.Second
	}
}

// WithRetries sets the number of retries for failed requests.
func WithRetries(retries int) ClientOption {
	return func(c *Client) {
		c.retries = retries
	}
}

// WithAPIToken sets the API token for Bearer authentication.
func WithAPIToken(token string) ClientOption {
	return func(c *Client) {
		c.apiToken = token
	}
}

// WithRateLimiter sets a custom rate limiter for API calls.
func WithRateLimiter(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// ClientError represents a client error that can not be retried.
type ClientError struct {
	err error
}

func (c *ClientError) Error() string {
	return fmt.Sprintf("client_error: %s", c.err.Error())
}

func (c *ClientError) Unwrap() error {
	return c.err
}

// Source describes where a versioned artifact is served from.
type Source struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	URI     string `json:"source"`
	Stage   string `json:"current_stage"`
	RunID   string `json:"run_id,omitempty"`
}

// ResolveVersion looks up the source location for an artifact version.
// This is performed once at rollout start; the engine does not
// re-validate the artifact afterwards.
func (c *Client) ResolveVersion(ctx context.Context, name, version string) (*Source, error) {
	if !validNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid artifact name: %s", name)
	}
	if !validNamePattern.MatchString(version) {
		return nil, fmt.Errorf("invalid artifact version: %s", version)
	}

	url := fmt.Sprintf("%s/api/v1/artifacts/%s/versions/%s", c.baseURL, name, version)

	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var src Source
	if err := json.Unmarshal(body, &src); err != nil {
		return nil, fmt.Errorf("failed to decode artifact source: %w", err)
	}
	return &src, nil
}

// PromoteStage records a stage transition for an artifact version,
// e.g. to Production after a successful production rollout.
func (c *Client) PromoteStage(ctx context.Context, name, version, stage string) error {
	if !validNamePattern.MatchString(name) {
		return fmt.Errorf("invalid artifact name: %s", name)
	}
	if !validNamePattern.MatchString(version) {
		return fmt.Errorf("invalid artifact version: %s", version)
	}

	url := fmt.Sprintf("%s/api/v1/artifacts/%s/versions/%s/stage", c.baseURL, name, version)

	payload, err := json.Marshal(map[string]string{"stage": stage})
	if err != nil {
		return fmt.Errorf("failed to marshal promotion request: %w", err)
	}

	_, err = c.do(ctx, http.MethodPost, url, payload)
	return err
}

// do issues one request with bounded retries. Server errors and
// network failures are retried with exponential backoff and jitter;
// 4xx responses (except 429) abort immediately as a ClientError.
func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	// Wait for rate limiter
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	bodyReader := bytes.NewReader(body)

	var lastErr error
	// The first attempt is not a retry!
	for attempt := range c.retries + 1 {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2,
				float64(attempt))) * 100 * time.Millisecond
			//nolint:gosec
			jitter := time.Duration(rand.Int64N(50)) * time.Millisecond
			delay := backoff + jitter

			if delay > 5*time.Second {
				delay = 5 * time.Second
			}

			// Wait with context cancellation support
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		// Reset reader position for retries
		bodyReader.Reset(body)

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		dur := time.Since(start)
		metrics.ArtifactCallTimer.Observe(dur.Seconds())
		if err != nil {
			lastErr = fmt.Errorf("%s request failed: %w", method, err)

			slog.Warn("recoverable error, re-trying",
				"attempt", attempt,
				"retries", c.retries,
				"error", lastErr)
			metrics.ArtifactCallSoftFail.Inc()
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				lastErr = fmt.Errorf("failed to read response body: %w", readErr)
				metrics.ArtifactCallSoftFail.Inc()
				continue
			}
			metrics.ArtifactCallOk.Inc()
			return respBody, nil
		}

		lastErr = fmt.Errorf("unexpected status code: %d", resp.StatusCode)

		// Don't retry on client errors (4xx) except for 429
		// (rate limit)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			metrics.ArtifactCallClientError.Inc()
			slog.Warn("client error, aborting",
				"attempt", attempt,
				"error", lastErr)
			return nil, &ClientError{err: lastErr}
		}
		metrics.ArtifactCallSoftFail.Inc()
	}

	metrics.ArtifactCallHardFail.Inc()
	slog.Error("all retries exhausted",
		"count", c.retries,
		"error", lastErr)
	return nil, fmt.Errorf("all retries exhausted: %w", lastErr)
}
