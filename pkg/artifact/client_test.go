package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		baseURL     string
		wantErr     bool
		errContains string
		wantBaseURL string
	}{
		{
			name:        "valid HTTPS URL",
			baseURL:     "https://registry.prism.mining",
			wantBaseURL: "https://registry.prism.mining",
		},
		{
			name:        "URL without scheme gets HTTPS prefix",
			baseURL:     "registry.prism.mining",
			wantBaseURL: "https://registry.prism.mining",
		},
		{
			name:        "HTTP URL rejected for non-local host",
			baseURL:     "http://registry.prism.mining",
			wantErr:     true,
			errContains: "insecure URL not allowed",
		},
		{
			name:        "HTTP localhost allowed",
			baseURL:     "http://localhost:5000",
			wantBaseURL: "http://localhost:5000",
		},
		{
			name:        "HTTP 127.0.0.1 allowed",
			baseURL:     "http://127.0.0.1:5000",
			wantBaseURL: "http://127.0.0.1:5000",
		},
		{
			name:        "HTTP Kubernetes service allowed",
			baseURL:     "http://mlflow.prism-mlops.svc.cluster.local:5000",
			wantBaseURL: "http://mlflow.prism-mlops.svc.cluster.local:5000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.baseURL)

			if tt.wantErr {
				if err == nil {
					t.Errorf("NewClient(%q) expected error containing %q, got nil",
						tt.baseURL, tt.errContains)
					return
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("NewClient(%q) error = %q, want error containing %q",
						tt.baseURL, err.Error(), tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("NewClient(%q) unexpected error: %v", tt.baseURL, err)
				return
			}
			if client.baseURL != tt.wantBaseURL {
				t.Errorf("NewClient(%q) baseURL = %q, want %q",
					tt.baseURL, client.baseURL, tt.wantBaseURL)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	client, err := NewClient("https://registry.prism.mining",
		WithTimeout(30),
		WithRetries(5),
		WithAPIToken("test-token"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.httpClient.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want %v", client.httpClient.Timeout, 30*time.Second)
	}
	if client.retries != 5 {
		t.Errorf("retries = %d, want %d", client.retries, 5)
	}
	if client.apiToken != "test-token" {
		t.Errorf("apiToken = %q, want %q", client.apiToken, "test-token")
	}
}

func TestResolveVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/artifacts/fraud-model/versions/3" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		_ = json.NewEncoder(w).Encode(Source{
			Name:    "fraud-model",
			Version: "3",
			URI:     "models:/fraud-model/3",
			Stage:   StageStaging,
		})
	}))
	defer srv.Close()

	client := newLocalClient(t, srv.URL, WithAPIToken("tok"))

	src, err := client.ResolveVersion(context.Background(), "fraud-model", "3")
	if err != nil {
		t.Fatalf("ResolveVersion() error: %v", err)
	}
	if src.URI != "models:/fraud-model/3" {
		t.Errorf("source URI = %q, want %q", src.URI, "models:/fraud-model/3")
	}
	if src.Stage != StageStaging {
		t.Errorf("stage = %q, want %q", src.Stage, StageStaging)
	}
}

func TestResolveVersionValidation(t *testing.T) {
	client := newLocalClient(t, "http://localhost:9")

	if _, err := client.ResolveVersion(context.Background(), "bad name", "1"); err == nil {
		t.Error("expected error for artifact name with space")
	}
	if _, err := client.ResolveVersion(context.Background(), "../traversal", "1"); err == nil {
		t.Error("expected error for path traversal in name")
	}
	if _, err := client.ResolveVersion(context.Background(), "ok", "v/1"); err == nil {
		t.Error("expected error for version with slash")
	}
}

func TestPromoteStageRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newLocalClient(t, srv.URL, WithRetries(3))

	if err := client.PromoteStage(context.Background(), "fraud-model", "3", StageProduction); err != nil {
		t.Fatalf("PromoteStage() error after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3 (two failures then success)", calls.Load())
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newLocalClient(t, srv.URL, WithRetries(3))

	_, err := client.ResolveVersion(context.Background(), "missing", "1")
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("ResolveVersion() error = %v, want ClientError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1 (4xx must not be retried)", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newLocalClient(t, srv.URL, WithRetries(2))

	err := client.PromoteStage(context.Background(), "fraud-model", "3", StageProduction)
	if err == nil {
		t.Fatal("PromoteStage() expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "all retries exhausted") {
		t.Errorf("error = %q, want retries-exhausted", err.Error())
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3 (initial attempt plus two retries)", calls.Load())
	}
}

// newLocalClient builds a client against an httptest server URL. The
// server listens on 127.0.0.1 so the HTTP scheme is accepted.
func newLocalClient(t *testing.T, baseURL string, opts ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient(baseURL, opts...)
	if err != nil {
		t.Fatalf("NewClient(%q) error: %v", baseURL, err)
	}
	return client
}
