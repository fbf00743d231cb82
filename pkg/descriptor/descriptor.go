// Package descriptor builds the cluster resource descriptors for a
// single rollout attempt. Building is pure: the same inputs always
// produce byte-identical descriptors, so a retried step can safely
// rebuild instead of caching.
package descriptor

import (
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
)

// Strategy selects the rollout protocol for a deployment.
type Strategy string

const (
	// StrategyStandard replaces the previous version after the new
	// workload passes its health gate.
	StrategyStandard Strategy = "standard"
	// StrategyCanary runs a reduced-capacity workload under real
	// traffic before scaling it to full capacity.
	StrategyCanary Strategy = "canary"
)

// ParseStrategy converts a caller-supplied string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case StrategyStandard:
		return StrategyStandard, nil
	case StrategyCanary:
		return StrategyCanary, nil
	default:
		return "", fmt.Errorf("unknown strategy: %q", s)
	}
}

// Config holds the effective deployment options for one rollout.
// Zero-valued fields are filled from defaults by WithDefaults.
type Config struct {
	Replicas       int32  `json:"replicas"`
	CPURequest     string `json:"cpu_request"`
	CPULimit       string `json:"cpu_limit"`
	MemoryRequest  string `json:"memory_request"`
	MemoryLimit    string `json:"memory_limit"`
	Port           int32  `json:"port"`
	HealthPath     string `json:"health_check_path"`
	Image          string `json:"image"`
	ExternalAccess bool   `json:"external_access"`
}

// Default deployment options, applied under any caller-supplied values.
const (
	DefaultReplicas      = 2
	DefaultCPURequest    = "500m"
	DefaultCPULimit      = "2000m"
	DefaultMemoryRequest = "1Gi"
	DefaultMemoryLimit   = "4Gi"
	DefaultPort          = 8080
	DefaultHealthPath    = "/health"
	DefaultImage         = "prism/mlflow-server:latest"
)

// WithDefaults returns a copy of c with every unset field replaced by
// its default value.
func (c Config) WithDefaults() Config {
	if c.Replicas == 0 {
		c.Replicas = DefaultReplicas
	}
	if c.CPURequest == "" {
		c.CPURequest = DefaultCPURequest
	}
	if c.CPULimit == "" {
		c.CPULimit = DefaultCPULimit
	}
	if c.MemoryRequest == "" {
		c.MemoryRequest = DefaultMemoryRequest
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	return c
}

// Bundle is the generated target state for one rollout: the workload,
// its in-cluster endpoint and the optional external routing rule,
// together with the derived name and namespace they live under.
type Bundle struct {
	Workload *appsv1.Deployment    `json:"workload"`
	Endpoint *corev1.Service       `json:"endpoint"`
	Routing  *networkingv1.Ingress `json:"routing,omitempty"`

	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// EndpointName returns the name of the endpoint resource.
func (b *Bundle) EndpointName() string {
	return b.Endpoint.Name
}

// RoutingName returns the name of the routing rule, or "" when no
// external access was requested.
func (b *Bundle) RoutingName() string {
	if b.Routing == nil {
		return ""
	}
	return b.Routing.Name
}
