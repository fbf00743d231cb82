package descriptor

import (
	"errors"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
)

const (
	// namespacePrefix scopes every environment into its own namespace.
	namespacePrefix = "prism-"
	namePrefix      = "prism-model-"
	managedByLabel  = "prism-mlops"
	ingressDomain   = "prism.mining"

	// Workload names must leave room for the "-service"/"-ingress"
	// suffixes within the 63 character DNS label limit.
	maxWorkloadNameLen = 55

	// CanaryReplicas bounds the blast radius of a canary while it is
	// under observation, regardless of the target replica count.
	CanaryReplicas = 1

	containerName = "model-server"
	servicePort   = 80
)

// Input identifies the artifact and rollout attempt a descriptor
// bundle is built for.
type Input struct {
	ArtifactName    string
	ArtifactVersion string
	// SourceURI is the resolved artifact location the serving
	// container loads at startup.
	SourceURI   string
	ID          string
	Environment string
	Strategy    Strategy
	Config      Config
}

// Namespace returns the namespace for an environment. It depends on
// the environment only, so repeated rollouts into the same environment
// always target the same namespace.
func Namespace(environment string) string {
	return namespacePrefix + environment
}

// Sanitize converts an artifact name or version into a DNS-safe
// resource name fragment: lower-cased, with "_" and "." replaced
// by "-".
func Sanitize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, ".", "-")
	return s
}

// Build produces the descriptor bundle for one rollout attempt.
// Identical inputs, including the id, yield identical bundles.
func Build(in Input) (*Bundle, error) {
	if in.ArtifactName == "" {
		return nil, errors.New("artifact name must not be empty")
	}
	if in.ArtifactVersion == "" {
		return nil, errors.New("artifact version must not be empty")
	}
	if in.ID == "" {
		return nil, errors.New("deployment id must not be empty")
	}
	if in.Environment == "" {
		return nil, errors.New("environment must not be empty")
	}

	cfg := in.Config.WithDefaults()

	requests, limits, err := resourceLists(cfg)
	if err != nil {
		return nil, err
	}

	replicas := cfg.Replicas
	if in.Strategy == StrategyCanary {
		replicas = CanaryReplicas
	}

	safeName := Sanitize(in.ArtifactName)
	name := deriveName(safeName, Sanitize(in.ArtifactVersion), in.ID, in.Strategy)
	namespace := Namespace(in.Environment)

	labels := map[string]string{
		"app":           name,
		"model":         safeName,
		"version":       in.ArtifactVersion,
		"environment":   in.Environment,
		"deployment-id": in.ID,
		"managed-by":    managedByLabel,
	}

	workload := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(replicas),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":     name,
						"model":   safeName,
						"version": in.ArtifactVersion,
					},
					Annotations: map[string]string{
						"prometheus.io/scrape": "true",
						"prometheus.io/port":   fmt.Sprintf("%d", cfg.Port),
						"prometheus.io/path":   "/metrics",
					},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  containerName,
						Image: cfg.Image,
						Ports: []corev1.ContainerPort{{
							ContainerPort: cfg.Port,
						}},
						Env: []corev1.EnvVar{
							{Name: "MODEL_URI", Value: in.SourceURI},
							{Name: "MODEL_NAME", Value: in.ArtifactName},
							{Name: "MODEL_VERSION", Value: in.ArtifactVersion},
							{Name: "DEPLOYMENT_ID", Value: in.ID},
							{Name: "ENVIRONMENT", Value: in.Environment},
						},
						Resources: corev1.ResourceRequirements{
							Requests: requests,
							Limits:   limits,
						},
						LivenessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								HTTPGet: &corev1.HTTPGetAction{
									Path: cfg.HealthPath,
									Port: intstr.FromInt32(cfg.Port),
								},
							},
							InitialDelaySeconds: 30,
							PeriodSeconds:       10,
						},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								HTTPGet: &corev1.HTTPGetAction{
									Path: cfg.HealthPath,
									Port: intstr.FromInt32(cfg.Port),
								},
							},
							InitialDelaySeconds: 5,
							PeriodSeconds:       5,
						},
					}},
				},
			},
		},
	}

	endpoint := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-service",
			Namespace: namespace,
			Labels: map[string]string{
				"app":     name,
				"model":   safeName,
				"version": in.ArtifactVersion,
			},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{{
				Port:       servicePort,
				TargetPort: intstr.FromInt32(cfg.Port),
				Protocol:   corev1.ProtocolTCP,
			}},
			Type: corev1.ServiceTypeClusterIP,
		},
	}

	bundle := &Bundle{
		Workload:  workload,
		Endpoint:  endpoint,
		Name:      name,
		Namespace: namespace,
	}

	if cfg.ExternalAccess {
		bundle.Routing = buildRouting(name, namespace)
	}

	return bundle, nil
}

// deriveName builds the unique workload name for a rollout attempt.
// The id prefix keeps concurrent rollouts of different versions from
// colliding; canaries carry a "-canary" suffix so they never shadow
// the stable workload of the same version.
func deriveName(safeName, safeVersion, id string, strategy Strategy) string {
	token := id
	if len(token) > 8 {
		token = token[:8]
	}

	suffix := "-" + token
	if strategy == StrategyCanary {
		suffix += "-canary"
	}

	base := namePrefix + safeName + "-" + safeVersion
	if len(base)+len(suffix) > maxWorkloadNameLen {
		base = strings.TrimRight(base[:maxWorkloadNameLen-len(suffix)], "-")
	}

	return base + suffix
}

func buildRouting(name, namespace string) *networkingv1.Ingress {
	host := name + "." + ingressDomain
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-ingress",
			Namespace: namespace,
			Annotations: map[string]string{
				"nginx.ingress.kubernetes.io/rewrite-target": "/",
				"cert-manager.io/cluster-issuer":             "letsencrypt-prod",
			},
		},
		Spec: networkingv1.IngressSpec{
			TLS: []networkingv1.IngressTLS{{
				Hosts:      []string{host},
				SecretName: name + "-tls",
			}},
			Rules: []networkingv1.IngressRule{{
				Host: host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/",
							PathType: ptr.To(networkingv1.PathTypePrefix),
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: name + "-service",
									Port: networkingv1.ServiceBackendPort{
										Number: servicePort,
									},
								},
							},
						}},
					},
				},
			}},
		},
	}
}

func resourceLists(cfg Config) (corev1.ResourceList, corev1.ResourceList, error) {
	quantities := make(map[string]resource.Quantity, 4)
	for field, val := range map[string]string{
		"cpu_request":    cfg.CPURequest,
		"cpu_limit":      cfg.CPULimit,
		"memory_request": cfg.MemoryRequest,
		"memory_limit":   cfg.MemoryLimit,
	} {
		q, err := resource.ParseQuantity(val)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid %s %q: %w", field, val, err)
		}
		quantities[field] = q
	}

	requests := corev1.ResourceList{
		corev1.ResourceCPU:    quantities["cpu_request"],
		corev1.ResourceMemory: quantities["memory_request"],
	}
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    quantities["cpu_limit"],
		corev1.ResourceMemory: quantities["memory_limit"],
	}
	return requests, limits, nil
}
