package cluster

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// K8sGateway implements Gateway against a Kubernetes API server.
type K8sGateway struct {
	clientset kubernetes.Interface
}

var _ Gateway = (*K8sGateway)(nil)

// NewK8sGateway wraps a clientset into a Gateway.
func NewK8sGateway(clientset kubernetes.Interface) *K8sGateway {
	return &K8sGateway{clientset: clientset}
}

// EnsureNamespace creates the namespace if it does not already exist.
func (g *K8sGateway) EnsureNamespace(ctx context.Context, namespace string) error {
	_, err := g.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !IsNotFound(classify(err, "namespace", namespace)) {
		return classify(err, "namespace", namespace)
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespace,
			Labels: map[string]string{"managed-by": "prism-mlops"},
		},
	}
	_, err = g.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if IsConflict(classify(err, "namespace", namespace)) {
		// Lost a create race, the namespace is there now.
		return nil
	}
	return classify(err, "namespace", namespace)
}

func (g *K8sGateway) CreateWorkload(ctx context.Context, workload *appsv1.Deployment) error {
	_, err := g.clientset.AppsV1().Deployments(workload.Namespace).
		Create(ctx, workload, metav1.CreateOptions{})
	return classify(err, "workload", workload.Name)
}

func (g *K8sGateway) UpdateWorkload(ctx context.Context, workload *appsv1.Deployment) error {
	_, err := g.clientset.AppsV1().Deployments(workload.Namespace).
		Update(ctx, workload, metav1.UpdateOptions{})
	return classify(err, "workload", workload.Name)
}

func (g *K8sGateway) PatchWorkloadReplicas(ctx context.Context, ref WorkloadRef, replicas int32) error {
	patch := fmt.Appendf(nil, `{"spec":{"replicas":%d}}`, replicas)
	_, err := g.clientset.AppsV1().Deployments(ref.Namespace).
		Patch(ctx, ref.Name, types.MergePatchType, patch, metav1.PatchOptions{})
	return classify(err, "workload", ref.Name)
}

func (g *K8sGateway) ReadWorkloadStatus(ctx context.Context, ref WorkloadRef) (WorkloadStatus, error) {
	dep, err := g.clientset.AppsV1().Deployments(ref.Namespace).
		Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return WorkloadStatus{}, classify(err, "workload", ref.Name)
	}

	status := WorkloadStatus{
		ReadyReplicas:     dep.Status.ReadyReplicas,
		AvailableReplicas: dep.Status.AvailableReplicas,
	}
	if dep.Spec.Replicas != nil {
		status.DesiredReplicas = *dep.Spec.Replicas
	}
	for _, cond := range dep.Status.Conditions {
		status.Conditions = append(status.Conditions, WorkloadCondition{
			Type:    string(cond.Type),
			Status:  string(cond.Status),
			Reason:  cond.Reason,
			Message: cond.Message,
		})
	}
	return status, nil
}

func (g *K8sGateway) DeleteWorkload(ctx context.Context, ref WorkloadRef) error {
	err := g.clientset.AppsV1().Deployments(ref.Namespace).
		Delete(ctx, ref.Name, metav1.DeleteOptions{})
	return classify(err, "workload", ref.Name)
}

func (g *K8sGateway) ListWorkloadsByLabel(ctx context.Context, namespace, selector string) ([]appsv1.Deployment, error) {
	list, err := g.clientset.AppsV1().Deployments(namespace).
		List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, classify(err, "workload", selector)
	}
	return list.Items, nil
}

func (g *K8sGateway) CreateEndpoint(ctx context.Context, endpoint *corev1.Service) error {
	_, err := g.clientset.CoreV1().Services(endpoint.Namespace).
		Create(ctx, endpoint, metav1.CreateOptions{})
	return classify(err, "endpoint", endpoint.Name)
}

func (g *K8sGateway) DeleteEndpoint(ctx context.Context, ref WorkloadRef) error {
	err := g.clientset.CoreV1().Services(ref.Namespace).
		Delete(ctx, ref.Name, metav1.DeleteOptions{})
	return classify(err, "endpoint", ref.Name)
}

func (g *K8sGateway) CreateRoutingRule(ctx context.Context, rule *networkingv1.Ingress) error {
	_, err := g.clientset.NetworkingV1().Ingresses(rule.Namespace).
		Create(ctx, rule, metav1.CreateOptions{})
	return classify(err, "routing rule", rule.Name)
}

func (g *K8sGateway) DeleteRoutingRule(ctx context.Context, ref WorkloadRef) error {
	err := g.clientset.NetworkingV1().Ingresses(ref.Namespace).
		Delete(ctx, ref.Name, metav1.DeleteOptions{})
	return classify(err, "routing rule", ref.Name)
}
