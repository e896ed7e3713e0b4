package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
)

const rolloutSuffix = "-rollout"

// KubernetesDriver drives cluster workloads through the API server. Staged
// rollouts run through an auxiliary "<name>-rollout" deployment carrying the
// patched image; the final stage promotes the image onto the primary
// workload and removes the auxiliary one.
type KubernetesDriver struct {
	logger *zap.Logger
	client kubernetes.Interface
	runner CommandRunner // kubectl exec only; the API path needs an SPDY transport
}

// NewKubernetesDriver creates a driver over an existing clientset.
func NewKubernetesDriver(logger *zap.Logger, client kubernetes.Interface, runner CommandRunner) *KubernetesDriver {
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &KubernetesDriver{logger: logger, client: client, runner: runner}
}

// NewKubernetesDriverFromKubeconfig builds a clientset from a kubeconfig
// path (default loading rules when empty) and wraps it in a driver.
func NewKubernetesDriverFromKubeconfig(logger *zap.Logger, kubeconfig string) (*KubernetesDriver, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kube config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kube client: %w", err)
	}
	return NewKubernetesDriver(logger, cs, nil), nil
}

func (d *KubernetesDriver) Kind() model.PlatformKind { return model.PlatformKubernetes }

// kubeSnapshotPayload is the restore payload: the full deployment object
// plus the rollout revision it was captured at.
type kubeSnapshotPayload struct {
	Deployment *appsv1.Deployment `json:"deployment"`
	Revision   string             `json:"revision"`
}

func (d *KubernetesDriver) Snapshot(ctx context.Context, asset *model.Asset) ([]byte, error) {
	loc := asset.Cluster
	dep, err := d.client.AppsV1().Deployments(loc.Namespace).Get(ctx, loc.Deployment, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get deployment %s/%s: %w", loc.Namespace, loc.Deployment, err)
	}

	payload := kubeSnapshotPayload{
		Deployment: dep,
		Revision:   dep.Annotations["deployment.kubernetes.io/revision"],
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot payload: %w", err)
	}
	d.logger.Info("Captured workload snapshot",
		zap.String("namespace", loc.Namespace),
		zap.String("deployment", loc.Deployment),
		zap.String("revision", payload.Revision),
	)
	return data, nil
}

func (d *KubernetesDriver) Restore(ctx context.Context, asset *model.Asset, payload []byte) error {
	loc := asset.Cluster

	var snap kubeSnapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	if snap.Deployment == nil {
		return common.ErrInvalidInput
	}

	current, err := d.client.AppsV1().Deployments(loc.Namespace).Get(ctx, loc.Deployment, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s/%s: %w", loc.Namespace, loc.Deployment, err)
	}
	current.Spec = snap.Deployment.Spec
	if _, err := d.client.AppsV1().Deployments(loc.Namespace).Update(ctx, current, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("restore deployment spec: %w", err)
	}

	// Any in-flight rollout scaffolding is abandoned with the restore.
	if err := d.deleteRolloutWorkload(ctx, loc); err != nil {
		d.logger.Warn("Failed to remove rollout workload during restore", zap.Error(err))
	}

	d.logger.Info("Restored workload from snapshot",
		zap.String("namespace", loc.Namespace),
		zap.String("deployment", loc.Deployment),
		zap.String("revision", snap.Revision),
	)
	return nil
}

func (d *KubernetesDriver) ApplyStage(ctx context.Context, asset *model.Asset, change StageChange) error {
	loc := asset.Cluster
	deployments := d.client.AppsV1().Deployments(loc.Namespace)

	primary, err := deployments.Get(ctx, loc.Deployment, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s/%s: %w", loc.Namespace, loc.Deployment, err)
	}

	if change.Final {
		// Promote: the primary workload takes the patched image, the
		// auxiliary workload goes away.
		setImage(&primary.Spec.Template.Spec, loc.Container, change.PatchRef)
		if _, err := deployments.Update(ctx, primary, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("promote patched image: %w", err)
		}
		if err := d.deleteRolloutWorkload(ctx, loc); err != nil {
			d.logger.Warn("Failed to remove rollout workload after promotion", zap.Error(err))
		}
		return nil
	}

	replicas := stageReplicas(primary, change)
	aux := rolloutWorkloadFrom(primary, loc, change.PatchRef, replicas)

	existing, err := deployments.Get(ctx, aux.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := deployments.Create(ctx, aux, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create rollout workload: %w", err)
		}
	case err != nil:
		return fmt.Errorf("get rollout workload: %w", err)
	default:
		existing.Spec = aux.Spec
		if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("scale rollout workload: %w", err)
		}
	}

	d.logger.Info("Applied rollout stage",
		zap.String("deployment", loc.Deployment),
		zap.Int("percent", change.Percent),
		zap.Int32("replicas", replicas),
	)
	return nil
}

func (d *KubernetesDriver) HealthProbe(ctx context.Context, asset *model.Asset) error {
	loc := asset.Cluster
	deployments := d.client.AppsV1().Deployments(loc.Namespace)

	check := func(name string) error {
		dep, err := deployments.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		desired := int32(1)
		if dep.Spec.Replicas != nil {
			desired = *dep.Spec.Replicas
		}
		if dep.Status.ReadyReplicas < desired {
			return fmt.Errorf("deployment %s: %d/%d replicas ready", name, dep.Status.ReadyReplicas, desired)
		}
		return nil
	}

	if err := check(loc.Deployment); err != nil {
		return err
	}
	return check(loc.Deployment + rolloutSuffix)
}

func (d *KubernetesDriver) ProvisionSandbox(ctx context.Context, asset *model.Asset) (Sandbox, error) {
	loc := asset.Cluster
	name := sandboxName(asset)

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   name,
		Labels: map[string]string{"remedy.io/sandbox": "true"},
	}}
	if _, err := d.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("create sandbox namespace: %w", err)
	}

	sbx := &kubeSandbox{driver: d, asset: asset, namespace: name}

	primary, err := d.client.AppsV1().Deployments(loc.Namespace).Get(ctx, loc.Deployment, metav1.GetOptions{})
	if err != nil {
		// Teardown stays the caller's responsibility even on a failed clone.
		return sbx, fmt.Errorf("get deployment for sandbox clone: %w", err)
	}

	one := int32(1)
	clone := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      loc.Deployment,
			Namespace: name,
			Labels:    primary.Labels,
		},
		Spec: primary.Spec,
	}
	clone.Spec.Replicas = &one
	if _, err := d.client.AppsV1().Deployments(name).Create(ctx, clone, metav1.CreateOptions{}); err != nil {
		return sbx, fmt.Errorf("clone deployment into sandbox: %w", err)
	}

	d.logger.Info("Provisioned sandbox namespace",
		zap.String("namespace", name),
		zap.String("deployment", loc.Deployment),
	)
	return sbx, nil
}

func (d *KubernetesDriver) deleteRolloutWorkload(ctx context.Context, loc *model.ClusterLocator) error {
	err := d.client.AppsV1().Deployments(loc.Namespace).Delete(ctx, loc.Deployment+rolloutSuffix, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

type kubeSandbox struct {
	driver    *KubernetesDriver
	asset     *model.Asset
	namespace string
}

func (s *kubeSandbox) ID() string { return s.namespace }

func (s *kubeSandbox) ApplyPatch(ctx context.Context, patchRef string) error {
	loc := s.asset.Cluster
	dep, err := s.driver.client.AppsV1().Deployments(s.namespace).Get(ctx, loc.Deployment, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get sandbox deployment: %w", err)
	}
	setImage(&dep.Spec.Template.Spec, loc.Container, patchRef)
	if _, err := s.driver.client.AppsV1().Deployments(s.namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("apply patch in sandbox: %w", err)
	}
	return nil
}

func (s *kubeSandbox) RunCommand(ctx context.Context, command string) (string, error) {
	out, err := s.driver.runner.Run(ctx, "kubectl",
		"--namespace", s.namespace,
		"exec", "deploy/"+s.asset.Cluster.Deployment,
		"--", "sh", "-c", command,
	)
	return string(out), err
}

func (s *kubeSandbox) Teardown(ctx context.Context) error {
	err := s.driver.client.CoreV1().Namespaces().Delete(ctx, s.namespace, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func sandboxName(asset *model.Asset) string {
	base := strings.ToLower(asset.Cluster.Deployment)
	if len(base) > 40 {
		base = base[:40]
	}
	return "remedy-sbx-" + base
}

func stageReplicas(primary *appsv1.Deployment, change StageChange) int32 {
	total := int32(1)
	if primary.Spec.Replicas != nil && *primary.Spec.Replicas > 0 {
		total = *primary.Spec.Replicas
	}
	if change.Instances > 0 {
		if int32(change.Instances) > total {
			return total
		}
		return int32(change.Instances)
	}
	if change.Percent <= 0 {
		// Blue-green parallel environment: full scale, no traffic shift.
		return total
	}
	replicas := (total*int32(change.Percent) + 99) / 100
	if replicas < 1 {
		replicas = 1
	}
	if replicas > total {
		replicas = total
	}
	return replicas
}

func rolloutWorkloadFrom(primary *appsv1.Deployment, loc *model.ClusterLocator, patchRef string, replicas int32) *appsv1.Deployment {
	aux := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      primary.Name + rolloutSuffix,
			Namespace: primary.Namespace,
			Labels:    map[string]string{"remedy.io/rollout": "true"},
		},
		Spec: primary.Spec,
	}
	// The pod template is deep-copied: the shallow spec copy would otherwise
	// share the primary's container slice and the image swap below would
	// reach into it.
	aux.Spec.Template = *primary.Spec.Template.DeepCopy()
	aux.Spec.Replicas = &replicas
	if aux.Spec.Selector != nil && aux.Spec.Selector.MatchLabels != nil {
		selector := make(map[string]string, len(aux.Spec.Selector.MatchLabels)+1)
		for k, v := range aux.Spec.Selector.MatchLabels {
			selector[k] = v
		}
		selector["remedy.io/rollout"] = "true"
		aux.Spec.Selector = &metav1.LabelSelector{MatchLabels: selector}

		if aux.Spec.Template.Labels == nil {
			aux.Spec.Template.Labels = make(map[string]string, len(selector))
		}
		for k, v := range selector {
			aux.Spec.Template.Labels[k] = v
		}
	}
	setImage(&aux.Spec.Template.Spec, loc.Container, patchRef)
	return aux
}

// setImage updates the named container's image, or the first container when
// no name is given.
func setImage(spec *corev1.PodSpec, container, image string) {
	for i := range spec.Containers {
		if container == "" || spec.Containers[i].Name == container {
			spec.Containers[i].Image = image
			if container == "" {
				return
			}
		}
	}
}
