package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kagehara/remedy/internal/model"
)

func kubeAsset() *model.Asset {
	return &model.Asset{
		ID:            "a1",
		Platform:      model.PlatformKubernetes,
		InstanceCount: 10,
		Cluster:       &model.ClusterLocator{Namespace: "prod", Deployment: "api", Container: "api"},
	}
}

func primaryDeployment(replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "api",
			Namespace:   "prod",
			Annotations: map[string]string{"deployment.kubernetes.io/revision": "7"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "api"}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "api"}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "api", Image: "api:1.0"}},
				},
			},
		},
		Status: appsv1.DeploymentStatus{ReadyReplicas: replicas},
	}
}

func TestKubernetesSnapshotAndRestore(t *testing.T) {
	client := fake.NewSimpleClientset(primaryDeployment(10))
	d := NewKubernetesDriver(zaptest.NewLogger(t), client, NewFakeRunner())
	ctx := context.Background()
	asset := kubeAsset()

	payload, err := d.Snapshot(ctx, asset)
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	// Mutate the live workload, then restore.
	dep, err := client.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	dep.Spec.Template.Spec.Containers[0].Image = "api:broken"
	_, err = client.AppsV1().Deployments("prod").Update(ctx, dep, metav1.UpdateOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Restore(ctx, asset, payload))

	restored, err := client.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "api:1.0", restored.Spec.Template.Spec.Containers[0].Image)
}

func TestKubernetesApplyStageCreatesAndScalesRolloutWorkload(t *testing.T) {
	client := fake.NewSimpleClientset(primaryDeployment(10))
	d := NewKubernetesDriver(zaptest.NewLogger(t), client, NewFakeRunner())
	ctx := context.Background()
	asset := kubeAsset()

	require.NoError(t, d.ApplyStage(ctx, asset, StageChange{PatchRef: "api:1.1", Percent: 10}))

	aux, err := client.AppsV1().Deployments("prod").Get(ctx, "api-rollout", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *aux.Spec.Replicas, "10% of 10 replicas")
	assert.Equal(t, "api:1.1", aux.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, "true", aux.Spec.Selector.MatchLabels["remedy.io/rollout"])

	// The primary stays untouched until promotion.
	primary, err := client.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "api:1.0", primary.Spec.Template.Spec.Containers[0].Image)

	require.NoError(t, d.ApplyStage(ctx, asset, StageChange{PatchRef: "api:1.1", Percent: 50}))
	aux, err = client.AppsV1().Deployments("prod").Get(ctx, "api-rollout", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(5), *aux.Spec.Replicas)
}

func TestKubernetesFinalStagePromotesAndCleansUp(t *testing.T) {
	client := fake.NewSimpleClientset(primaryDeployment(10))
	d := NewKubernetesDriver(zaptest.NewLogger(t), client, NewFakeRunner())
	ctx := context.Background()
	asset := kubeAsset()

	require.NoError(t, d.ApplyStage(ctx, asset, StageChange{PatchRef: "api:1.1", Percent: 10}))
	require.NoError(t, d.ApplyStage(ctx, asset, StageChange{PatchRef: "api:1.1", Percent: 100, Final: true}))

	primary, err := client.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "api:1.1", primary.Spec.Template.Spec.Containers[0].Image)

	_, err = client.AppsV1().Deployments("prod").Get(ctx, "api-rollout", metav1.GetOptions{})
	assert.Error(t, err, "rollout workload removed after promotion")
}

func TestKubernetesHealthProbe(t *testing.T) {
	dep := primaryDeployment(10)
	client := fake.NewSimpleClientset(dep)
	d := NewKubernetesDriver(zaptest.NewLogger(t), client, NewFakeRunner())
	ctx := context.Background()
	asset := kubeAsset()

	assert.NoError(t, d.HealthProbe(ctx, asset))

	dep.Status.ReadyReplicas = 4
	_, err := client.AppsV1().Deployments("prod").UpdateStatus(ctx, dep, metav1.UpdateOptions{})
	require.NoError(t, err)
	assert.Error(t, d.HealthProbe(ctx, asset))
}

func TestKubernetesSandboxClonesIntoNamespace(t *testing.T) {
	client := fake.NewSimpleClientset(primaryDeployment(10))
	d := NewKubernetesDriver(zaptest.NewLogger(t), client, NewFakeRunner())
	ctx := context.Background()
	asset := kubeAsset()

	sbx, err := d.ProvisionSandbox(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, "remedy-sbx-api", sbx.ID())

	clone, err := client.AppsV1().Deployments("remedy-sbx-api").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *clone.Spec.Replicas, "sandbox runs a single replica")

	require.NoError(t, sbx.ApplyPatch(ctx, "api:1.1"))
	clone, err = client.AppsV1().Deployments("remedy-sbx-api").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "api:1.1", clone.Spec.Template.Spec.Containers[0].Image)

	require.NoError(t, sbx.Teardown(ctx))
}

func TestStageReplicas(t *testing.T) {
	dep := primaryDeployment(10)

	assert.Equal(t, int32(1), stageReplicas(dep, StageChange{Percent: 10}))
	assert.Equal(t, int32(3), stageReplicas(dep, StageChange{Percent: 25}), "rounds up")
	assert.Equal(t, int32(10), stageReplicas(dep, StageChange{Percent: 100}))
	assert.Equal(t, int32(10), stageReplicas(dep, StageChange{Percent: 0}), "blue-green runs full scale")
	assert.Equal(t, int32(2), stageReplicas(dep, StageChange{Instances: 2}))
	assert.Equal(t, int32(10), stageReplicas(dep, StageChange{Instances: 50}), "batches never exceed the fleet")
}
