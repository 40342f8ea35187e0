package agent

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

// StatusClient reads the Test an agent works for and patches the agent
// region of its status. Every write is a merge patch carrying the
// resourceVersion it was computed against, so a stale write is rejected
// with a conflict and retried on a fresh copy.
type StatusClient struct {
	client client.Client
	key    types.NamespacedName
	uid    types.UID
}

// NewStatusClient builds a StatusClient from the in-cluster (or kubeconfig)
// configuration.
func NewStatusClient(b *Bootstrap) (*StatusClient, error) {
	cfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading cluster config: %w", err)
	}
	scheme := runtime.NewScheme()
	if err := testsysv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("building scheme: %w", err)
	}
	cl, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return NewStatusClientFor(cl, b), nil
}

// NewStatusClientFor wraps an existing client.
func NewStatusClientFor(c client.Client, b *Bootstrap) *StatusClient {
	return &StatusClient{
		client: c,
		key:    types.NamespacedName{Namespace: b.Namespace, Name: b.TestName},
		uid:    types.UID(b.TestUID),
	}
}

// GetTest reads the Test in a single call. It fails when the Test was
// replaced by a different object of the same name.
func (s *StatusClient) GetTest(ctx context.Context) (*testsysv1alpha1.Test, error) {
	var test testsysv1alpha1.Test
	if err := s.client.Get(ctx, s.key, &test); err != nil {
		return nil, fmt.Errorf("getting test %s: %w", s.key, err)
	}
	if s.uid != "" && test.UID != s.uid {
		return nil, fmt.Errorf("test %s has uid %s, expected %s", s.key, test.UID, s.uid)
	}
	return &test, nil
}

// PatchAgentStatus applies mutate to the agent region of the latest Test.
func (s *StatusClient) PatchAgentStatus(ctx context.Context, mutate func(*testsysv1alpha1.AgentStatus) error) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		test, err := s.GetTest(ctx)
		if err != nil {
			return err
		}
		base := test.DeepCopy()
		if test.Status.Agent == nil {
			test.Status.Agent = &testsysv1alpha1.AgentStatus{}
		}
		if err := mutate(test.Status.Agent); err != nil {
			return err
		}
		return s.client.Status().Patch(ctx, test, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{}))
	})
	if err != nil {
		return fmt.Errorf("patching agent status of test %s: %w", s.key, err)
	}
	return nil
}

// PatchResourceStatus applies mutate to the agent status entry of resource.
// Entries of other resources are left untouched.
func (s *StatusClient) PatchResourceStatus(ctx context.Context, resource string, mutate func(*testsysv1alpha1.ResourceAgentStatus) error) error {
	return s.PatchAgentStatus(ctx, func(status *testsysv1alpha1.AgentStatus) error {
		if status.Resources == nil {
			status.Resources = map[string]testsysv1alpha1.ResourceAgentStatus{}
		}
		entry := status.Resources[resource]
		if err := mutate(&entry); err != nil {
			return err
		}
		status.Resources[resource] = entry
		return nil
	})
}
