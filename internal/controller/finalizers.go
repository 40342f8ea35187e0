package controller

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

const (
	// MainFinalizer is held from the first reconcile until every resource
	// of the Test has been torn down.
	MainFinalizer = "owned"

	// PodFinalizer is held while create or run Jobs of the Test may exist.
	// It is always removed before any destroy Job is started.
	PodFinalizer = "test-pod"
)

// FinalizerManager adds and removes the reserved finalizers of a Test.
// Every write is a merge patch guarded by the object's resourceVersion and is
// retried against a fresh read on conflict.
type FinalizerManager struct {
	Client client.Client
}

// NewFinalizerManager returns a FinalizerManager writing through c.
func NewFinalizerManager(c client.Client) *FinalizerManager {
	return &FinalizerManager{Client: c}
}

// Add ensures finalizer is present on test. It is a no-op when the finalizer
// is already there. On success test holds the latest server copy.
func (m *FinalizerManager) Add(ctx context.Context, test *testsysv1alpha1.Test, finalizer string) error {
	return m.mutate(ctx, test, finalizer, true)
}

// Remove ensures finalizer is absent from test. It is a no-op when the
// finalizer is already gone. On success test holds the latest server copy,
// which may be stale if removing the finalizer let the object be purged.
func (m *FinalizerManager) Remove(ctx context.Context, test *testsysv1alpha1.Test, finalizer string) error {
	return m.mutate(ctx, test, finalizer, false)
}

func (m *FinalizerManager) mutate(ctx context.Context, test *testsysv1alpha1.Test, finalizer string, add bool) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		latest := &testsysv1alpha1.Test{}
		if err := m.Client.Get(ctx, client.ObjectKeyFromObject(test), latest); err != nil {
			return err
		}
		if controllerutil.ContainsFinalizer(latest, finalizer) == add {
			latest.DeepCopyInto(test)
			return nil
		}

		base := latest.DeepCopy()
		if add {
			controllerutil.AddFinalizer(latest, finalizer)
		} else {
			controllerutil.RemoveFinalizer(latest, finalizer)
		}
		if err := m.Client.Patch(ctx, latest, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{})); err != nil {
			return err
		}
		latest.DeepCopyInto(test)
		return nil
	})
	if err != nil {
		verb := "removing"
		if add {
			verb = "adding"
		}
		return fmt.Errorf("%s finalizer %q: %w", verb, finalizer, err)
	}
	return nil
}

// HasFinalizer reports whether obj carries finalizer.
func HasFinalizer(obj client.Object, finalizer string) bool {
	return controllerutil.ContainsFinalizer(obj, finalizer)
}

// IsSafeToDelete reports whether the only finalizer left on obj, if any, is
// the main finalizer. Destroy Jobs may only run once this holds.
func IsSafeToDelete(obj metav1.Object) bool {
	for _, f := range obj.GetFinalizers() {
		if f != MainFinalizer {
			return false
		}
	}
	return true
}
