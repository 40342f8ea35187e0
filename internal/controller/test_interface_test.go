package controller

import (
	"context"
	"strings"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

func TestValidateResources(t *testing.T) {
	tests := []struct {
		name      string
		resources []testsysv1alpha1.ResourceSpec
		wantErr   string
	}{
		{name: "empty"},
		{
			name:      "chain",
			resources: []testsysv1alpha1.ResourceSpec{resourceSpec("a"), resourceSpec("b", "a"), resourceSpec("c", "a", "b")},
		},
		{
			name:      "declared out of order",
			resources: []testsysv1alpha1.ResourceSpec{resourceSpec("b", "a"), resourceSpec("a")},
		},
		{
			name:      "duplicate",
			resources: []testsysv1alpha1.ResourceSpec{resourceSpec("a"), resourceSpec("a")},
			wantErr:   "more than once",
		},
		{
			name:      "unknown dependency",
			resources: []testsysv1alpha1.ResourceSpec{resourceSpec("a", "ghost")},
			wantErr:   "unknown resource",
		},
		{
			name:      "self dependency",
			resources: []testsysv1alpha1.ResourceSpec{resourceSpec("a", "a")},
			wantErr:   "cycle",
		},
		{
			name:      "three cycle",
			resources: []testsysv1alpha1.ResourceSpec{resourceSpec("a", "c"), resourceSpec("b", "a"), resourceSpec("c", "b")},
			wantErr:   "cycle",
		},
		{
			name:      "unnamed",
			resources: []testsysv1alpha1.ResourceSpec{resourceSpec("")},
			wantErr:   "no name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateResources(tt.resources)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateResources() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateResources() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestStatusAccessorsDefaultWhenAbsent(t *testing.T) {
	test := newTest("fresh")

	if cs := controllerStatus(test); cs.Phase != testsysv1alpha1.TestPhaseInitial || cs.Resources != nil {
		t.Errorf("controllerStatus() = %+v, want zero value", cs)
	}
	if as := agentStatus(test); as.RunState != testsysv1alpha1.TestRunStateUnknown {
		t.Errorf("agentStatus() = %+v, want zero value", as)
	}
	if ras := resourceAgentStatus(test, "r1"); ras.CreateState != testsysv1alpha1.AgentTaskStateUnknown {
		t.Errorf("resourceAgentStatus() = %+v, want zero value", ras)
	}
}

func TestPatchControllerStatusPreservesAgentRegion(t *testing.T) {
	test := newTest("merge", resourceSpec("r1"))
	_, cl := newReconcilerWithFakeClient(test)
	ctx := context.Background()

	// The controller works from a copy read before the agent wrote.
	stale := getTest(t, cl, test)
	reportResource(t, cl, test, "r1", func(s *testsysv1alpha1.ResourceAgentStatus) {
		s.Info = &runtime.RawExtension{Raw: []byte(`{"seen":true}`)}
	})

	err := patchControllerStatus(ctx, cl, stale, func(s *testsysv1alpha1.ControllerStatus) {
		s.Phase = testsysv1alpha1.TestPhaseResourcesPending
	})
	if !apierrors.IsConflict(err) {
		t.Fatalf("patchControllerStatus() on a stale copy error = %v, want a conflict", err)
	}
	if stale.Status.Controller != nil {
		t.Errorf("failed write left the mutation on the caller's copy: %+v", stale.Status.Controller)
	}

	fresh := getTest(t, cl, test)
	if err := patchControllerStatus(ctx, cl, fresh, func(s *testsysv1alpha1.ControllerStatus) {
		s.Phase = testsysv1alpha1.TestPhaseResourcesPending
	}); err != nil {
		t.Fatalf("patchControllerStatus() error = %v", err)
	}

	latest := getTest(t, cl, test)
	if got := controllerStatus(latest).Phase; got != testsysv1alpha1.TestPhaseResourcesPending {
		t.Errorf("phase = %q", got)
	}
	info := resourceAgentStatus(latest, "r1").Info
	if info == nil || string(info.Raw) != `{"seen":true}` {
		t.Errorf("agent Info lost by controller write: %v", info)
	}
}

func TestReconcileRequeuesOnStatusConflict(t *testing.T) {
	test := newTest("raced", resourceSpec("r1"))
	conflicts := 1
	r, cl := newReconcilerWithInterceptor(interceptor.Funcs{
		SubResourcePatch: func(ctx context.Context, c client.Client, subResourceName string, obj client.Object, patch client.Patch, opts ...client.SubResourcePatchOption) error {
			if _, ok := obj.(*testsysv1alpha1.Test); ok && conflicts > 0 {
				conflicts--
				return apierrors.NewConflict(schema.GroupResource{Group: testsysv1alpha1.GroupVersion.Group, Resource: "tests"}, obj.GetName(), nil)
			}
			return c.SubResource(subResourceName).Patch(ctx, obj, patch, opts...)
		},
	}, test)

	reconcileTest(t, r, test)
	result := reconcileTest(t, r, test)
	if !result.Requeue {
		t.Errorf("Reconcile() = %+v, want a requeue after a conflict", result)
	}
	if got := phaseOf(t, cl, test); got != testsysv1alpha1.TestPhaseInitial {
		t.Fatalf("phase = %q after a conflicting write, want it unchanged", got)
	}

	reconcileTest(t, r, test)
	if got := phaseOf(t, cl, test); got != testsysv1alpha1.TestPhaseResourcesPending {
		t.Errorf("phase = %q, want ResourcesPending once the write is recomputed", got)
	}
}
