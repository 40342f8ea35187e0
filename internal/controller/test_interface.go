package controller

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/client"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

// controllerStatus returns a copy of the controller region of test's status,
// or the zero value when it has not been written yet.
func controllerStatus(test *testsysv1alpha1.Test) testsysv1alpha1.ControllerStatus {
	if test.Status.Controller == nil {
		return testsysv1alpha1.ControllerStatus{}
	}
	return *test.Status.Controller.DeepCopy()
}

// agentStatus returns a copy of the agent region of test's status, or the
// zero value when no agent has reported yet.
func agentStatus(test *testsysv1alpha1.Test) testsysv1alpha1.AgentStatus {
	if test.Status.Agent == nil {
		return testsysv1alpha1.AgentStatus{}
	}
	return *test.Status.Agent.DeepCopy()
}

// resourceAgentStatus returns what the agent of resource has reported.
func resourceAgentStatus(test *testsysv1alpha1.Test, resource string) testsysv1alpha1.ResourceAgentStatus {
	if test.Status.Agent == nil {
		return testsysv1alpha1.ResourceAgentStatus{}
	}
	s, ok := test.Status.Agent.Resources[resource]
	if !ok {
		return testsysv1alpha1.ResourceAgentStatus{}
	}
	return *s.DeepCopy()
}

func findResource(resources []testsysv1alpha1.ResourceStatus, name string) *testsysv1alpha1.ResourceStatus {
	for i := range resources {
		if resources[i].Name == name {
			return &resources[i]
		}
	}
	return nil
}

func destructionPolicy(r *testsysv1alpha1.ResourceSpec) testsysv1alpha1.DestructionPolicy {
	if r == nil || r.DestructionPolicy == "" {
		return testsysv1alpha1.DestructionPolicyOnDeletion
	}
	return r.DestructionPolicy
}

// patchControllerStatus applies mutate to the controller region of test and
// writes it as a merge patch carrying the observed resourceVersion. The agent
// region is never part of the diff. A stale test fails with a Conflict that
// is returned as is: mutate was derived from test and is not replayed onto a
// newer copy. On success test holds the server copy.
func patchControllerStatus(ctx context.Context, c client.Client, test *testsysv1alpha1.Test, mutate func(*testsysv1alpha1.ControllerStatus)) error {
	base := test.DeepCopy()
	if test.Status.Controller == nil {
		test.Status.Controller = &testsysv1alpha1.ControllerStatus{}
	}
	mutate(test.Status.Controller)
	if err := c.Status().Patch(ctx, test, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{})); err != nil {
		base.DeepCopyInto(test)
		return err
	}
	return nil
}

// validateResources checks that resource names are unique, that every
// dependency names a declared resource and that dependencies are acyclic.
func validateResources(resources []testsysv1alpha1.ResourceSpec) error {
	deps := make(map[string][]string, len(resources))
	for _, r := range resources {
		if r.Name == "" {
			return fmt.Errorf("resource has no name")
		}
		if _, dup := deps[r.Name]; dup {
			return fmt.Errorf("resource %q is declared more than once", r.Name)
		}
		deps[r.Name] = r.DependsOn
	}
	for _, r := range resources {
		for _, d := range r.DependsOn {
			if _, ok := deps[d]; !ok {
				return fmt.Errorf("resource %q depends on unknown resource %q", r.Name, d)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(resources))
	var walk func(name string) error
	walk = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("dependency cycle involves %q", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, d := range deps[name] {
			if err := walk(d); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, r := range resources {
		if err := walk(r.Name); err != nil {
			return err
		}
	}
	return nil
}
