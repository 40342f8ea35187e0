// Package agent holds the runtime shared by resource agents and test agents:
// reading the environment the controller hands to every agent Job, reading
// and patching the agent region of the Test status, and resolving
// configuration references to the output of other resources.
package agent

import (
	"fmt"
	"os"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

// Bootstrap is the identity of an agent process.
type Bootstrap struct {
	Role      testsysv1alpha1.AgentRole
	Action    testsysv1alpha1.AgentAction
	TestName  string
	Namespace string
	TestUID   string
	// Resource is set for resource agents only.
	Resource string
}

// FromEnv reads the Bootstrap from the environment variables the controller
// sets on every agent container.
func FromEnv() (*Bootstrap, error) {
	b := &Bootstrap{
		Role:      testsysv1alpha1.AgentRole(os.Getenv(testsysv1alpha1.EnvRole)),
		Action:    testsysv1alpha1.AgentAction(os.Getenv(testsysv1alpha1.EnvAction)),
		TestName:  os.Getenv(testsysv1alpha1.EnvTestName),
		Namespace: os.Getenv(testsysv1alpha1.EnvTestNamespace),
		TestUID:   os.Getenv(testsysv1alpha1.EnvTestUID),
		Resource:  os.Getenv(testsysv1alpha1.EnvResourceName),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks that the Bootstrap describes a runnable agent invocation.
func (b *Bootstrap) Validate() error {
	if b.TestName == "" {
		return fmt.Errorf("%s is not set", testsysv1alpha1.EnvTestName)
	}
	if b.Namespace == "" {
		return fmt.Errorf("%s is not set", testsysv1alpha1.EnvTestNamespace)
	}

	switch b.Role {
	case testsysv1alpha1.RoleResourceAgent:
		if b.Resource == "" {
			return fmt.Errorf("%s is not set", testsysv1alpha1.EnvResourceName)
		}
		if b.Action != testsysv1alpha1.ActionCreate && b.Action != testsysv1alpha1.ActionDestroy {
			return fmt.Errorf("unsupported action %q for role %s", b.Action, b.Role)
		}
	case testsysv1alpha1.RoleTestAgent:
		if b.Action != testsysv1alpha1.ActionRun {
			return fmt.Errorf("unsupported action %q for role %s", b.Action, b.Role)
		}
	default:
		return fmt.Errorf("unsupported role %q in %s", b.Role, testsysv1alpha1.EnvRole)
	}
	return nil
}
