// Package testagent runs a test once every resource of a Test exists and
// publishes the results in the Test status.
package testagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
	"github.com/kelos-dev/testsys/pkg/agent"
)

// Results describes a test that ran to completion.
type Results struct {
	// Outcome defaults to Fail when NumFailed is non-zero and Pass otherwise.
	Outcome    testsysv1alpha1.TestOutcome
	NumPassed  int64
	NumFailed  int64
	NumSkipped int64
	// Details is stored as the status results document.
	Details any
	// Message explains a failing outcome.
	Message string
}

// Runner executes a test with its resolved configuration. An error means the
// test could not be run; a failing test returns Results with a Fail outcome.
type Runner[C any] interface {
	Run(ctx context.Context, config C) (*Results, error)
}

// TestAgent drives a Runner and publishes its outcome.
type TestAgent[C any] struct {
	Runner    Runner[C]
	Bootstrap *agent.Bootstrap
	Status    *agent.StatusClient
	Log       logr.Logger
}

// Run returns an error when the test could not be run or the outcome could
// not be published. A failing test is not an error.
func (a *TestAgent[C]) Run(ctx context.Context) error {
	if a.Bootstrap.Role != testsysv1alpha1.RoleTestAgent {
		return fmt.Errorf("test agent started with role %q", a.Bootstrap.Role)
	}
	test, err := a.Status.GetTest(ctx)
	if err != nil {
		return err
	}
	if err := a.Status.PatchAgentStatus(ctx, func(s *testsysv1alpha1.AgentStatus) error {
		s.RunState = testsysv1alpha1.TestRunStateRunning
		s.Outcome = ""
		s.Error = ""
		return nil
	}); err != nil {
		return err
	}

	config, err := decodeConfig[C](test)
	if err != nil {
		return a.runError(ctx, fmt.Errorf("invalid configuration: %w", err))
	}

	a.Log.Info("Running test")
	results, err := a.Runner.Run(logr.NewContext(ctx, a.Log), config)
	if err != nil {
		return a.runError(ctx, err)
	}
	if results == nil {
		results = &Results{}
	}

	var details *runtime.RawExtension
	if results.Details != nil {
		data, err := json.Marshal(results.Details)
		if err != nil {
			return a.runError(ctx, fmt.Errorf("encoding results: %w", err))
		}
		details = &runtime.RawExtension{Raw: data}
	}
	outcome := results.Outcome
	if outcome == "" {
		outcome = testsysv1alpha1.TestOutcomePass
		if results.NumFailed > 0 {
			outcome = testsysv1alpha1.TestOutcomeFail
		}
	}

	if err := a.Status.PatchAgentStatus(ctx, func(s *testsysv1alpha1.AgentStatus) error {
		s.RunState = testsysv1alpha1.TestRunStateDone
		s.Outcome = outcome
		s.NumPassed = results.NumPassed
		s.NumFailed = results.NumFailed
		s.NumSkipped = results.NumSkipped
		s.Results = details
		s.Error = results.Message
		return nil
	}); err != nil {
		return err
	}
	a.Log.Info("Test finished", "outcome", outcome, "passed", results.NumPassed, "failed", results.NumFailed, "skipped", results.NumSkipped)
	return nil
}

func (a *TestAgent[C]) runError(ctx context.Context, cause error) error {
	a.Log.Error(cause, "Test could not be run")
	if err := a.Status.PatchAgentStatus(ctx, func(s *testsysv1alpha1.AgentStatus) error {
		s.RunState = testsysv1alpha1.TestRunStateError
		s.Error = cause.Error()
		return nil
	}); err != nil {
		return err
	}
	return cause
}

// decodeConfig resolves the test agent configuration against the output of
// every resource of the Test.
func decodeConfig[C any](test *testsysv1alpha1.Test) (C, error) {
	var config C
	resolver, err := agent.NewResolver(test, nil)
	if err != nil {
		return config, err
	}
	raw, err := resolver.Resolve(test.Spec.Agent.Configuration)
	if err != nil {
		return config, err
	}
	if raw == nil {
		return config, nil
	}
	if err := json.Unmarshal(raw, &config); err != nil {
		return config, fmt.Errorf("decoding configuration: %w", err)
	}
	return config, nil
}
