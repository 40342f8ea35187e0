package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
	"github.com/kelos-dev/testsys/pkg/agent"
)

// ResourceAgent runs one create or destroy invocation of a provider and
// publishes the outcome in the resource's agent status entry.
type ResourceAgent[R, Res, Info any] struct {
	Creator   Creator[R, Res, Info]
	Destroyer Destroyer[R, Res, Info]
	Bootstrap *agent.Bootstrap
	Status    *agent.StatusClient
	Log       logr.Logger
}

// Run performs the action named by the bootstrap. A provider failure is
// published and also returned, so the process exits non-zero.
func (a *ResourceAgent[R, Res, Info]) Run(ctx context.Context) error {
	if a.Bootstrap.Role != testsysv1alpha1.RoleResourceAgent {
		return fmt.Errorf("resource agent started with role %q", a.Bootstrap.Role)
	}
	test, err := a.Status.GetTest(ctx)
	if err != nil {
		return err
	}
	resource := test.Spec.Resource(a.Bootstrap.Resource)
	if resource == nil {
		return fmt.Errorf("test %s/%s declares no resource %q", test.Namespace, test.Name, a.Bootstrap.Resource)
	}

	log := a.Log.WithValues("resource", resource.Name, "action", a.Bootstrap.Action)
	ctx = logr.NewContext(ctx, log)
	info := NewInfoClient[Info](a.Status, resource.Name)

	switch a.Bootstrap.Action {
	case testsysv1alpha1.ActionCreate:
		return a.create(ctx, log, test, resource, info)
	case testsysv1alpha1.ActionDestroy:
		return a.destroy(ctx, log, test, resource, info)
	default:
		return fmt.Errorf("unsupported action %q", a.Bootstrap.Action)
	}
}

func (a *ResourceAgent[R, Res, Info]) create(ctx context.Context, log logr.Logger, test *testsysv1alpha1.Test, resource *testsysv1alpha1.ResourceSpec, info InfoClient[Info]) error {
	if err := a.publish(ctx, func(s *testsysv1alpha1.ResourceAgentStatus) {
		s.CreateState = testsysv1alpha1.AgentTaskStateRunning
		s.CreateError = nil
	}); err != nil {
		return err
	}

	spec, err := decodeSpec[R](test, resource)
	if err != nil {
		return a.createFailed(ctx, log, Wrap(err, testsysv1alpha1.ProviderErrorResourcesClear, "invalid configuration"))
	}

	log.Info("Creating resource")
	created, err := a.Creator.Create(ctx, *spec, info)
	if err != nil {
		return a.createFailed(ctx, log, err)
	}

	output, err := json.Marshal(created)
	if err != nil {
		return a.createFailed(ctx, log, Wrap(err, testsysv1alpha1.ProviderErrorResourcesRemaining, "encoding created resource"))
	}
	if err := a.publish(ctx, func(s *testsysv1alpha1.ResourceAgentStatus) {
		s.CreateState = testsysv1alpha1.AgentTaskStateSucceeded
		s.Resource = &runtime.RawExtension{Raw: output}
	}); err != nil {
		return err
	}
	log.Info("Created resource")
	return nil
}

func (a *ResourceAgent[R, Res, Info]) createFailed(ctx context.Context, log logr.Logger, cause error) error {
	status := ErrorStatus(cause)
	log.Error(cause, "Create failed", "resources", status.Resources)
	if err := a.publish(ctx, func(s *testsysv1alpha1.ResourceAgentStatus) {
		s.CreateState = testsysv1alpha1.AgentTaskStateFailed
		s.CreateError = status
	}); err != nil {
		return err
	}
	return cause
}

func (a *ResourceAgent[R, Res, Info]) destroy(ctx context.Context, log logr.Logger, test *testsysv1alpha1.Test, resource *testsysv1alpha1.ResourceSpec, info InfoClient[Info]) error {
	if err := a.publish(ctx, func(s *testsysv1alpha1.ResourceAgentStatus) {
		s.DestroyState = testsysv1alpha1.AgentTaskStateRunning
		s.DestroyError = nil
	}); err != nil {
		return err
	}

	spec, err := decodeSpec[R](test, resource)
	if err != nil {
		log.Info("Destroying without a spec", "reason", err.Error())
	}
	var created *Res
	if s := test.Status.Agent; s != nil {
		if out := s.Resources[resource.Name].Resource; out != nil && len(out.Raw) > 0 {
			var res Res
			if err := json.Unmarshal(out.Raw, &res); err != nil {
				log.Info("Destroying without the created resource", "reason", err.Error())
			} else {
				created = &res
			}
		}
	}

	log.Info("Destroying resource", "hasSpec", spec != nil, "hasResource", created != nil)
	if err := a.Destroyer.Destroy(ctx, spec, created, info); err != nil {
		status := ErrorStatus(err)
		log.Error(err, "Destroy failed")
		if perr := a.publish(ctx, func(s *testsysv1alpha1.ResourceAgentStatus) {
			s.DestroyState = testsysv1alpha1.AgentTaskStateFailed
			s.DestroyError = status
		}); perr != nil {
			return perr
		}
		return err
	}

	if err := a.publish(ctx, func(s *testsysv1alpha1.ResourceAgentStatus) {
		s.DestroyState = testsysv1alpha1.AgentTaskStateSucceeded
	}); err != nil {
		return err
	}
	log.Info("Destroyed resource")
	return nil
}

func (a *ResourceAgent[R, Res, Info]) publish(ctx context.Context, mutate func(*testsysv1alpha1.ResourceAgentStatus)) error {
	return a.Status.PatchResourceStatus(ctx, a.Bootstrap.Resource, func(s *testsysv1alpha1.ResourceAgentStatus) error {
		mutate(s)
		return nil
	})
}

// decodeSpec resolves the resource configuration against its dependencies
// and decodes it into R.
func decodeSpec[R any](test *testsysv1alpha1.Test, resource *testsysv1alpha1.ResourceSpec) (*Spec[R], error) {
	resolver, err := agent.NewResolver(test, append([]string{}, resource.DependsOn...))
	if err != nil {
		return nil, err
	}
	raw, err := resolver.Resolve(resource.Agent.Configuration)
	if err != nil {
		return nil, err
	}
	spec := &Spec[R]{Name: resource.Name, DependsOn: resource.DependsOn}
	if raw != nil {
		if err := json.Unmarshal(raw, &spec.Configuration); err != nil {
			return nil, fmt.Errorf("decoding configuration: %w", err)
		}
	}
	return spec, nil
}
