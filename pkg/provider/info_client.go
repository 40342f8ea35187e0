package provider

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/runtime"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
	"github.com/kelos-dev/testsys/pkg/agent"
)

type statusInfoClient[Info any] struct {
	status   *agent.StatusClient
	resource string
}

// NewInfoClient returns an InfoClient backed by the Info entry of resource
// in the Test status.
func NewInfoClient[Info any](status *agent.StatusClient, resource string) InfoClient[Info] {
	return &statusInfoClient[Info]{status: status, resource: resource}
}

// GetInfo returns the zero Info when nothing has been stored yet.
func (c *statusInfoClient[Info]) GetInfo(ctx context.Context) (Info, error) {
	var info Info
	test, err := c.status.GetTest(ctx)
	if err != nil {
		return info, err
	}
	if test.Status.Agent == nil {
		return info, nil
	}
	stored := test.Status.Agent.Resources[c.resource].Info
	if stored == nil || len(stored.Raw) == 0 {
		return info, nil
	}
	if err := json.Unmarshal(stored.Raw, &info); err != nil {
		return info, fmt.Errorf("decoding info of resource %q: %w", c.resource, err)
	}
	return info, nil
}

// SendInfo replaces what Info declares and keeps stored fields that Info
// does not know about. Fields cleared in info are removed from the document.
func (c *statusInfoClient[Info]) SendInfo(ctx context.Context, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding info of resource %q: %w", c.resource, err)
	}
	return c.status.PatchResourceStatus(ctx, c.resource, func(s *testsysv1alpha1.ResourceAgentStatus) error {
		stored := []byte("{}")
		if s.Info != nil && len(s.Info.Raw) > 0 {
			stored = s.Info.Raw
		}

		// Diff against what this writer would have read, so only the
		// fields of Info take part in the patch.
		var previous Info
		if err := json.Unmarshal(stored, &previous); err != nil {
			return fmt.Errorf("decoding info of resource %q: %w", c.resource, err)
		}
		known, err := json.Marshal(previous)
		if err != nil {
			return fmt.Errorf("encoding info of resource %q: %w", c.resource, err)
		}
		patch, err := jsonpatch.CreateMergePatch(known, data)
		if err != nil {
			return fmt.Errorf("diffing info of resource %q: %w", c.resource, err)
		}
		merged, err := jsonpatch.MergePatch(stored, patch)
		if err != nil {
			return fmt.Errorf("merging info of resource %q: %w", c.resource, err)
		}
		s.Info = &runtime.RawExtension{Raw: merged}
		return nil
	})
}
