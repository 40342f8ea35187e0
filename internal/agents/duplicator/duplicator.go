// Package duplicator is a resource agent whose created resource is a copy of
// its configuration. It exercises resources that feed other resources and
// tests through ${resource.path} references.
package duplicator

import (
	"context"
	"encoding/json"

	"github.com/go-logr/logr"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
	"github.com/kelos-dev/testsys/pkg/provider"
)

// Memo is the Info document of a duplicator resource.
type Memo struct {
	Info *DuplicationRequest `json:"info,omitempty"`
}

// DuplicationRequest is the configuration of a duplicator resource.
type DuplicationRequest struct {
	// Info is copied to DuplicatedData.
	Info json.RawMessage `json:"info"`
}

// DuplicatedData is the created resource.
type DuplicatedData struct {
	Info json.RawMessage `json:"info"`
}

// Provider implements provider.Creator and provider.Destroyer.
type Provider struct{}

var (
	_ provider.Creator[DuplicationRequest, DuplicatedData, Memo]   = Provider{}
	_ provider.Destroyer[DuplicationRequest, DuplicatedData, Memo] = Provider{}
)

func (Provider) Create(ctx context.Context, spec provider.Spec[DuplicationRequest], info provider.InfoClient[Memo]) (DuplicatedData, error) {
	memo, err := info.GetInfo(ctx)
	if err != nil {
		return DuplicatedData{}, provider.Wrap(err, testsysv1alpha1.ProviderErrorResourcesClear, "Unable to get info from client")
	}
	request := spec.Configuration
	memo.Info = &request
	if err := info.SendInfo(ctx, memo); err != nil {
		return DuplicatedData{}, provider.Wrap(err, testsysv1alpha1.ProviderErrorResourcesRemaining, "Error sending duplication memo")
	}
	logr.FromContextOrDiscard(ctx).Info("Duplicated configuration", "bytes", len(request.Info))
	return DuplicatedData{Info: request.Info}, nil
}

// Destroy has nothing to remove.
func (Provider) Destroy(ctx context.Context, spec *provider.Spec[DuplicationRequest], resource *DuplicatedData, info provider.InfoClient[Memo]) error {
	return nil
}
