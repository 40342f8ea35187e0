// Package provider defines the contract a resource agent implements and
// runs it against the Test status document.
//
// R is the request (the resource's configuration), Res is the created
// resource handed to dependents and Info is the provider's scratch memo,
// persisted between the create and destroy invocations.
package provider

import (
	"context"
)

// Spec is the input of a create or destroy call.
type Spec[R any] struct {
	// Name of the resource within the Test.
	Name string
	// Configuration with every ${resource.path} reference resolved.
	Configuration R
	DependsOn     []string
}

// InfoClient reads and writes the Info document of the running resource.
// Each call is a single read or a single write of the whole document.
type InfoClient[Info any] interface {
	GetInfo(ctx context.Context) (Info, error)
	SendInfo(ctx context.Context, info Info) error
}

// Creator creates a resource. A returned error that is not a *ProviderError
// is treated as Remaining.
type Creator[R, Res, Info any] interface {
	Create(ctx context.Context, spec Spec[R], info InfoClient[Info]) (Res, error)
}

// Destroyer destroys a resource. spec is nil when the configuration could
// not be resolved and resource is nil when create never produced one.
// Destroy must be safe to call more than once.
type Destroyer[R, Res, Info any] interface {
	Destroy(ctx context.Context, spec *Spec[R], resource *Res, info InfoClient[Info]) error
}
