// Package variantz provides client interfaces and domain types for talking to
// a running variantz daemon.
//
// Use the sub-packages to create transport-specific clients:
//
//	import variantzhttp "github.com/matt-riley/variantz/clients/go/http"
//	import variantzgrpc "github.com/matt-riley/variantz/clients/go/grpc"
package variantz

import (
	"context"

	"github.com/matt-riley/variantz/experiment"
)

type (
	Flag       = experiment.Flag
	Variant    = experiment.Variant
	Context    = experiment.Context
	Resolution = experiment.Resolution
)

// Evaluator covers remote evaluation against the daemon's flag snapshot.
type Evaluator interface {
	// Evaluate locally evaluates flagKeys (every flag when empty) for evalCtx
	// on the daemon.
	Evaluate(ctx context.Context, evalCtx Context, flagKeys ...string) (map[string]Variant, error)
	// Variant runs the variant waterfall for a single flag.
	Variant(ctx context.Context, req VariantRequest) (Resolution, error)
	// Flags lists the daemon's current flag configurations.
	Flags(ctx context.Context) ([]Flag, error)
}

// VariantRequest is a single variant lookup.
type VariantRequest struct {
	Key      string   `json:"key"`
	Context  Context  `json:"context,omitempty"`
	Fallback *Variant `json:"fallback,omitempty"`
	// Track asks the daemon to report an exposure for the resolved variant.
	Track bool `json:"track,omitempty"`
}
