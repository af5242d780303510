package experiment

import (
	"context"

	"github.com/matt-riley/variantz/internal/core"
)

type (
	Flag    = core.Flag
	Variant = core.Variant
)

// Context is the evaluation context: user, device and group attributes, for
// example {"user": {"user_id": "u-1", "device_id": "d-1"}}.
type Context = map[string]any

// Source selects which variant snapshot the waterfall consults first.
type Source string

const (
	// SourceRemote prefers the cached remote variants over initial variants.
	SourceRemote Source = "remote"
	// SourceInitialVariants prefers the configured initial variants.
	SourceInitialVariants Source = "initial"
)

// Provenance records which rung of the waterfall produced a variant.
type Provenance string

const (
	ProvenanceNone                 Provenance = ""
	ProvenanceRemoteCache          Provenance = "remote-cache"
	ProvenanceSecondaryRemoteCache Provenance = "secondary-remote-cache"
	ProvenanceInitial              Provenance = "initial"
	ProvenanceSecondaryInitial     Provenance = "secondary-initial"
	ProvenanceLocalEvaluation      Provenance = "local-evaluation"
	ProvenanceFallbackInline       Provenance = "fallback-inline"
	ProvenanceFallbackConfig       Provenance = "fallback-config"
)

// IsFallback reports whether p stands for a value with no flag assignment behind it.
func (p Provenance) IsFallback() bool {
	switch p {
	case ProvenanceNone, ProvenanceFallbackInline, ProvenanceFallbackConfig, ProvenanceSecondaryInitial:
		return true
	default:
		return false
	}
}

// Resolution is the outcome of the variant waterfall for one flag.
type Resolution struct {
	Variant    Variant    `json:"variant"`
	Provenance Provenance `json:"provenance"`
	// HasDefault is set when a default-marked variant was seen on the way down.
	HasDefault bool `json:"has_default"`
}

// Exposure records that a subject was assigned a variant.
type Exposure struct {
	FlagKey       string         `json:"flag_key"`
	Variant       string         `json:"variant,omitempty"`
	ExperimentKey string         `json:"experiment_key,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Subject       string         `json:"subject,omitempty"`
}

type FlagSource interface {
	FetchFlags(ctx context.Context) ([]Flag, error)
}

type VariantSource interface {
	FetchVariants(ctx context.Context, evalContext Context) (map[string]Variant, error)
}

// ErrSnapshotNotFound is returned by a Store when nothing was ever saved for
// the requested namespace.
var ErrSnapshotNotFound = core.ErrSnapshotNotFound

// Store persists flag and variant snapshots under a namespace.
// Loading a snapshot that was never saved returns ErrSnapshotNotFound; a
// saved empty snapshot loads as empty with no error.
type Store interface {
	LoadFlags(ctx context.Context, namespace string) ([]Flag, error)
	SaveFlags(ctx context.Context, namespace string, flags []Flag) error
	LoadVariants(ctx context.Context, namespace string) (map[string]Variant, error)
	SaveVariants(ctx context.Context, namespace string, variants map[string]Variant) error
}

type ExposureSink interface {
	Track(exposure Exposure)
}

type ContextProvider interface {
	Context() Context
}

type MetricsRecorder interface {
	RecordResolution(provenance string)
	RecordExposure(flagKey string)
	RecordEvaluationFailure()
	RecordSnapshot(kind string, size int)
}

// SubjectOf returns the user id, or failing that the device id, in evalContext.
func SubjectOf(evalContext Context) string {
	user, _ := evalContext["user"].(map[string]any)
	if id, _ := user["user_id"].(string); id != "" {
		return id
	}
	id, _ := user["device_id"].(string)
	return id
}
