package server

import (
	"github.com/matt-riley/variantz/experiment"
)

// Evaluator is the part of an experiment client the transports serve.
type Evaluator interface {
	Flags() []experiment.Flag
	EvaluateFor(evalContext experiment.Context, keys ...string) map[string]experiment.Variant
	VariantFor(evalContext experiment.Context, key string, fallback *experiment.Variant) experiment.Resolution
	TrackResolution(evalContext experiment.Context, key string, resolution experiment.Resolution)
}

var _ Evaluator = (*experiment.Client)(nil)

type evaluateRequest struct {
	Context  experiment.Context `json:"context,omitempty"`
	FlagKeys []string           `json:"flag_keys,omitempty"`
}

type evaluateResponse struct {
	Variants map[string]experiment.Variant `json:"variants"`
}

type variantRequest struct {
	Key      string              `json:"key"`
	Context  experiment.Context  `json:"context,omitempty"`
	Fallback *experiment.Variant `json:"fallback,omitempty"`
	// Track reports an exposure for the resolved variant.
	Track bool `json:"track,omitempty"`
}

type flagsResponse struct {
	Flags []experiment.Flag `json:"flags"`
}

func evaluate(evaluator Evaluator, req evaluateRequest) evaluateResponse {
	return evaluateResponse{Variants: evaluator.EvaluateFor(req.Context, req.FlagKeys...)}
}

func resolveVariant(evaluator Evaluator, req variantRequest) experiment.Resolution {
	resolution := evaluator.VariantFor(req.Context, req.Key, req.Fallback)
	if req.Track {
		evaluator.TrackResolution(req.Context, req.Key, resolution)
	}
	return resolution
}

func listFlags(evaluator Evaluator) []experiment.Flag {
	flags := evaluator.Flags()
	if flags == nil {
		flags = []experiment.Flag{}
	}
	return flags
}
