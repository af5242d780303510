package experiment

// rung is one candidate in the variant waterfall.
type rung struct {
	provenance Provenance
	variant    Variant
	present    bool
}

// runWaterfall returns the first present, non-default rung. A default-marked
// variant is remembered and the walk continues; when nothing below it
// resolves, the configured fallback wins if non-empty, else the remembered
// default (which may be the zero Resolution).
func runWaterfall(configFallback Variant, rungs ...rung) Resolution {
	var remembered Resolution
	for _, r := range rungs {
		if !r.present {
			continue
		}
		if r.variant.IsDefault() {
			if !remembered.HasDefault {
				remembered = Resolution{Variant: r.variant, Provenance: r.provenance, HasDefault: true}
			}
			continue
		}
		return Resolution{Variant: r.variant, Provenance: r.provenance, HasDefault: remembered.HasDefault}
	}

	if !configFallback.IsEmpty() {
		return Resolution{Variant: configFallback, Provenance: ProvenanceFallbackConfig, HasDefault: remembered.HasDefault}
	}
	return remembered
}

func inlineRung(fallback *Variant) rung {
	if fallback == nil {
		return rung{}
	}
	return rung{provenance: ProvenanceFallbackInline, variant: *fallback, present: true}
}

func lookupRung(provenance Provenance, variants map[string]Variant, key string) rung {
	variant, ok := variants[key]
	return rung{provenance: provenance, variant: variant, present: ok}
}

// resolve runs the source-ordered waterfall for key, then replaces it with
// the local-evaluation waterfall when the flag is known locally and either
// evaluates locally or the first pass came up empty.
//
// evalContext must be the provider's context: the cached remote variants
// were fetched for it.
func (c *Client) resolve(key string, fallback *Variant, evalContext Context) Resolution {
	return c.runResolution(key, fallback, evalContext, c.currentVariants())
}

// resolveFor resolves key for an arbitrary context. The remote cache belongs
// to the provider's context, so its rungs are skipped and local evaluation
// decides.
func (c *Client) resolveFor(key string, fallback *Variant, evalContext Context) Resolution {
	return c.runResolution(key, fallback, evalContext, nil)
}

func (c *Client) runResolution(key string, fallback *Variant, evalContext Context, cached map[string]Variant) Resolution {
	initial := c.cfg.InitialVariants

	var resolution Resolution
	switch c.cfg.Source {
	case SourceInitialVariants:
		resolution = runWaterfall(c.cfg.FallbackVariant,
			lookupRung(ProvenanceInitial, initial, key),
			inlineRung(fallback),
			lookupRung(ProvenanceSecondaryRemoteCache, cached, key),
		)
	default:
		resolution = runWaterfall(c.cfg.FallbackVariant,
			lookupRung(ProvenanceRemoteCache, cached, key),
			inlineRung(fallback),
			lookupRung(ProvenanceSecondaryInitial, initial, key),
		)
	}

	flag, ok := c.currentFlags().byKey[key]
	if !ok || (!flag.IsLocalEvaluationMode() && !resolution.Variant.IsEmpty()) {
		return resolution
	}

	local := c.evaluate(evalContext, []string{key})
	return runWaterfall(c.cfg.FallbackVariant,
		lookupRung(ProvenanceLocalEvaluation, local, key),
		inlineRung(fallback),
		lookupRung(ProvenanceSecondaryInitial, initial, key),
	)
}

// exposureFor decides whether resolution is reported as an exposure. Pure
// fallbacks with no default assignment behind them are not.
func exposureFor(key string, resolution Resolution, subject string) (Exposure, bool) {
	fallback := resolution.Provenance.IsFallback()
	if fallback && !resolution.HasDefault {
		return Exposure{}, false
	}

	exposure := Exposure{
		FlagKey:       key,
		ExperimentKey: resolution.Variant.ExperimentKey(),
		Metadata:      resolution.Variant.Metadata,
		Subject:       subject,
	}
	if !fallback && !resolution.Variant.IsDefault() {
		exposure.Variant = resolution.Variant.Key
	}
	return exposure, true
}
