package core

import "maps"

// Evaluate resolves a variant for every flag against context. Flags are
// ordered by dependency first, so a dependent flag can select on
// ["result", "<dependency key>", ...]. Flags with no matching segment have no
// entry. A dependency cycle fails the whole call with a *CycleError and an
// empty result.
func Evaluate(context Value, flags []Flag) (map[string]Variant, error) {
	return EvaluateKeys(context, flags, nil)
}

// EvaluateKeys is Evaluate restricted to keys and their transitive
// dependencies. Nil or empty keys evaluates every flag in slice order.
func EvaluateKeys(context Value, flags []Flag, keys []string) (map[string]Variant, error) {
	byKey := make(map[string]Flag, len(flags))
	var roots []string
	for _, flag := range flags {
		if _, seen := byKey[flag.Key]; !seen && len(keys) == 0 {
			roots = append(roots, flag.Key)
		}
		byKey[flag.Key] = flag
	}
	if len(keys) > 0 {
		roots = keys
	}

	sorted, err := TopologicalSort(byKey, roots)
	if err != nil {
		return map[string]Variant{}, err
	}
	return evaluateSorted(context, sorted), nil
}

func evaluateSorted(context Value, sorted []Flag) map[string]Variant {
	results := make(map[string]Variant, len(sorted))
	resultValues := make(map[string]Value, len(sorted))
	target := Map(map[string]Value{
		"context": context,
		"result":  Map(resultValues),
	})

	for _, flag := range sorted {
		variant, ok := EvaluateFlag(target, flag)
		if !ok {
			continue
		}
		results[flag.Key] = variant
		resultValues[flag.Key] = variant.asValue()
	}
	return results
}

// EvaluateFlag walks the flag's segments in order and returns the variant of
// the first segment that both matches target and buckets into a known
// variant. Metadata is merged flag, then segment, then variant.
func EvaluateFlag(target Value, flag Flag) (Variant, bool) {
	for _, segment := range flag.Segments {
		variant, ok := evaluateSegment(target, flag, segment)
		if !ok {
			continue
		}
		variant.Metadata = mergeMetadata(flag.Metadata, segment.Metadata, variant.Metadata)
		return variant, true
	}
	return Variant{}, false
}

func evaluateSegment(target Value, flag Flag, segment Segment) (Variant, bool) {
	if !matchConditions(target, segment.Conditions) {
		return Variant{}, false
	}

	variantKey := BucketSegment(target, segment)
	if variantKey == "" {
		return Variant{}, false
	}
	variant, ok := flag.Variants[variantKey]
	if !ok {
		return Variant{}, false
	}
	if variant.Key == "" {
		variant.Key = variantKey
	}
	return variant, true
}

// matchConditions ORs the groups and ANDs the conditions inside each group.
// Nil conditions always match; an empty, non-nil list never does.
func matchConditions(target Value, groups [][]Condition) bool {
	if groups == nil {
		return true
	}

	for _, group := range groups {
		matched := true
		for _, condition := range group {
			if !MatchCondition(target, condition) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func mergeMetadata(layers ...map[string]any) map[string]any {
	size := 0
	for _, layer := range layers {
		size += len(layer)
	}
	if size == 0 {
		return nil
	}

	merged := make(map[string]any, size)
	for _, layer := range layers {
		maps.Copy(merged, layer)
	}
	return merged
}
