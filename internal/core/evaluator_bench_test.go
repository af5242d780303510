package core

import (
	"strconv"
	"testing"
)

func benchmarkFlags(count int) []Flag {
	flags := make([]Flag, 0, count)
	for i := range count {
		flag := Flag{
			Key:      "flag-" + strconv.Itoa(i),
			Variants: onOffVariants(),
			Segments: []Segment{
				{
					Conditions: [][]Condition{{
						{Selector: []string{"context", "user", "country"}, Op: OperatorIs, Values: []string{"US", "CA"}},
						{Selector: []string{"context", "user", "version"}, Op: OperatorVersionGreaterEquals, Values: []string{"2.1.0"}},
					}},
					Bucket: deviceBucket("salt-"+strconv.Itoa(i), Allocation{
						Range:         Range{0, 50},
						Distributions: []Distribution{{Variant: "on", Range: Range{0, fullDistribution}}},
					}),
					Variant: "off",
				},
				{Variant: "off"},
			},
		}
		if i > 0 {
			flag.Dependencies = []string{"flag-" + strconv.Itoa(i-1)}
		}
		flags = append(flags, flag)
	}
	return flags
}

func benchmarkContext() Value {
	return ValueOf(map[string]any{
		"user": map[string]any{
			"device_id": "7d4f1c2a-8a55-4f0e-bb31-3c2d9e0f6a10",
			"country":   "US",
			"version":   "2.4.1",
		},
	})
}

func BenchmarkEvaluate_SingleFlag(b *testing.B) {
	flags := benchmarkFlags(1)
	context := benchmarkContext()

	b.ResetTimer()
	for b.Loop() {
		_, _ = Evaluate(context, flags)
	}
}

func BenchmarkEvaluate_DependencyChain(b *testing.B) {
	flags := benchmarkFlags(100)
	context := benchmarkContext()

	b.ResetTimer()
	for b.Loop() {
		_, _ = Evaluate(context, flags)
	}
}

func BenchmarkMatchCondition_Regex(b *testing.B) {
	target := userContext(map[string]any{"email": "someone@example.com"})
	condition := Condition{
		Selector: []string{"context", "user", "email"},
		Op:       OperatorRegexMatch,
		Values:   []string{`^[a-z]+@example\.(com|org)$`},
	}

	b.ResetTimer()
	for b.Loop() {
		MatchCondition(target, condition)
	}
}
