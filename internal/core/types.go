package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSnapshotNotFound reports that no snapshot was ever saved for a
// namespace. A saved empty snapshot is not an error.
var ErrSnapshotNotFound = errors.New("snapshot not found")

type Operator string

const (
	OperatorIs                    Operator = "is"
	OperatorIsNot                 Operator = "is not"
	OperatorContains              Operator = "contains"
	OperatorDoesNotContain        Operator = "does not contain"
	OperatorLessThan              Operator = "less"
	OperatorLessThanEquals        Operator = "less or equal"
	OperatorGreaterThan           Operator = "greater"
	OperatorGreaterThanEquals     Operator = "greater or equal"
	OperatorVersionLessThan       Operator = "version less"
	OperatorVersionLessThanEquals Operator = "version less or equal"
	OperatorVersionGreaterThan    Operator = "version greater"
	OperatorVersionGreaterEquals  Operator = "version greater or equal"
	OperatorSetIs                 Operator = "set is"
	OperatorSetIsNot              Operator = "set is not"
	OperatorSetContains           Operator = "set contains"
	OperatorSetDoesNotContain     Operator = "set does not contain"
	OperatorSetContainsAny        Operator = "set contains any"
	OperatorSetDoesNotContainAny  Operator = "set does not contain any"
	OperatorRegexMatch            Operator = "regex match"
	OperatorRegexDoesNotMatch     Operator = "regex does not match"
)

// NoneValue is the literal that lets a condition match an absent property.
const NoneValue = "(none)"

// Metadata keys with meaning to the evaluator and client.
const (
	MetadataDefault        = "default"
	MetadataExperimentKey  = "experimentKey"
	MetadataEvaluationMode = "evaluationMode"
	MetadataSegmentName    = "segmentName"

	EvaluationModeLocal  = "local"
	EvaluationModeRemote = "remote"
)

type Flag struct {
	Key          string             `json:"key"`
	Variants     map[string]Variant `json:"variants"`
	Segments     []Segment          `json:"segments"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// IsLocalEvaluationMode reports whether the flag's authoritative result comes
// from local evaluation rather than the remote variant cache.
func (f Flag) IsLocalEvaluationMode() bool {
	mode, _ := f.Metadata[MetadataEvaluationMode].(string)
	return mode == EvaluationModeLocal
}

type Segment struct {
	Bucket     *Bucket        `json:"bucket,omitempty"`
	Conditions [][]Condition  `json:"conditions"`
	Variant    string         `json:"variant,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type Bucket struct {
	Selector    []string     `json:"selector"`
	Salt        string       `json:"salt"`
	Allocations []Allocation `json:"allocations"`
}

type Allocation struct {
	Range         Range          `json:"range"`
	Distributions []Distribution `json:"distributions"`
}

type Distribution struct {
	Variant string `json:"variant"`
	Range   Range  `json:"range"`
}

type Condition struct {
	Selector []string `json:"selector"`
	Op       Operator `json:"op"`
	Values   []string `json:"values"`
}

// Range is a half-open integer interval [Start, End), encoded as a two element array.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Contains(value uint64) bool {
	if r.End <= 0 || r.End <= r.Start {
		return false
	}
	start := uint64(max(r.Start, 0))
	return value >= start && value < uint64(r.End)
}

func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{r.Start, r.End})
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var bounds []int64
	if err := json.Unmarshal(data, &bounds); err != nil {
		return fmt.Errorf("decode range: %w", err)
	}
	if len(bounds) != 2 {
		return fmt.Errorf("decode range: want 2 bounds, got %d", len(bounds))
	}
	r.Start, r.End = bounds[0], bounds[1]
	return nil
}

type Variant struct {
	Key      string         `json:"key,omitempty"`
	Value    string         `json:"value,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	ExpKey   string         `json:"expKey,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsEmpty reports whether the variant carries no key, value or payload.
func (v Variant) IsEmpty() bool {
	return v.Key == "" && v.Value == "" && v.Payload == nil
}

// IsDefault reports whether the variant is a placeholder rather than a real assignment.
func (v Variant) IsDefault() bool {
	isDefault, _ := v.Metadata[MetadataDefault].(bool)
	return isDefault
}

func (v Variant) ExperimentKey() string {
	if v.ExpKey != "" {
		return v.ExpKey
	}
	key, _ := v.Metadata[MetadataExperimentKey].(string)
	return key
}

// asValue is the shape of a variant as seen by dependent flags under "result".
func (v Variant) asValue() Value {
	entries := make(map[string]Value, 4)
	if v.Key != "" {
		entries["key"] = String(v.Key)
	}
	if v.Value != "" {
		entries["value"] = String(v.Value)
	}
	if v.Payload != nil {
		entries["payload"] = ValueOf(v.Payload)
	}
	if len(v.Metadata) > 0 {
		entries["metadata"] = ValueOf(v.Metadata)
	}
	return Map(entries)
}
