package core

import (
	"cmp"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MatchCondition reports whether target satisfies condition. Absent
// properties go through the null table, set operators compare string sets
// and every other operator compares the property as a single string.
func MatchCondition(target Value, condition Condition) bool {
	property, ok := target.Select(condition.Selector)
	if !ok {
		return matchNull(condition.Op, condition.Values)
	}

	if isSetOperator(condition.Op) {
		propertySet, ok := coerceStringSet(property)
		if !ok {
			return false
		}
		return matchSet(propertySet, condition.Op, toSet(condition.Values))
	}

	propertyString, ok := coerceString(property)
	if !ok {
		return false
	}
	return matchString(propertyString, condition.Op, condition.Values)
}

func matchNull(op Operator, values []string) bool {
	containsNone := false
	for _, value := range values {
		if value == NoneValue {
			containsNone = true
			break
		}
	}

	switch op {
	case OperatorIs, OperatorContains,
		OperatorLessThan, OperatorLessThanEquals, OperatorGreaterThan, OperatorGreaterThanEquals,
		OperatorVersionLessThan, OperatorVersionLessThanEquals, OperatorVersionGreaterThan, OperatorVersionGreaterEquals,
		OperatorSetIs, OperatorSetContains, OperatorSetContainsAny:
		return containsNone
	case OperatorIsNot, OperatorDoesNotContain, OperatorSetDoesNotContain, OperatorSetDoesNotContainAny:
		return !containsNone
	case OperatorRegexDoesNotMatch, OperatorSetIsNot:
		return true
	default:
		return false
	}
}

func isSetOperator(op Operator) bool {
	switch op {
	case OperatorSetIs, OperatorSetIsNot,
		OperatorSetContains, OperatorSetDoesNotContain,
		OperatorSetContainsAny, OperatorSetDoesNotContainAny:
		return true
	default:
		return false
	}
}

func matchSet(property map[string]struct{}, op Operator, filter map[string]struct{}) bool {
	switch op {
	case OperatorSetIs:
		return setsEqual(property, filter)
	case OperatorSetIsNot:
		return !setsEqual(property, filter)
	case OperatorSetContains:
		return setContainsAll(property, filter)
	case OperatorSetDoesNotContain:
		return !setContainsAll(property, filter)
	case OperatorSetContainsAny:
		return setContainsAny(property, filter)
	case OperatorSetDoesNotContainAny:
		return !setContainsAny(property, filter)
	default:
		return false
	}
}

func matchString(property string, op Operator, values []string) bool {
	switch op {
	case OperatorIs:
		return matchesIs(property, values)
	case OperatorIsNot:
		return !matchesIs(property, values)
	case OperatorContains:
		return matchesContains(property, values)
	case OperatorDoesNotContain:
		return !matchesContains(property, values)
	case OperatorLessThan, OperatorLessThanEquals, OperatorGreaterThan, OperatorGreaterThanEquals:
		return matchesComparable(property, op, values, parseNumber, compareNumbers)
	case OperatorVersionLessThan, OperatorVersionLessThanEquals, OperatorVersionGreaterThan, OperatorVersionGreaterEquals:
		return matchesComparable(property, op, values, ParseVersion, Version.Compare)
	case OperatorRegexMatch:
		return matchesRegex(property, values)
	case OperatorRegexDoesNotMatch:
		return !matchesRegex(property, values)
	default:
		return false
	}
}

func matchesIs(property string, values []string) bool {
	if containsBooleans(values) {
		lower := strings.ToLower(property)
		if lower == "true" || lower == "false" {
			for _, value := range values {
				if strings.ToLower(value) == lower {
					return true
				}
			}
			return false
		}
	}

	for _, value := range values {
		if value == property {
			return true
		}
	}
	return false
}

func containsBooleans(values []string) bool {
	for _, value := range values {
		switch strings.ToLower(value) {
		case "true", "false":
			return true
		}
	}
	return false
}

func matchesContains(property string, values []string) bool {
	lower := strings.ToLower(property)
	for _, value := range values {
		if strings.Contains(lower, strings.ToLower(value)) {
			return true
		}
	}
	return false
}

// matchesComparable applies op against any filter value. When the property or
// every filter value fails to parse, the raw strings are compared instead.
func matchesComparable[T any](property string, op Operator, values []string, parse func(string) (T, bool), compare func(T, T) int) bool {
	parsedProperty, propertyOK := parse(property)

	parsedValues := make([]T, 0, len(values))
	for _, value := range values {
		if parsed, ok := parse(value); ok {
			parsedValues = append(parsedValues, parsed)
		}
	}

	if !propertyOK || len(parsedValues) == 0 {
		for _, value := range values {
			if relationHolds(op, strings.Compare(property, value)) {
				return true
			}
		}
		return false
	}

	for _, value := range parsedValues {
		if relationHolds(op, compare(parsedProperty, value)) {
			return true
		}
	}
	return false
}

// relationHolds interprets a three-way comparison result for op. A result
// outside [-1, 1] marks an unordered pair and never holds.
func relationHolds(op Operator, c int) bool {
	if c < -1 || c > 1 {
		return false
	}

	switch op {
	case OperatorLessThan, OperatorVersionLessThan:
		return c < 0
	case OperatorLessThanEquals, OperatorVersionLessThanEquals:
		return c <= 0
	case OperatorGreaterThan, OperatorVersionGreaterThan:
		return c > 0
	case OperatorGreaterThanEquals, OperatorVersionGreaterEquals:
		return c >= 0
	default:
		return false
	}
}

const unordered = 2

func parseNumber(s string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func compareNumbers(a, b float64) int {
	if math.IsNaN(a) || math.IsNaN(b) {
		return unordered
	}
	return cmp.Compare(a, b)
}

var regexCache sync.Map

func matchesRegex(property string, patterns []string) bool {
	for _, pattern := range patterns {
		re, ok := compileRegex(pattern)
		if !ok {
			continue
		}
		if re.MatchString(property) {
			return true
		}
	}
	return false
}

func compileRegex(pattern string) (*regexp.Regexp, bool) {
	if cached, ok := regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re, re != nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		// Remember invalid patterns too so they are not recompiled per call.
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil, false
	}
	regexCache.Store(pattern, re)
	return re, true
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for value := range a {
		if _, ok := b[value]; !ok {
			return false
		}
	}
	return true
}

func setContainsAll(property, filter map[string]struct{}) bool {
	if len(property) < len(filter) {
		return false
	}
	members := setMembers(property)
	for value := range filter {
		if !matchesIs(value, members) {
			return false
		}
	}
	return true
}

func setContainsAny(property, filter map[string]struct{}) bool {
	members := setMembers(property)
	for value := range filter {
		if matchesIs(value, members) {
			return true
		}
	}
	return false
}

func setMembers(set map[string]struct{}) []string {
	members := make([]string, 0, len(set))
	for value := range set {
		members = append(members, value)
	}
	return members
}
