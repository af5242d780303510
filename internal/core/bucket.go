package core

import "github.com/twmb/murmur3"

const murmurSeed = 0

// BucketValues hashes "salt/value" with MurmurHash3 x86_32 and splits the
// unsigned result into an allocation value in [0, 100) and a distribution
// value covering the remaining hash space.
func BucketValues(salt, value string) (allocation, distribution uint64) {
	hash := uint64(murmur3.SeedSum32(murmurSeed, []byte(salt+"/"+value)))
	return hash % 100, hash / 100
}

// BucketSegment picks the variant key a target falls into for segment. An
// unbucketed segment, or a target without a bucketing value, gets the
// segment's default variant. The empty string means no variant.
func BucketSegment(target Value, segment Segment) string {
	if segment.Bucket == nil {
		return segment.Variant
	}

	property, ok := target.Select(segment.Bucket.Selector)
	if !ok {
		return segment.Variant
	}
	bucketingValue, ok := coerceString(property)
	if !ok || bucketingValue == "" {
		return segment.Variant
	}

	allocationValue, distributionValue := BucketValues(segment.Bucket.Salt, bucketingValue)
	for _, allocation := range segment.Bucket.Allocations {
		if !allocation.Range.Contains(allocationValue) {
			continue
		}
		for _, distribution := range allocation.Distributions {
			if distribution.Range.Contains(distributionValue) {
				return distribution.Variant
			}
		}
	}

	return segment.Variant
}
