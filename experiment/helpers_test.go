package experiment

import (
	"context"
	"maps"
	"sync"

	"github.com/matt-riley/variantz/internal/core"
)

type stubFlagSource struct {
	mu    sync.Mutex
	flags []Flag
	err   error
	calls int
}

func (s *stubFlagSource) FetchFlags(context.Context) ([]Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.flags, s.err
}

func (s *stubFlagSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubVariantSource struct {
	variants map[string]Variant
	err      error
	contexts []Context
}

func (s *stubVariantSource) FetchVariants(_ context.Context, evalContext Context) (map[string]Variant, error) {
	s.contexts = append(s.contexts, evalContext)
	return s.variants, s.err
}

type memoryStore struct {
	mu       sync.Mutex
	flags    map[string][]Flag
	variants map[string]map[string]Variant
}

func newMemoryStore() *memoryStore {
	return &memoryStore{flags: map[string][]Flag{}, variants: map[string]map[string]Variant{}}
}

func (s *memoryStore) LoadFlags(_ context.Context, namespace string) ([]Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags, ok := s.flags[namespace]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return flags, nil
}

func (s *memoryStore) SaveFlags(_ context.Context, namespace string, flags []Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[namespace] = flags
	return nil
}

func (s *memoryStore) LoadVariants(_ context.Context, namespace string) (map[string]Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	variants, ok := s.variants[namespace]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return maps.Clone(variants), nil
}

func (s *memoryStore) SaveVariants(_ context.Context, namespace string, variants map[string]Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[namespace] = maps.Clone(variants)
	return nil
}

type recordingSink struct {
	mu        sync.Mutex
	exposures []Exposure
}

func (s *recordingSink) Track(exposure Exposure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposures = append(s.exposures, exposure)
}

func (s *recordingSink) all() []Exposure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Exposure(nil), s.exposures...)
}

type recordingMetrics struct {
	mu          sync.Mutex
	resolutions map[string]int
	exposures   int
	failures    int
	snapshots   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{resolutions: map[string]int{}, snapshots: map[string]int{}}
}

func (m *recordingMetrics) RecordResolution(provenance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions[provenance]++
}

func (m *recordingMetrics) RecordExposure(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposures++
}

func (m *recordingMetrics) RecordEvaluationFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *recordingMetrics) RecordSnapshot(kind string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[kind] = size
}

func defaultVariant(key string) Variant {
	return Variant{Key: key, Metadata: map[string]any{"default": true}}
}

func variantPtr(v Variant) *Variant {
	return &v
}

func localFlag(key string, variantKey string) Flag {
	return Flag{
		Key:      key,
		Metadata: map[string]any{"evaluationMode": "local", "experimentKey": "exp-" + key},
		Variants: map[string]Variant{
			variantKey: {Key: variantKey},
			"off":      defaultVariant("off"),
		},
		Segments: []core.Segment{{Variant: variantKey}},
	}
}
