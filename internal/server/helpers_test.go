package server

import (
	"context"
	"sync"
	"testing"

	"github.com/matt-riley/variantz/experiment"
	"github.com/matt-riley/variantz/internal/core"
)

// betaFlag serves "on" to users in the beta cohort and "off" to everyone else.
func betaFlag() experiment.Flag {
	return experiment.Flag{
		Key: "new-checkout",
		Variants: map[string]experiment.Variant{
			"on":  {Key: "on", Value: "on"},
			"off": {Key: "off", Value: "off"},
		},
		Segments: []core.Segment{
			{
				Conditions: [][]core.Condition{{{
					Selector: []string{"context", "user", "user_properties", "cohort"},
					Op:       core.OperatorIs,
					Values:   []string{"beta"},
				}}},
				Variant: "on",
			},
			{Variant: "off"},
		},
	}
}

type staticFlags []experiment.Flag

func (s staticFlags) FetchFlags(context.Context) ([]experiment.Flag, error) {
	return s, nil
}

type recordingSink struct {
	mu        sync.Mutex
	exposures []experiment.Exposure
}

func (s *recordingSink) Track(exposure experiment.Exposure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposures = append(s.exposures, exposure)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exposures)
}

func (s *recordingSink) last() experiment.Exposure {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.exposures) == 0 {
		return experiment.Exposure{}
	}
	return s.exposures[len(s.exposures)-1]
}

// newTestClient returns a started client serving betaFlag from memory.
func newTestClient(t *testing.T, sink experiment.ExposureSink) *experiment.Client {
	t.Helper()
	client, err := experiment.New(experiment.Config{
		FlagSource:        staticFlags{betaFlag()},
		FlagsPollInterval: -1,
		ExposureSink:      sink,
	})
	if err != nil {
		t.Fatalf("experiment.New() error = %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(client.Stop)
	return client
}

func betaContext() experiment.Context {
	return experiment.Context{
		"user": map[string]any{
			"user_id":         "u-1",
			"user_properties": map[string]any{"cohort": "beta"},
		},
	}
}
