package experiment

import (
	"maps"
	"sync/atomic"
)

// StaticContext is a ContextProvider holding a context set by the application.
// The zero value provides an empty context.
type StaticContext struct {
	current atomic.Pointer[Context]
}

func NewStaticContext(evalContext Context) *StaticContext {
	provider := &StaticContext{}
	provider.Set(evalContext)
	return provider
}

// Set replaces the context. The map is copied one level deep.
func (s *StaticContext) Set(evalContext Context) {
	next := maps.Clone(evalContext)
	s.current.Store(&next)
}

func (s *StaticContext) Context() Context {
	current := s.current.Load()
	if current == nil || *current == nil {
		return Context{}
	}
	return *current
}
