package adapters

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves configured adapter IDs to implementations.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]Source
	caseSinks   map[string]CaseSink
	vectorSinks map[string]VectorSink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[string]Source),
		caseSinks:   make(map[string]CaseSink),
		vectorSinks: make(map[string]VectorSink),
	}
}

// RegisterSource adds a pull-style source.
func (r *Registry) RegisterSource(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.SourceID()] = s
}

// RegisterCaseSink adds a case submission sink.
func (r *Registry) RegisterCaseSink(s CaseSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caseSinks[s.SinkID()] = s
}

// RegisterVectorSink adds a vector submission sink.
func (r *Registry) RegisterVectorSink(s VectorSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectorSinks[s.SinkID()] = s
}

// Source returns the source registered under id.
func (r *Registry) Source(id string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", id)
	}
	return s, nil
}

// CaseSink returns the case sink registered under id.
func (r *Registry) CaseSink(id string) (CaseSink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.caseSinks[id]
	if !ok {
		return nil, fmt.Errorf("unknown case destination %q", id)
	}
	return s, nil
}

// VectorSink returns the vector sink registered under id.
func (r *Registry) VectorSink(id string) (VectorSink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.vectorSinks[id]
	if !ok {
		return nil, fmt.Errorf("unknown vector destination %q", id)
	}
	return s, nil
}

// SourceIDs lists registered sources.
func (r *Registry) SourceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
