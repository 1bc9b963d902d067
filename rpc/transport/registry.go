package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps endpoint transport names to transports. Each communicator owns
// one registry; it is filled when the communicator is created and only read
// afterwards.
type Registry struct {
	mu          sync.RWMutex
	stream      map[string]IStreamTransport
	multiplexed map[string]IMultiplexedTransport
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		stream:      make(map[string]IStreamTransport),
		multiplexed: make(map[string]IMultiplexedTransport),
	}
}

// RegisterStream registers t under its name and under every alias
func (r *Registry) RegisterStream(t IStreamTransport, aliases ...string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range append([]string{t.GetName()}, aliases...) {
		r.stream[name] = t
	}
	return r
}

// RegisterMultiplexed registers t under its name and under every alias
func (r *Registry) RegisterMultiplexed(t IMultiplexedTransport, aliases ...string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range append([]string{t.GetName()}, aliases...) {
		r.multiplexed[name] = t
	}
	return r
}

// Stream returns the byte stream transport registered for name
func (r *Registry) Stream(name string) (IStreamTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.stream[name]
	return t, ok
}

// Multiplexed returns the multiplexed transport registered for name
func (r *Registry) Multiplexed(name string) (IMultiplexedTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.multiplexed[name]
	return t, ok
}

// Check returns an error if no transport is registered for name
func (r *Registry) Check(name string) error {
	if _, ok := r.Stream(name); ok {
		return nil
	}
	if _, ok := r.Multiplexed(name); ok {
		return nil
	}
	return fmt.Errorf("unknown transport %q (registered: %v)", name, r.Names())
}

// Names returns all registered transport names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stream)+len(r.multiplexed))
	for name := range r.stream {
		names = append(names, name)
	}
	for name := range r.multiplexed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
