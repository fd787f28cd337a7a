package worker

import (
	"sort"
	"sync"

	"github.com/nomarr/nomarr/errors"
)

// ProcessorFactory builds a processor for one worker process. Factories
// run inside the child after fork, so model loading cost lands in the
// worker, not the parent.
type ProcessorFactory func() (Processor, error)

// Registry maps queue types to processor factories. The serve path
// registers every known type at startup; the worker subprocess looks up
// its own type by flag.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProcessorFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProcessorFactory)}
}

// Register adds a factory for queueType. Re-registering replaces the
// previous factory.
func (r *Registry) Register(queueType string, factory ProcessorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[queueType] = factory
}

// Build constructs the processor for queueType.
func (r *Registry) Build(queueType string) (Processor, error) {
	r.mu.RLock()
	factory, ok := r.factories[queueType]
	r.mu.RUnlock()
	if !ok {
		err := errors.Newf("no processor registered for queue type %q", queueType)
		return nil, errors.WithHintf(err, "Known types: %v", r.Types())
	}
	return factory()
}

// Types returns the registered queue types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
