package gate

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Schema provides metadata about a SessionSource.
type Schema struct {
	ID          string
	Description string
}

// SessionSource builds a SessionProvider for an inbound request.
type SessionSource interface {
	Describe() Schema
	// ForRequest returns a provider bound to the credentials carried by r.
	ForRequest(r *http.Request) SessionProvider
}

// SourceRegistry holds the session sources available to the gate.
type SourceRegistry struct {
	sources map[string]SessionSource
	mu      sync.RWMutex
}

// NewSourceRegistry creates a new empty SourceRegistry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{
		sources: make(map[string]SessionSource),
	}
}

// Register adds a SessionSource to the registry.
// If a source with the same ID already exists, it will be replaced.
func (r *SourceRegistry) Register(source SessionSource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	schema := source.Describe()
	r.sources[schema.ID] = source
}

// GetSource retrieves a SessionSource by ID.
func (r *SourceRegistry) GetSource(id string) (SessionSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	source, exists := r.sources[id]
	return source, exists
}

// MustSource is like GetSource but returns an error naming the known sources.
func (r *SourceRegistry) MustSource(id string) (SessionSource, error) {
	if source, ok := r.GetSource(id); ok {
		return source, nil
	}
	return nil, fmt.Errorf("%w: unknown session source %q (known: %v)", ErrConfigLoad, id, r.IDs())
}

// IDs returns the registered source ids in sorted order.
func (r *SourceRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
