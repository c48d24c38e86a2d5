package source

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps JobIDs to descriptors. It is populated once at startup with
// the fixed legacy mapping followed by auto-discovered sources.
type Registry struct {
	mu    sync.RWMutex
	byID  map[JobID]Descriptor
	order []JobID
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[JobID]Descriptor)}
}

// Register adds a descriptor under its explicit id.
func (r *Registry) Register(desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("register job: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[desc.ID]; exists {
		return fmt.Errorf("register job: id %s already registered", desc.ID)
	}
	r.insert(desc)
	return nil
}

// Discover appends a descriptor using the next free id and returns that id.
// Any id already set on desc is ignored.
func (r *Registry) Discover(desc Descriptor) (JobID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc.ID = r.nextID()
	if err := desc.Validate(); err != nil {
		return 0, fmt.Errorf("discover job: %w", err)
	}
	r.insert(desc)
	return desc.ID, nil
}

// Get returns the descriptor for id or an error wrapping ErrUnknownJob.
func (r *Registry) Get(id JobID) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("job %s: %w", id, ErrUnknownJob)
	}
	return desc, nil
}

// IDs returns every registered id in ascending order.
func (r *Registry) IDs() []JobID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]JobID(nil), r.order...)
	slices.Sort(out)
	return out
}

// Len reports the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) insert(desc Descriptor) {
	r.byID[desc.ID] = desc
	r.order = append(r.order, desc.ID)
}

func (r *Registry) nextID() JobID {
	var highest JobID
	for id := range r.byID {
		if id > highest {
			highest = id
		}
	}
	return highest + 1
}
