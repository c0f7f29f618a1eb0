package wiser

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// Registry is the in-memory index of known loads.
//
// Each Replace installs a new immutable snapshot with a single atomic
// pointer swap. Readers never lock and never observe a half-built index.
type Registry struct {
	snap atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	byID     map[int]Load
	byDevice map[string][]Load // sorted by load id
	ordered  []Load            // sorted by load id
}

var emptySnapshot = &registrySnapshot{
	byID:     map[int]Load{},
	byDevice: map[string][]Load{},
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(emptySnapshot)
	return r
}

// Replace atomically swaps the active index for one built from loads.
// The slice is copied; later changes by the caller are not observed.
// When ids repeat, the last entry wins.
func (r *Registry) Replace(loads []Load) {
	s := &registrySnapshot{
		byID:     make(map[int]Load, len(loads)),
		byDevice: make(map[string][]Load),
	}
	for _, l := range loads {
		s.byID[l.ID] = l
	}

	s.ordered = make([]Load, 0, len(s.byID))
	for _, l := range s.byID {
		s.ordered = append(s.ordered, l)
	}
	slices.SortFunc(s.ordered, func(a, b Load) int { return a.ID - b.ID })

	for _, l := range s.ordered {
		s.byDevice[l.Device] = append(s.byDevice[l.Device], l)
	}

	r.snap.Store(s)
}

// Lookup returns the load with the given id, or ErrUnknownLoad.
func (r *Registry) Lookup(id int) (Load, error) {
	l, ok := r.snap.Load().byID[id]
	if !ok {
		return Load{}, fmt.Errorf("%w: id %d", ErrUnknownLoad, id)
	}
	return l, nil
}

// LookupByDevice returns the lowest-id load owned by deviceID, or ErrUnknownLoad.
func (r *Registry) LookupByDevice(deviceID string) (Load, error) {
	loads := r.snap.Load().byDevice[deviceID]
	if len(loads) == 0 {
		return Load{}, fmt.Errorf("%w: device %q", ErrUnknownLoad, deviceID)
	}
	return loads[0], nil
}

// LoadsForDevice returns every load of deviceID ordered by id.
func (r *Registry) LoadsForDevice(deviceID string) []Load {
	return slices.Clone(r.snap.Load().byDevice[deviceID])
}

// All returns every load ordered by id.
func (r *Registry) All() []Load {
	return slices.Clone(r.snap.Load().ordered)
}

// Len returns the number of loads in the active snapshot.
func (r *Registry) Len() int {
	return len(r.snap.Load().byID)
}
