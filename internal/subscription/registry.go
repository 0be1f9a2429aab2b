// Package subscription holds the deduplicated working set of symbols and
// addresses for each provider and splits changes into provider-sized batches.
package subscription

import (
	"sort"
	"strings"
	"sync"
)

// DefaultBatchSize is the maximum number of items per upstream command.
const DefaultBatchSize = 100

// Set is a thread-safe deduplicated string set.
type Set struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{items: make(map[string]struct{})}
}

// Add inserts items and returns only those that were not already present,
// in input order. Blank items and duplicates within the input are ignored.
func (s *Set) Add(items []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := s.items[it]; ok {
			continue
		}
		s.items[it] = struct{}{}
		added = append(added, it)
	}
	return added
}

// Remove deletes items and returns only those that were present, in input order.
func (s *Set) Remove(items []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if _, ok := s.items[it]; !ok {
			continue
		}
		delete(s.items, it)
		removed = append(removed, it)
	}
	return removed
}

// Contains reports whether item is in the set.
func (s *Set) Contains(item string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[item]
	return ok
}

// Items returns a sorted copy of the set.
func (s *Set) Items() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.items))
	for it := range s.items {
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of items.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Snapshot is a copy of a Registry's contents.
type Snapshot struct {
	Symbols   []string `json:"symbols"`
	Addresses []string `json:"addresses"`
}

// Registry is the per-provider subscription state: symbols for price-type
// providers and addresses for activity-type providers.
type Registry struct {
	Symbols   *Set
	Addresses *Set

	batchSize int
}

// NewRegistry creates a Registry that batches at batchSize (<= 0 uses the default).
func NewRegistry(batchSize int) *Registry {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Registry{
		Symbols:   NewSet(),
		Addresses: NewSet(),
		batchSize: batchSize,
	}
}

// BatchSize returns the configured maximum batch size.
func (r *Registry) BatchSize() int {
	return r.batchSize
}

// Batches splits items using the registry's batch size.
func (r *Registry) Batches(items []string) [][]string {
	return Batch(items, r.batchSize)
}

// Snapshot returns a copy of both sets.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Symbols:   r.Symbols.Items(),
		Addresses: r.Addresses.Items(),
	}
}

// Batch splits items into consecutive groups of at most size. The last
// group holds the remainder. Returns nil for empty input.
func Batch(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultBatchSize
	}

	batches := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batch := make([]string, end-start)
		copy(batch, items[start:end])
		batches = append(batches, batch)
	}
	return batches
}
