package scheduler

import (
	"sort"
	"sync"
)

// ResourceClaims grants exclusive ownership of named resources to tasks.
// Unlike a keyed mutex it never blocks: a task whose resources are held simply
// stays queued until the next cycle.
type ResourceClaims struct {
	mu     sync.Mutex
	owners map[string]string // resource -> owning task id
}

// NewResourceClaims creates an empty claim table.
func NewResourceClaims() *ResourceClaims {
	return &ResourceClaims{
		owners: make(map[string]string),
	}
}

// TryClaimAll claims every key for owner, or none of them. Keys are taken in
// sorted order; keys the owner already holds count as claimed.
func (r *ResourceClaims) TryClaimAll(owner string, keys []string) bool {
	if len(keys) == 0 {
		return true
	}

	sorted := sortedCopy(keys)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range sorted {
		if holder, held := r.owners[key]; held && holder != owner {
			return false
		}
	}
	for _, key := range sorted {
		r.owners[key] = owner
	}
	return true
}

// ReleaseAll frees every key held by owner. Keys held by someone else are left alone.
func (r *ResourceClaims) ReleaseAll(owner string, keys []string) {
	if len(keys) == 0 {
		return
	}

	sorted := sortedCopy(keys)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(sorted) - 1; i >= 0; i-- {
		if r.owners[sorted[i]] == owner {
			delete(r.owners, sorted[i])
		}
	}
}

// Holder returns the task currently holding key.
func (r *ResourceClaims) Holder(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[key]
	return owner, ok
}

func sortedCopy(keys []string) []string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return sorted
}
