package scheduler

import (
	"slices"
	"sort"
	"sync"
)

// ResourceLockManager is the per-path lock set consulted before dispatch.
// Each path is owned by at most one task at a time.
type ResourceLockManager struct {
	mu     sync.Mutex
	owners map[string]string // path -> owning task ID
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		owners: make(map[string]string),
	}
}

// TryLockAll acquires every path for owner, or none of them.
// Paths already held by owner count as acquired.
func (r *ResourceLockManager) TryLockAll(owner string, paths []string) bool {
	sorted := sortedUnique(paths)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range sorted {
		if held, ok := r.owners[p]; ok && held != owner {
			return false
		}
	}
	for _, p := range sorted {
		r.owners[p] = owner
	}
	return true
}

// UnlockAll releases the paths held by owner. Paths held by others are untouched.
func (r *ResourceLockManager) UnlockAll(owner string, paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range paths {
		if r.owners[p] == owner {
			delete(r.owners, p)
		}
	}
}

// Holder returns the task holding path, if any.
func (r *ResourceLockManager) Holder(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[path]
	return owner, ok
}

// Held returns the currently locked paths in sorted order.
func (r *ResourceLockManager) Held() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.owners))
	for p := range r.owners {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func sortedUnique(paths []string) []string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return slices.Compact(sorted)
}
