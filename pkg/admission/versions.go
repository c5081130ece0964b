package admission

import (
	"context"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// VersionStore remembers the highest version executed per kapsule id.
type VersionStore interface {
	Highest(ctx context.Context, kapsuleID string) (*semver.Version, error)
	Record(ctx context.Context, kapsuleID string, v *semver.Version) error
}

// MemoryVersionStore is an in-process VersionStore.
type MemoryVersionStore struct {
	mu       sync.RWMutex
	versions map[string]*semver.Version
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{versions: make(map[string]*semver.Version)}
}

// Highest returns nil when id has never run.
func (s *MemoryVersionStore) Highest(_ context.Context, kapsuleID string) (*semver.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[kapsuleID], nil
}

// Record keeps v if it is higher than the stored version.
func (s *MemoryVersionStore) Record(_ context.Context, kapsuleID string, v *semver.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.versions[kapsuleID]; cur == nil || v.GreaterThan(cur) {
		s.versions[kapsuleID] = v
	}
	return nil
}
