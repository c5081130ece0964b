// Package receipts records the outcome of every kapsule run.
package receipts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no receipt matches.
var ErrNotFound = errors.New("receipt not found")

// Status is the overall outcome of a run.
type Status string

const (
	StatusOK     Status = "OK"
	StatusFailed Status = "FAILED"
)

// Receipt describes one pipeline run. Stage and Code are empty on success.
type Receipt struct {
	InvocationID string        `json:"invocation_id"`
	KapsuleID    string        `json:"kapsule_id"`
	KapsuleType  string        `json:"kapsule_type"`
	Version      string        `json:"version,omitempty"`
	CID          string        `json:"cid,omitempty"`
	EntryPoint   string        `json:"entry_point"`
	Status       Status        `json:"status"`
	Stage        string        `json:"stage,omitempty"`
	Code         string        `json:"code,omitempty"`
	Result       string        `json:"result"`
	Duration     time.Duration `json:"duration_ns"`
	Timestamp    time.Time     `json:"timestamp"`
	Attestation  string        `json:"attestation,omitempty"`
}

// NewInvocationID returns a fresh invocation id.
func NewInvocationID() string { return uuid.NewString() }

// Store persists receipts.
type Store interface {
	Store(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, invocationID string) (*Receipt, error)
	// List returns the newest receipts first. An empty kapsuleID lists all.
	List(ctx context.Context, kapsuleID string, limit int) ([]*Receipt, error)
	// Versions returns the distinct versions of kapsuleID that ran to
	// completion.
	Versions(ctx context.Context, kapsuleID string) ([]string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []*Receipt
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Store(_ context.Context, r *Receipt) error {
	cp := *r
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.receipts {
		if have.InvocationID == r.InvocationID {
			return nil
		}
	}
	s.receipts = append(s.receipts, &cp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, invocationID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.receipts {
		if r.InvocationID == invocationID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, kapsuleID string, limit int) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Receipt
	for i := len(s.receipts) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r := s.receipts[i]; kapsuleID == "" || r.KapsuleID == kapsuleID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Versions(_ context.Context, kapsuleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.receipts {
		if r.KapsuleID == kapsuleID && r.Status == StatusOK && r.Version != "" && !seen[r.Version] {
			seen[r.Version] = true
			out = append(out, r.Version)
		}
	}
	sort.Strings(out)
	return out, nil
}

// VersionStore backs the admission rollback guard with a receipt Store, so
// the highest executed version survives restarts.
type VersionStore struct {
	store Store
}

func NewVersionStore(s Store) *VersionStore { return &VersionStore{store: s} }

// Highest returns nil when kapsuleID has never completed a run. Versions
// that do not parse are ignored.
func (v *VersionStore) Highest(ctx context.Context, kapsuleID string) (*semver.Version, error) {
	versions, err := v.store.Versions(ctx, kapsuleID)
	if err != nil {
		return nil, err
	}
	var best *semver.Version
	for _, s := range versions {
		sv, err := semver.StrictNewVersion(s)
		if err != nil {
			continue
		}
		if best == nil || sv.GreaterThan(best) {
			best = sv
		}
	}
	return best, nil
}

// Record is a no-op: the receipt written after the run is the record.
func (v *VersionStore) Record(context.Context, string, *semver.Version) error { return nil }
