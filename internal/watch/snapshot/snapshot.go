package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// RepositorySnapshot holds the last observed state of every resource watched
// by one job. It is safe for concurrent readers; writes happen only via Commit.
type RepositorySnapshot struct {
	mu        sync.RWMutex
	persisted bool
	savedAt   time.Time
	entries   map[resource.Kind]map[string]resource.Entry
}

// New returns an empty snapshot that was never persisted
func New() *RepositorySnapshot {
	return &RepositorySnapshot{entries: map[resource.Kind]map[string]resource.Entry{}}
}

// Get returns the entry for a key, or nil if the key was never seen
func (s *RepositorySnapshot) Get(kind resource.Kind, key string) *resource.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[kind][key]
	if !ok {
		return nil
	}
	return &entry
}

// Keys returns the sorted keys known for a kind
func (s *RepositorySnapshot) Keys(kind resource.Kind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries[kind]))
	for key := range s.entries[kind] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of all entries of a kind
func (s *RepositorySnapshot) Entries(kind resource.Kind) map[string]resource.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]resource.Entry, len(s.entries[kind]))
	for key, entry := range s.entries[kind] {
		out[key] = entry
	}
	return out
}

// Len returns the number of entries across all kinds
func (s *RepositorySnapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, byKey := range s.entries {
		n += len(byKey)
	}
	return n
}

// Persisted reports whether the snapshot was ever loaded from or saved to a store
func (s *RepositorySnapshot) Persisted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persisted
}

// SavedAt returns when the snapshot was last persisted
func (s *RepositorySnapshot) SavedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.savedAt
}

func (s *RepositorySnapshot) export() map[resource.Kind]map[string]resource.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[resource.Kind]map[string]resource.Entry, len(s.entries))
	for kind, byKey := range s.entries {
		if len(byKey) == 0 {
			continue
		}
		copied := make(map[string]resource.Entry, len(byKey))
		for key, entry := range byKey {
			copied[key] = entry
		}
		out[kind] = copied
	}
	return out
}

func (s *RepositorySnapshot) markPersisted(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = true
	s.savedAt = at
}

// Commit records the observed refs: live refs are upserted, tombstones remove
// their key. The whole batch is applied under one lock so readers never see a
// partially committed cycle.
func Commit(s *RepositorySnapshot, observed []resource.Ref, seenAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range observed {
		byKey := s.entries[ref.Kind]
		if ref.Deleted() {
			delete(byKey, ref.Key)
			continue
		}
		if byKey == nil {
			byKey = map[string]resource.Entry{}
			s.entries[ref.Kind] = byKey
		}
		entry := resource.NewEntry(ref, seenAt)
		if previous, ok := byKey[ref.Key]; ok && previous.LastCommentAt.After(entry.LastCommentAt) {
			entry.LastCommentAt = previous.LastCommentAt
		}
		byKey[ref.Key] = entry
	}
}
