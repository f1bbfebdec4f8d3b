package checkpoint

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps checkpoints in process memory. State is lost on
// restart; it backs ephemeral deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]*Checkpoint)}
}

func newMemoryCheckpoint(threadID string, version int, data []byte, messageCount int) (*Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ID:           id,
		ThreadID:     threadID,
		Version:      version,
		CreatedAt:    time.Now().UTC(),
		MessageCount: messageCount,
		ByteSize:     int64(len(data)),
		Data:         slices.Clone(data),
	}, nil
}

// Append stores data as the thread's next version.
func (s *MemoryStore) Append(_ context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.threads[threadID]
	next := 1
	if n := len(versions); n > 0 {
		next = versions[n-1].Version + 1
	}
	cp, err := newMemoryCheckpoint(threadID, next, data, messageCount)
	if err != nil {
		return nil, err
	}
	versions = append(versions, cp)
	if len(versions) > KeepVersions {
		versions = slices.Clone(versions[len(versions)-KeepVersions:])
	}
	s.threads[threadID] = versions
	return headerOnly(cp), nil
}

// Put overwrites the latest version in place.
func (s *MemoryStore) Put(_ context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.threads[threadID]
	version := 1
	if n := len(versions); n > 0 {
		version = versions[n-1].Version
		versions = versions[:n-1]
	}
	cp, err := newMemoryCheckpoint(threadID, version, data, messageCount)
	if err != nil {
		return nil, err
	}
	s.threads[threadID] = append(versions, cp)
	return headerOnly(cp), nil
}

// Latest returns the newest checkpoint for the thread.
func (s *MemoryStore) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.threads[threadID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return cloneCheckpoint(versions[len(versions)-1]), nil
}

// Threads lists threads, most recently updated first.
func (s *MemoryStore) Threads(_ context.Context, limit int) ([]Thread, error) {
	s.mu.RLock()
	out := make([]Thread, 0, len(s.threads))
	for id, versions := range s.threads {
		last := versions[len(versions)-1]
		out = append(out, Thread{
			ID:           id,
			Version:      last.Version,
			MessageCount: last.MessageCount,
			UpdatedAt:    last.CreatedAt,
		})
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Thread) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes every version of a thread.
func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return ErrNotFound
	}
	delete(s.threads, threadID)
	return nil
}

// Prune removes threads idle for longer than olderThan.
func (s *MemoryStore) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, versions := range s.threads {
		if versions[len(versions)-1].CreatedAt.Before(cutoff) {
			delete(s.threads, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// headerOnly copies cp without its state.
func headerOnly(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Data = nil
	return &out
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Data = slices.Clone(cp.Data)
	return &out
}
