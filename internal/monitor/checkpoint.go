package monitor

import (
	"context"
	"sync"

	"stayuptodo-laundry/internal/chat"
)

// CheckpointStore persists the ingestion cursor under a name.
type CheckpointStore interface {
	// LoadCheckpoint returns ok=false when nothing was saved yet.
	LoadCheckpoint(ctx context.Context, name string) (cp chat.Checkpoint, ok bool, err error)
	SaveCheckpoint(ctx context.Context, name string, cp chat.Checkpoint) error
}

// MemoryCheckpoints keeps checkpoints for the lifetime of the process only.
type MemoryCheckpoints struct {
	mu sync.Mutex
	m  map[string]chat.Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{m: make(map[string]chat.Checkpoint)}
}

func (s *MemoryCheckpoints) LoadCheckpoint(_ context.Context, name string) (chat.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.m[name]
	return cp, ok, nil
}

func (s *MemoryCheckpoints) SaveCheckpoint(_ context.Context, name string, cp chat.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = cp
	return nil
}
