package store

import (
	"context"
	"encoding/json"
	"sync"

	"ai-trading-engine/internal/model"
)

// MemoryStore keeps everything in process. It is the default for paper
// trading and for tests; a restart loses state, which paper mode accepts.
type MemoryStore struct {
	mu         sync.RWMutex
	snapshot   []byte
	lifecycles map[string]model.LifecycleRecord
	fills      []model.Fill
	rejections []rejectionRow
}

type rejectionRow struct {
	Signal model.Signal
	Code   string
	Reason string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lifecycles: make(map[string]model.LifecycleRecord),
	}
}

// SaveSnapshot stores a deep copy via JSON so later engine mutation
// cannot leak into the saved state.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap model.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshot = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context) (*model.EngineSnapshot, error) {
	s.mu.RLock()
	data := s.snapshot
	s.mu.RUnlock()
	if data == nil {
		return nil, nil
	}
	var snap model.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *MemoryStore) RecordLifecycle(ctx context.Context, rec model.LifecycleRecord) error {
	s.mu.Lock()
	s.lifecycles[rec.Signal.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RecordFill(ctx context.Context, fill model.Fill) error {
	s.mu.Lock()
	s.fills = append(s.fills, fill)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RecordRejection(ctx context.Context, sig model.Signal, code, reason string) error {
	s.mu.Lock()
	s.rejections = append(s.rejections, rejectionRow{Signal: sig, Code: code, Reason: reason})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Lifecycle returns the recorded lifecycle for a signal id, if any.
func (s *MemoryStore) Lifecycle(signalID string) (model.LifecycleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.lifecycles[signalID]
	return rec, ok
}

// FillCount reports how many fills have been recorded.
func (s *MemoryStore) FillCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fills)
}

// RejectionCount reports how many risk rejections have been recorded.
func (s *MemoryStore) RejectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rejections)
}
