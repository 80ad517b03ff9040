// Package store persists banned phrase mechanism runs and the events they
// produce. PostgreSQL is used in deployments; the in-memory store backs tests
// and one-off CLI runs.
package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soypete/phraseguard/pkg/banned"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run describes one mechanism instance: a generation batch or a server
// session.
type Run struct {
	ID        uuid.UUID `json:"id"`
	Label     string    `json:"label,omitempty"`
	Epsilon   float64   `json:"epsilon"`
	BatchSize int       `json:"batch_size"`
	Phrases   [][]int   `json:"phrases"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRun creates a run for a mechanism with a fresh id.
func NewRun(label string, m *banned.Mechanism) *Run {
	return &Run{
		ID:        uuid.New(),
		Label:     label,
		Epsilon:   m.Epsilon(),
		BatchSize: m.BatchSize(),
		Phrases:   m.Phrases().Phrases(),
		CreatedAt: time.Now().UTC(),
	}
}

// EventRecord is a stored event with its position in the run.
type EventRecord struct {
	RunID uuid.UUID    `json:"run_id"`
	Seq   int64        `json:"seq"`
	Event banned.Event `json:"event"`
}

// EventStore persists runs and their events. Events of a run keep the
// order they were appended in.
type EventStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	AppendEvents(ctx context.Context, runID uuid.UUID, events []banned.Event) error
	ListEvents(ctx context.Context, runID uuid.UUID) ([]EventRecord, error)
	Close() error
}

// MemoryStore is an EventStore held in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]*Run
	events map[uuid.UUID][]EventRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[uuid.UUID]*Run),
		events: make(map[uuid.UUID][]EventRecord),
	}
}

func (s *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	cp.Phrases = clonePhrases(run.Phrases)
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	cp.Phrases = clonePhrases(run.Phrases)
	return &cp, nil
}

func (s *MemoryStore) AppendEvents(_ context.Context, runID uuid.UUID, events []banned.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrRunNotFound
	}
	next := int64(len(s.events[runID]))
	for _, e := range events {
		next++
		s.events[runID] = append(s.events[runID], EventRecord{RunID: runID, Seq: next, Event: e})
	}
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, runID uuid.UUID) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}
	return slices.Clone(s.events[runID]), nil
}

func (s *MemoryStore) Close() error { return nil }

func clonePhrases(p [][]int) [][]int {
	out := make([][]int, len(p))
	for i, ph := range p {
		out[i] = slices.Clone(ph)
	}
	return out
}
