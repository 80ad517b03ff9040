package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/soypete/phraseguard/pkg/banned"
)

// Open returns the store for driver: "memory" or "postgres". A postgres
// store is migrated before it is returned.
func Open(ctx context.Context, driver, url string) (EventStore, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		pg, err := OpenPostgres(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// Recorder buffers mechanism events for one run. Observe is called from
// inside Process, so nothing is written until Flush.
type Recorder struct {
	store EventStore
	runID uuid.UUID

	flushMu sync.Mutex
	mu      sync.Mutex
	pending []banned.Event
}

// NewRecorder creates a recorder writing to runID in store.
func NewRecorder(store EventStore, runID uuid.UUID) *Recorder {
	return &Recorder{store: store, runID: runID}
}

// RunID returns the run the recorder writes to.
func (r *Recorder) RunID() uuid.UUID { return r.runID }

// Observe implements banned.Observer.
func (r *Recorder) Observe(e banned.Event) {
	r.mu.Lock()
	r.pending = append(r.pending, e)
	r.mu.Unlock()
}

// Pending returns the number of buffered events.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush appends the buffered events to the store. On failure the events
// stay buffered for the next Flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := slices.Clone(r.pending)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := r.store.AppendEvents(ctx, r.runID, batch); err != nil {
		return fmt.Errorf("flush %d events: %w", len(batch), err)
	}

	r.mu.Lock()
	r.pending = r.pending[len(batch):]
	r.mu.Unlock()
	return nil
}
