package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
)

var (
	ErrRunNotFound = errors.New("session: run not found")
	ErrUnknownBook = errors.New("session: unknown book")
)

// Default sweep parameters.
const (
	DefaultGrace     = 5 * time.Second
	DefaultRetention = 10 * time.Minute
)

// Manager holds active runs by id.
type Manager struct {
	books *books.Registry
	now   func() time.Time

	// Grace is added to a book's time limit before a silent run is expired.
	Grace time.Duration
	// Retention is how long finished runs stay queryable.
	Retention time.Duration

	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
}

// NewManager creates a manager serving the books in reg.
func NewManager(reg *books.Registry) *Manager {
	return &Manager{
		books:     reg,
		now:       time.Now,
		Grace:     DefaultGrace,
		Retention: DefaultRetention,
		runs:      make(map[uuid.UUID]*Run),
	}
}

// Start creates a pending run for bookID.
func (m *Manager) Start(bookID string) (*Run, error) {
	book, ok := m.books.Get(bookID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBook, bookID)
	}
	r := newRun(uuid.New(), book, m.now)

	m.mu.Lock()
	m.runs[r.id] = r
	m.mu.Unlock()
	return r, nil
}

// Get returns the run with the given id.
func (m *Manager) Get(id uuid.UUID) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	return r, ok
}

// Observe forwards a position to the run with the given id.
func (m *Manager) Observe(id uuid.UUID, ts time.Duration, pos engine.Point) (Status, error) {
	r, ok := m.Get(id)
	if !ok {
		return Status{}, ErrRunNotFound
	}
	return r.Observe(ts, pos)
}

// ObserveBatch forwards a batch of positions to the run with the given id.
func (m *Manager) ObserveBatch(id uuid.UUID, obs []Observation) (Status, int, error) {
	r, ok := m.Get(id)
	if !ok {
		return Status{}, 0, ErrRunNotFound
	}
	return r.ObserveBatch(obs)
}

// Finish finishes the run with the given id.
func (m *Manager) Finish(id uuid.UUID, reason FinishReason) (Result, error) {
	r, ok := m.Get(id)
	if !ok {
		return Result{}, ErrRunNotFound
	}
	return r.Finish(reason)
}

// Remove drops a run from the manager.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	delete(m.runs, id)
	m.mu.Unlock()
}

// Len returns the number of tracked runs.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

// Sweep expires runs that outlived their book's time limit plus Grace and
// drops runs finished longer than Retention ago. It returns the results of
// runs it finished so the caller can persist them.
func (m *Manager) Sweep() []Result {
	now := m.now()

	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	var expired []Result
	var drop []uuid.UUID
	for _, r := range runs {
		if r.overdue(now, m.Grace) {
			if res, ok := r.expireWallClock(); ok {
				expired = append(expired, res)
			} else {
				drop = append(drop, r.id)
			}
			continue
		}
		if r.finishedBefore(now.Add(-m.Retention)) {
			drop = append(drop, r.id)
		}
	}

	if len(drop) > 0 {
		m.mu.Lock()
		for _, id := range drop {
			delete(m.runs, id)
		}
		m.mu.Unlock()
	}
	return expired
}
