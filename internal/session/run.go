package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
)

// State is the lifecycle stage of a run.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// FinishReason records why a run stopped.
type FinishReason string

const (
	ReasonCompleted FinishReason = "completed"
	ReasonTimeout   FinishReason = "timeout"
	ReasonAborted   FinishReason = "aborted"
)

var (
	ErrNotRunning      = errors.New("session: run is not running")
	ErrAlreadyStarted  = errors.New("session: run already started")
	ErrAlreadyFinished = errors.New("session: run already finished")
)

// Result is the frozen outcome of a finished run.
type Result struct {
	RunID      uuid.UUID        `json:"run_id"`
	BookID     string           `json:"book_id"`
	Reason     FinishReason     `json:"reason"`
	Score      int              `json:"score"`
	Breakdown  engine.Breakdown `json:"breakdown"`
	Samples    int              `json:"samples"`
	Elapsed    time.Duration    `json:"elapsed_ns"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Status is a point-in-time view of a run.
type Status struct {
	ID      uuid.UUID     `json:"id"`
	BookID  string        `json:"book_id"`
	State   State         `json:"state"`
	Samples int           `json:"samples"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Result  *Result       `json:"result,omitempty"`
}

// Run owns the sampled player polyline of one attempt at a book. All
// methods are safe for concurrent use.
type Run struct {
	id        uuid.UUID
	book      books.BookSpec
	reference engine.Polyline
	createdAt time.Time
	now       func() time.Time

	mu        sync.Mutex
	state     State
	sampler   *Sampler
	startTS   time.Duration
	elapsed   time.Duration
	startedAt time.Time
	player    engine.Polyline
	result    *Result
}

// NewRun creates a pending run against book.
func NewRun(id uuid.UUID, book books.Book) *Run {
	return newRun(id, book, time.Now)
}

func newRun(id uuid.UUID, book books.Book, now func() time.Time) *Run {
	return &Run{
		id:        id,
		book:      book.Spec(),
		reference: book.Trail(),
		createdAt: now(),
		now:       now,
		state:     StatePending,
		sampler:   NewSampler(),
	}
}

func (r *Run) ID() uuid.UUID { return r.id }

func (r *Run) Book() books.BookSpec { return r.book }

// Reference returns a copy of the run's reference trail.
func (r *Run) Reference() engine.Polyline { return r.reference.Clone() }

// Begin starts the run with the player at pos at timestamp ts.
func (r *Run) Begin(ts time.Duration, pos engine.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beginLocked(ts, pos)
}

func (r *Run) beginLocked(ts time.Duration, pos engine.Point) error {
	switch r.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateFinished:
		return ErrAlreadyFinished
	}
	if err := r.sampler.Start(ts, pos); err != nil {
		return err
	}
	r.state = StateRunning
	r.startTS = ts
	r.startedAt = r.now()
	return nil
}

// Observe records the player at pos at timestamp ts. The first observation
// of a pending run begins it. An observation past the book's time limit is
// not sampled; it finishes the run with ReasonTimeout instead.
func (r *Run) Observe(ts time.Duration, pos engine.Point) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.observeLocked(ts, pos)
	return r.statusLocked(), err
}

// Observation is one timestamped player position.
type Observation struct {
	TS  time.Duration
	Pos engine.Point
}

// ObserveBatch applies obs in order as one unit. The whole batch is checked
// against the run's clock before anything is recorded, so an ordering or
// coordinate error leaves the run untouched. Applying stops once the run
// finishes; applied counts the observations that were recorded.
func (r *Run) ObserveBatch(obs []Observation) (st Status, applied int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateFinished {
		return r.statusLocked(), 0, ErrAlreadyFinished
	}
	last, started := r.sampler.Last()
	for i, o := range obs {
		if !o.Pos.Finite() {
			return r.statusLocked(), 0, ErrNonFinite
		}
		if (i > 0 && o.TS < obs[i-1].TS) || (i == 0 && started && o.TS < last) {
			return r.statusLocked(), 0, ErrOutOfOrder
		}
	}

	for _, o := range obs {
		ok, err := r.observeLocked(o.TS, o.Pos)
		if err != nil {
			return r.statusLocked(), applied, err
		}
		if ok {
			applied++
		}
		if r.state == StateFinished {
			break
		}
	}
	return r.statusLocked(), applied, nil
}

// observeLocked reports whether the position was recorded.
func (r *Run) observeLocked(ts time.Duration, pos engine.Point) (bool, error) {
	switch r.state {
	case StatePending:
		if err := r.beginLocked(ts, pos); err != nil {
			return false, err
		}
		return true, nil
	case StateFinished:
		return false, ErrAlreadyFinished
	}

	if !pos.Finite() {
		return false, ErrNonFinite
	}
	if last, _ := r.sampler.Last(); ts < last {
		return false, ErrOutOfOrder
	}
	elapsed := ts - r.startTS
	if r.overLimit(elapsed) {
		r.elapsed = elapsed
		r.finishLocked(ReasonTimeout)
		return false, nil
	}
	if _, err := r.sampler.Observe(ts, pos); err != nil {
		return false, err
	}
	r.elapsed = elapsed
	return true, nil
}

// Tick advances a running run by dt with the player at pos. A tick that
// crosses the time limit finishes the run without being sampled.
func (r *Run) Tick(dt time.Duration, pos engine.Point) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StatePending:
		return r.statusLocked(), ErrNotRunning
	case StateFinished:
		return r.statusLocked(), ErrAlreadyFinished
	}

	if dt < 0 {
		return r.statusLocked(), ErrOutOfOrder
	}
	if !pos.Finite() {
		return r.statusLocked(), ErrNonFinite
	}
	if r.overLimit(r.elapsed + dt) {
		r.elapsed += dt
		r.finishLocked(ReasonTimeout)
		return r.statusLocked(), nil
	}
	if _, err := r.sampler.Advance(dt, pos); err != nil {
		return r.statusLocked(), err
	}
	r.elapsed += dt
	return r.statusLocked(), nil
}

func (r *Run) overLimit(elapsed time.Duration) bool {
	return r.book.TimeLimit > 0 && elapsed > r.book.TimeLimit
}

// Finish freezes the player polyline and scores it. Finishing a run twice
// returns the first result together with ErrAlreadyFinished.
func (r *Run) Finish(reason FinishReason) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StatePending:
		return Result{}, ErrNotRunning
	case StateFinished:
		return *r.result, ErrAlreadyFinished
	}
	r.finishLocked(reason)
	return *r.result, nil
}

func (r *Run) finishLocked(reason FinishReason) {
	r.player = r.sampler.Path()
	b := engine.Evaluate(r.reference, r.player)
	r.result = &Result{
		RunID:      r.id,
		BookID:     r.book.ID,
		Reason:     reason,
		Score:      b.Score,
		Breakdown:  b,
		Samples:    len(r.player),
		Elapsed:    r.elapsed,
		FinishedAt: r.now(),
	}
	r.state = StateFinished
}

// State returns the current lifecycle stage.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns a snapshot of the run.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Run) statusLocked() Status {
	st := Status{
		ID:      r.id,
		BookID:  r.book.ID,
		State:   r.state,
		Samples: r.sampler.Len(),
		Elapsed: r.elapsed,
	}
	if r.result != nil {
		res := *r.result
		st.Result = &res
	}
	return st
}

// PlayerPath returns a copy of the samples recorded so far, or the frozen
// polyline once finished.
func (r *Run) PlayerPath() engine.Polyline {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateFinished {
		return r.player.Clone()
	}
	return r.sampler.Path()
}

// Result returns the result of a finished run.
func (r *Run) Result() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return Result{}, false
	}
	return *r.result, true
}

// overdue reports whether the run has outlived its time limit by wall clock,
// for clients that stop sending positions.
func (r *Run) overdue(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StatePending:
		return now.Sub(r.createdAt) > r.book.TimeLimit+grace
	case StateRunning:
		return r.book.TimeLimit > 0 && now.Sub(r.startedAt) > r.book.TimeLimit+grace
	}
	return false
}

// expireWallClock finishes a running run with ReasonTimeout. Pending runs
// have nothing to score and are only reported as expired.
func (r *Run) expireWallClock() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return Result{}, false
	}
	r.finishLocked(ReasonTimeout)
	return *r.result, true
}

func (r *Run) finishedBefore(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result != nil && r.result.FinishedAt.Before(cutoff)
}
