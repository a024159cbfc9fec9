package session

import (
	"errors"
	"time"

	"github.com/dbs2/ashtrail/internal/engine"
)

// SampleRate is how many positions per second are recorded into the player
// polyline.
const SampleRate = 20

// SampleInterval is the accumulator threshold derived from SampleRate.
const SampleInterval = time.Second / SampleRate

var (
	ErrOutOfOrder = errors.New("session: position timestamp is earlier than the previous one")
	ErrNonFinite  = errors.New("session: position has non-finite coordinates")
)

// Sampler turns a stream of timestamped positions into a player polyline at
// SampleRate. Elapsed time accumulates across observations; once it reaches
// SampleInterval the current position is appended and the accumulator resets
// to zero, dropping any remainder.
type Sampler struct {
	interval time.Duration
	acc      time.Duration
	last     time.Duration
	started  bool
	path     engine.Polyline
}

// NewSampler returns a sampler using SampleInterval.
func NewSampler() *Sampler {
	return &Sampler{interval: SampleInterval}
}

// Start clears any previous samples and records pos as the first sample.
func (s *Sampler) Start(ts time.Duration, pos engine.Point) error {
	if !pos.Finite() {
		return ErrNonFinite
	}
	s.acc = 0
	s.last = ts
	s.started = true
	s.path = append(s.path[:0:0], pos)
	return nil
}

// Observe feeds a position seen at timestamp ts. The first observation of an
// unstarted sampler starts it.
func (s *Sampler) Observe(ts time.Duration, pos engine.Point) (bool, error) {
	if !s.started {
		return true, s.Start(ts, pos)
	}
	if ts < s.last {
		return false, ErrOutOfOrder
	}
	return s.Advance(ts-s.last, pos)
}

// Advance moves the sampler's clock forward by dt with the player at pos and
// reports whether a sample was appended.
func (s *Sampler) Advance(dt time.Duration, pos engine.Point) (bool, error) {
	if dt < 0 {
		return false, ErrOutOfOrder
	}
	if !pos.Finite() {
		return false, ErrNonFinite
	}
	if !s.started {
		return true, s.Start(dt, pos)
	}

	s.last += dt
	s.acc += dt
	if s.acc < s.interval {
		return false, nil
	}
	s.path = append(s.path, pos)
	s.acc = 0
	return true, nil
}

// Last returns the timestamp of the latest observation and whether the
// sampler has started.
func (s *Sampler) Last() (time.Duration, bool) {
	return s.last, s.started
}

// Len returns the number of recorded samples.
func (s *Sampler) Len() int {
	return len(s.path)
}

// Path returns a copy of the recorded polyline.
func (s *Sampler) Path() engine.Polyline {
	return s.path.Clone()
}
