package session

import (
	"context"
	"errors"
	"time"

	"github.com/dbs2/ashtrail/internal/engine"
)

// DefaultTickRate is the host frame rate used when a Loop has none set.
const DefaultTickRate = 60

// PositionSource supplies the player's position once per tick.
type PositionSource interface {
	// Start returns the position the run begins at.
	Start() engine.Point

	// Next advances the source by dt and returns the new position. done
	// reports that the player has finished the trail.
	Next(ctx context.Context, dt time.Duration) (pos engine.Point, done bool, err error)
}

// Loop drives a run from a PositionSource at a fixed tick rate.
type Loop struct {
	// TickRate is the number of ticks per second.
	TickRate int

	// Realtime paces ticks with a wall-clock ticker. Otherwise ticks run
	// back to back with simulated time.
	Realtime bool

	// MaxTicks bounds a run whose book has no time limit. Zero means no
	// bound.
	MaxTicks int
}

// Drive begins run at the source's start position and ticks it until the
// source is done, the run times out or ctx is cancelled. A cancelled run is
// finished with ReasonAborted and the context error is returned alongside
// its result.
func (l Loop) Drive(ctx context.Context, run *Run, src PositionSource) (Result, error) {
	rate := l.TickRate
	if rate <= 0 {
		rate = DefaultTickRate
	}
	dt := time.Second / time.Duration(rate)

	if err := run.Begin(0, src.Start()); err != nil {
		return Result{}, err
	}

	var ticks <-chan time.Time
	if l.Realtime {
		ticker := time.NewTicker(dt)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for n := 1; ; n++ {
		if ticks != nil {
			select {
			case <-ctx.Done():
				return l.abort(ctx, run)
			case <-ticks:
			}
		} else if ctx.Err() != nil {
			return l.abort(ctx, run)
		}

		pos, done, err := src.Next(ctx, dt)
		if err != nil {
			res, _ := run.Finish(ReasonAborted)
			return res, err
		}

		st, err := run.Tick(dt, pos)
		if err != nil {
			if errors.Is(err, ErrAlreadyFinished) {
				res, _ := run.Result()
				return res, nil
			}
			res, _ := run.Finish(ReasonAborted)
			return res, err
		}
		if st.State == StateFinished {
			return *st.Result, nil
		}
		if done || (l.MaxTicks > 0 && n >= l.MaxTicks) {
			res, err := run.Finish(ReasonCompleted)
			if errors.Is(err, ErrAlreadyFinished) {
				err = nil
			}
			return res, err
		}
	}
}

func (l Loop) abort(ctx context.Context, run *Run) (Result, error) {
	res, err := run.Finish(ReasonAborted)
	if err != nil && !errors.Is(err, ErrAlreadyFinished) {
		return res, err
	}
	return res, ctx.Err()
}
