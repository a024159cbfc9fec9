package scripting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
	"github.com/dbs2/ashtrail/internal/session"
)

// DefaultMaxSpeed caps a ghost's speed, in grid units per second.
const DefaultMaxSpeed = 8.0

// ErrNoSteer is returned when a script does not define steer().
var ErrNoSteer = errors.New("scripting: script must define steer(t, x, y)")

// Ghost is a session.PositionSource driven by a script's steer() function.
// Positions are integrated from the returned velocity and kept inside the
// grid.
type Ghost struct {
	vm       *VM
	start    engine.Point
	pos      engine.Point
	elapsed  time.Duration
	maxSpeed float64
}

// NewGhost creates a ghost at start. maxSpeed <= 0 uses DefaultMaxSpeed.
func NewGhost(vm *VM, start engine.Point, maxSpeed float64) *Ghost {
	if maxSpeed <= 0 {
		maxSpeed = DefaultMaxSpeed
	}
	start = clampToGrid(start)
	return &Ghost{vm: vm, start: start, pos: start, maxSpeed: maxSpeed}
}

// Start implements session.PositionSource.
func (g *Ghost) Start() engine.Point { return g.start }

// Next implements session.PositionSource.
func (g *Ghost) Next(ctx context.Context, dt time.Duration) (engine.Point, bool, error) {
	if err := ctx.Err(); err != nil {
		return g.pos, false, err
	}
	vel, done, err := g.vm.CallSteer(g.elapsed, g.pos)
	if err != nil {
		return g.pos, false, err
	}
	g.elapsed += dt
	if done {
		return g.pos, true, nil
	}

	if speed := math.Hypot(vel.X, vel.Y); speed > g.maxSpeed {
		scale := g.maxSpeed / speed
		vel.X *= scale
		vel.Y *= scale
	}
	secs := dt.Seconds()
	g.pos = clampToGrid(engine.Point{X: g.pos.X + vel.X*secs, Y: g.pos.Y + vel.Y*secs})
	return g.pos, false, nil
}

// Position returns the ghost's current position.
func (g *Ghost) Position() engine.Point { return g.pos }

func clampToGrid(p engine.Point) engine.Point {
	return engine.Point{
		X: math.Min(math.Max(p.X, 0), books.GridWidth),
		Y: math.Min(math.Max(p.Y, 0), books.GridHeight),
	}
}

// GhostResult is the outcome of one ghost run.
type GhostResult struct {
	Result session.Result  `json:"result"`
	Path   engine.Polyline `json:"path"`
	Logs   []LogEntry      `json:"logs"`
	Book   books.BookSpec  `json:"book"`
}

// Runner scores ghost scripts against books.
type Runner struct {
	// Loop drives each ghost. Its zero value simulates 60 Hz ticks without
	// wall-clock pacing.
	Loop session.Loop

	// MaxSpeed caps ghost speed. Zero uses DefaultMaxSpeed.
	MaxSpeed float64

	// CallTimeout bounds each steer() call. Zero uses the VM default.
	CallTimeout time.Duration
}

// Run executes source against book and returns the scored run. The ghost
// starts at the script's start global when set, otherwise at the first
// reference point.
func (r Runner) Run(ctx context.Context, book books.Book, source string) (*GhostResult, error) {
	spec := book.Spec()
	trail := book.Trail()

	vm := NewVM()
	if r.CallTimeout > 0 {
		vm.CallTimeout = r.CallTimeout
	}
	vm.SetBook(spec, trail)
	if err := vm.Execute(source); err != nil {
		return nil, err
	}
	if !vm.HasSteer() {
		return nil, ErrNoSteer
	}

	start, ok := vm.StartPosition()
	if !ok {
		if len(trail) == 0 {
			return nil, fmt.Errorf("scripting: book %s has an empty trail", spec.ID)
		}
		start = trail[0]
	}

	loop := r.Loop
	if spec.TimeLimit <= 0 && loop.MaxTicks == 0 {
		// A book without a time limit still needs a bound on a ghost that
		// never returns null.
		rate := loop.TickRate
		if rate <= 0 {
			rate = session.DefaultTickRate
		}
		loop.MaxTicks = rate * 120
	}

	run := session.NewRun(uuid.New(), book)
	res, err := loop.Drive(ctx, run, NewGhost(vm, start, r.MaxSpeed))
	out := &GhostResult{
		Result: res,
		Path:   run.PlayerPath(),
		Logs:   vm.GetLogs(),
		Book:   spec,
	}
	if err != nil {
		return out, fmt.Errorf("scripting: ghost aborted: %w", err)
	}
	return out, nil
}
