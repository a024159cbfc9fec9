// Package scripting runs user-supplied "ghost" tracers: small JavaScript
// programs that steer a cursor along a trail. Ghosts exercise the scoring
// engine the same way a player would, through the sampler and run state
// machine.
package scripting

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
)

// LogEntry represents a single log message from the script.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

const (
	scriptInitTimeout = 2 * time.Second
	scriptCallTimeout = 250 * time.Millisecond
)

// VM wraps a goja runtime with sandbox restrictions and global function injection.
type VM struct {
	runtime *goja.Runtime
	mu      sync.Mutex

	// CallTimeout bounds a single steer() call.
	CallTimeout time.Duration

	logs    []LogEntry
	logsMu  sync.Mutex
	maxLogs int
}

// NewVM creates a sandboxed goja runtime with global functions injected.
func NewVM() *VM {
	vm := &VM{
		runtime:     goja.New(),
		CallTimeout: scriptCallTimeout,
		maxLogs:     500,
	}
	vm.injectGlobalFunctions()
	injectConstants(vm.runtime)
	return vm
}

func (vm *VM) injectGlobalFunctions() {
	vm.runtime.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		vm.appendLog(strings.Join(parts, " "))
		return goja.Undefined()
	})

	console := vm.runtime.NewObject()
	console.Set("log", vm.runtime.Get("log"))
	vm.runtime.Set("console", console)

	// Math is already available in goja by default.
	vm.runtime.Set("require", goja.Undefined())
	vm.runtime.Set("fetch", goja.Undefined())
	vm.runtime.Set("XMLHttpRequest", goja.Undefined())
	vm.runtime.Set("eval", goja.Undefined())
	vm.runtime.Set("Function", goja.Undefined())
}

func injectConstants(rt *goja.Runtime) {
	rt.Set("GRID_WIDTH", books.GridWidth)
	rt.Set("GRID_HEIGHT", books.GridHeight)
	rt.Set("MAX_DIST", engine.MaxDist)
	rt.Set("SAMPLE_RATE", 20)
}

func (vm *VM) appendLog(msg string) {
	vm.logsMu.Lock()
	defer vm.logsMu.Unlock()
	if len(vm.logs) >= vm.maxLogs {
		vm.logs = vm.logs[1:]
	}
	vm.logs = append(vm.logs, LogEntry{Time: time.Now(), Message: msg})
}

// SetBook exposes the book metadata and its reference trail to the script
// as the globals book and trail.
func (vm *VM) SetBook(spec books.BookSpec, trail engine.Polyline) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	pts := make([]any, len(trail))
	for i, p := range trail {
		pts[i] = map[string]any{"x": p.X, "y": p.Y}
	}
	vm.runtime.Set("trail", pts)
	vm.runtime.Set("book", map[string]any{
		"id":         spec.ID,
		"name":       spec.Name,
		"difficulty": spec.Difficulty,
		"time_limit": spec.TimeLimitSeconds(),
	})
}

// Execute runs user script source code. It is called once per ghost to
// register steer() and optionally start.
func (vm *VM) Execute(source string) error {
	return vm.runWithTimeout(scriptInitTimeout, func() error {
		vm.mu.Lock()
		defer vm.mu.Unlock()
		if _, err := vm.runtime.RunString(source); err != nil {
			return fmt.Errorf("script execution error: %w", err)
		}
		return nil
	})
}

// HasSteer reports whether the script defined a steer() function.
func (vm *VM) HasSteer() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	_, ok := goja.AssertFunction(vm.runtime.Get("steer"))
	return ok
}

// StartPosition returns the script's start global, if it set one as
// {x, y} or [x, y].
func (vm *VM) StartPosition() (engine.Point, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	v := vm.runtime.Get("start")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return engine.Point{}, false
	}
	p, err := toPoint(v.Export())
	if err != nil {
		return engine.Point{}, false
	}
	return p, true
}

// CallSteer calls steer(t, x, y) with the elapsed time in seconds and the
// current position. It returns the requested velocity in grid units per
// second. A null or undefined return means the ghost is done.
func (vm *VM) CallSteer(t time.Duration, pos engine.Point) (engine.Point, bool, error) {
	var (
		vel  engine.Point
		done bool
	)
	err := vm.runWithTimeout(vm.CallTimeout, func() error {
		vm.mu.Lock()
		defer vm.mu.Unlock()

		fn := vm.runtime.Get("steer")
		if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
			return fmt.Errorf("steer() function is not defined")
		}
		callable, ok := goja.AssertFunction(fn)
		if !ok {
			return fmt.Errorf("steer is not a function")
		}

		result, err := callable(goja.Undefined(),
			vm.runtime.ToValue(t.Seconds()),
			vm.runtime.ToValue(pos.X),
			vm.runtime.ToValue(pos.Y),
		)
		if err != nil {
			return fmt.Errorf("steer() error: %w", err)
		}
		if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
			done = true
			return nil
		}
		vel, err = toPoint(result.Export())
		if err != nil {
			return fmt.Errorf("steer() returned %s: %w", result.String(), err)
		}
		return nil
	})
	return vel, done, err
}

// GetLogs returns a copy of the current log buffer.
func (vm *VM) GetLogs() []LogEntry {
	vm.logsMu.Lock()
	defer vm.logsMu.Unlock()
	out := make([]LogEntry, len(vm.logs))
	copy(out, vm.logs)
	return out
}

func (vm *VM) runWithTimeout(timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		timeout = scriptCallTimeout
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		vm.runtime.Interrupt("script execution timeout")
		select {
		case err := <-done:
			vm.runtime.ClearInterrupt()
			if err != nil {
				return fmt.Errorf("script timed out: %w", err)
			}
			return fmt.Errorf("script timed out")
		case <-time.After(200 * time.Millisecond):
			return fmt.Errorf("script timed out")
		}
	}
}

// toPoint accepts {x, y} objects and [x, y] arrays.
func toPoint(v any) (engine.Point, error) {
	switch t := v.(type) {
	case map[string]any:
		x, okx := toFloat(t["x"])
		y, oky := toFloat(t["y"])
		if !okx || !oky {
			return engine.Point{}, fmt.Errorf("expected numeric x and y")
		}
		return finitePoint(x, y)
	case []any:
		if len(t) != 2 {
			return engine.Point{}, fmt.Errorf("expected [x, y], got %d elements", len(t))
		}
		x, okx := toFloat(t[0])
		y, oky := toFloat(t[1])
		if !okx || !oky {
			return engine.Point{}, fmt.Errorf("expected numeric elements")
		}
		return finitePoint(x, y)
	default:
		return engine.Point{}, fmt.Errorf("expected {x, y} or [x, y]")
	}
}

func finitePoint(x, y float64) (engine.Point, error) {
	p := engine.Point{X: x, Y: y}
	if !p.Finite() {
		return engine.Point{}, fmt.Errorf("non-finite coordinate")
	}
	return p, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	default:
		return 0, false
	}
}
