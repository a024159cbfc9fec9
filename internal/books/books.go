package books

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbs2/ashtrail/internal/engine"
)

// Grid dimensions, in logical units, shared by every generator.
const (
	GridWidth  = 24.0
	GridHeight = 24.0
)

// Book is one selectable trail.
type Book interface {
	// Spec returns the book's metadata.
	Spec() BookSpec

	// Trail returns a copy of the reference polyline.
	Trail() engine.Polyline
}

// BookSpec describes a book.
type BookSpec struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Difficulty int             `json:"difficulty"`
	Points     int             `json:"points"`
	TimeLimit  time.Duration   `json:"-"`
	Reward     decimal.Decimal `json:"reward"`
}

// TimeLimitSeconds is the time limit as a float for JSON consumers.
func (s BookSpec) TimeLimitSeconds() float64 {
	return s.TimeLimit.Seconds()
}

// Override replaces selected metadata of a registered book. Zero fields are
// left unchanged.
type Override struct {
	Name      string
	TimeLimit time.Duration
	Reward    *decimal.Decimal
}

// generated is a book whose trail is produced once by gen and then cached.
type generated struct {
	spec BookSpec

	once  sync.Once
	gen   func() engine.Polyline
	trail engine.Polyline
}

func newGenerated(spec BookSpec, gen func() engine.Polyline) *generated {
	return &generated{spec: spec, gen: gen}
}

func (g *generated) Spec() BookSpec {
	g.once.Do(g.build)
	spec := g.spec
	spec.Points = len(g.trail)
	return spec
}

func (g *generated) Trail() engine.Polyline {
	g.once.Do(g.build)
	return g.trail.Clone()
}

func (g *generated) build() {
	g.trail = g.gen()
}

// overridden wraps a book with replacement metadata.
type overridden struct {
	Book
	spec BookSpec
}

func (o *overridden) Spec() BookSpec {
	return o.spec
}

// Registry holds the books available to a service.
type Registry struct {
	mu    sync.RWMutex
	books map[string]Book
}

// NewRegistry creates a registry holding books.
func NewRegistry(books ...Book) *Registry {
	r := &Registry{books: make(map[string]Book, len(books))}
	for _, b := range books {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a book.
func (r *Registry) Register(b Book) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books[b.Spec().ID] = b
}

// Get returns the book with the given id.
func (r *Registry) Get(id string) (Book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[id]
	return b, ok
}

// List returns the specs of every registered book ordered by difficulty.
func (r *Registry) List() []BookSpec {
	r.mu.RLock()
	specs := make([]BookSpec, 0, len(r.books))
	for _, b := range r.books {
		specs = append(specs, b.Spec())
	}
	r.mu.RUnlock()

	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Difficulty != specs[j].Difficulty {
			return specs[i].Difficulty < specs[j].Difficulty
		}
		return specs[i].ID < specs[j].ID
	})
	return specs
}

// Apply replaces book metadata. Unknown ids are an error and leave the
// registry untouched.
func (r *Registry) Apply(overrides map[string]Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range overrides {
		if _, ok := r.books[id]; !ok {
			return fmt.Errorf("books: override for unknown book %q", id)
		}
	}
	for id, ov := range overrides {
		b := r.books[id]
		spec := b.Spec()
		if ov.Name != "" {
			spec.Name = ov.Name
		}
		if ov.TimeLimit > 0 {
			spec.TimeLimit = ov.TimeLimit
		}
		if ov.Reward != nil {
			spec.Reward = *ov.Reward
		}
		if inner, ok := b.(*overridden); ok {
			b = inner.Book
		}
		r.books[id] = &overridden{Book: b, spec: spec}
	}
	return nil
}

var defaultRegistry = NewRegistry(Wave(), Cross(), Heart())

// Default returns the process-wide registry of built-in books.
func Default() *Registry {
	return defaultRegistry
}

// Get returns a built-in book by id.
func Get(id string) (Book, bool) {
	return defaultRegistry.Get(id)
}

// List returns the specs of the built-in books.
func List() []BookSpec {
	return defaultRegistry.List()
}
