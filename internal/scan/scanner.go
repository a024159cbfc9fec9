// Package scan re-scores stored runs against the current trails.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
	"github.com/dbs2/ashtrail/internal/reward"
	"github.com/dbs2/ashtrail/internal/store"
)

// Store is the persistence a Scanner needs.
type Store interface {
	RunsForBook(ctx context.Context, bookID string, limit int) ([]store.Run, error)
	UpdateScore(ctx context.Context, id string, u store.ScoreUpdate) error
	SaveRescan(ctx context.Context, rescan *store.Rescan, hits []store.RescanHit) error
}

// RescoreRequest represents a batch re-score request
type RescoreRequest struct {
	BookID     string   `json:"book_id,omitempty"`
	TargetOp   TargetOp `json:"target_op"`
	TargetVal  int      `json:"target_val"`
	TargetVal2 int      `json:"target_val2,omitempty"` // for "between" and "outside"
	Limit      int      `json:"limit,omitempty"`
	MaxRuns    int      `json:"max_runs,omitempty"`
	TimeoutMs  int      `json:"timeout_ms,omitempty"`
	Apply      bool     `json:"apply,omitempty"`
}

// Hit is a run whose new score matches the target.
type Hit struct {
	RunID    string `json:"run_id"`
	BookID   string `json:"book_id"`
	OldScore int    `json:"old_score"`
	NewScore int    `json:"new_score"`
}

// Summary contains aggregate statistics over every evaluated run.
type Summary struct {
	TotalEvaluated int     `json:"total_evaluated"`
	Skipped        int     `json:"skipped"`
	HitsFound      int     `json:"hits_found"`
	Changed        int     `json:"changed"`
	Applied        int     `json:"applied"`
	MinScore       int     `json:"min_score"`
	MaxScore       int     `json:"max_score"`
	MeanScore      float64 `json:"mean_score"`
	TimedOut       bool    `json:"timed_out,omitempty"`
}

// RescoreResult contains the complete re-score results
type RescoreResult struct {
	ID            string         `json:"id"`
	Hits          []Hit          `json:"hits"`
	Summary       Summary        `json:"summary"`
	EngineVersion string         `json:"engine_version"`
	Echo          RescoreRequest `json:"echo"`
}

// outcome is one evaluated run.
type outcome struct {
	run       store.Run
	breakdown engine.Breakdown
}

// Scanner re-scores stored runs across a worker pool.
type Scanner struct {
	workerCount   int
	store         Store
	books         *books.Registry
	schedule      reward.Schedule
	engineVersion string
}

// NewScanner creates a scanner. workers <= 0 uses GOMAXPROCS.
func NewScanner(st Store, reg *books.Registry, schedule reward.Schedule, engineVersion string, workers int) *Scanner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Scanner{
		workerCount:   workers,
		store:         st,
		books:         reg,
		schedule:      schedule,
		engineVersion: engineVersion,
	}
}

// Rescore evaluates stored runs against the current trails, collects the
// runs whose new score matches the target and records the rescan. With
// Apply set, changed scores are written back.
func (s *Scanner) Rescore(ctx context.Context, req RescoreRequest) (*RescoreResult, error) {
	evaluator, err := NewTargetEvaluator(req.TargetOp, req.TargetVal, req.TargetVal2)
	if err != nil {
		return nil, err
	}
	if req.BookID != "" {
		if _, ok := s.books.Get(req.BookID); !ok {
			return nil, fmt.Errorf("%w: %q", ErrBookNotFound, req.BookID)
		}
	}

	// Persistence must outlive the scan timeout.
	persistCtx := context.WithoutCancel(ctx)

	runs, err := s.store.RunsForBook(ctx, req.BookID, req.MaxRuns)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	trails := make(map[string]engine.Polyline)
	for _, spec := range s.books.List() {
		b, _ := s.books.Get(spec.ID)
		trails[spec.ID] = b.Trail()
	}

	jobs := make(chan store.Run, s.workerCount*2)
	results := make(chan outcome, s.workerCount*2)
	var skipped int64
	var wg sync.WaitGroup

	for i := 0; i < s.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case run, ok := <-jobs:
					if !ok {
						return
					}
					trail, ok := trails[run.BookID]
					if !ok {
						atomic.AddInt64(&skipped, 1)
						continue
					}
					b := engine.Evaluate(trail, run.Path)
					select {
					case results <- outcome{run: run, breakdown: b}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, run := range runs {
			select {
			case jobs <- run:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var outcomes []outcome
	timedOut := false
collect:
	for {
		select {
		case o, ok := <-results:
			if !ok {
				break collect
			}
			outcomes = append(outcomes, o)
		case <-ctx.Done():
			timedOut = true
			break collect
		}
	}

	// Workers run in any order; report in stored order.
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].run.CreatedAt.Before(outcomes[j].run.CreatedAt)
	})

	result := &RescoreResult{
		Hits:          []Hit{},
		EngineVersion: s.engineVersion,
		Echo:          req,
	}
	summary := &result.Summary
	summary.TotalEvaluated = len(outcomes)
	summary.Skipped = int(atomic.LoadInt64(&skipped))
	summary.TimedOut = timedOut

	var sum int
	for i, o := range outcomes {
		score := o.breakdown.Score
		if i == 0 || score < summary.MinScore {
			summary.MinScore = score
		}
		if i == 0 || score > summary.MaxScore {
			summary.MaxScore = score
		}
		sum += score

		if score != o.run.Score {
			summary.Changed++
			if req.Apply {
				if err := s.apply(persistCtx, o); err != nil {
					return nil, err
				}
				summary.Applied++
			}
		}

		if evaluator.Matches(score) && (req.Limit <= 0 || len(result.Hits) < req.Limit) {
			result.Hits = append(result.Hits, Hit{
				RunID:    o.run.ID,
				BookID:   o.run.BookID,
				OldScore: o.run.Score,
				NewScore: score,
			})
		}
	}
	summary.HitsFound = len(result.Hits)
	if len(outcomes) > 0 {
		summary.MeanScore = float64(sum) / float64(len(outcomes))
	}

	rescan, hits := s.record(req, result, sum)
	if err := s.store.SaveRescan(persistCtx, rescan, hits); err != nil {
		return nil, fmt.Errorf("save rescan: %w", err)
	}
	result.ID = rescan.ID
	return result, nil
}

func (s *Scanner) apply(ctx context.Context, o outcome) error {
	spec := books.BookSpec{ID: o.run.BookID}
	if b, ok := s.books.Get(o.run.BookID); ok {
		spec = b.Spec()
	}
	r := s.schedule.For(spec, o.breakdown.Score)
	breakdown, err := json.Marshal(o.breakdown)
	if err != nil {
		return fmt.Errorf("encode breakdown: %w", err)
	}
	err = s.store.UpdateScore(ctx, o.run.ID, store.ScoreUpdate{
		Score:         o.breakdown.Score,
		Tier:          string(r.Tier),
		Reward:        r.Amount,
		BreakdownJSON: string(breakdown),
		EngineVersion: s.engineVersion,
	})
	if err != nil {
		return fmt.Errorf("update run %s: %w", o.run.ID, err)
	}
	return nil
}

func (s *Scanner) record(req RescoreRequest, result *RescoreResult, sum int) (*store.Rescan, []store.RescanHit) {
	sm := result.Summary
	rescan := &store.Rescan{
		BookID:         req.BookID,
		TargetOp:       string(req.TargetOp),
		TargetVal:      float64(req.TargetVal),
		TargetVal2:     float64(req.TargetVal2),
		HitLimit:       req.Limit,
		TimedOut:       sm.TimedOut,
		TotalEvaluated: sm.TotalEvaluated,
		HitCount:       sm.HitsFound,
		ChangedCount:   sm.Changed,
		SummaryCount:   sm.TotalEvaluated,
		EngineVersion:  s.engineVersion,
	}
	if sm.TotalEvaluated > 0 {
		lo, hi, total := sm.MinScore, sm.MaxScore, sum
		rescan.SummaryMin = &lo
		rescan.SummaryMax = &hi
		rescan.SummarySum = &total
	}

	hits := make([]store.RescanHit, len(result.Hits))
	for i, h := range result.Hits {
		hits[i] = store.RescanHit{RunID: h.RunID, OldScore: h.OldScore, NewScore: h.NewScore}
	}
	return rescan, hits
}
