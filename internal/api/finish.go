package api

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dbs2/ashtrail/internal/archive"
	"github.com/dbs2/ashtrail/internal/backend"
	"github.com/dbs2/ashtrail/internal/books"
	"github.com/dbs2/ashtrail/internal/engine"
	"github.com/dbs2/ashtrail/internal/reward"
	"github.com/dbs2/ashtrail/internal/session"
	"github.com/dbs2/ashtrail/internal/store"
)

func (s *Server) setOwner(id uuid.UUID, playerID string) {
	s.ownersMu.Lock()
	s.owners[id] = playerID
	s.ownersMu.Unlock()
}

// takeOwner claims the right to finalize a run. Only the first caller for
// a given run gets ok.
func (s *Server) takeOwner(id uuid.UUID) (playerID string, ok bool) {
	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()
	playerID, ok = s.owners[id]
	delete(s.owners, id)
	return playerID, ok
}

// finalize runs the finish pipeline for a scored run: reward, persist,
// report to the backend, archive. Backend and archive failures are logged
// and recorded on the response; they never undo the result. It returns
// false when the run was already finalized by another caller.
func (s *Server) finalize(ctx context.Context, requestID string, res session.Result) (*FinishResponse, bool) {
	playerID, ok := s.takeOwner(res.RunID)
	if !ok {
		return nil, false
	}

	var (
		spec books.BookSpec
		path engine.Polyline
	)
	if run, found := s.sessions.Get(res.RunID); found {
		spec = run.Book()
		path = run.PlayerPath()
	} else if b, found := s.books.Get(res.BookID); found {
		spec = b.Spec()
	}

	rw := s.schedule.For(spec, res.Score)
	resp := &FinishResponse{
		Result:        res,
		Reward:        rw,
		PlayerID:      playerID,
		EngineVersion: EngineVersion,
	}

	// The pipeline must finish even if the client that ended the run has
	// gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.reportTimeout)
	defer cancel()

	breakdown, err := json.Marshal(res.Breakdown)
	if err != nil {
		breakdown = []byte("{}")
	}
	rec := &store.Run{
		ID:            res.RunID.String(),
		BookID:        res.BookID,
		PlayerID:      playerID,
		Reason:        string(res.Reason),
		Score:         res.Score,
		Tier:          string(rw.Tier),
		Reward:        rw.Amount,
		Samples:       res.Samples,
		ElapsedMS:     res.Elapsed.Milliseconds(),
		BreakdownJSON: string(breakdown),
		Path:          path,
		EngineVersion: EngineVersion,
		CreatedAt:     res.FinishedAt,
	}

	if s.db == nil {
		s.logger.Printf("run_persist_skipped run_id=%s reason=no_database", rec.ID)
		s.audit.LogRunFinished(requestID, resp)
		return resp, true
	}
	if err := s.db.SaveRun(ctx, rec); err != nil {
		s.logger.Printf("run_persist_failed request_id=%s run_id=%s err=%v", requestID, rec.ID, err)
		s.audit.LogRunFinished(requestID, resp)
		return resp, true
	}
	resp.Persisted = true

	if attempted, reportErr := s.report(ctx, rec, rw); attempted {
		resp.Reported = reportErr == ""
		resp.ReportError = reportErr
		if err := s.db.MarkReported(ctx, rec.ID, reportErr); err != nil {
			s.logger.Printf("run_mark_reported_failed run_id=%s err=%v", rec.ID, err)
		}
	}

	resp.ArchiveKey = s.archiveRun(ctx, rec, res.Breakdown)

	s.audit.LogRunFinished(requestID, resp)
	return resp, true
}

// report submits the score and credits the reward. It does nothing for
// anonymous runs or when no backend is configured.
func (s *Server) report(ctx context.Context, rec *store.Run, rw reward.Reward) (attempted bool, reportErr string) {
	if s.backend == nil || !s.backend.Configured() || rec.PlayerID == "" {
		return false, ""
	}

	_, err := s.backend.SubmitScore(ctx, backend.ScoreSubmission{
		PlayerID: rec.PlayerID,
		Book:     rec.BookID,
		Score:    rec.Score,
		RunID:    rec.ID,
	})
	if err != nil {
		s.logger.Printf("backend_submit_failed run_id=%s err=%v", rec.ID, err)
		return true, "submit score: " + err.Error()
	}

	if rw.Amount.IsPositive() {
		_, err := s.backend.AddCrypto(ctx, rec.PlayerID, backend.CryptoCredit{
			Amount: rw.Amount,
			Reason: backend.GameID + ":" + string(rw.Tier),
			RunID:  rec.ID,
		})
		if err != nil {
			s.logger.Printf("backend_credit_failed run_id=%s amount=%s err=%v", rec.ID, rw.Amount, err)
			return true, "add crypto: " + err.Error()
		}
	}
	return true, ""
}

func (s *Server) archiveRun(ctx context.Context, rec *store.Run, b engine.Breakdown) string {
	if s.archiver == nil {
		return ""
	}
	key, err := s.archiver.Archive(ctx, archive.Recording{
		RunID:         rec.ID,
		BookID:        rec.BookID,
		PlayerID:      rec.PlayerID,
		Reason:        rec.Reason,
		Score:         rec.Score,
		Tier:          rec.Tier,
		Reward:        rec.Reward,
		Breakdown:     b,
		Path:          rec.Path,
		EngineVersion: rec.EngineVersion,
		FinishedAt:    rec.CreatedAt,
	})
	if err != nil {
		s.logger.Printf("archive_failed run_id=%s err=%v", rec.ID, err)
		return ""
	}
	if err := s.db.SetArchiveKey(ctx, rec.ID, key); err != nil {
		s.logger.Printf("archive_key_save_failed run_id=%s key=%s err=%v", rec.ID, key, err)
	}
	return key
}
