package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"lineagecore/pkg/domain"
)

// MaxBatchMoves bounds the worst-case transaction size and lock hold time of
// a batch move.
const MaxBatchMoves = 50

// MoveMany validates and applies a bounded set of moves. Oversized batches
// are rejected outright before any per-item validation. Phase one validates
// every request against the pre-batch state without mutating anything; phase
// two applies the accepted requests inside one shared transaction, so they
// commit or roll back as a group even though verdicts were computed per item.
func (s *Service) MoveMany(ctx context.Context, reqs []domain.MoveRequest) (result domain.BatchResult, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "move_many", start, err) }()
	if len(reqs) == 0 {
		return domain.BatchResult{}, domain.ValidationError{Message: "batch is empty"}
	}
	if len(reqs) > MaxBatchMoves {
		return domain.BatchResult{}, domain.ValidationError{
			Message: fmt.Sprintf("batch of %d moves exceeds the limit of %d", len(reqs), MaxBatchMoves),
		}
	}

	batchID := uuid.NewString()
	results := make([]domain.BatchItemResult, len(reqs))
	accepted := make([]bool, len(reqs))

	// Phase 1: per-item verdicts against the pre-batch snapshot.
	if err = s.store.View(ctx, func(view domain.TxView) error {
		for i, req := range reqs {
			if _, viewErr := view.FindNode(req.NodeID); viewErr != nil {
				results[i] = domain.BatchItemResult{NodeID: req.NodeID, Error: viewErr.Error()}
				continue
			}
			if viewErr := ValidateParentAssignment(view, req.NodeID, req.NewParentID); viewErr != nil {
				results[i] = domain.BatchItemResult{NodeID: req.NodeID, Error: viewErr.Error()}
				continue
			}
			results[i] = domain.BatchItemResult{NodeID: req.NodeID, Success: true}
			accepted[i] = true
		}
		return nil
	}); err != nil {
		return domain.BatchResult{}, err
	}

	releases := s.acquireNodeLocks(reqs)
	defer func() {
		for _, release := range releases {
			release()
		}
	}()

	// Phase 2: one shared transaction for every accepted item; any failure
	// rolls the whole group back.
	err = s.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		for i, req := range reqs {
			if !accepted[i] {
				continue
			}
			if _, txErr := s.applyMove(tx, req, batchID); txErr != nil {
				return fmt.Errorf("batch item %d: %w", req.NodeID, txErr)
			}
		}
		return nil
	})
	if err != nil {
		return domain.BatchResult{}, err
	}

	out := domain.BatchResult{BatchID: batchID, Results: results}
	for _, r := range results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

// acquireNodeLocks takes the advisory lock for every distinct node in the
// batch in ascending id order, so two overlapping batches cannot deadlock.
func (s *Service) acquireNodeLocks(reqs []domain.MoveRequest) []func() {
	seen := make(map[int64]struct{}, len(reqs))
	ids := make([]int64, 0, len(reqs))
	for _, req := range reqs {
		if _, ok := seen[req.NodeID]; ok {
			continue
		}
		seen[req.NodeID] = struct{}{}
		ids = append(ids, req.NodeID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	releases := make([]func(), 0, len(ids))
	for _, id := range ids {
		releases = append(releases, s.locks.Acquire(nodeLockKey(id)))
	}
	return releases
}
