// Package core implements the hierarchical consistency engine: structural
// validation, generation cascade, aggregate counter maintenance and the
// transactional coordination of node mutations.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lineagecore/pkg/domain"
)

// Service coordinates node mutations against an injected store. Every
// structural operation is validated before its transaction opens and applied
// as one all-or-nothing transaction; callers never observe a partial move.
type Service struct {
	store   domain.Store
	metrics MetricsRecorder
	locks   *KeyedLock
}

// Option configures a Service.
type Option func(*Service)

// WithMetricsRecorder attaches a metrics recorder to the service.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// NewService constructs a coordinator backed by the supplied store.
func NewService(store domain.Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		metrics: NopMetricsRecorder{},
		locks:   NewKeyedLock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.Store { return s.store }

func (s *Service) observe(ctx context.Context, operation string, start time.Time, err error) {
	s.metrics.Observe(ctx, operation, err == nil, time.Since(start))
}

func nodeLockKey(id int64) string { return "node/" + strconv.FormatInt(id, 10) }

func formatParentID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

func marshalNode(n domain.Node) string {
	b, err := json.Marshal(n)
	if err != nil {
		return ""
	}
	return string(b)
}

func validateDraft(draft domain.NodeDraft) error {
	if draft.Name == "" {
		return domain.ValidationError{Message: "name is required"}
	}
	if !draft.Gender.Valid() {
		return domain.ValidationError{Message: fmt.Sprintf("unknown gender %q", draft.Gender)}
	}
	return nil
}

// createNode inserts a draft within the transaction, maintaining the parent
// counter and recording the creation in change history.
func (s *Service) createNode(tx domain.Tx, id int64, draft domain.NodeDraft) (domain.Node, error) {
	var parent *domain.Node
	if draft.ParentID != nil {
		p, err := tx.FindNode(*draft.ParentID)
		if err != nil {
			var notFound domain.NotFoundError
			if errors.As(err, &notFound) {
				return domain.Node{}, domain.ValidationError{Message: fmt.Sprintf("parent %d does not exist", *draft.ParentID)}
			}
			return domain.Node{}, err
		}
		if p.Gender != domain.GenderMale {
			return domain.Node{}, domain.ValidationError{Message: fmt.Sprintf("parent %d must be male", *draft.ParentID)}
		}
		parent = &p
	}
	status := draft.Status
	if status == "" {
		status = domain.StatusLiving
	}
	created, err := tx.CreateNode(domain.Node{
		ID:         id,
		ParentID:   draft.ParentID,
		Name:       draft.Name,
		Gender:     draft.Gender,
		Status:     status,
		Generation: TargetGeneration(parent),
		UpdatedBy:  draft.Actor,
	})
	if err != nil {
		return domain.Node{}, err
	}
	if parent != nil {
		if err := adjustChildCounter(tx, parent.ID, created.Gender, 1); err != nil {
			return domain.Node{}, err
		}
	}
	if err := tx.AppendChange(domain.ChangeRecord{
		NodeID:     created.ID,
		Field:      "node",
		NewValue:   marshalNode(created),
		ChangeType: domain.ChangeCreate,
		Actor:      draft.Actor,
	}); err != nil {
		return domain.Node{}, err
	}
	return created, nil
}

// CreateWithAutoID creates a node with a store-allocated id. Allocation and
// insertion share one transaction, so concurrent creates never collide.
func (s *Service) CreateWithAutoID(ctx context.Context, draft domain.NodeDraft) (node domain.Node, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "create", start, err) }()
	if err = validateDraft(draft); err != nil {
		return domain.Node{}, err
	}
	err = s.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		var txErr error
		node, txErr = s.createNode(tx, 0, draft)
		return txErr
	})
	if err != nil {
		return domain.Node{}, err
	}
	return node, nil
}

// CreateWithID creates a node under a caller-supplied id (import/seed path),
// failing with DuplicateIDError when the id is already taken.
func (s *Service) CreateWithID(ctx context.Context, id int64, draft domain.NodeDraft) (node domain.Node, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "create", start, err) }()
	if id <= 0 {
		return domain.Node{}, domain.ValidationError{Message: "id must be positive"}
	}
	if err = validateDraft(draft); err != nil {
		return domain.Node{}, err
	}
	err = s.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		var txErr error
		node, txErr = s.createNode(tx, id, draft)
		return txErr
	})
	if err != nil {
		return domain.Node{}, err
	}
	return node, nil
}

// Update applies a non-structural field diff under optimistic concurrency.
// When expectedVersion is supplied and stale the update fails fast with
// ConcurrencyConflictError; the retry decision belongs to the caller.
func (s *Service) Update(ctx context.Context, id int64, fields domain.FieldUpdate, expectedVersion *int64) (node domain.Node, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "update", start, err) }()
	if fields.Empty() {
		return domain.Node{}, domain.ValidationError{Message: "no fields to update"}
	}
	err = s.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		current, txErr := tx.FindNode(id)
		if txErr != nil {
			return txErr
		}
		if expectedVersion != nil && *expectedVersion != current.Version {
			return domain.ConcurrencyConflictError{ID: id, Expected: *expectedVersion, Actual: current.Version}
		}
		var records []domain.ChangeRecord
		node, txErr = tx.UpdateNode(id, func(n *domain.Node) error {
			if fields.Name != nil && *fields.Name != n.Name {
				records = append(records, domain.ChangeRecord{
					NodeID: id, Field: "name", OldValue: n.Name, NewValue: *fields.Name,
					ChangeType: domain.ChangeUpdate, Actor: fields.Actor,
				})
				n.Name = *fields.Name
			}
			if fields.Status != nil && *fields.Status != n.Status {
				records = append(records, domain.ChangeRecord{
					NodeID: id, Field: "status", OldValue: string(n.Status), NewValue: string(*fields.Status),
					ChangeType: domain.ChangeUpdate, Actor: fields.Actor,
				})
				n.Status = *fields.Status
			}
			if fields.Actor != "" {
				n.UpdatedBy = fields.Actor
			}
			return nil
		})
		if txErr != nil {
			return txErr
		}
		for _, rec := range records {
			if txErr := tx.AppendChange(rec); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		return domain.Node{}, err
	}
	return node, nil
}

// Delete removes a childless node and decrements its former parent's counter
// within the same transaction.
func (s *Service) Delete(ctx context.Context, id int64, actor string) (err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "delete", start, err) }()
	release := s.locks.Acquire(nodeLockKey(id))
	defer release()
	err = s.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		current, txErr := tx.FindNode(id)
		if txErr != nil {
			return txErr
		}
		if txErr := tx.DeleteNode(id); txErr != nil {
			return txErr
		}
		if current.ParentID != nil {
			if txErr := adjustChildCounter(tx, *current.ParentID, current.Gender, -1); txErr != nil {
				return txErr
			}
		}
		return tx.AppendChange(domain.ChangeRecord{
			NodeID:     id,
			Field:      "node",
			OldValue:   marshalNode(current),
			ChangeType: domain.ChangeDelete,
			Actor:      actor,
			Snapshot:   marshalNode(current),
		})
	})
	return err
}

// Move re-parents one node. Validation runs against a snapshot before the
// transaction opens, so a rejected move is always side-effect-free; the same
// checks are repeated inside the transaction, which stays authoritative under
// concurrent interleavings.
func (s *Service) Move(ctx context.Context, req domain.MoveRequest) (result domain.MoveResult, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "move", start, err) }()
	if err = s.store.View(ctx, func(view domain.TxView) error {
		if _, viewErr := view.FindNode(req.NodeID); viewErr != nil {
			return viewErr
		}
		return ValidateParentAssignment(view, req.NodeID, req.NewParentID)
	}); err != nil {
		return domain.MoveResult{}, err
	}
	release := s.locks.Acquire(nodeLockKey(req.NodeID))
	defer release()
	err = s.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		var txErr error
		result, txErr = s.applyMove(tx, req, "")
		return txErr
	})
	if err != nil {
		return domain.MoveResult{}, err
	}
	return result, nil
}

// applyMove performs the transactional part of one move: pre-image history,
// the parent-pointer write, both counter deltas and the generation cascade.
func (s *Service) applyMove(tx domain.Tx, req domain.MoveRequest, batchID string) (domain.MoveResult, error) {
	node, err := tx.FindNode(req.NodeID)
	if err != nil {
		return domain.MoveResult{}, err
	}
	if err := ValidateParentAssignment(tx, req.NodeID, req.NewParentID); err != nil {
		return domain.MoveResult{}, err
	}
	var newParent *domain.Node
	if req.NewParentID != nil {
		p, err := tx.FindNode(*req.NewParentID)
		if err != nil {
			return domain.MoveResult{}, err
		}
		newParent = &p
	}
	oldParentID := node.ParentID
	oldGeneration := node.Generation
	newGeneration := TargetGeneration(newParent)

	if err := tx.AppendChange(domain.ChangeRecord{
		NodeID:     node.ID,
		Field:      "parent_id",
		OldValue:   formatParentID(oldParentID),
		NewValue:   formatParentID(req.NewParentID),
		ChangeType: domain.ChangeMove,
		Actor:      req.Actor,
		BatchID:    batchID,
		Snapshot:   marshalNode(node),
	}); err != nil {
		return domain.MoveResult{}, err
	}
	if newGeneration != oldGeneration {
		if err := tx.AppendChange(domain.ChangeRecord{
			NodeID:     node.ID,
			Field:      "generation",
			OldValue:   strconv.Itoa(oldGeneration),
			NewValue:   strconv.Itoa(newGeneration),
			ChangeType: domain.ChangeMove,
			Actor:      req.Actor,
			BatchID:    batchID,
		}); err != nil {
			return domain.MoveResult{}, err
		}
	}

	moved, err := tx.UpdateNode(node.ID, func(n *domain.Node) error {
		n.ParentID = req.NewParentID
		n.Generation = newGeneration
		if req.Actor != "" {
			n.UpdatedBy = req.Actor
		}
		return nil
	})
	if err != nil {
		return domain.MoveResult{}, err
	}

	if !sameParent(oldParentID, req.NewParentID) {
		if oldParentID != nil {
			if err := adjustChildCounter(tx, *oldParentID, node.Gender, -1); err != nil {
				return domain.MoveResult{}, err
			}
		}
		if req.NewParentID != nil {
			if err := adjustChildCounter(tx, *req.NewParentID, node.Gender, 1); err != nil {
				return domain.MoveResult{}, err
			}
		}
	}

	descendants := 0
	if req.UpdateGenerations && newGeneration != oldGeneration {
		descendants, err = CascadeGenerations(tx, moved)
		if err != nil {
			return domain.MoveResult{}, err
		}
	}
	return domain.MoveResult{
		Node:               moved,
		OldParentID:        oldParentID,
		NewParentID:        req.NewParentID,
		OldGeneration:      oldGeneration,
		NewGeneration:      newGeneration,
		DescendantsUpdated: descendants,
	}, nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
