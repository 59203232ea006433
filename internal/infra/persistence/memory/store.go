// Package memory provides the in-memory reference implementation of the
// domain store. It applies every transaction against a cloned copy of the
// state and swaps the copy in on commit, so a failed transaction body leaves
// committed state untouched.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"lineagecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

type state struct {
	nodes        map[int64]domain.Node
	childIndex   map[int64][]int64
	changes      []domain.ChangeRecord
	nextID       int64
	nextChangeID int64
}

func newState() state {
	return state{
		nodes:        make(map[int64]domain.Node),
		childIndex:   make(map[int64][]int64),
		nextID:       1,
		nextChangeID: 1,
	}
}

func (s state) clone() state {
	cp := state{
		nodes:        make(map[int64]domain.Node, len(s.nodes)),
		childIndex:   make(map[int64][]int64, len(s.childIndex)),
		changes:      append([]domain.ChangeRecord(nil), s.changes...),
		nextID:       s.nextID,
		nextChangeID: s.nextChangeID,
	}
	for id, n := range s.nodes {
		cp.nodes[id] = n.Clone()
	}
	for id, children := range s.childIndex {
		cp.childIndex[id] = append([]int64(nil), children...)
	}
	return cp
}

func (s *state) indexChild(parentID, childID int64) {
	s.childIndex[parentID] = append(s.childIndex[parentID], childID)
}

func (s *state) unindexChild(parentID, childID int64) {
	children := s.childIndex[parentID]
	for i, id := range children {
		if id == childID {
			s.childIndex[parentID] = append(children[:i], children[i+1:]...)
			break
		}
	}
	if len(s.childIndex[parentID]) == 0 {
		delete(s.childIndex, parentID)
	}
}

// Store is an in-memory transactional node store.
type Store struct {
	mu    sync.RWMutex
	state state
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

type transaction struct {
	state *state
	now   time.Time
}

func (tx *transaction) FindNode(id int64) (domain.Node, error) {
	n, ok := tx.state.nodes[id]
	if !ok {
		return domain.Node{}, domain.NotFoundError{ID: id}
	}
	return n.Clone(), nil
}

func (tx *transaction) Children(parentID int64) ([]domain.Node, error) {
	ids := tx.state.childIndex[parentID]
	out := make([]domain.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.state.nodes[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *transaction) Roots() ([]domain.Node, error) {
	var out []domain.Node
	for _, n := range tx.state.nodes {
		if n.Root() {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *transaction) Nodes() ([]domain.Node, error) {
	out := make([]domain.Node, 0, len(tx.state.nodes))
	for _, n := range tx.state.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *transaction) CreateNode(n domain.Node) (domain.Node, error) {
	if n.ID == 0 {
		n.ID = tx.state.nextID
		tx.state.nextID++
	} else {
		if _, exists := tx.state.nodes[n.ID]; exists {
			return domain.Node{}, domain.DuplicateIDError{ID: n.ID}
		}
		if n.ID >= tx.state.nextID {
			tx.state.nextID = n.ID + 1
		}
	}
	n.Version = 1
	n.CreatedAt = tx.now
	n.UpdatedAt = tx.now
	tx.state.nodes[n.ID] = n.Clone()
	if n.ParentID != nil {
		tx.state.indexChild(*n.ParentID, n.ID)
	}
	return n.Clone(), nil
}

func (tx *transaction) UpdateNode(id int64, mutator func(*domain.Node) error) (domain.Node, error) {
	current, ok := tx.state.nodes[id]
	if !ok {
		return domain.Node{}, domain.NotFoundError{ID: id}
	}
	before := current.Clone()
	next := current.Clone()
	if err := mutator(&next); err != nil {
		return domain.Node{}, err
	}
	next.ID = id
	next.Version = before.Version + 1
	next.UpdatedAt = tx.now
	tx.state.nodes[id] = next.Clone()
	if !sameParent(before.ParentID, next.ParentID) {
		if before.ParentID != nil {
			tx.state.unindexChild(*before.ParentID, id)
		}
		if next.ParentID != nil {
			tx.state.indexChild(*next.ParentID, id)
		}
	}
	return next.Clone(), nil
}

func (tx *transaction) DeleteNode(id int64) error {
	current, ok := tx.state.nodes[id]
	if !ok {
		return domain.NotFoundError{ID: id}
	}
	if n := len(tx.state.childIndex[id]); n > 0 {
		return domain.HasChildrenError{ID: id, Children: n}
	}
	delete(tx.state.nodes, id)
	if current.ParentID != nil {
		tx.state.unindexChild(*current.ParentID, id)
	}
	return nil
}

func (tx *transaction) AppendChange(rec domain.ChangeRecord) error {
	rec.ID = tx.state.nextChangeID
	tx.state.nextChangeID++
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = tx.now
	}
	tx.state.changes = append(tx.state.changes, rec)
	return nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// RunInTransaction executes fn against a cloned state and commits the clone
// when fn succeeds. The store mutex is the write intent: it is held for the
// whole transaction, so no interleaving caller can observe partial state.
func (s *Store) RunInTransaction(_ context.Context, fn func(domain.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cloned := s.state.clone()
	tx := &transaction{state: &cloned, now: s.nowFn()}

	if err := fn(tx); err != nil {
		return err
	}
	s.state = cloned
	return nil
}

// View executes fn against a read-only snapshot of committed state.
func (s *Store) View(_ context.Context, fn func(domain.TxView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := s.state.clone()
	return fn(&transaction{state: &snapshot})
}

// GetNode returns a node from committed state.
func (s *Store) GetNode(_ context.Context, id int64) (domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.state.nodes[id]
	if !ok {
		return domain.Node{}, domain.NotFoundError{ID: id}
	}
	return n.Clone(), nil
}

// ListNodes returns every node, ordered by id.
func (s *Store) ListNodes(_ context.Context) ([]domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Node, 0, len(s.state.nodes))
	for _, n := range s.state.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListChildren returns the direct children of parentID, ordered by id.
func (s *Store) ListChildren(_ context.Context, parentID int64) ([]domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.state.childIndex[parentID]
	out := make([]domain.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.state.nodes[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListRoots returns every parentless node, ordered by id.
func (s *Store) ListRoots(_ context.Context) ([]domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Node
	for _, n := range s.state.nodes {
		if n.Root() {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// History returns the change trail of one node, oldest first.
func (s *Store) History(_ context.Context, nodeID int64) ([]domain.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ChangeRecord
	for _, rec := range s.state.changes {
		if rec.NodeID == nodeID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// BatchHistory returns every change tagged with batchID, oldest first.
func (s *Store) BatchHistory(_ context.Context, batchID string) ([]domain.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ChangeRecord
	for _, rec := range s.state.changes {
		if rec.BatchID == batchID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
