package domain

import "context"

// Tx exposes the node operations a persistence implementation must support
// within one atomic scope. Every write either commits as a whole or rolls
// back as a whole; implementations acquire their write intent when the
// transaction opens, never by mid-transaction escalation.
type Tx interface {
	// FindNode returns the node with the given id or NotFoundError.
	FindNode(id int64) (Node, error)
	// Children lists the direct children of parentID.
	Children(parentID int64) ([]Node, error)
	// CreateNode inserts a node. A zero ID asks the store to allocate the
	// next monotonic id; a non-zero ID is a caller-supplied import id and
	// fails with DuplicateIDError on collision. Version and timestamps are
	// set by the store.
	CreateNode(n Node) (Node, error)
	// UpdateNode applies the mutator to the current row, increments the
	// version by exactly one and refreshes the modification timestamp.
	UpdateNode(id int64, mutator func(*Node) error) (Node, error)
	// DeleteNode removes a childless node, failing with HasChildrenError
	// whenever any node still references id as its parent.
	DeleteNode(id int64) error
	// AppendChange writes one immutable change-history entry.
	AppendChange(rec ChangeRecord) error
}

// TxView provides read-only access to a consistent snapshot of the forest.
type TxView interface {
	FindNode(id int64) (Node, error)
	Children(parentID int64) ([]Node, error)
	Roots() ([]Node, error)
	Nodes() ([]Node, error)
}

// Store is the persistence contract of the engine. Implementations must hold
// the structural invariants of the forest across arbitrary interleavings of
// concurrent callers; busy conditions at the storage-engine level are retried
// internally and only surface as UnavailableError once retries are exhausted.
type Store interface {
	// RunInTransaction executes fn within a single write-intent transaction.
	// Any error from fn rolls every write back.
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
	// View executes fn against a read-only snapshot.
	View(ctx context.Context, fn func(TxView) error) error
	GetNode(ctx context.Context, id int64) (Node, error)
	ListNodes(ctx context.Context) ([]Node, error)
	ListChildren(ctx context.Context, parentID int64) ([]Node, error)
	ListRoots(ctx context.Context) ([]Node, error)
	// History returns the change trail of one node, oldest first.
	History(ctx context.Context, nodeID int64) ([]ChangeRecord, error)
	// BatchHistory returns every change tagged with the given batch id.
	BatchHistory(ctx context.Context, batchID string) ([]ChangeRecord, error)
	Close() error
}
