package domain

import "fmt"

// NotFoundError is returned when an operation references a missing node.
type NotFoundError struct {
	ID int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("node %d not found", e.ID)
}

// DuplicateIDError is returned when an explicit-id create collides with an
// existing node.
type DuplicateIDError struct {
	ID int64
}

func (e DuplicateIDError) Error() string {
	return fmt.Sprintf("node %d already exists", e.ID)
}

// ConcurrencyConflictError is returned when an optimistic update supplies an
// expected version that no longer matches the stored one. The store never
// retries or merges on the caller's behalf.
type ConcurrencyConflictError struct {
	ID       int64
	Expected int64
	Actual   int64
}

func (e ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("node %d version conflict: expected %d, stored %d", e.ID, e.Expected, e.Actual)
}

// HasChildrenError blocks deletion of a node that is still referenced as a
// parent.
type HasChildrenError struct {
	ID       int64
	Children int
}

func (e HasChildrenError) Error() string {
	return fmt.Sprintf("node %d has %d children and cannot be deleted", e.ID, e.Children)
}

// CycleError rejects a parent assignment that would make a node its own
// ancestor, or that targets a parent the domain forbids.
type CycleError struct {
	NodeID   int64
	ParentID int64
	Reason   string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("cannot assign node %d as parent of node %d: %s", e.ParentID, e.NodeID, e.Reason)
}

// ValidationError reports malformed input or a batch-size violation.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// UnavailableError surfaces a storage-level busy condition that persisted
// through every transparent retry attempt.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes the terminal storage error.
func (e UnavailableError) Unwrap() error { return e.Err }
