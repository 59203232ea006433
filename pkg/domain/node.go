// Package domain defines the entities, error taxonomy and persistence
// contracts of the lineage hierarchy engine.
package domain

import "time"

// Gender of a node. Only male nodes may be assigned as a parent.
type Gender string

// Supported genders.
const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Valid reports whether the gender is one of the supported values.
func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

// Status records whether the person behind a node is alive. It carries no
// structural meaning for the engine.
type Status string

// Supported statuses.
const (
	StatusLiving   Status = "living"
	StatusDeceased Status = "deceased"
)

// Node is one record in the lineage forest. A node has at most one parent;
// Generation, SonsCount and DaughtersCount are derived values maintained by
// the engine, and Version is the optimistic-concurrency token incremented by
// exactly one on every committed mutation.
type Node struct {
	ID             int64     `json:"id"`
	ParentID       *int64    `json:"parent_id,omitempty"`
	Name           string    `json:"name"`
	Gender         Gender    `json:"gender"`
	Status         Status    `json:"status"`
	Generation     int       `json:"generation"`
	SonsCount      int       `json:"sons_count"`
	DaughtersCount int       `json:"daughters_count"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBy      string    `json:"updated_by,omitempty"`
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	cp := n
	if n.ParentID != nil {
		pid := *n.ParentID
		cp.ParentID = &pid
	}
	return cp
}

// Root reports whether the node has no parent.
func (n Node) Root() bool { return n.ParentID == nil }

// NodeDraft carries the caller-settable fields of a new node. Generation,
// counters and version are always computed by the engine.
type NodeDraft struct {
	Name     string `json:"name"`
	Gender   Gender `json:"gender"`
	Status   Status `json:"status"`
	ParentID *int64 `json:"parent_id,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

// FieldUpdate describes a non-structural field diff applied by Update. Nil
// fields are left untouched.
type FieldUpdate struct {
	Name   *string `json:"name,omitempty"`
	Status *Status `json:"status,omitempty"`
	Actor  string  `json:"actor,omitempty"`
}

// Empty reports whether the update carries no field changes.
func (f FieldUpdate) Empty() bool { return f.Name == nil && f.Status == nil }

// MoveRequest asks the coordinator to re-parent one node. A nil NewParentID
// detaches the node into a root. When UpdateGenerations is set the whole
// descendant subtree is renumbered within the same transaction.
type MoveRequest struct {
	NodeID            int64  `json:"node_id"`
	NewParentID       *int64 `json:"new_parent_id,omitempty"`
	UpdateGenerations bool   `json:"update_generations"`
	Actor             string `json:"actor,omitempty"`
}

// MoveResult reports a committed move.
type MoveResult struct {
	Node               Node   `json:"node"`
	OldParentID        *int64 `json:"old_parent_id,omitempty"`
	NewParentID        *int64 `json:"new_parent_id,omitempty"`
	OldGeneration      int    `json:"old_generation"`
	NewGeneration      int    `json:"new_generation"`
	DescendantsUpdated int    `json:"descendants_updated"`
}

// BatchItemResult is the per-item verdict of a batch move.
type BatchItemResult struct {
	NodeID  int64  `json:"node_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchResult aggregates the outcome of a batch move. When the shared
// execution transaction fails the whole batch rolls back and no BatchResult
// is produced.
type BatchResult struct {
	BatchID   string            `json:"batch_id"`
	Results   []BatchItemResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}
