package domain

import "time"

// ChangeType indicates the kind of mutation captured in the audit trail.
type ChangeType string

// Change types enumerate the mutations recorded in change history.
const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeMove   ChangeType = "move"
	ChangeDelete ChangeType = "delete"
)

// ChangeRecord is one immutable entry of the append-only change history. It
// is written within the same transaction as the mutation it documents, so the
// trail can never diverge from committed state. ID is allocated by the store.
type ChangeRecord struct {
	ID         int64      `json:"id"`
	NodeID     int64      `json:"node_id"`
	Field      string     `json:"field"`
	OldValue   string     `json:"old_value,omitempty"`
	NewValue   string     `json:"new_value,omitempty"`
	ChangeType ChangeType `json:"change_type"`
	Actor      string     `json:"actor,omitempty"`
	BatchID    string     `json:"batch_id,omitempty"`
	Snapshot   string     `json:"snapshot,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}
