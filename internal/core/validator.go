package core

import (
	"errors"
	"fmt"

	"lineagecore/pkg/domain"
)

// TreeReader is the read surface the structural validators need. Both the
// transactional and the snapshot views of a store satisfy it.
type TreeReader interface {
	FindNode(id int64) (domain.Node, error)
	Children(parentID int64) ([]domain.Node, error)
}

// IsDescendant reports whether candidateID appears in the subtree rooted at
// ofID. The walk is breadth-first over the children index with an explicit
// queue, so memory use is bounded by tree breadth rather than depth.
func IsDescendant(r TreeReader, candidateID, ofID int64) (bool, error) {
	queue := []int64{ofID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := r.Children(id)
		if err != nil {
			return false, err
		}
		for _, child := range children {
			if child.ID == candidateID {
				return true, nil
			}
			queue = append(queue, child.ID)
		}
	}
	return false, nil
}

// ValidateParentAssignment checks that newParentID is a legal parent for
// nodeID: it must exist, be male, not be the node itself and not be one of
// the node's own descendants. A nil newParentID (detach to root) is always
// legal. The check is pure; it never mutates anything.
func ValidateParentAssignment(r TreeReader, nodeID int64, newParentID *int64) error {
	if newParentID == nil {
		return nil
	}
	pid := *newParentID
	if pid == nodeID {
		return domain.CycleError{NodeID: nodeID, ParentID: pid, Reason: "node cannot be its own parent"}
	}
	parent, err := r.FindNode(pid)
	if err != nil {
		var notFound domain.NotFoundError
		if errors.As(err, &notFound) {
			return domain.ValidationError{Message: fmt.Sprintf("new parent %d does not exist", pid)}
		}
		return err
	}
	if parent.Gender != domain.GenderMale {
		return domain.CycleError{NodeID: nodeID, ParentID: pid, Reason: "parent must be male"}
	}
	descendant, err := IsDescendant(r, pid, nodeID)
	if err != nil {
		return err
	}
	if descendant {
		return domain.CycleError{NodeID: nodeID, ParentID: pid, Reason: "new parent is a descendant of the node"}
	}
	return nil
}
