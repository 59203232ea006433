package core

import "lineagecore/pkg/domain"

// TargetGeneration returns the derived generation for a node under the given
// parent: parent.Generation+1, or 1 for a root.
func TargetGeneration(parent *domain.Node) int {
	if parent == nil {
		return 1
	}
	return parent.Generation + 1
}

// CascadeGenerations renumbers the whole descendant subtree of root, whose
// own generation has already been written. Each node's value depends only on
// its immediate parent's new value, so the top-down order makes traversal
// order irrelevant to correctness. Returns the number of descendants updated.
// Must run inside the same transaction as the parent-pointer change.
func CascadeGenerations(tx domain.Tx, root domain.Node) (int, error) {
	type frame struct {
		id         int64
		generation int
	}
	queue := []frame{{id: root.ID, generation: root.Generation}}
	updated := 0
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		children, err := tx.Children(f.id)
		if err != nil {
			return updated, err
		}
		for _, child := range children {
			want := f.generation + 1
			if child.Generation != want {
				if _, err := tx.UpdateNode(child.ID, func(n *domain.Node) error {
					n.Generation = want
					return nil
				}); err != nil {
					return updated, err
				}
				updated++
			}
			queue = append(queue, frame{id: child.ID, generation: want})
		}
	}
	return updated, nil
}
