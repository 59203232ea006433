package core

import "lineagecore/pkg/domain"

// adjustChildCounter applies delta to the gender-matching child counter of
// parentID, floored at zero. Counters are maintained incrementally; they are
// never recomputed from scratch on the mutation path.
func adjustChildCounter(tx domain.Tx, parentID int64, gender domain.Gender, delta int) error {
	_, err := tx.UpdateNode(parentID, func(n *domain.Node) error {
		switch gender {
		case domain.GenderMale:
			n.SonsCount = floorZero(n.SonsCount + delta)
		case domain.GenderFemale:
			n.DaughtersCount = floorZero(n.DaughtersCount + delta)
		}
		return nil
	})
	return err
}

func floorZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
