package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"lineagecore/internal/infra/persistence/memory"
	"lineagecore/pkg/domain"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewService(store), store
}

// seedLine creates R -> C1 -> G1 (all male) and returns them.
func seedLine(t *testing.T, svc *Service) (root, child, grandchild domain.Node) {
	t.Helper()
	ctx := context.Background()
	var err error
	root, err = svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "R", Gender: domain.GenderMale, Actor: "test"})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	child, err = svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "C1", Gender: domain.GenderMale, ParentID: &root.ID, Actor: "test"})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	grandchild, err = svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "G1", Gender: domain.GenderMale, ParentID: &child.ID, Actor: "test"})
	if err != nil {
		t.Fatalf("create grandchild: %v", err)
	}
	return root, child, grandchild
}

func TestCreateDerivesGenerationAndCounters(t *testing.T) {
	svc, store := newTestService(t)
	root, child, grandchild := seedLine(t, svc)

	if root.Generation != 1 || child.Generation != 2 || grandchild.Generation != 3 {
		t.Fatalf("generations = %d/%d/%d, want 1/2/3", root.Generation, child.Generation, grandchild.Generation)
	}
	got, err := store.GetNode(context.Background(), root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if got.SonsCount != 1 || got.DaughtersCount != 0 {
		t.Fatalf("root counters = %d sons, %d daughters, want 1, 0", got.SonsCount, got.DaughtersCount)
	}
	if got.Status != domain.StatusLiving {
		t.Fatalf("default status = %q, want living", got.Status)
	}
}

func TestCreateDaughterIncrementsDaughterCounter(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, _, _ := seedLine(t, svc)

	if _, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "D1", Gender: domain.GenderFemale, ParentID: &root.ID}); err != nil {
		t.Fatalf("create daughter: %v", err)
	}
	got, err := store.GetNode(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if got.SonsCount != 1 || got.DaughtersCount != 1 {
		t.Fatalf("root counters = %d sons, %d daughters, want 1, 1", got.SonsCount, got.DaughtersCount)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	missing := int64(999)
	cases := []struct {
		name  string
		draft domain.NodeDraft
	}{
		{"empty name", domain.NodeDraft{Gender: domain.GenderMale}},
		{"unknown gender", domain.NodeDraft{Name: "X", Gender: "other"}},
		{"missing parent", domain.NodeDraft{Name: "X", Gender: domain.GenderMale, ParentID: &missing}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateWithAutoID(ctx, tc.draft)
			var verr domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestCreateUnderFemaleParentRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mother, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "M", Gender: domain.GenderFemale})
	if err != nil {
		t.Fatalf("create mother: %v", err)
	}
	_, err = svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "X", Gender: domain.GenderMale, ParentID: &mother.ID})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCreateWithID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	node, err := svc.CreateWithID(ctx, 42, domain.NodeDraft{Name: "R", Gender: domain.GenderMale})
	if err != nil {
		t.Fatalf("create with id: %v", err)
	}
	if node.ID != 42 {
		t.Fatalf("id = %d, want 42", node.ID)
	}

	_, err = svc.CreateWithID(ctx, 42, domain.NodeDraft{Name: "R2", Gender: domain.GenderMale})
	var dup domain.DuplicateIDError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateIDError", err)
	}

	_, err = svc.CreateWithID(ctx, 0, domain.NodeDraft{Name: "R3", Gender: domain.GenderMale})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError for non-positive id", err)
	}

	// Auto allocation continues past the highest explicit id.
	next, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "R4", Gender: domain.GenderMale})
	if err != nil {
		t.Fatalf("create auto after explicit: %v", err)
	}
	if next.ID <= 42 {
		t.Fatalf("allocated id = %d, want > 42", next.ID)
	}
}

func TestCreateRecordsHistory(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "R", Gender: domain.GenderMale, Actor: "importer"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	recs, err := store.History(ctx, root.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("history length = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.ChangeType != domain.ChangeCreate || rec.Actor != "importer" || rec.NewValue == "" {
		t.Fatalf("unexpected create record: %+v", rec)
	}
}

func TestUpdateFields(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, _, _ := seedLine(t, svc)

	before, err := store.GetNode(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	name := "Renamed"
	status := domain.StatusDeceased
	updated, err := svc.Update(ctx, root.ID, domain.FieldUpdate{Name: &name, Status: &status, Actor: "editor"}, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Renamed" || updated.Status != domain.StatusDeceased {
		t.Fatalf("updated node = %+v", updated)
	}
	if updated.Version != before.Version+1 {
		t.Fatalf("version = %d, want %d", updated.Version, before.Version+1)
	}

	recs, err := store.History(ctx, root.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// create + name + status
	if len(recs) != 3 {
		t.Fatalf("history length = %d, want 3", len(recs))
	}
	if recs[1].Field != "name" || recs[1].OldValue != "R" || recs[1].NewValue != "Renamed" {
		t.Fatalf("name record = %+v", recs[1])
	}
	if recs[2].Field != "status" || recs[2].NewValue != string(domain.StatusDeceased) {
		t.Fatalf("status record = %+v", recs[2])
	}
}

func TestUpdateEmptyRejected(t *testing.T) {
	svc, _ := newTestService(t)
	root, _, _ := seedLine(t, svc)
	_, err := svc.Update(context.Background(), root.ID, domain.FieldUpdate{}, nil)
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, _, _ := seedLine(t, svc)

	// Counter maintenance during seeding bumped the root's version; read the
	// committed value rather than the create-time one.
	current, err := store.GetNode(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	name := "first"
	if _, err := svc.Update(ctx, root.ID, domain.FieldUpdate{Name: &name}, &current.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	name2 := "second"
	_, err = svc.Update(ctx, root.ID, domain.FieldUpdate{Name: &name2}, &current.Version)
	var conflict domain.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConcurrencyConflictError", err)
	}
	if conflict.Expected != current.Version || conflict.Actual != current.Version+1 {
		t.Fatalf("conflict = %+v", conflict)
	}
}

func TestConcurrentSameVersionUpdatesExactlyOneWins(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, _, _ := seedLine(t, svc)
	current, err := store.GetNode(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "writer"
			_, errs[i] = svc.Update(ctx, root.ID, domain.FieldUpdate{Name: &name}, &current.Version)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict domain.ConcurrencyConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestConcurrentCreatesAllocateUniqueIDs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const creators = 16
	var wg sync.WaitGroup
	ids := make([]int64, creators)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			node, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "N", Gender: domain.GenderMale})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids[i] = node.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, creators)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestDeleteLeafAdjustsParentCounter(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, child, grandchild := seedLine(t, svc)

	if err := svc.Delete(ctx, grandchild.ID, "cleaner"); err != nil {
		t.Fatalf("delete leaf: %v", err)
	}
	if _, err := store.GetNode(ctx, grandchild.ID); err == nil {
		t.Fatal("deleted node still readable")
	}
	got, err := store.GetNode(ctx, child.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if got.SonsCount != 0 {
		t.Fatalf("child SonsCount = %d, want 0", got.SonsCount)
	}

	recs, err := store.History(ctx, grandchild.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := recs[len(recs)-1]
	if last.ChangeType != domain.ChangeDelete || last.Snapshot == "" {
		t.Fatalf("delete record = %+v", last)
	}
	_ = root
}

func TestDeleteWithChildrenRejected(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, child, _ := seedLine(t, svc)

	err := svc.Delete(ctx, root.ID, "cleaner")
	var hasChildren domain.HasChildrenError
	if !errors.As(err, &hasChildren) {
		t.Fatalf("err = %v, want HasChildrenError", err)
	}
	if hasChildren.Children != 1 {
		t.Fatalf("children = %d, want 1", hasChildren.Children)
	}
	// Nothing changed.
	got, err := store.GetNode(ctx, child.ID)
	if err != nil {
		t.Fatalf("child gone after rejected delete: %v", err)
	}
	if got.ParentID == nil || *got.ParentID != root.ID {
		t.Fatalf("child parent = %v, want %d", got.ParentID, root.ID)
	}
}

func TestDeleteMissingNode(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Delete(context.Background(), 12345, "cleaner")
	var notFound domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestMoveToRootRenumbersSubtree(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, child, grandchild := seedLine(t, svc)

	res, err := svc.Move(ctx, domain.MoveRequest{NodeID: child.ID, NewParentID: nil, UpdateGenerations: true, Actor: "mover"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.NewGeneration != 1 || res.OldGeneration != 2 {
		t.Fatalf("generations = old %d new %d, want 2 -> 1", res.OldGeneration, res.NewGeneration)
	}
	if res.DescendantsUpdated != 1 {
		t.Fatalf("descendants updated = %d, want 1", res.DescendantsUpdated)
	}

	movedChild, err := store.GetNode(ctx, child.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if movedChild.ParentID != nil || movedChild.Generation != 1 {
		t.Fatalf("moved child = %+v", movedChild)
	}
	movedGrandchild, err := store.GetNode(ctx, grandchild.ID)
	if err != nil {
		t.Fatalf("get grandchild: %v", err)
	}
	if movedGrandchild.Generation != 2 {
		t.Fatalf("grandchild generation = %d, want 2", movedGrandchild.Generation)
	}
	oldParent, err := store.GetNode(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if oldParent.SonsCount != 0 {
		t.Fatalf("old parent SonsCount = %d, want 0", oldParent.SonsCount)
	}
}

func TestMoveRecordsPreImageHistory(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, child, _ := seedLine(t, svc)

	if _, err := svc.Move(ctx, domain.MoveRequest{NodeID: child.ID, UpdateGenerations: true, Actor: "mover"}); err != nil {
		t.Fatalf("move: %v", err)
	}
	recs, err := store.History(ctx, child.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var moveRec, genRec *domain.ChangeRecord
	for i := range recs {
		switch {
		case recs[i].ChangeType == domain.ChangeMove && recs[i].Field == "parent_id":
			moveRec = &recs[i]
		case recs[i].ChangeType == domain.ChangeMove && recs[i].Field == "generation":
			genRec = &recs[i]
		}
	}
	if moveRec == nil {
		t.Fatal("no parent_id move record")
	}
	if moveRec.Snapshot == "" {
		t.Fatal("move record has no pre-image snapshot")
	}
	if moveRec.OldValue == "" || moveRec.NewValue != "" {
		t.Fatalf("move record values = %q -> %q, want old parent id -> empty", moveRec.OldValue, moveRec.NewValue)
	}
	if genRec == nil {
		t.Fatal("no generation record despite generation change")
	}
	if genRec.OldValue != "2" || genRec.NewValue != "1" {
		t.Fatalf("generation record = %q -> %q, want 2 -> 1", genRec.OldValue, genRec.NewValue)
	}
	_ = root
}

func TestMoveIntoOwnSubtreeRejectedWithoutSideEffects(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, _, grandchild := seedLine(t, svc)

	before, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatalf("list before: %v", err)
	}

	_, err = svc.Move(ctx, domain.MoveRequest{NodeID: root.ID, NewParentID: &grandchild.ID, UpdateGenerations: true})
	var cycle domain.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want CycleError", err)
	}

	after, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("node count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Version != after[i].Version {
			t.Fatalf("node %d version changed by rejected move", before[i].ID)
		}
	}
}

func TestMoveToSelfRejected(t *testing.T) {
	svc, _ := newTestService(t)
	root, _, _ := seedLine(t, svc)
	_, err := svc.Move(context.Background(), domain.MoveRequest{NodeID: root.ID, NewParentID: &root.ID})
	var cycle domain.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want CycleError", err)
	}
}

func TestMoveUnderFemaleParentRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, child, _ := seedLine(t, svc)
	mother, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "M", Gender: domain.GenderFemale})
	if err != nil {
		t.Fatalf("create mother: %v", err)
	}
	_, err = svc.Move(ctx, domain.MoveRequest{NodeID: child.ID, NewParentID: &mother.ID})
	var cycle domain.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want CycleError", err)
	}
}

func TestMoveWithoutGenerationCascade(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, child, grandchild := seedLine(t, svc)

	res, err := svc.Move(ctx, domain.MoveRequest{NodeID: child.ID, UpdateGenerations: false})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.DescendantsUpdated != 0 {
		t.Fatalf("descendants updated = %d, want 0", res.DescendantsUpdated)
	}
	// The node itself is renumbered; descendants keep their stale value.
	got, err := store.GetNode(ctx, grandchild.ID)
	if err != nil {
		t.Fatalf("get grandchild: %v", err)
	}
	if got.Generation != 3 {
		t.Fatalf("grandchild generation = %d, want untouched 3", got.Generation)
	}
}

func TestMoveToSameParentKeepsCounters(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	root, child, _ := seedLine(t, svc)

	if _, err := svc.Move(ctx, domain.MoveRequest{NodeID: child.ID, NewParentID: &root.ID, UpdateGenerations: true}); err != nil {
		t.Fatalf("move: %v", err)
	}
	got, err := store.GetNode(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if got.SonsCount != 1 {
		t.Fatalf("root SonsCount = %d, want 1 after no-op reparent", got.SonsCount)
	}
}
