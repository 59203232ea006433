package core

import (
	"context"
	"testing"

	"lineagecore/internal/infra/persistence/memory"
	"lineagecore/pkg/domain"
)

func TestAdjustChildCounter(t *testing.T) {
	store := memory.NewStore()
	buildTree(t, store,
		domain.Node{ID: 1, Name: "p", Gender: domain.GenderMale, Status: domain.StatusLiving, Generation: 1},
	)
	ctx := context.Background()

	apply := func(gender domain.Gender, delta int) {
		t.Helper()
		err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
			return adjustChildCounter(tx, 1, gender, delta)
		})
		if err != nil {
			t.Fatalf("adjust(%s, %d): %v", gender, delta, err)
		}
	}

	apply(domain.GenderMale, 1)
	apply(domain.GenderMale, 1)
	apply(domain.GenderFemale, 1)
	apply(domain.GenderMale, -1)

	got, err := store.GetNode(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SonsCount != 1 || got.DaughtersCount != 1 {
		t.Fatalf("counters = %d sons, %d daughters, want 1, 1", got.SonsCount, got.DaughtersCount)
	}
}

func TestAdjustChildCounterFloorsAtZero(t *testing.T) {
	store := memory.NewStore()
	buildTree(t, store,
		domain.Node{ID: 1, Name: "p", Gender: domain.GenderMale, Status: domain.StatusLiving, Generation: 1},
	)
	ctx := context.Background()
	err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return adjustChildCounter(tx, 1, domain.GenderFemale, -1)
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	got, err := store.GetNode(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DaughtersCount != 0 {
		t.Fatalf("DaughtersCount = %d, want floored 0", got.DaughtersCount)
	}
}
