package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"lineagecore/internal/infra/blob"
	"lineagecore/internal/infra/persistence/memory"
)

func TestSnapshotCaptureAndLoad(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store)
	ctx := context.Background()
	root, _, _ := seedLine(t, svc)

	blobs := blob.NewMemory()
	archiver := NewSnapshotArchiver(store, blobs)
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	archiver.SetNowFunc(func() time.Time { return fixed })

	info, err := archiver.Capture(ctx)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !strings.HasPrefix(info.Key, "snapshots/") || !strings.HasSuffix(info.Key, ".json") {
		t.Fatalf("snapshot key = %q", info.Key)
	}
	if info.ContentType != "application/json" {
		t.Fatalf("content type = %q", info.ContentType)
	}
	if info.Metadata["node_count"] != "3" {
		t.Fatalf("metadata = %v", info.Metadata)
	}

	doc, err := archiver.Load(ctx, info.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.NodeCount != 3 || len(doc.Nodes) != 3 {
		t.Fatalf("document = %+v", doc)
	}
	if !doc.CapturedAt.Equal(fixed) {
		t.Fatalf("captured at = %v, want %v", doc.CapturedAt, fixed)
	}
	if doc.Nodes[0].ID != root.ID {
		t.Fatalf("first node = %+v, want root %d", doc.Nodes[0], root.ID)
	}
}

func TestSnapshotListChronological(t *testing.T) {
	store := memory.NewStore()
	blobs := blob.NewMemory()
	archiver := NewSnapshotArchiver(store, blobs)

	times := []time.Time{
		time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
	}
	for _, ts := range times {
		captured := ts
		archiver.SetNowFunc(func() time.Time { return captured })
		if _, err := archiver.Capture(context.Background()); err != nil {
			t.Fatalf("capture at %v: %v", ts, err)
		}
	}
	infos, err := archiver.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].Key >= infos[i].Key {
			t.Fatalf("keys out of order: %q >= %q", infos[i-1].Key, infos[i].Key)
		}
	}
}

func TestSnapshotDuplicateCaptureRejected(t *testing.T) {
	store := memory.NewStore()
	blobs := blob.NewMemory()
	archiver := NewSnapshotArchiver(store, blobs)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	archiver.SetNowFunc(func() time.Time { return fixed })

	if _, err := archiver.Capture(context.Background()); err != nil {
		t.Fatalf("first capture: %v", err)
	}
	if _, err := archiver.Capture(context.Background()); err == nil {
		t.Fatal("second capture under the same timestamp succeeded")
	}
}

func TestSnapshotLoadMissingKey(t *testing.T) {
	archiver := NewSnapshotArchiver(memory.NewStore(), blob.NewMemory())
	if _, err := archiver.Load(context.Background(), "snapshots/none.json"); err == nil {
		t.Fatal("loading a missing snapshot succeeded")
	}
}
