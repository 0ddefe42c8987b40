package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/arggraph/internal/graph"
)

func TestMindchange_PutGetDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.GetMindchange(ctx, "doc1", "e1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mc := graph.Mindchange{
		Forward:  graph.MindchangeSide{Average: 0.4, Count: 3},
		Backward: graph.MindchangeSide{Average: -0.2, Count: 1},
	}
	if err := s.PutMindchange(ctx, "doc1", "e1", mc); err != nil {
		t.Fatalf("PutMindchange() failed: %v", err)
	}
	mc.Forward.Count = 4
	if err := s.PutMindchange(ctx, "doc1", "e1", mc); err != nil {
		t.Fatalf("second PutMindchange() failed: %v", err)
	}

	got, err := s.GetMindchange(ctx, "doc1", "e1")
	if err != nil {
		t.Fatalf("GetMindchange() failed: %v", err)
	}
	if got != mc {
		t.Errorf("GetMindchange() = %+v, want %+v", got, mc)
	}

	ok, err := s.DeleteMindchangeForEdge(ctx, "doc1", "e1")
	if err != nil || !ok {
		t.Fatalf("DeleteMindchangeForEdge() = %v, %v", ok, err)
	}
	if _, err := s.GetMindchange(ctx, "doc1", "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	ok, err = s.DeleteMindchangeForEdge(ctx, "doc1", "e1")
	if err != nil || !ok {
		t.Errorf("deleting a missing statistic should succeed, got %v, %v", ok, err)
	}
}

func TestMindchange_MirroredIntoMeta(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mc := graph.Mindchange{Forward: graph.MindchangeSide{Average: 0.5, Count: 2}}
	if err := s.PutMindchange(ctx, "doc1", "e1", mc); err != nil {
		t.Fatalf("PutMindchange() failed: %v", err)
	}

	meta, err := s.FetchMeta(ctx, "doc1")
	if err != nil {
		t.Fatalf("FetchMeta() failed: %v", err)
	}
	v, ok := meta[graph.MindchangeKey("e1")].(map[string]any)
	if !ok {
		t.Fatalf("meta missing mindchange mirror: %v", meta)
	}
	forward, _ := v["forward"].(map[string]any)
	if forward["average"] != 0.5 || forward["count"] != float64(2) {
		t.Errorf("unexpected mirrored value: %v", v)
	}

	if _, err := s.DeleteMindchangeForEdge(ctx, "doc1", "e1"); err != nil {
		t.Fatalf("DeleteMindchangeForEdge() failed: %v", err)
	}
	meta, err = s.FetchMeta(ctx, "doc1")
	if err != nil {
		t.Fatalf("FetchMeta() failed: %v", err)
	}
	if _, ok := meta[graph.MindchangeKey("e1")]; ok {
		t.Error("mindchange mirror survived delete")
	}
}
