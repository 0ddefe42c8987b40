package store

import (
	"context"

	"github.com/roach88/arggraph/internal/graph"
)

// Backend is the durable-store contract shared by the SQLite store and
// pgstore.
type Backend interface {
	AppendUpdate(ctx context.Context, docID string, data []byte) error
	LoadState(ctx context.Context, docID string) ([]byte, error)
	Compact(ctx context.Context, docID string, keep int) (CompactResult, error)
	Documents(ctx context.Context) ([]string, error)
	Info(ctx context.Context, docID string) (DocInfo, error)

	GetMindchange(ctx context.Context, docID, edgeID string) (graph.Mindchange, error)
	PutMindchange(ctx context.Context, docID, edgeID string, mc graph.Mindchange) error
	DeleteMindchangeForEdge(ctx context.Context, docID, edgeID string) (bool, error)

	FetchMeta(ctx context.Context, docID string) (map[string]any, error)
	PutMeta(ctx context.Context, docID string, values map[string]any) error

	Close() error
}

var _ Backend = (*Store)(nil)
