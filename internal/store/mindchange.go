package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/arggraph/internal/graph"
)

// GetMindchange returns the statistic of an edge, or ErrNotFound.
func (s *Store) GetMindchange(ctx context.Context, docID, edgeID string) (graph.Mindchange, error) {
	var mc graph.Mindchange
	err := s.db.QueryRowContext(ctx, `
		SELECT forward_avg, forward_count, backward_avg, backward_count
		FROM mindchange
		WHERE doc_id = ? AND edge_id = ?
	`, docID, edgeID).Scan(&mc.Forward.Average, &mc.Forward.Count, &mc.Backward.Average, &mc.Backward.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Mindchange{}, fmt.Errorf("mindchange %s/%s: %w", docID, edgeID, ErrNotFound)
	}
	if err != nil {
		return graph.Mindchange{}, fmt.Errorf("query mindchange %s/%s: %w", docID, edgeID, err)
	}
	return mc, nil
}

// PutMindchange stores the statistic of an edge and mirrors it into the
// document's meta under graph.MindchangeKey.
func (s *Store) PutMindchange(ctx context.Context, docID, edgeID string, mc graph.Mindchange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put mindchange %s/%s: begin: %w", docID, edgeID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mindchange (doc_id, edge_id, forward_avg, forward_count, backward_avg, backward_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (doc_id, edge_id) DO UPDATE SET
			forward_avg = excluded.forward_avg,
			forward_count = excluded.forward_count,
			backward_avg = excluded.backward_avg,
			backward_count = excluded.backward_count
	`, docID, edgeID, mc.Forward.Average, mc.Forward.Count, mc.Backward.Average, mc.Backward.Count)
	if err != nil {
		return fmt.Errorf("put mindchange %s/%s: %w", docID, edgeID, err)
	}
	if err := putMetaValue(ctx, tx, docID, graph.MindchangeKey(edgeID), mc); err != nil {
		return fmt.Errorf("put mindchange %s/%s: %w", docID, edgeID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put mindchange %s/%s: commit: %w", docID, edgeID, err)
	}
	return nil
}

// DeleteMindchangeForEdge removes the statistic of an edge and its meta
// mirror. Deleting a missing statistic succeeds.
func (s *Store) DeleteMindchangeForEdge(ctx context.Context, docID, edgeID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete mindchange %s/%s: begin: %w", docID, edgeID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mindchange WHERE doc_id = ? AND edge_id = ?`, docID, edgeID); err != nil {
		return false, fmt.Errorf("delete mindchange %s/%s: %w", docID, edgeID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE doc_id = ? AND key = ?`, docID, graph.MindchangeKey(edgeID)); err != nil {
		return false, fmt.Errorf("delete mindchange %s/%s: meta: %w", docID, edgeID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete mindchange %s/%s: commit: %w", docID, edgeID, err)
	}
	return true, nil
}
