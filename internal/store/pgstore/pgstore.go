// Package pgstore stores argument-graph documents in PostgreSQL.
//
// It mirrors the SQLite store method for method and shares its types, so the
// HTTP server can run against either. Tables carry an arggraph_ prefix to
// live alongside other schemas. Seq assignment takes a per-document advisory
// lock, so concurrent servers may append to the same document.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/arggraph/internal/doc"
	"github.com/roach88/arggraph/internal/graph"
	"github.com/roach88/arggraph/internal/store"
)

var _ store.Backend = (*Store)(nil)

//go:embed schema.sql
var schemaSQL string

// Store is a PostgreSQL-backed document store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to url and applies the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Append validates data and appends it to the document's log.
func (s *Store) Append(ctx context.Context, docID string, data []byte) (store.Update, error) {
	if err := doc.ValidateUpdate(data); err != nil {
		return store.Update{}, fmt.Errorf("append update %s: %w", docID, err)
	}

	now := s.now()
	u := store.Update{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		DocID:     docID,
		Data:      data,
		CreatedAt: now,
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, docID); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		head, err := headSeq(ctx, tx, docID)
		if err != nil {
			return err
		}
		u.Seq = head + 1
		_, err = tx.Exec(ctx, `
			INSERT INTO arggraph_updates (id, doc_id, seq, data, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, u.ID, u.DocID, u.Seq, u.Data, u.CreatedAt)
		return err
	})
	if err != nil {
		return store.Update{}, fmt.Errorf("append update %s: %w", docID, err)
	}
	return u, nil
}

// AppendUpdate appends data to the document's log.
func (s *Store) AppendUpdate(ctx context.Context, docID string, data []byte) error {
	_, err := s.Append(ctx, docID, data)
	return err
}

func headSeq(ctx context.Context, tx pgx.Tx, docID string) (int64, error) {
	var head int64
	err := tx.QueryRow(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(seq) FROM arggraph_updates WHERE doc_id = $1), 0),
			COALESCE((SELECT seq FROM arggraph_snapshots WHERE doc_id = $1), 0)
		)
	`, docID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("head seq: %w", err)
	}
	return head, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updates(ctx context.Context, q querier, docID string) ([]store.Update, error) {
	rows, err := q.Query(ctx, `
		SELECT id, doc_id, seq, data, created_at
		FROM arggraph_updates
		WHERE doc_id = $1
		ORDER BY seq ASC, id ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query updates %s: %w", docID, err)
	}
	defer rows.Close()

	var out []store.Update
	for rows.Next() {
		var u store.Update
		if err := rows.Scan(&u.ID, &u.DocID, &u.Seq, &u.Data, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return out, nil
}

func snapshot(ctx context.Context, q querier, docID string) ([]byte, int64, error) {
	var data []byte
	var seq int64
	err := q.QueryRow(ctx, `SELECT data, seq FROM arggraph_snapshots WHERE doc_id = $1`, docID).Scan(&data, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query snapshot %s: %w", docID, err)
	}
	return data, seq, nil
}

// Updates returns the document's uncompacted log in seq order.
func (s *Store) Updates(ctx context.Context, docID string) ([]store.Update, error) {
	return updates(ctx, s.pool, docID)
}

// LoadState returns the document's full state as one update, or
// store.ErrNotFound.
func (s *Store) LoadState(ctx context.Context, docID string) ([]byte, error) {
	snap, _, err := snapshot(ctx, s.pool, docID)
	if err != nil {
		return nil, err
	}
	log, err := updates(ctx, s.pool, docID)
	if err != nil {
		return nil, err
	}
	if snap == nil && len(log) == 0 {
		return nil, fmt.Errorf("load state %s: %w", docID, store.ErrNotFound)
	}

	parts := make([][]byte, 0, len(log)+1)
	if snap != nil {
		parts = append(parts, snap)
	}
	for _, u := range log {
		parts = append(parts, u.Data)
	}
	state, err := doc.MergeUpdates(parts...)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", docID, err)
	}
	return state, nil
}

// Compact folds all but the newest keep updates into the snapshot in one
// transaction.
func (s *Store) Compact(ctx context.Context, docID string, keep int) (store.CompactResult, error) {
	if keep < 0 {
		keep = 0
	}

	var res store.CompactResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, docID); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		log, err := updates(ctx, tx, docID)
		if err != nil {
			return err
		}
		snap, snapSeq, err := snapshot(ctx, tx, docID)
		if err != nil {
			return err
		}

		fold := len(log) - keep
		if fold <= 0 {
			res = store.CompactResult{Kept: len(log), SnapshotSeq: snapSeq}
			return nil
		}

		parts := make([][]byte, 0, fold+1)
		if snap != nil {
			parts = append(parts, snap)
		}
		for _, u := range log[:fold] {
			parts = append(parts, u.Data)
		}
		merged, err := doc.MergeUpdates(parts...)
		if err != nil {
			return err
		}
		last := log[fold-1].Seq

		_, err = tx.Exec(ctx, `
			INSERT INTO arggraph_snapshots (doc_id, data, seq, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (doc_id) DO UPDATE SET
				data = EXCLUDED.data,
				seq = EXCLUDED.seq,
				updated_at = EXCLUDED.updated_at
		`, docID, merged, last, s.now())
		if err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM arggraph_updates WHERE doc_id = $1 AND seq <= $2`, docID, last); err != nil {
			return fmt.Errorf("trim log: %w", err)
		}
		res = store.CompactResult{Merged: fold, Kept: len(log) - fold, SnapshotSeq: last}
		return nil
	})
	if err != nil {
		return store.CompactResult{}, fmt.Errorf("compact %s: %w", docID, err)
	}
	return res, nil
}

// Documents returns the ids of every stored document, sorted.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id FROM arggraph_updates
		UNION
		SELECT doc_id FROM arggraph_snapshots
		ORDER BY doc_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect documents: %w", err)
	}
	return ids, nil
}

// Info summarizes the stored log of a document.
func (s *Store) Info(ctx context.Context, docID string) (store.DocInfo, error) {
	info := store.DocInfo{DocID: docID}
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(seq), 0), MIN(created_at)
		FROM arggraph_updates WHERE doc_id = $1
	`, docID).Scan(&info.Updates, &info.HeadSeq, &oldest)
	if err != nil {
		return store.DocInfo{}, fmt.Errorf("query info %s: %w", docID, err)
	}
	if oldest != nil {
		info.Oldest = *oldest
	}

	snap, snapSeq, err := snapshot(ctx, s.pool, docID)
	if err != nil {
		return store.DocInfo{}, err
	}
	if snap == nil && info.Updates == 0 {
		return store.DocInfo{}, fmt.Errorf("info %s: %w", docID, store.ErrNotFound)
	}
	info.SnapshotSeq = snapSeq
	info.HeadSeq = max(info.HeadSeq, snapSeq)
	return info, nil
}

// GetMindchange returns the statistic of an edge, or store.ErrNotFound.
func (s *Store) GetMindchange(ctx context.Context, docID, edgeID string) (graph.Mindchange, error) {
	var mc graph.Mindchange
	err := s.pool.QueryRow(ctx, `
		SELECT forward_avg, forward_count, backward_avg, backward_count
		FROM arggraph_mindchange
		WHERE doc_id = $1 AND edge_id = $2
	`, docID, edgeID).Scan(&mc.Forward.Average, &mc.Forward.Count, &mc.Backward.Average, &mc.Backward.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.Mindchange{}, fmt.Errorf("mindchange %s/%s: %w", docID, edgeID, store.ErrNotFound)
	}
	if err != nil {
		return graph.Mindchange{}, fmt.Errorf("query mindchange %s/%s: %w", docID, edgeID, err)
	}
	return mc, nil
}

// PutMindchange stores the statistic of an edge and mirrors it into meta.
func (s *Store) PutMindchange(ctx context.Context, docID, edgeID string, mc graph.Mindchange) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO arggraph_mindchange (doc_id, edge_id, forward_avg, forward_count, backward_avg, backward_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (doc_id, edge_id) DO UPDATE SET
				forward_avg = EXCLUDED.forward_avg,
				forward_count = EXCLUDED.forward_count,
				backward_avg = EXCLUDED.backward_avg,
				backward_count = EXCLUDED.backward_count
		`, docID, edgeID, mc.Forward.Average, mc.Forward.Count, mc.Backward.Average, mc.Backward.Count)
		if err != nil {
			return err
		}
		return putMetaValue(ctx, tx, docID, graph.MindchangeKey(edgeID), mc)
	})
	if err != nil {
		return fmt.Errorf("put mindchange %s/%s: %w", docID, edgeID, err)
	}
	return nil
}

// DeleteMindchangeForEdge removes the statistic of an edge and its meta
// mirror. Deleting a missing statistic succeeds.
func (s *Store) DeleteMindchangeForEdge(ctx context.Context, docID, edgeID string) (bool, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM arggraph_mindchange WHERE doc_id = $1 AND edge_id = $2`, docID, edgeID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM arggraph_meta WHERE doc_id = $1 AND key = $2`, docID, graph.MindchangeKey(edgeID))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete mindchange %s/%s: %w", docID, edgeID, err)
	}
	return true, nil
}

// FetchMeta returns every meta key of a document.
func (s *Store) FetchMeta(ctx context.Context, docID string) (map[string]any, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value FROM arggraph_meta
		WHERE doc_id = $1
		ORDER BY key ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query meta %s: %w", docID, err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("unmarshal meta %s/%s: %w", docID, key, err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meta: %w", err)
	}
	return out, nil
}

// PutMeta upserts values into a document's meta. A nil value removes its key.
func (s *Store) PutMeta(ctx context.Context, docID string, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, k := range keys {
			if values[k] == nil {
				if _, err := tx.Exec(ctx, `DELETE FROM arggraph_meta WHERE doc_id = $1 AND key = $2`, docID, k); err != nil {
					return err
				}
				continue
			}
			if err := putMetaValue(ctx, tx, docID, k, values[k]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put meta %s: %w", docID, err)
	}
	return nil
}

func putMetaValue(ctx context.Context, tx pgx.Tx, docID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal meta %s: %w", key, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO arggraph_meta (doc_id, key, value)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (doc_id, key) DO UPDATE SET value = EXCLUDED.value
	`, docID, key, string(raw))
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}
