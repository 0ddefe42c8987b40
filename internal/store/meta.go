package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// FetchMeta returns every meta key of a document. A document without meta
// yields an empty map.
func (s *Store) FetchMeta(ctx context.Context, docID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM meta
		WHERE doc_id = ?
		ORDER BY key COLLATE BINARY ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query meta %s: %w", docID, err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put meta %s: begin: %w", docID, err)
	}
	defer tx.Rollback()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if values[k] == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE doc_id = ? AND key = ?`, docID, k); err != nil {
				return fmt.Errorf("put meta %s/%s: %w", docID, k, err)
			}
			continue
		}
		if err := putMetaValue(ctx, tx, docID, k, values[k]); err != nil {
			return fmt.Errorf("put meta %s: %w", docID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put meta %s: commit: %w", docID, err)
	}
	return nil
}

func putMetaValue(ctx context.Context, tx *sql.Tx, docID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal meta %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (doc_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT (doc_id, key) DO UPDATE SET value = excluded.value
	`, docID, key, string(raw))
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}
