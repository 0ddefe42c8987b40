package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/arggraph/internal/doc"
)

// Update is one row of a document's update log.
type Update struct {
	ID        string
	DocID     string
	Seq       int64
	Data      []byte
	CreatedAt time.Time
}

// CompactResult describes what Compact folded into the snapshot.
type CompactResult struct {
	Merged      int   `json:"merged"`
	Kept        int   `json:"kept"`
	SnapshotSeq int64 `json:"snapshot_seq"`
}

// DocInfo summarizes how a document is stored.
type DocInfo struct {
	DocID       string    `json:"doc_id"`
	Updates     int       `json:"updates"`
	HeadSeq     int64     `json:"head_seq"`
	SnapshotSeq int64     `json:"snapshot_seq"`
	Oldest      time.Time `json:"oldest"`
}

// Append validates data and appends it to the document's log.
func (s *Store) Append(ctx context.Context, docID string, data []byte) (Update, error) {
	if err := doc.ValidateUpdate(data); err != nil {
		return Update{}, fmt.Errorf("append update %s: %w", docID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Update{}, fmt.Errorf("append update %s: begin: %w", docID, err)
	}
	defer tx.Rollback()

	head, err := headSeq(ctx, tx, docID)
	if err != nil {
		return Update{}, fmt.Errorf("append update %s: %w", docID, err)
	}

	now := s.now()
	u := Update{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		DocID:     docID,
		Seq:       head + 1,
		Data:      data,
		CreatedAt: now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO updates (id, doc_id, seq, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.DocID, u.Seq, u.Data, now.UnixMilli())
	if err != nil {
		return Update{}, fmt.Errorf("append update %s: %w", docID, err)
	}

	if err := tx.Commit(); err != nil {
		return Update{}, fmt.Errorf("append update %s: commit: %w", docID, err)
	}
	return u, nil
}

// AppendUpdate appends data to the document's log.
func (s *Store) AppendUpdate(ctx context.Context, docID string, data []byte) error {
	_, err := s.Append(ctx, docID, data)
	return err
}

// headSeq is the highest seq the document has used, counting the snapshot.
func headSeq(ctx context.Context, tx *sql.Tx, docID string) (int64, error) {
	var head int64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM updates WHERE doc_id = ?), 0),
			COALESCE((SELECT seq FROM snapshots WHERE doc_id = ?), 0)
		)
	`, docID, docID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("head seq: %w", err)
	}
	return head, nil
}

// Updates returns the document's uncompacted log in seq order.
func (s *Store) Updates(ctx context.Context, docID string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, seq, data, created_at
		FROM updates
		WHERE doc_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query updates %s: %w", docID, err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var u Update
		var created int64
		if err := rows.Scan(&u.ID, &u.DocID, &u.Seq, &u.Data, &created); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u.CreatedAt = time.UnixMilli(created)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return out, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func snapshot(ctx context.Context, q rowQuerier, docID string) ([]byte, int64, error) {
	var data []byte
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT data, seq FROM snapshots WHERE doc_id = ?`, docID).Scan(&data, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query snapshot %s: %w", docID, err)
	}
	return data, seq, nil
}

// LoadState returns the document's full state as one update. It returns
// ErrNotFound for a document that has never been written.
func (s *Store) LoadState(ctx context.Context, docID string) ([]byte, error) {
	snap, _, err := snapshot(ctx, s.db, docID)
	if err != nil {
		return nil, err
	}
	updates, err := s.Updates(ctx, docID)
	if err != nil {
		return nil, err
	}
	if snap == nil && len(updates) == 0 {
		return nil, fmt.Errorf("load state %s: %w", docID, ErrNotFound)
	}

	parts := make([][]byte, 0, len(updates)+1)
	if snap != nil {
		parts = append(parts, snap)
	}
	for _, u := range updates {
		parts = append(parts, u.Data)
	}
	state, err := doc.MergeUpdates(parts...)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", docID, err)
	}
	return state, nil
}

// Compact folds all but the newest keep updates into the document's
// snapshot. The log and snapshot change in one transaction.
func (s *Store) Compact(ctx context.Context, docID string, keep int) (CompactResult, error) {
	if keep < 0 {
		keep = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CompactResult{}, fmt.Errorf("compact %s: begin: %w", docID, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, data FROM updates
		WHERE doc_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, docID)
	if err != nil {
		return CompactResult{}, fmt.Errorf("compact %s: %w", docID, err)
	}
	var seqs []int64
	var blobs [][]byte
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			rows.Close()
			return CompactResult{}, fmt.Errorf("compact %s: scan: %w", docID, err)
		}
		seqs = append(seqs, seq)
		blobs = append(blobs, data)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return CompactResult{}, fmt.Errorf("compact %s: %w", docID, err)
	}

	snap, snapSeq, err := snapshot(ctx, tx, docID)
	if err != nil {
		return CompactResult{}, err
	}

	fold := len(blobs) - keep
	if fold <= 0 {
		return CompactResult{Kept: len(blobs), SnapshotSeq: snapSeq}, nil
	}

	parts := blobs[:fold]
	if snap != nil {
		parts = append([][]byte{snap}, parts...)
	}
	merged, err := doc.MergeUpdates(parts...)
	if err != nil {
		return CompactResult{}, fmt.Errorf("compact %s: %w", docID, err)
	}
	last := seqs[fold-1]

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (doc_id, data, seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET
			data = excluded.data,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`, docID, merged, last, s.now().UnixMilli())
	if err != nil {
		return CompactResult{}, fmt.Errorf("compact %s: write snapshot: %w", docID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE doc_id = ? AND seq <= ?`, docID, last); err != nil {
		return CompactResult{}, fmt.Errorf("compact %s: trim log: %w", docID, err)
	}

	if err := tx.Commit(); err != nil {
		return CompactResult{}, fmt.Errorf("compact %s: commit: %w", docID, err)
	}
	return CompactResult{Merged: fold, Kept: len(blobs) - fold, SnapshotSeq: last}, nil
}

// Documents returns the ids of every stored document, sorted.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id FROM updates
		UNION
		SELECT doc_id FROM snapshots
		ORDER BY doc_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return ids, nil
}

// Info summarizes the stored log of a document.
func (s *Store) Info(ctx context.Context, docID string) (DocInfo, error) {
	info := DocInfo{DocID: docID}
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(seq), 0), MIN(created_at)
		FROM updates WHERE doc_id = ?
	`, docID).Scan(&info.Updates, &info.HeadSeq, &oldest)
	if err != nil {
		return DocInfo{}, fmt.Errorf("query info %s: %w", docID, err)
	}
	if oldest.Valid {
		info.Oldest = time.UnixMilli(oldest.Int64)
	}

	snap, snapSeq, err := snapshot(ctx, s.db, docID)
	if err != nil {
		return DocInfo{}, err
	}
	if snap == nil && info.Updates == 0 {
		return DocInfo{}, fmt.Errorf("info %s: %w", docID, ErrNotFound)
	}
	info.SnapshotSeq = snapSeq
	if snapSeq > info.HeadSeq {
		info.HeadSeq = snapSeq
	}
	return info, nil
}
