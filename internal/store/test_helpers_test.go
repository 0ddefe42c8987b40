package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/arggraph/internal/doc"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestStoreAt creates a store whose clock is frozen at now.
func createTestStoreAt(t *testing.T, now time.Time) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenWithOptions(path, Options{Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("OpenWithOptions() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// makeUpdates returns n updates from one document, each adding point node
// "n<i>". The document is returned so tests can compare loaded state.
func makeUpdates(t *testing.T, n int) (*doc.Doc, [][]byte) {
	t.Helper()
	d := doc.New("test")
	var out [][]byte
	unsub := d.OnUpdate(func(ev doc.UpdateEvent) { out = append(out, ev.Data) })
	defer unsub()

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("n%d", i)
		err := d.Transact("test", func(tx *doc.Tx) {
			tx.SetFields(doc.MapNodes, id, doc.Record{"type": "point", "position.x": i * 10})
		})
		if err != nil {
			t.Fatalf("Transact() failed: %v", err)
		}
	}
	if len(out) != n {
		t.Fatalf("expected %d updates, got %d", n, len(out))
	}
	return d, out
}

// loadDoc applies the stored state of docID to a fresh document.
func loadDoc(t *testing.T, s *Store, docID string) *doc.Doc {
	t.Helper()
	state, err := s.LoadState(context.Background(), docID)
	if err != nil {
		t.Fatalf("LoadState() failed: %v", err)
	}
	d := doc.New("loader")
	if err := d.ApplyUpdate(state, "store"); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}
	return d
}
