// Package persist keeps the durable update log in step with the live
// document.
//
// The Scheduler debounces saves: each ScheduleSave re-arms one timer, and
// when it fires only the delta since the last state vector acknowledged by
// the store is sent. A failed flush is retried on the next debounce cycle;
// the live document stays authoritative either way.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/roach88/arggraph/internal/clock"
	"github.com/roach88/arggraph/internal/doc"
)

// DefaultDebounce is the quiet period before a scheduled save fires.
const DefaultDebounce = time.Second

// flushTimeout bounds a timer-driven flush.
const flushTimeout = 30 * time.Second

// OriginMeta tags transactions that merge external metadata.
const OriginMeta doc.Origin = "persist/meta"

// UpdateLog is the append-only durable update log.
type UpdateLog interface {
	AppendUpdate(ctx context.Context, docID string, update []byte) error
}

// MetaSource supplies metadata published by external collaborators, such as
// market prices from the pricing engine.
type MetaSource interface {
	FetchMeta(ctx context.Context, docID string) (map[string]any, error)
}

// Options configures a Scheduler.
type Options struct {
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Scheduler debounces saves of one document.
type Scheduler struct {
	doc      *doc.Doc
	docID    string
	log      UpdateLog
	meta     MetaSource
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	timer   clock.Timer
	acked   doc.StateVector
	stopped bool

	// flushMu serializes flushes so two deltas never overlap.
	flushMu sync.Mutex
}

// NewScheduler creates a scheduler. meta may be nil when no external
// metadata exists.
func NewScheduler(d *doc.Doc, docID string, log UpdateLog, meta MetaSource, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		doc:      d,
		docID:    docID,
		log:      log,
		meta:     meta,
		debounce: opts.Debounce,
		clock:    opts.Clock,
		logger:   opts.Logger,
		acked:    make(doc.StateVector),
	}
}

// MarkAcked records sv as already durable, typically the vector of the
// state loaded from the store.
func (s *Scheduler) MarkAcked(sv doc.StateVector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = sv.Clone()
}

// Acked returns the last acknowledged state vector.
func (s *Scheduler) Acked() doc.StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked.Clone()
}

// ScheduleSave arms or refreshes the debounce timer.
func (s *Scheduler) ScheduleSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.debounce, s.fire)
	s.logger.Debug("save scheduled", "doc", s.docID, "debounce", s.debounce)
}

// Pending reports whether a debounced save is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.flush(ctx); err != nil {
		s.logger.Warn("save failed, retrying next cycle", "doc", s.docID, "error", err)
		s.ScheduleSave()
	}
}

// ForceSave cancels the debounce and flushes now. On failure the debounce
// is re-armed so the delta is retried.
func (s *Scheduler) ForceSave(ctx context.Context) error {
	s.InterruptSave()
	if err := s.flush(ctx); err != nil {
		s.ScheduleSave()
		return err
	}
	return nil
}

// InterruptSave cancels a pending debounce without flushing.
func (s *Scheduler) InterruptSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// InterruptSaveForCleanup cancels the debounce, stops further scheduling
// and performs a final best-effort flush.
func (s *Scheduler) InterruptSaveForCleanup(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.flush(ctx); err != nil {
		s.logger.Warn("final save failed", "doc", s.docID, "error", err)
		return err
	}
	return nil
}

func (s *Scheduler) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	delta, err := s.doc.DeltaSince(s.Acked())
	if err != nil {
		return fmt.Errorf("flush %s: encode delta: %w", s.docID, err)
	}
	if delta.Empty() {
		return nil
	}
	if err := s.log.AppendUpdate(ctx, s.docID, delta.Data); err != nil {
		return fmt.Errorf("flush %s: %w", s.docID, err)
	}

	s.mu.Lock()
	s.acked = delta.Vector
	s.mu.Unlock()
	s.logger.Debug("saved delta", "doc", s.docID, "items", delta.Items, "bytes", len(delta.Data))
	return nil
}

// SyncFromMeta merges externally published metadata into the meta map.
// Only keys whose value changed are written, and nothing outside the meta
// map is touched, so pending local edits and the debounce are unaffected.
func (s *Scheduler) SyncFromMeta(ctx context.Context) (int, error) {
	if s.meta == nil {
		return 0, nil
	}
	fetched, err := s.meta.FetchMeta(ctx, s.docID)
	if err != nil {
		return 0, fmt.Errorf("sync meta %s: %w", s.docID, err)
	}

	keys := make([]string, 0, len(fetched))
	for k := range fetched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changed := 0
	err = s.doc.Transact(OriginMeta, func(tx *doc.Tx) {
		for _, k := range keys {
			want, nerr := doc.Normalize(fetched[k])
			if nerr != nil {
				continue
			}
			if rec, ok := tx.Get(doc.MapMeta, k); ok && reflect.DeepEqual(rec["value"], want) {
				continue
			}
			tx.Set(doc.MapMeta, k, "value", want)
			changed++
		}
	})
	if err != nil {
		return changed, fmt.Errorf("sync meta %s: %w", s.docID, err)
	}
	return changed, nil
}
