// Package session binds one collaborator's view of a document: the
// replicated document, its origin token, presence, the reconciler, the
// persistence scheduler and the writable gate.
//
// Concurrency model:
//   - Mutations and inbound updates hold the session mutex, so document
//     observers (and therefore the view) only run under it.
//   - Run is the single loop that applies queued remote frames and sends
//     local updates to the transport. It must be called from one goroutine.
//   - Persistence and mindchange cleanup run off the mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/arggraph/internal/clock"
	"github.com/roach88/arggraph/internal/doc"
	"github.com/roach88/arggraph/internal/graph"
	"github.com/roach88/arggraph/internal/persist"
	"github.com/roach88/arggraph/internal/presence"
	"github.com/roach88/arggraph/internal/reconcile"
	"github.com/roach88/arggraph/internal/store"
)

const (
	// OriginRemote tags updates applied from peers.
	OriginRemote doc.Origin = "remote"
	// OriginStore tags the state loaded at start.
	OriginStore doc.Origin = "store"
)

// Transport carries encoded updates to the other peers of the document.
type Transport interface {
	Send(ctx context.Context, update []byte) error
}

// StateLoader returns the durable state of a document. A document that was
// never saved yields an error wrapping store.ErrNotFound.
type StateLoader interface {
	LoadState(ctx context.Context, docID string) ([]byte, error)
}

// Config identifies the session and tunes its timers.
type Config struct {
	DocID        string
	User         presence.User
	Writable     bool
	SaveDebounce time.Duration
	LockTTL      time.Duration
	Clock        clock.Clock
	IDs          graph.IDGenerator
	Logger       *slog.Logger
}

// Deps are the collaborators of a session. Presence is required; the rest
// may be nil, which disables the matching behavior.
type Deps struct {
	Presence   presence.Channel
	Loader     StateLoader
	Log        persist.UpdateLog
	Meta       persist.MetaSource
	Mindchange graph.MindchangeStore
	Transport  Transport
}

// Session is one collaborator's handle on a document.
type Session struct {
	docID      string
	author     graph.Author
	origin     doc.Origin
	doc        *doc.Doc
	board      *graph.DocBoard
	presence   *presence.Presence
	reconciler *reconcile.Reconciler
	scheduler  *persist.Scheduler
	gate       *persist.Gate
	loader     StateLoader
	mindchange graph.MindchangeStore
	transport  Transport
	ids        graph.IDGenerator
	queue      *eventQueue
	background graph.Background
	logger     *slog.Logger
	writable   bool

	mu        sync.Mutex
	view      graph.View
	selection map[string]bool
	unsubs    []func()
	started   bool
	closed    bool
}

// New wires a session. It performs no I/O; call Start to load state.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.DocID == "" {
		return nil, errors.New("new session: doc id required")
	}
	if deps.Presence == nil {
		return nil, errors.New("new session: presence channel required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.IDs == nil {
		cfg.IDs = graph.UUIDv7Generator{}
	}

	origin := doc.Origin(uuid.Must(uuid.NewV7()).String())
	if cfg.User.SessionID == "" {
		cfg.User.SessionID = string(origin)
	}
	logger := cfg.Logger.With("doc", cfg.DocID, "session", cfg.User.SessionID)

	s := &Session{
		docID:      cfg.DocID,
		author:     graph.Author{ID: cfg.User.ID, Name: cfg.User.Name},
		origin:     origin,
		doc:        doc.New(string(origin)),
		loader:     deps.Loader,
		mindchange: deps.Mindchange,
		transport:  deps.Transport,
		ids:        cfg.IDs,
		queue:      newEventQueue(),
		logger:     logger,
		writable:   cfg.Writable,
		selection:  make(map[string]bool),
	}
	s.board = graph.NewDocBoard(s.doc)
	s.presence = presence.New(deps.Presence, cfg.User, presence.Options{
		TTL:    cfg.LockTTL,
		Clock:  cfg.Clock,
		Logger: logger,
	})
	s.reconciler = reconcile.New(s.doc, origin, viewSink{s}, logger)
	s.scheduler = persist.NewScheduler(s.doc, cfg.DocID, updateLog(deps.Log), deps.Meta, persist.Options{
		Debounce: cfg.SaveDebounce,
		Clock:    cfg.Clock,
		Logger:   logger,
	})
	// The gate runs these under its own lock; they take the session mutex.
	s.gate = persist.NewGate(s.rebuild, s.clearSelection, logger)
	return s, nil
}

// discardLog stands in when no durable log is configured.
type discardLog struct{}

func (discardLog) AppendUpdate(context.Context, string, []byte) error { return nil }

func updateLog(l persist.UpdateLog) persist.UpdateLog {
	if l == nil {
		return discardLog{}
	}
	return l
}

// viewSink receives reconciler projections. Every call happens while the
// session mutex is held by the goroutine that triggered the dispatch.
type viewSink struct{ s *Session }

func (v viewSink) SetNodes(nodes []graph.Node) { v.s.view.Nodes = nodes }
func (v viewSink) SetEdges(edges []graph.Edge) { v.s.view.Edges = edges }

// Start loads the durable state, subscribes to the document, builds the
// initial view, applies the initial write permission and announces
// presence.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("start session %s: already started or closed", s.docID)
	}
	s.started = true

	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.reconciler.Start()
	s.unsubs = append(s.unsubs, s.doc.OnUpdate(s.onUpdate))
	s.mu.Unlock()

	if s.writable {
		s.gate.SetWritable(true)
	} else {
		s.rebuild()
	}

	s.presence.StartHeartbeat()
	if err := s.presence.Refresh(ctx); err != nil {
		s.logger.Warn("presence announce failed", "error", err)
	}
	s.logger.Info("session started", "writable", s.writable, "nodes", len(s.View().Nodes))
	return nil
}

func (s *Session) loadLocked(ctx context.Context) error {
	if s.loader == nil {
		return nil
	}
	state, err := s.loader.LoadState(ctx, s.docID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("no stored state, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start session %s: %w", s.docID, err)
	}
	if err := s.doc.ApplyUpdate(state, OriginStore); err != nil {
		return fmt.Errorf("start session %s: %w", s.docID, err)
	}
	s.scheduler.MarkAcked(s.doc.StateVector())
	return nil
}

// onUpdate schedules a save and queues the frame for peers for every local
// transaction: operations, reconciler migrations and meta syncs.
func (s *Session) onUpdate(ev doc.UpdateEvent) {
	if !ev.Local {
		return
	}
	s.scheduler.ScheduleSave()
	if s.transport != nil {
		s.queue.Enqueue(Event{Type: EventLocalUpdate, Data: ev.Data})
	}
}

func (s *Session) rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciler.Rebuild()
}

func (s *Session) clearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = make(map[string]bool)
}

// Receive queues an update frame from a peer for Run.
func (s *Session) Receive(update []byte) error {
	if !s.queue.Enqueue(Event{Type: EventRemoteUpdate, Data: update}) {
		return ErrClosed
	}
	return nil
}

// Run applies queued remote frames and sends local updates until ctx is
// cancelled or the session is closed and its queue drained.
//
// A frame that fails is logged and skipped: a malformed remote update
// changes nothing, and a failed send is recovered by peers loading the
// saved state.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Debug("session loop starting")

	for {
		if ev, ok := s.queue.TryDequeue(); ok {
			if err := s.process(ctx, ev); err != nil {
				s.logger.Warn("update frame failed", "type", ev.Type, "bytes", len(ev.Data), "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Debug("session loop stopping: context cancelled")
			return ctx.Err()
		case <-s.queue.Wait():
			if s.queue.Drained() {
				s.logger.Debug("session loop stopping: closed")
				return nil
			}
		}
	}
}

func (s *Session) process(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventRemoteUpdate:
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.doc.ApplyUpdate(ev.Data, OriginRemote); err != nil {
			return fmt.Errorf("apply remote update: %w", err)
		}
		return nil

	case EventLocalUpdate:
		if s.transport == nil {
			return nil
		}
		if err := s.transport.Send(ctx, ev.Data); err != nil {
			return fmt.Errorf("send update: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

// Origin returns the local-origin token of the session.
func (s *Session) Origin() doc.Origin {
	return s.origin
}

// Doc returns the replicated document.
func (s *Session) Doc() *doc.Doc {
	return s.doc
}

// Presence returns the session's presence.
func (s *Session) Presence() *presence.Presence {
	return s.presence
}

// Scheduler returns the session's persistence scheduler.
func (s *Session) Scheduler() *persist.Scheduler {
	return s.scheduler
}

// View returns a copy of the current view state.
func (s *Session) View() graph.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return graph.View{
		Nodes: append([]graph.Node(nil), s.view.Nodes...),
		Edges: append([]graph.Edge(nil), s.view.Edges...),
	}
}

// SetWritable changes write permission. Promotion rebuilds the view from the
// document and clears the selection before mutations are accepted.
func (s *Session) SetWritable(writable bool) {
	s.gate.SetWritable(writable)
}

// CanWrite reports whether mutations are accepted.
func (s *Session) CanWrite() bool {
	return s.gate.CanWrite()
}

// Select replaces the selection.
func (s *Session) Select(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.selection[id] = true
	}
}

// Selection returns the selected ids, sorted.
func (s *Session) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.selection))
	for id := range s.selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LockNode advertises a lock on a node.
func (s *Session) LockNode(ctx context.Context, nodeID string, kind presence.LockKind) error {
	if owner, ok := s.presence.GetLockOwner(nodeID); ok {
		return fmt.Errorf("lock %s: %w (held by %s)", nodeID, ErrLocked, owner.User.Name)
	}
	return s.presence.LockNode(ctx, nodeID, kind)
}

// UnlockNode releases a lock held by this session.
func (s *Session) UnlockNode(ctx context.Context, nodeID string) error {
	return s.presence.UnlockNode(ctx, nodeID)
}

// SyncFromMeta merges externally published metadata into the document.
func (s *Session) SyncFromMeta(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.scheduler.SyncFromMeta(ctx)
}

// Save flushes pending changes now.
func (s *Session) Save(ctx context.Context) error {
	return s.scheduler.ForceSave(ctx)
}

// Close releases locks, leaves presence, stops observing the document,
// waits for pending mindchange cleanup and performs a final save. Queued
// outbound frames are still delivered by Run, which then returns.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	var errs []error
	if err := s.presence.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.reconciler.Stop()
	for _, fn := range unsubs {
		fn()
	}
	s.queue.Close()
	s.background.Wait()

	if err := s.scheduler.InterruptSaveForCleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("session closed")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close session %s: %w", s.docID, err)
	}
	return nil
}
