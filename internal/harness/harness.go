package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/arggraph/internal/doc"
	"github.com/roach88/arggraph/internal/graph"
	"github.com/roach88/arggraph/internal/presence"
	"github.com/roach88/arggraph/internal/session"
	"github.com/roach88/arggraph/internal/store"
	"github.com/roach88/arggraph/internal/testutil"
)

// DocID is the document every scenario runs against.
const DocID = "scenario"

// Epoch is the manual clock's start time.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness holds the collaborators of one scenario run.
type Harness struct {
	store   *store.Store
	hub     *presence.Hub
	clock   *testutil.ManualClock
	session *session.Session
	logger  *slog.Logger

	// remote holds the locks advertised per fake remote session.
	remote map[string]map[string]presence.Lock
}

// sequentialIDs hands out gen-1, gen-2, ...
type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "gen-" + strconv.Itoa(g.n)
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Open a fresh in-memory store and seed it from the setup
//  2. Start a session over the store, a presence hub and a manual clock
//  3. Execute flow steps, checking each outcome
//  4. Evaluate assertions against the final view
//  5. Close the session and read the saved state back
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := seed(ctx, st, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to seed document: %w", err)
	}

	h := &Harness{
		store:  st,
		hub:    presence.NewHub(),
		clock:  testutil.NewManualClock(Epoch),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		remote: make(map[string]map[string]presence.Lock),
	}
	defer h.hub.Close()

	s, err := session.New(session.Config{
		DocID:    DocID,
		User:     presence.User{ID: "harness", Name: "Harness", SessionID: "s-harness"},
		Writable: !scenario.ReadOnly,
		Clock:    h.clock,
		IDs:      &sequentialIDs{},
		Logger:   h.logger,
	}, session.Deps{
		Presence:   h.hub,
		Loader:     st,
		Log:        st,
		Meta:       st,
		Mindchange: st,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	h.session = s

	result := NewResult()
	for i, step := range scenario.Flow {
		ev := h.execute(ctx, i+1, step)
		result.AddTrace(ev)
		want := step.Expect
		if want == "" {
			want = OutcomeOK
		}
		if ev.Outcome != want {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected %s, got %s %s", i, step.Op, want, ev.Outcome, ev.Detail))
		}
	}
	result.View = s.View()

	if err := s.Close(ctx); err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}
	stored, err := storedNodes(ctx, st)
	if err != nil {
		return nil, err
	}
	result.StoredNodes = stored

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func seed(ctx context.Context, st *store.Store, setup Setup) error {
	if len(setup.Nodes) == 0 && len(setup.Edges) == 0 {
		return nil
	}
	d := doc.New("seed")
	err := graph.NewDocBoard(d).Transact("seed", func(tx graph.Tx) {
		for _, n := range setup.Nodes {
			tx.PutNode(graph.Node{
				ID:       n.ID,
				Type:     graph.NodeType(n.Type),
				Position: graph.Position{X: n.X, Y: n.Y},
				ParentID: n.Parent,
				Data:     n.Data,
			})
			if n.Text != "" {
				tx.SetText(n.ID, n.Text)
			}
		}
		for _, e := range setup.Edges {
			tx.PutEdge(graph.Edge{
				ID:           e.ID,
				Type:         graph.EdgeType(e.Type),
				Source:       e.Source,
				Target:       e.Target,
				SourceHandle: graph.SourceHandle(e.Source),
				TargetHandle: graph.TargetHandle(e.Target),
			})
		}
	})
	if err != nil {
		return err
	}
	state, err := d.EncodeStateAsUpdate()
	if err != nil {
		return err
	}
	return st.AppendUpdate(ctx, DocID, state)
}

func storedNodes(ctx context.Context, st *store.Store) (int, error) {
	state, err := st.LoadState(ctx, DocID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read back stored state: %w", err)
	}
	d := doc.New("reader")
	if err := d.ApplyUpdate(state, ""); err != nil {
		return 0, fmt.Errorf("failed to read back stored state: %w", err)
	}
	return len(d.Snapshot(doc.MapNodes)), nil
}

// execute runs one step and classifies its outcome.
func (h *Harness) execute(ctx context.Context, n int, step FlowStep) TraceEvent {
	ev := TraceEvent{Step: n, Op: step.Op, Args: step.Args}
	a := args(step.Args)
	s := h.session

	var detail string
	var err error
	switch step.Op {
	case OpAddPointBelow:
		opts := graph.AddPointOptions{Content: a.str("content")}
		if t := a.str("edge_type"); t != "" {
			opts.PreferredEdgeType = func(graph.Node) graph.EdgeType { return graph.EdgeType(t) }
		}
		var res graph.AddPointResult
		res, err = s.AddPointBelow(a.str("parent"), opts)
		detail = fmt.Sprintf("node=%s edge=%s type=%s", res.NodeID, res.EdgeID, res.EdgeType)

	case OpDeleteNode:
		var res graph.DeleteResult
		res, err = s.DeleteNode(a.str("id"))
		detail = removed(res)

	case OpDeleteInversePair:
		var res graph.InversePairResult
		res, err = s.DeleteInversePair(a.str("id"))
		detail = fmt.Sprintf("original=%s %s", res.OriginalID, removed(res.Removed))

	case OpDuplicate:
		var id string
		id, err = s.Duplicate(a.str("id"), graph.Position{X: a.num("x"), Y: a.num("y")})
		detail = "node=" + id

	case OpAddObjection:
		var res graph.ObjectionResult
		res, err = s.AddObjection(a.str("edge"), a.str("content"))
		detail = fmt.Sprintf("node=%s edge=%s anchor=%s", res.NodeID, res.EdgeID, res.AnchorID)

	case OpCreateInversePair:
		var res graph.PairResult
		res, err = s.CreateInversePair(a.str("id"), a.str("content"))
		detail = fmt.Sprintf("group=%s inverse=%s edge=%s", res.GroupID, res.InverseID, res.EdgeID)

	case OpMoveNode:
		err = s.MoveNode(a.str("id"), graph.Position{X: a.num("x"), Y: a.num("y")})

	case OpSetContent:
		err = s.SetNodeContent(a.str("id"), a.str("text"))

	case OpRemoteLock:
		err = h.remoteLock(ctx, a.str("session"), a.str("node"))

	case OpRemoteRelease:
		err = h.remoteRelease(ctx, a.str("session"))

	case OpAdvance:
		h.clock.Advance(time.Duration(a.num("ms")) * time.Millisecond)

	case OpSetWritable:
		s.SetWritable(a.flag("writable"))

	case OpSave:
		err = s.Save(ctx)
		if err == nil {
			var info store.DocInfo
			info, err = h.store.Info(ctx, DocID)
			detail = fmt.Sprintf("updates=%d", info.Updates)
		}
	}

	switch {
	case err == nil:
		ev.Outcome = OutcomeOK
		ev.Detail = detail
	case errors.Is(err, session.ErrReadOnly):
		ev.Outcome = OutcomeReadOnly
	case errors.Is(err, session.ErrLocked):
		ev.Outcome = OutcomeLocked
	case errors.Is(err, session.ErrNotApplied):
		ev.Outcome = OutcomeNotApplied
	default:
		ev.Outcome = "error"
		ev.Detail = err.Error()
	}
	h.logger.Info("flow step completed", "step", n, "op", step.Op, "outcome", ev.Outcome)
	return ev
}

// remoteLock advertises a lock held by a fake remote session. The lock's
// timestamp is the current manual time, so it loses ties to older locks.
func (h *Harness) remoteLock(ctx context.Context, sessionID, nodeID string) error {
	locks, ok := h.remote[sessionID]
	if !ok {
		locks = make(map[string]presence.Lock)
		h.remote[sessionID] = locks
	}
	locks[nodeID] = presence.Lock{Kind: presence.LockEdit, TS: h.clock.Now().UnixMilli(), SessionID: sessionID}
	return h.publishRemote(ctx, sessionID)
}

// remoteRelease makes a fake remote session leave.
func (h *Harness) remoteRelease(ctx context.Context, sessionID string) error {
	delete(h.remote, sessionID)
	return h.hub.Publish(ctx, presence.Message{
		Type:  presence.MessageLeave,
		State: presence.PeerState{User: presence.User{ID: sessionID, SessionID: sessionID}},
	})
}

func (h *Harness) publishRemote(ctx context.Context, sessionID string) error {
	locks := make(map[string]presence.Lock, len(h.remote[sessionID]))
	for id, l := range h.remote[sessionID] {
		locks[id] = l
	}
	return h.hub.Publish(ctx, presence.Message{
		Type: presence.MessageState,
		State: presence.PeerState{
			User:  presence.User{ID: sessionID, Name: sessionID, SessionID: sessionID},
			Locks: locks,
		},
	})
}

func removed(res graph.DeleteResult) string {
	nodes := append([]string(nil), res.Nodes...)
	edges := append([]string(nil), res.Edges...)
	sort.Strings(nodes)
	sort.Strings(edges)
	return fmt.Sprintf("nodes=[%s] edges=[%s]", strings.Join(nodes, " "), strings.Join(edges, " "))
}

// args reads YAML-decoded step arguments.
type args map[string]any

func (a args) str(key string) string {
	switch v := a[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a args) num(key string) float64 {
	switch v := a[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func (a args) flag(key string) bool {
	b, _ := a[key].(bool)
	return b
}
