package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/arggraph/internal/doc"
)

// testBoard gives tests a uniform read side over both Board implementations.
type testBoard struct {
	board   Board
	node    func(id string) (Node, bool)
	edges   func() []Edge
	text    func(id string) (string, bool)
	meta    func(key string) (any, bool)
	origins func() []doc.Origin
}

func newMemoryTestBoard() testBoard {
	b := NewMemoryBoard()
	return testBoard{
		board: b,
		node: func(id string) (Node, bool) {
			for _, n := range b.Nodes() {
				if n.ID == id {
					return n, true
				}
			}
			return Node{}, false
		},
		edges: b.EdgeList,
		text: func(id string) (string, bool) {
			s, ok := b.TextMap()[id]
			return s, ok
		},
		meta:    b.MetaValue,
		origins: b.Origins,
	}
}

func newDocTestBoard() testBoard {
	d := doc.New("client-a")
	var mu sync.Mutex
	var origins []doc.Origin
	d.OnUpdate(func(ev doc.UpdateEvent) {
		mu.Lock()
		defer mu.Unlock()
		origins = append(origins, ev.Origin)
	})
	return testBoard{
		board: NewDocBoard(d),
		node: func(id string) (Node, bool) {
			rec, ok := d.Get(doc.MapNodes, id)
			if !ok {
				return Node{}, false
			}
			return NodeFromRecord(id, rec), true
		},
		edges: func() []Edge {
			var out []Edge
			for id, rec := range d.Snapshot(doc.MapEdges) {
				out = append(out, EdgeFromRecord(id, rec))
			}
			SortEdges(out)
			return out
		},
		text: func(id string) (string, bool) {
			rec, ok := d.Get(doc.MapText, id)
			if !ok {
				return "", false
			}
			return TextFromRecord(rec), true
		},
		meta: func(key string) (any, bool) {
			rec, ok := d.Get(doc.MapMeta, key)
			if !ok {
				return nil, false
			}
			return rec["value"], true
		},
		origins: func() []doc.Origin {
			mu.Lock()
			defer mu.Unlock()
			return append([]doc.Origin(nil), origins...)
		},
	}
}

// forEachBoard runs fn against the in-memory board and the document board.
// Both must behave identically.
func forEachBoard(t *testing.T, fn func(t *testing.T, tb testBoard)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryTestBoard()) })
	t.Run("doc", func(t *testing.T) { fn(t, newDocTestBoard()) })
}

func seed(t *testing.T, tb testBoard, nodes []Node, edges []Edge, text map[string]string) {
	t.Helper()
	err := tb.board.Transact("seed", func(tx Tx) {
		for _, n := range nodes {
			tx.PutNode(n)
		}
		for _, e := range edges {
			tx.PutEdge(e)
		}
		for id, s := range text {
			tx.SetText(id, s)
		}
	})
	require.NoError(t, err)
}

func newEnv(tb testBoard, ids ...string) Env {
	return Env{
		Board:      tb.board,
		View:       &View{},
		Origin:     "local",
		DocID:      "doc-1",
		Author:     Author{ID: "u1", Name: "Ada"},
		IDs:        NewFixedGenerator(ids...),
		Background: &Background{},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func edge(id string, typ EdgeType, source, target string) Edge {
	return Edge{
		ID:           id,
		Type:         typ,
		Source:       source,
		Target:       target,
		SourceHandle: SourceHandle(source),
		TargetHandle: TargetHandle(target),
	}
}

// objectionFixture is a negation edge n1: a -> b with an anchor and one
// attached objection o1 via objection edge x1.
func objectionFixture(t *testing.T, tb testBoard) {
	seed(t, tb,
		[]Node{
			{ID: "a", Type: NodePoint, Position: Position{X: 0, Y: 200}},
			{ID: "b", Type: NodePoint, Position: Position{X: 0, Y: 0}},
			{ID: AnchorID("n1"), Type: NodeEdgeAnchor, Position: Position{X: 0, Y: 100}, Data: map[string]any{DataParentEdgeID: "n1"}},
			{ID: "o1", Type: NodeObjection, Position: Position{X: 0, Y: 250}},
		},
		[]Edge{
			edge("n1", EdgeNegation, "a", "b"),
			edge("x1", EdgeObjection, "o1", AnchorID("n1")),
		},
		map[string]string{"a": "A", "b": "B", "o1": "but"},
	)
}

type fakeMindchange struct {
	mu      sync.Mutex
	deleted []string
	ok      bool
	err     error
}

func (f *fakeMindchange) DeleteMindchangeForEdge(_ context.Context, docID, edgeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, docID+"/"+edgeID)
	return f.ok, f.err
}

func (f *fakeMindchange) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestAddPointBelow_EdgeType(t *testing.T) {
	tests := []struct {
		name       string
		parentType NodeType
		preferred  EdgeType
		want       EdgeType
	}{
		{"statement ignores resolver", NodeStatement, EdgeSupport, EdgeOption},
		{"statement without resolver", NodeStatement, "", EdgeOption},
		{"point prefers support", NodePoint, EdgeSupport, EdgeSupport},
		{"point prefers negation", NodePoint, EdgeNegation, EdgeNegation},
		{"point without resolver", NodePoint, "", EdgeNegation},
		{"point with bogus preference", NodePoint, EdgeOption, EdgeNegation},
		{"objection prefers support", NodeObjection, EdgeSupport, EdgeSupport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachBoard(t, func(t *testing.T, tb testBoard) {
				seed(t, tb, []Node{{ID: "p", Type: tt.parentType, Position: Position{X: 40, Y: 10}}}, nil, nil)
				env := newEnv(tb, "new", "e")

				var created []EdgeType
				opts := AddPointOptions{OnEdgeCreated: func(et EdgeType) { created = append(created, et) }}
				if tt.preferred != "" {
					opts.PreferredEdgeType = func(Node) EdgeType { return tt.preferred }
				}

				res, ok := AddPointBelow(env, "p", opts)
				require.True(t, ok)
				assert.Equal(t, tt.want, res.EdgeType)
				assert.Equal(t, []EdgeType{tt.want}, created)

				n, ok := tb.node("new")
				require.True(t, ok)
				assert.Equal(t, NodePoint, n.Type)
				assert.Equal(t, Position{X: 40, Y: 10 + pointSpacingY}, n.Position)

				edges := tb.edges()
				require.Len(t, edges, 1)
				assert.Equal(t, "e", edges[0].ID)
				assert.Equal(t, tt.want, edges[0].Type)
				assert.Equal(t, "new", edges[0].Source)
				assert.Equal(t, "p", edges[0].Target)
				assert.Equal(t, "new-source-handle", edges[0].SourceHandle)
				assert.Equal(t, "p-incoming-handle", edges[0].TargetHandle)
				assert.Equal(t, "u1", edges[0].Data[DataCreatedBy])

				text, ok := tb.text("new")
				assert.True(t, ok)
				assert.Empty(t, text)

				_, inView := env.View.Edge("e")
				assert.True(t, inView)
			})
		})
	}
}

func TestAddPointBelow_NoopForOtherParents(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb, []Node{{ID: "g", Type: NodeGroup}}, nil, nil)
		env := newEnv(tb)
		called := false
		opts := AddPointOptions{OnEdgeCreated: func(EdgeType) { called = true }}

		_, ok := AddPointBelow(env, "g", opts)
		assert.False(t, ok)
		_, ok = AddPointBelow(env, "missing", opts)
		assert.False(t, ok)

		assert.False(t, called)
		assert.Empty(t, tb.edges())
	})
}

func TestAddPointBelow_GroupedParentUsesAbsolutePosition(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb, []Node{
			{ID: "g", Type: NodeGroup, Position: Position{X: 100, Y: 100}},
			{ID: "p", Type: NodePoint, Position: Position{X: 10, Y: 0}, ParentID: "g"},
		}, nil, nil)
		env := newEnv(tb, "new", "e")

		_, ok := AddPointBelow(env, "p", AddPointOptions{})
		require.True(t, ok)

		n, _ := tb.node("new")
		assert.Equal(t, Position{X: 110, Y: 100 + pointSpacingY}, n.Position)
		assert.Empty(t, n.ParentID)
	})
}

func TestDeleteNode_EdgeKeepsEndpoints(t *testing.T) {
	for _, typ := range []EdgeType{EdgeSupport, EdgeNegation, EdgeOption, EdgeObjection} {
		t.Run(string(typ), func(t *testing.T) {
			forEachBoard(t, func(t *testing.T, tb testBoard) {
				seed(t, tb,
					[]Node{{ID: "a", Type: NodePoint}, {ID: "b", Type: NodeStatement}},
					[]Edge{edge("e1", typ, "a", "b")},
					nil)
				env := newEnv(tb)

				res, ok := DeleteNode(env, "e1")
				require.True(t, ok)
				assert.Equal(t, []string{"e1"}, res.Edges)
				assert.Empty(t, res.Nodes)

				assert.Empty(t, tb.edges())
				_, ok = tb.node("a")
				assert.True(t, ok)
				_, ok = tb.node("b")
				assert.True(t, ok)
			})
		})
	}
}

func TestDeleteNode_EdgeCascadesAnchorAndObjection(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		objectionFixture(t, tb)
		env := newEnv(tb)
		mc := &fakeMindchange{ok: true}
		env.Mindchange = mc

		res, ok := DeleteNode(env, "n1")
		require.True(t, ok)
		env.Background.Wait()

		assert.Equal(t, []string{AnchorID("n1"), "o1"}, res.Nodes)
		assert.Equal(t, []string{"n1", "x1"}, res.Edges)

		assert.Empty(t, tb.edges())
		for _, id := range []string{AnchorID("n1"), "o1"} {
			_, ok := tb.node(id)
			assert.False(t, ok, id)
		}
		for _, id := range []string{"a", "b"} {
			_, ok := tb.node(id)
			assert.True(t, ok, id)
		}
		_, ok = tb.text("o1")
		assert.False(t, ok)

		assert.Equal(t, []string{"doc-1/n1"}, mc.calls())
	})
}

func TestDeleteNode_NodeCascadesIncidentEdges(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		objectionFixture(t, tb)
		seed(t, tb,
			[]Node{{ID: "c", Type: NodeStatement}},
			[]Edge{edge("s1", EdgeOption, "b", "c"), supportEdge("m1", "c", "a")},
			nil)
		require.NoError(t, tb.board.Transact("seed", func(tx Tx) {
			tx.SetMeta(MindchangeKey("n1"), map[string]any{"forward": map[string]any{"average": 1.0, "count": 1.0}})
		}))
		env := newEnv(tb)

		res, ok := DeleteNode(env, "a")
		require.True(t, ok)

		assert.Equal(t, []string{"a", AnchorID("n1"), "o1"}, res.Nodes)
		assert.Equal(t, []string{"m1", "n1", "x1"}, res.Edges)

		edges := tb.edges()
		require.Len(t, edges, 1)
		assert.Equal(t, "s1", edges[0].ID)
		for _, id := range []string{"b", "c"} {
			_, ok := tb.node(id)
			assert.True(t, ok, id)
		}
		_, ok = tb.meta(MindchangeKey("n1"))
		assert.False(t, ok)
	})
}

func supportEdge(id, source, target string) Edge {
	return edge(id, EdgeSupport, source, target)
}

func TestDeleteNode_MissingIsNoop(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		objectionFixture(t, tb)
		env := newEnv(tb)
		env.View.Nodes = []Node{{ID: "ghost"}}

		_, ok := DeleteNode(env, "ghost")
		assert.False(t, ok)
		assert.Empty(t, env.View.Nodes)
		assert.Len(t, tb.edges(), 2)

		// Deleting twice is tolerated.
		_, ok = DeleteNode(env, "n1")
		require.True(t, ok)
		_, ok = DeleteNode(env, "n1")
		assert.False(t, ok)
	})
}

func TestDeleteNode_MindchangeFailureDoesNotBlock(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		objectionFixture(t, tb)
		env := newEnv(tb)
		mc := &fakeMindchange{err: errors.New("store down")}
		env.Mindchange = mc

		_, ok := DeleteNode(env, "n1")
		require.True(t, ok)
		env.Background.Wait()

		assert.Empty(t, tb.edges())
		assert.Equal(t, []string{"doc-1/n1"}, mc.calls())
	})
}

func TestDeleteNode_GroupReleasesChildren(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb, []Node{
			{ID: "g", Type: NodeGroup, Position: Position{X: 100, Y: 50}},
			{ID: "c", Type: NodePoint, Position: Position{X: 5, Y: 5}, ParentID: "g",
				Data: map[string]any{DataGroupID: "g", DataOriginalInPair: true, DataFavor: 5.0}},
		}, nil, nil)
		env := newEnv(tb)

		_, ok := DeleteNode(env, "g")
		require.True(t, ok)

		c, ok := tb.node("c")
		require.True(t, ok)
		assert.Equal(t, Position{X: 105, Y: 55}, c.Position)
		assert.Empty(t, c.ParentID)
		assert.Equal(t, map[string]any{DataFavor: 5.0}, c.Data)
	})
}

func inversePairFixture(t *testing.T, tb testBoard) {
	seed(t, tb,
		[]Node{
			{ID: "g", Type: NodeGroup, Position: Position{X: 100, Y: 50}},
			{ID: "orig", Type: NodePoint, Position: Position{X: 10, Y: 20}, ParentID: "g",
				Data: map[string]any{DataGroupID: "g", DataOriginalInPair: true}},
			{ID: "inv", Type: NodePoint, Position: Position{X: inversePairOffset, Y: 0}, ParentID: "g",
				Data: map[string]any{DataGroupID: "g", DataDirectInverse: true}},
			{ID: "s", Type: NodeStatement},
		},
		[]Edge{
			edge("pair", EdgeNegation, "inv", "orig"),
			edge("opt", EdgeOption, "orig", "s"),
		},
		nil)
}

func TestDeleteInversePair_RestoresOriginal(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		inversePairFixture(t, tb)
		env := newEnv(tb)
		env.Origin = "session-42"

		res, ok := DeleteInversePair(env, "inv")
		require.True(t, ok)
		assert.Equal(t, "orig", res.OriginalID)
		assert.Equal(t, Position{X: 110, Y: 70}, res.Position)

		orig, ok := tb.node("orig")
		require.True(t, ok)
		assert.Equal(t, Position{X: 110, Y: 70}, orig.Position)
		assert.Empty(t, orig.ParentID)
		assert.False(t, orig.Flag(DataOriginalInPair))
		assert.NotContains(t, orig.Data, DataGroupID)

		for _, id := range []string{"g", "inv"} {
			_, ok := tb.node(id)
			assert.False(t, ok, id)
		}
		edges := tb.edges()
		require.Len(t, edges, 1)
		assert.Equal(t, "opt", edges[0].ID)

		origins := tb.origins()
		require.NotEmpty(t, origins)
		assert.Equal(t, doc.Origin("session-42"), origins[len(origins)-1])

		viewOrig, ok := env.View.Node("orig")
		require.True(t, ok)
		assert.Equal(t, Position{X: 110, Y: 70}, viewOrig.Position)
	})
}

func TestDeleteInversePair_Noop(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb, []Node{{ID: "loose", Type: NodePoint}}, nil, nil)
		env := newEnv(tb)

		_, ok := DeleteInversePair(env, "missing")
		assert.False(t, ok)
		_, ok = DeleteInversePair(env, "loose")
		assert.False(t, ok)

		_, ok = tb.node("loose")
		assert.True(t, ok)
	})
}

func TestDeleteInversePair_RefusesOriginalMember(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		inversePairFixture(t, tb)
		env := newEnv(tb)

		_, ok := DeleteInversePair(env, "orig")
		assert.False(t, ok)

		for _, id := range []string{"g", "orig", "inv"} {
			_, ok := tb.node(id)
			assert.True(t, ok, id)
		}
		_, ok = tb.edgeByID("pair")
		assert.True(t, ok)
	})
}

func TestCreateInversePair_ThenDelete(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb, []Node{{ID: "p", Type: NodePoint, Position: Position{X: 30, Y: 40}}}, nil, nil)
		env := newEnv(tb, "grp", "inv", "neg")

		pair, ok := CreateInversePair(env, "p", "not p")
		require.True(t, ok)
		assert.Equal(t, PairResult{GroupID: "grp", InverseID: "inv", EdgeID: "neg"}, pair)

		p, _ := tb.node("p")
		assert.Equal(t, "grp", p.ParentID)
		assert.Equal(t, Position{}, p.Position)
		assert.True(t, p.Flag(DataOriginalInPair))

		inv, _ := tb.node("inv")
		assert.True(t, inv.Flag(DataDirectInverse))
		text, _ := tb.text("inv")
		assert.Equal(t, "not p", text)

		// A grouped point cannot be paired again.
		_, ok = CreateInversePair(env, "p", "")
		assert.False(t, ok)

		_, ok = DeleteInversePair(env, "inv")
		require.True(t, ok)
		p, _ = tb.node("p")
		assert.Equal(t, Position{X: 30, Y: 40}, p.Position)
		assert.Empty(t, p.ParentID)
		assert.Empty(t, tb.edges())
	})
}

func TestDuplicateNodeWithConnections_SingleEdge(t *testing.T) {
	for _, typ := range []EdgeType{EdgeSupport, EdgeNegation, EdgeOption} {
		t.Run(string(typ), func(t *testing.T) {
			forEachBoard(t, func(t *testing.T, tb testBoard) {
				seed(t, tb,
					[]Node{{ID: "a", Type: NodePoint, Data: map[string]any{DataFavor: 7.0}}, {ID: "b", Type: NodeStatement}},
					[]Edge{edge("e1", typ, "a", "b")},
					map[string]string{"a": "original text"})
				env := newEnv(tb, "dup", "e2")

				id, ok := DuplicateNodeWithConnections(env, "a", Position{X: 500, Y: 60})
				require.True(t, ok)
				assert.Equal(t, "dup", id)

				dup, ok := tb.node("dup")
				require.True(t, ok)
				assert.Equal(t, Position{X: 500, Y: 60}, dup.Position)
				assert.Equal(t, 7.0, dup.Data[DataFavor])
				text, _ := tb.text("dup")
				assert.Equal(t, "original text", text)

				var incident []Edge
				for _, e := range tb.edges() {
					if e.Touches("dup") {
						incident = append(incident, e)
					}
				}
				require.Len(t, incident, 1)
				assert.Equal(t, typ, incident[0].Type)
				assert.Equal(t, "e2", incident[0].ID)
				assert.Equal(t, "dup-source-handle", incident[0].SourceHandle)
				assert.Equal(t, "b-incoming-handle", incident[0].TargetHandle)

				orig, ok := tb.edgeByID("e1")
				require.True(t, ok)
				assert.Equal(t, "a", orig.Source)
			})
		})
	}
}

func (tb testBoard) edgeByID(id string) (Edge, bool) {
	for _, e := range tb.edges() {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}

func TestDuplicateNodeWithConnections_MovesObjections(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		objectionFixture(t, tb)
		env := newEnv(tb, "dup", "n2")

		_, ok := DuplicateNodeWithConnections(env, "a", Position{X: 300, Y: 200})
		require.True(t, ok)

		x1, ok := tb.edgeByID("x1")
		require.True(t, ok)
		assert.Equal(t, AnchorID("n2"), x1.Target)
		assert.NotEqual(t, AnchorID("n1"), x1.Target)
		assert.Equal(t, TargetHandle(AnchorID("n2")), x1.TargetHandle)

		anchor, ok := tb.node(AnchorID("n2"))
		require.True(t, ok)
		assert.Equal(t, NodeEdgeAnchor, anchor.Type)
		assert.Equal(t, "n2", anchor.Data[DataParentEdgeID])
		assert.Equal(t, Position{X: 150, Y: 100}, anchor.Position)

		_, ok = tb.node(AnchorID("n1"))
		assert.True(t, ok)
	})
}

func TestDuplicateNodeWithConnections_StripsPairing(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		inversePairFixture(t, tb)
		env := newEnv(tb, "dup", "d1", "d2")

		_, ok := DuplicateNodeWithConnections(env, "orig", Position{X: 1, Y: 2})
		require.True(t, ok)

		dup, _ := tb.node("dup")
		assert.Empty(t, dup.ParentID)
		assert.Empty(t, dup.Data)

		_, ok = DuplicateNodeWithConnections(env, "missing", Position{})
		assert.False(t, ok)
	})
}

func TestDuplicateNodeWithConnections_NoTextLeavesContentUnset(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb, []Node{{ID: "a", Type: NodePoint}}, nil, nil)
		env := newEnv(tb, "dup")

		_, ok := DuplicateNodeWithConnections(env, "a", Position{X: 10})
		require.True(t, ok)

		_, hasText := tb.text("dup")
		assert.False(t, hasText)
		view, ok := env.View.Node("dup")
		require.True(t, ok)
		assert.NotContains(t, view.Data, DataContent)
	})
}

func TestAddObjection(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb,
			[]Node{{ID: "a", Type: NodePoint, Position: Position{Y: 200}}, {ID: "b", Type: NodePoint}},
			[]Edge{edge("n1", EdgeNegation, "a", "b")},
			nil)
		env := newEnv(tb, "o1", "x1", "o2", "x2")

		res, ok := AddObjection(env, "n1", "first")
		require.True(t, ok)
		assert.Equal(t, ObjectionResult{NodeID: "o1", EdgeID: "x1", AnchorID: AnchorID("n1")}, res)

		anchor, ok := tb.node(AnchorID("n1"))
		require.True(t, ok)
		assert.Equal(t, Position{Y: 100}, anchor.Position)

		// The second objection reuses the anchor.
		_, ok = AddObjection(env, "n1", "second")
		require.True(t, ok)
		assert.Len(t, tb.edges(), 3)

		_, ok = AddObjection(env, "x1", "nested")
		assert.False(t, ok)
		_, ok = AddObjection(env, "gone", "")
		assert.False(t, ok)
	})
}

func TestMoveAndSetContent(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb, []Node{{ID: "a", Type: NodePoint}}, nil, map[string]string{"a": "old"})
		env := newEnv(tb)
		env.View.Nodes = []Node{{ID: "a", Type: NodePoint, Data: map[string]any{DataContent: "old"}}}

		require.True(t, MoveNode(env, "a", Position{X: 9, Y: 8}))
		require.True(t, SetNodeContent(env, "a", "new"))
		assert.False(t, MoveNode(env, "gone", Position{}))
		assert.False(t, SetNodeContent(env, "gone", "x"))

		a, _ := tb.node("a")
		assert.Equal(t, Position{X: 9, Y: 8}, a.Position)
		text, _ := tb.text("a")
		assert.Equal(t, "new", text)

		view, _ := env.View.Node("a")
		assert.Equal(t, Position{X: 9, Y: 8}, view.Position)
		assert.Equal(t, "new", view.Content())
	})
}

func TestOperations_TagLocalOrigin(t *testing.T) {
	forEachBoard(t, func(t *testing.T, tb testBoard) {
		seed(t, tb, []Node{{ID: "s", Type: NodeStatement}}, nil, nil)
		env := newEnv(tb, "p", "e")
		env.Origin = "me"

		_, ok := AddPointBelow(env, "s", AddPointOptions{})
		require.True(t, ok)
		_, ok = DeleteNode(env, "e")
		require.True(t, ok)

		origins := tb.origins()
		require.GreaterOrEqual(t, len(origins), 3)
		assert.Equal(t, []doc.Origin{"me", "me"}, origins[len(origins)-2:])
	})
}

type boardSnapshot struct {
	Nodes []Node            `json:"nodes"`
	Edges []Edge            `json:"edges"`
	Text  map[string]string `json:"text"`
}

func TestOperations_Golden(t *testing.T) {
	b := NewMemoryBoard()
	tb := testBoard{board: b}
	seed(t, tb, []Node{{ID: "s1", Type: NodeStatement}}, nil, map[string]string{"s1": "Claim"})
	env := newEnv(tb, "p1", "e1", "o1", "e2", "p2", "e3")

	_, ok := AddPointBelow(env, "s1", AddPointOptions{})
	require.True(t, ok)
	_, ok = AddObjection(env, "e1", "But")
	require.True(t, ok)
	_, ok = DuplicateNodeWithConnections(env, "p1", Position{X: 300, Y: 200})
	require.True(t, ok)

	snap := boardSnapshot{Nodes: b.Nodes(), Edges: b.EdgeList(), Text: b.TextMap()}
	data, err := json.MarshalIndent(snap, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "duplicate_with_objection", data)
}

func TestView_LookupOnReturnedValue(t *testing.T) {
	snapshot := func() View {
		return View{
			Nodes: []Node{{ID: "a", Type: NodePoint}},
			Edges: []Edge{{ID: "e", Type: EdgeSupport, Source: "a", Target: "b"}},
		}
	}

	n, ok := snapshot().Node("a")
	require.True(t, ok)
	assert.Equal(t, NodePoint, n.Type)
	_, ok = snapshot().Node("missing")
	assert.False(t, ok)

	e, ok := snapshot().Edge("e")
	require.True(t, ok)
	assert.Equal(t, "b", e.Target)
}
