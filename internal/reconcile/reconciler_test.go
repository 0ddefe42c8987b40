package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/arggraph/internal/doc"
	"github.com/roach88/arggraph/internal/graph"
)

type recordingSink struct {
	mu        sync.Mutex
	nodeCalls int
	edgeCalls int
	nodes     []graph.Node
	edges     []graph.Edge
}

func (s *recordingSink) SetNodes(nodes []graph.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeCalls++
	s.nodes = nodes
}

func (s *recordingSink) SetEdges(edges []graph.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edgeCalls++
	s.edges = edges
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeCalls, s.edgeCalls
}

// deliver sends everything to has not seen from from.
func deliver(t *testing.T, from, to *doc.Doc) {
	t.Helper()
	delta, err := from.DeltaSince(to.StateVector())
	require.NoError(t, err)
	if delta.Empty() {
		return
	}
	require.NoError(t, to.ApplyUpdate(delta.Data, "remote"))
}

func putNode(t *testing.T, d *doc.Doc, origin doc.Origin, n graph.Node, text string) {
	t.Helper()
	err := graph.NewDocBoard(d).Transact(origin, func(tx graph.Tx) {
		tx.PutNode(n)
		tx.SetText(n.ID, text)
	})
	require.NoError(t, err)
}

func newReconciler(t *testing.T) (*doc.Doc, *recordingSink, *Reconciler) {
	t.Helper()
	d := doc.New("local-client")
	sink := &recordingSink{}
	r := New(d, "local", sink, nil)
	r.Start()
	t.Cleanup(r.Stop)
	return d, sink, r
}

func TestReconciler_IgnoresLocalOrigin(t *testing.T) {
	d, sink, _ := newReconciler(t)

	putNode(t, d, "local", graph.Node{ID: "n1", Type: graph.NodePoint}, "hello")
	err := graph.NewDocBoard(d).Transact("local", func(tx graph.Tx) {
		tx.PutEdge(graph.Edge{ID: "e1", Type: graph.EdgeSupport, Source: "n1", Target: "n1"})
	})
	require.NoError(t, err)

	nodeCalls, edgeCalls := sink.counts()
	assert.Zero(t, nodeCalls)
	assert.Zero(t, edgeCalls)
}

func TestReconciler_ProjectsRemoteChanges(t *testing.T) {
	d, sink, _ := newReconciler(t)
	peer := doc.New("peer")

	putNode(t, peer, "peer-session", graph.Node{ID: "n1", Type: graph.NodePoint, Position: graph.Position{X: 3}}, "from peer")
	deliver(t, peer, d)

	nodeCalls, _ := sink.counts()
	assert.Equal(t, 1, nodeCalls)
	require.Len(t, sink.nodes, 1)
	assert.Equal(t, "from peer", sink.nodes[0].Content())
	assert.Equal(t, graph.Position{X: 3}, sink.nodes[0].Position)
}

func TestReconciler_SkipsUnchangedProjection(t *testing.T) {
	d, sink, _ := newReconciler(t)
	peer := doc.New("peer")

	putNode(t, peer, "peer-session", graph.Node{ID: "n1", Type: graph.NodePoint}, "x")
	deliver(t, peer, d)
	nodeCalls, _ := sink.counts()
	require.Equal(t, 1, nodeCalls)

	// The peer rewrites a field with the value it already has.
	require.NoError(t, peer.Transact("peer-session", func(tx *doc.Tx) {
		tx.Set(doc.MapNodes, "n1", "type", string(graph.NodePoint))
	}))
	deliver(t, peer, d)

	nodeCalls, _ = sink.counts()
	assert.Equal(t, 1, nodeCalls)
}

func TestReconciler_ProjectsPeerRevertOfLocalEdit(t *testing.T) {
	d, sink, _ := newReconciler(t)
	peer := doc.New("peer")

	putNode(t, peer, "peer-session", graph.Node{ID: "n1", Type: graph.NodePoint}, "x")
	deliver(t, peer, d)
	require.Len(t, sink.nodes, 1)

	// Local move; the operation updates the view itself, the echo is skipped.
	require.NoError(t, graph.NewDocBoard(d).Transact("local", func(tx graph.Tx) {
		tx.PutNode(graph.Node{ID: "n1", Type: graph.NodePoint, Position: graph.Position{X: 5, Y: 5}})
	}))
	local, _ := Materialize(d)
	sink.SetNodes(local)
	deliver(t, d, peer)

	// The peer moves the node back to where it started.
	require.NoError(t, graph.NewDocBoard(peer).Transact("peer-session", func(tx graph.Tx) {
		tx.PutNode(graph.Node{ID: "n1", Type: graph.NodePoint})
	}))
	deliver(t, peer, d)

	nodes, _ := Materialize(d)
	require.Len(t, nodes, 1)
	require.Equal(t, graph.Position{}, nodes[0].Position)
	require.Len(t, sink.nodes, 1)
	assert.Equal(t, graph.Position{}, sink.nodes[0].Position)
}

func TestReconciler_MigratesLegacyQuestionOnce(t *testing.T) {
	d, sink, _ := newReconciler(t)

	var mu sync.Mutex
	var migrations int
	d.OnUpdate(func(ev doc.UpdateEvent) {
		if ev.Origin == "local" {
			mu.Lock()
			migrations++
			mu.Unlock()
		}
	})

	peer := doc.New("peer")
	require.NoError(t, graph.NewDocBoard(peer).Transact("peer-session", func(tx graph.Tx) {
		tx.PutNode(graph.Node{ID: "q", Type: graph.NodeLegacyQuestion})
		tx.PutNode(graph.Node{ID: "p", Type: graph.NodePoint})
		tx.PutEdge(graph.Edge{ID: "e", Type: graph.EdgeLegacyQuestion, Source: "p", Target: "q"})
	}))
	deliver(t, peer, d)

	rec, ok := d.Get(doc.MapNodes, "q")
	require.True(t, ok)
	assert.Equal(t, "statement", rec["type"])
	rec, ok = d.Get(doc.MapEdges, "e")
	require.True(t, ok)
	assert.Equal(t, "option", rec["type"])

	mu.Lock()
	assert.Equal(t, 1, migrations)
	mu.Unlock()

	for _, n := range sink.nodes {
		assert.NotEqual(t, graph.NodeLegacyQuestion, n.Type)
	}

	// The rewrite reaches the peer.
	deliver(t, d, peer)
	rec, _ = peer.Get(doc.MapNodes, "q")
	assert.Equal(t, "statement", rec["type"])

	// Later remote edits to the same node do not migrate again.
	require.NoError(t, peer.Transact("peer-session", func(tx *doc.Tx) {
		tx.Set(doc.MapNodes, "q", "parentId", "somewhere")
	}))
	deliver(t, peer, d)

	mu.Lock()
	assert.Equal(t, 1, migrations)
	mu.Unlock()
}

func TestReconciler_UnknownTypesPassThrough(t *testing.T) {
	d, sink, _ := newReconciler(t)
	peer := doc.New("peer")

	putNode(t, peer, "peer-session", graph.Node{ID: "n1", Type: "custom_kind"}, "")
	deliver(t, peer, d)

	require.Len(t, sink.nodes, 1)
	assert.Equal(t, graph.NodeType("custom_kind"), sink.nodes[0].Type)
}

func TestReconciler_RebuildForcesProjection(t *testing.T) {
	d, sink, r := newReconciler(t)
	putNode(t, d, "local", graph.Node{ID: "n1", Type: graph.NodePoint}, "mine")

	r.Rebuild()
	r.Rebuild()

	nodeCalls, edgeCalls := sink.counts()
	assert.Equal(t, 2, nodeCalls)
	assert.Equal(t, 2, edgeCalls)
	require.Len(t, sink.nodes, 1)
	assert.Equal(t, "mine", sink.nodes[0].Content())
}

func TestReconciler_StopUnsubscribes(t *testing.T) {
	d, sink, r := newReconciler(t)
	r.Stop()

	peer := doc.New("peer")
	putNode(t, peer, "peer-session", graph.Node{ID: "n1", Type: graph.NodePoint}, "")
	deliver(t, peer, d)

	nodeCalls, _ := sink.counts()
	assert.Zero(t, nodeCalls)
}
