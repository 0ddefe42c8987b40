// Package reconcile projects remote changes of the replicated document into
// local view state.
//
// Per map notification the reconciler moves through
// Idle -> ObserverFired -> (echo ? Idle : Reconcile) -> Project -> Idle.
// Transactions tagged with the local origin are echoes: the operation that
// issued them already updated the view. Everything else is migrated,
// materialized with text merged into data.content, and pushed to the sink
// only when its signature changed since the last push.
package reconcile

import (
	"log/slog"
	"sync"

	"github.com/roach88/arggraph/internal/doc"
	"github.com/roach88/arggraph/internal/graph"
)

// ViewSink receives projected view state.
type ViewSink interface {
	SetNodes(nodes []graph.Node)
	SetEdges(edges []graph.Edge)
}

// Reconciler observes the nodes, edges and node_text maps of a document.
type Reconciler struct {
	doc    *doc.Doc
	origin doc.Origin
	sink   ViewSink
	logger *slog.Logger

	mu       sync.Mutex
	nodesSig string
	edgesSig string
	unsubs   []func()
}

// New creates a reconciler. origin is the local-origin marker of the session;
// migrations are committed under it.
func New(d *doc.Doc, origin doc.Origin, sink ViewSink, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{doc: d, origin: origin, sink: sink, logger: logger}
}

// Start subscribes to document changes. It does not project; call Rebuild
// for the initial view.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.unsubs) > 0 {
		return
	}
	for _, m := range []string{doc.MapNodes, doc.MapEdges, doc.MapText} {
		r.unsubs = append(r.unsubs, r.doc.Observe(m, r.handle))
	}
}

// Stop removes the observers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

// Rebuild migrates every legacy object and pushes a full projection to the
// sink regardless of the last signatures.
func (r *Reconciler) Rebuild() {
	r.migrate(r.doc.Snapshot(doc.MapNodes), r.doc.Snapshot(doc.MapEdges))

	r.mu.Lock()
	r.nodesSig = ""
	r.edgesSig = ""
	r.mu.Unlock()

	r.project()
}

func (r *Reconciler) handle(ev doc.MapEvent) {
	if ev.Txn.Origin == r.origin {
		// The view already shows the local edit, so the last pushed
		// signatures no longer describe it.
		r.mu.Lock()
		r.nodesSig = ""
		r.edgesSig = ""
		r.mu.Unlock()
		return
	}

	// One pass migrates every map of the transaction; later events of the
	// same transaction find nothing left to rewrite.
	r.migrate(
		r.records(doc.MapNodes, ev.Txn.Changed(doc.MapNodes)),
		r.records(doc.MapEdges, ev.Txn.Changed(doc.MapEdges)),
	)
	r.project()
}

func (r *Reconciler) records(m string, keys []string) map[string]doc.Record {
	out := make(map[string]doc.Record, len(keys))
	for _, k := range keys {
		if rec, ok := r.doc.Get(m, k); ok {
			out[k] = rec
		}
	}
	return out
}

// migrate rewrites legacy "question" types in one transaction under the
// local origin, so peers receive the rewrite and never see the legacy tag.
func (r *Reconciler) migrate(nodes, edges map[string]doc.Record) {
	var nodeIDs, edgeIDs []string
	for id, rec := range nodes {
		if graph.NodeType(stringOf(rec["type"])) == graph.NodeLegacyQuestion {
			nodeIDs = append(nodeIDs, id)
		}
	}
	for id, rec := range edges {
		if graph.EdgeType(stringOf(rec["type"])) == graph.EdgeLegacyQuestion {
			edgeIDs = append(edgeIDs, id)
		}
	}
	if len(nodeIDs) == 0 && len(edgeIDs) == 0 {
		return
	}

	err := r.doc.Transact(r.origin, func(tx *doc.Tx) {
		for _, id := range nodeIDs {
			if rec, ok := tx.Get(doc.MapNodes, id); ok && stringOf(rec["type"]) == string(graph.NodeLegacyQuestion) {
				tx.Set(doc.MapNodes, id, "type", string(graph.NodeStatement))
			}
		}
		for _, id := range edgeIDs {
			if rec, ok := tx.Get(doc.MapEdges, id); ok && stringOf(rec["type"]) == string(graph.EdgeLegacyQuestion) {
				tx.Set(doc.MapEdges, id, "type", string(graph.EdgeOption))
			}
		}
	})
	if err != nil {
		r.logger.Error("legacy migration failed", "error", err)
		return
	}
	r.logger.Debug("migrated legacy types", "nodes", len(nodeIDs), "edges", len(edgeIDs))
}

// Materialize reads the document into sorted view lists with node text
// merged into data.content.
func Materialize(d *doc.Doc) ([]graph.Node, []graph.Edge) {
	text := d.Snapshot(doc.MapText)

	nodeRecs := d.Snapshot(doc.MapNodes)
	nodes := make([]graph.Node, 0, len(nodeRecs))
	for id, rec := range nodeRecs {
		n := graph.NodeFromRecord(id, rec)
		if n.Type == graph.NodeLegacyQuestion {
			n.Type = graph.NodeStatement
		}
		if t, ok := text[id]; ok {
			if n.Data == nil {
				n.Data = make(map[string]any)
			}
			n.Data[graph.DataContent] = graph.TextFromRecord(t)
		}
		nodes = append(nodes, n)
	}
	graph.SortNodes(nodes)

	edgeRecs := d.Snapshot(doc.MapEdges)
	edges := make([]graph.Edge, 0, len(edgeRecs))
	for id, rec := range edgeRecs {
		e := graph.EdgeFromRecord(id, rec)
		if e.Type == graph.EdgeLegacyQuestion {
			e.Type = graph.EdgeOption
		}
		edges = append(edges, e)
	}
	graph.SortEdges(edges)

	return nodes, edges
}

func (r *Reconciler) project() {
	nodes, edges := Materialize(r.doc)

	nodesSig, err := NodesSignature(nodes)
	if err != nil {
		r.logger.Warn("node signature failed", "error", err)
	}
	edgesSig, err := EdgesSignature(edges)
	if err != nil {
		r.logger.Warn("edge signature failed", "error", err)
	}

	r.mu.Lock()
	pushNodes := nodesSig == "" || nodesSig != r.nodesSig
	pushEdges := edgesSig == "" || edgesSig != r.edgesSig
	r.nodesSig = nodesSig
	r.edgesSig = edgesSig
	r.mu.Unlock()

	if pushNodes {
		r.sink.SetNodes(nodes)
	}
	if pushEdges {
		r.sink.SetEdges(edges)
	}
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
