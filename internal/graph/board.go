package graph

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/arggraph/internal/doc"
)

// Tx is the transactional view of a board passed to operations.
type Tx interface {
	Node(id string) (Node, bool)
	PutNode(n Node)
	RemoveNode(id string)
	NodeIDs() []string

	Edge(id string) (Edge, bool)
	PutEdge(e Edge)
	RemoveEdge(id string)
	Edges() []Edge

	Text(id string) (string, bool)
	SetText(id, text string)
	RemoveText(id string)

	Meta(key string) (any, bool)
	SetMeta(key string, value any)
	RemoveMeta(key string)
}

// Board runs operations atomically. Every transaction carries the origin
// supplied by the caller.
type Board interface {
	Transact(origin doc.Origin, fn func(tx Tx)) error
}

// Field layout of nodes and edges inside the replicated maps. Data keys are
// flattened so concurrent writers of different keys do not clobber each other.
const (
	fieldType         = "type"
	fieldPosition     = "position"
	fieldParentID     = "parentId"
	fieldSource       = "source"
	fieldTarget       = "target"
	fieldSourceHandle = "sourceHandle"
	fieldTargetHandle = "targetHandle"
	fieldContent      = "content"
	dataPrefix        = "data."
)

// NodeRecord encodes a node as document fields.
func NodeRecord(n Node) doc.Record {
	rec := doc.Record{
		fieldType:     string(n.Type),
		fieldPosition: map[string]any{"x": n.Position.X, "y": n.Position.Y},
	}
	if n.ParentID != "" {
		rec[fieldParentID] = n.ParentID
	}
	for k, v := range n.Data {
		rec[dataPrefix+k] = v
	}
	return rec
}

// NodeFromRecord decodes document fields into a node.
func NodeFromRecord(id string, rec doc.Record) Node {
	n := Node{ID: id}
	n.Type = NodeType(stringField(rec, fieldType))
	if pos, ok := rec[fieldPosition].(map[string]any); ok {
		n.Position = Position{X: number(pos["x"]), Y: number(pos["y"])}
	}
	n.ParentID = stringField(rec, fieldParentID)
	n.Data = dataFromRecord(rec)
	return n
}

// EdgeRecord encodes an edge as document fields.
func EdgeRecord(e Edge) doc.Record {
	rec := doc.Record{
		fieldType:   string(e.Type),
		fieldSource: e.Source,
		fieldTarget: e.Target,
	}
	if e.SourceHandle != "" {
		rec[fieldSourceHandle] = e.SourceHandle
	}
	if e.TargetHandle != "" {
		rec[fieldTargetHandle] = e.TargetHandle
	}
	for k, v := range e.Data {
		rec[dataPrefix+k] = v
	}
	return rec
}

// EdgeFromRecord decodes document fields into an edge.
func EdgeFromRecord(id string, rec doc.Record) Edge {
	return Edge{
		ID:           id,
		Type:         EdgeType(stringField(rec, fieldType)),
		Source:       stringField(rec, fieldSource),
		Target:       stringField(rec, fieldTarget),
		SourceHandle: stringField(rec, fieldSourceHandle),
		TargetHandle: stringField(rec, fieldTargetHandle),
		Data:         dataFromRecord(rec),
	}
}

// TextFromRecord returns the content field of a node_text record.
func TextFromRecord(rec doc.Record) string {
	return stringField(rec, fieldContent)
}

func dataFromRecord(rec doc.Record) map[string]any {
	var data map[string]any
	for k, v := range rec {
		if !strings.HasPrefix(k, dataPrefix) {
			continue
		}
		if data == nil {
			data = make(map[string]any)
		}
		data[strings.TrimPrefix(k, dataPrefix)] = cloneValue(v)
	}
	return data
}

func stringField(rec doc.Record, key string) string {
	s, _ := rec[key].(string)
	return s
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// DocBoard runs operations against the replicated document.
type DocBoard struct {
	doc *doc.Doc
}

// NewDocBoard wraps a document.
func NewDocBoard(d *doc.Doc) *DocBoard {
	return &DocBoard{doc: d}
}

// Transact implements Board.
func (b *DocBoard) Transact(origin doc.Origin, fn func(tx Tx)) error {
	return b.doc.Transact(origin, func(tx *doc.Tx) {
		fn(&docTx{tx: tx})
	})
}

type docTx struct {
	tx *doc.Tx
}

func (t *docTx) Node(id string) (Node, bool) {
	rec, ok := t.tx.Get(doc.MapNodes, id)
	if !ok {
		return Node{}, false
	}
	return NodeFromRecord(id, rec), true
}

func (t *docTx) PutNode(n Node) {
	t.putRecord(doc.MapNodes, n.ID, NodeRecord(n))
}

func (t *docTx) RemoveNode(id string) {
	t.tx.Delete(doc.MapNodes, id)
}

func (t *docTx) NodeIDs() []string {
	return t.tx.Keys(doc.MapNodes)
}

func (t *docTx) Edge(id string) (Edge, bool) {
	rec, ok := t.tx.Get(doc.MapEdges, id)
	if !ok {
		return Edge{}, false
	}
	return EdgeFromRecord(id, rec), true
}

func (t *docTx) PutEdge(e Edge) {
	t.putRecord(doc.MapEdges, e.ID, EdgeRecord(e))
}

func (t *docTx) RemoveEdge(id string) {
	t.tx.Delete(doc.MapEdges, id)
}

func (t *docTx) Edges() []Edge {
	keys := t.tx.Keys(doc.MapEdges)
	edges := make([]Edge, 0, len(keys))
	for _, id := range keys {
		rec, _ := t.tx.Get(doc.MapEdges, id)
		edges = append(edges, EdgeFromRecord(id, rec))
	}
	return edges
}

func (t *docTx) Text(id string) (string, bool) {
	rec, ok := t.tx.Get(doc.MapText, id)
	if !ok {
		return "", false
	}
	return TextFromRecord(rec), true
}

func (t *docTx) SetText(id, text string) {
	t.putRecord(doc.MapText, id, doc.Record{fieldContent: text})
}

func (t *docTx) RemoveText(id string) {
	t.tx.Delete(doc.MapText, id)
}

func (t *docTx) Meta(key string) (any, bool) {
	rec, ok := t.tx.Get(doc.MapMeta, key)
	if !ok {
		return nil, false
	}
	v, ok := rec["value"]
	return v, ok
}

func (t *docTx) SetMeta(key string, value any) {
	t.putRecord(doc.MapMeta, key, doc.Record{"value": value})
}

func (t *docTx) RemoveMeta(key string) {
	t.tx.Delete(doc.MapMeta, key)
}

// putRecord writes only the fields that differ from the stored record and
// removes fields the new record no longer has. Unchanged fields keep their
// stamps, so a concurrent peer's write to them still wins.
func (t *docTx) putRecord(m, key string, rec doc.Record) {
	cur, _ := t.tx.Get(m, key)
	for _, name := range rec.Keys() {
		want, err := doc.Normalize(rec[name])
		if err == nil {
			if have, ok := cur[name]; ok && reflect.DeepEqual(have, want) {
				continue
			}
		}
		t.tx.Set(m, key, name, rec[name])
	}
	for name := range cur {
		if _, keep := rec[name]; !keep {
			t.tx.DeleteField(m, key, name)
		}
	}
}

// MemoryBoard is a Board over plain maps. It records the origin of every
// transaction for inspection.
type MemoryBoard struct {
	mu    sync.Mutex
	nodes map[string]Node
	edges map[string]Edge
	text  map[string]string
	meta  map[string]any

	origins []doc.Origin
}

// NewMemoryBoard creates an empty board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
		text:  make(map[string]string),
		meta:  make(map[string]any),
	}
}

// Transact implements Board.
func (b *MemoryBoard) Transact(origin doc.Origin, fn func(tx Tx)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.origins = append(b.origins, origin)
	fn((*memTx)(b))
	return nil
}

// Origins returns the origins of all transactions run so far.
func (b *MemoryBoard) Origins() []doc.Origin {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]doc.Origin(nil), b.origins...)
}

// Nodes returns a sorted copy of all nodes.
func (b *MemoryBoard) Nodes() []Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, n.Clone())
	}
	SortNodes(out)
	return out
}

// EdgeList returns a sorted copy of all edges.
func (b *MemoryBoard) EdgeList() []Edge {
	b.mu.Lock()
	defer b.mu.Unlock()
	return (*memTx)(b).Edges()
}

type memTx MemoryBoard

func (t *memTx) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	return n.Clone(), ok
}

func (t *memTx) PutNode(n Node) { t.nodes[n.ID] = n.Clone() }

func (t *memTx) RemoveNode(id string) { delete(t.nodes, id) }

func (t *memTx) NodeIDs() []string {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *memTx) Edge(id string) (Edge, bool) {
	e, ok := t.edges[id]
	return e.Clone(), ok
}

func (t *memTx) PutEdge(e Edge) { t.edges[e.ID] = e.Clone() }

func (t *memTx) RemoveEdge(id string) { delete(t.edges, id) }

func (t *memTx) Edges() []Edge {
	out := make([]Edge, 0, len(t.edges))
	for _, e := range t.edges {
		out = append(out, e.Clone())
	}
	SortEdges(out)
	return out
}

func (t *memTx) Text(id string) (string, bool) {
	s, ok := t.text[id]
	return s, ok
}

func (t *memTx) SetText(id, text string) { t.text[id] = text }

func (t *memTx) RemoveText(id string) { delete(t.text, id) }

func (t *memTx) Meta(key string) (any, bool) {
	v, ok := t.meta[key]
	return v, ok
}

func (t *memTx) SetMeta(key string, value any) { t.meta[key] = value }

func (t *memTx) RemoveMeta(key string) { delete(t.meta, key) }

// TextMap returns a copy of the node_text contents.
func (b *MemoryBoard) TextMap() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.text))
	for k, v := range b.text {
		out[k] = v
	}
	return out
}

// MetaValue returns a meta entry.
func (b *MemoryBoard) MetaValue(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.meta[key]
	return v, ok
}
