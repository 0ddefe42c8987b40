// Package graph holds the argument-graph model and the structural mutation
// operations.
//
// Operations run against a Board: either the replicated document (DocBoard)
// or a plain in-memory map (MemoryBoard). Both expose the same transactional
// Tx, so cascade logic is identical in production and in tests.
//
// INVARIANTS (after every committed transaction):
//   - every edge endpoint resolves to a live node, or to an anchor whose
//     parent edge is live
//   - removing an edge never removes its endpoint nodes
//   - removing an edge removes its anchor, the objections attached to the
//     anchor, and its mindchange statistic
//   - removing a node removes its incident edges (transitively as above) and
//     nothing else
package graph

import (
	"sort"
	"strings"
)

// NodeType is the variant of a node.
type NodeType string

const (
	NodeStatement  NodeType = "statement"
	NodePoint      NodeType = "point"
	NodeObjection  NodeType = "objection"
	NodeEdgeAnchor NodeType = "edge_anchor"
	NodeGroup      NodeType = "group"

	// NodeLegacyQuestion is rewritten to NodeStatement on sight.
	NodeLegacyQuestion NodeType = "question"
)

// EdgeType is the relationship an edge expresses.
type EdgeType string

const (
	EdgeSupport   EdgeType = "support"
	EdgeNegation  EdgeType = "negation"
	EdgeObjection EdgeType = "objection"
	EdgeOption    EdgeType = "option"

	// EdgeLegacyQuestion is rewritten to EdgeOption on sight.
	EdgeLegacyQuestion EdgeType = "question"
)

// Data keys with structural meaning.
const (
	DataContent        = "content"
	DataFavor          = "favor"
	DataGroupID        = "groupId"
	DataOriginalInPair = "originalInPair"
	DataDirectInverse  = "directInverse"
	DataParentEdgeID   = "parentEdgeId"
	DataCreatedBy      = "createdBy"
	DataCreatedByName  = "createdByName"
)

// pairingKeys are stripped when a node leaves an inverse pair.
var pairingKeys = []string{DataGroupID, DataOriginalInPair, DataDirectInverse}

const anchorPrefix = "anchor:"

// AnchorID returns the id of the anchor node for an edge.
func AnchorID(edgeID string) string {
	return anchorPrefix + edgeID
}

// AnchorEdgeID returns the parent edge id of an anchor id.
func AnchorEdgeID(anchorID string) (string, bool) {
	if !strings.HasPrefix(anchorID, anchorPrefix) {
		return "", false
	}
	return strings.TrimPrefix(anchorID, anchorPrefix), true
}

// SourceHandle and TargetHandle name the attachment points of a node.
func SourceHandle(nodeID string) string { return nodeID + "-source-handle" }
func TargetHandle(nodeID string) string { return nodeID + "-incoming-handle" }

// rehandle rewrites a handle that follows the naming convention for oldID.
func rehandle(handle, oldID, newID string) string {
	if strings.HasPrefix(handle, oldID+"-") {
		return newID + strings.TrimPrefix(handle, oldID)
	}
	return handle
}

// Position is a point in board coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p translated by o.
func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y}
}

// Node is a board node. Position is relative to the parent group when
// ParentID is set.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Position Position       `json:"position"`
	ParentID string         `json:"parentId,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Clone returns a copy that shares nothing mutable with n.
func (n Node) Clone() Node {
	n.Data = cloneData(n.Data)
	return n
}

// Content returns data.content as a string.
func (n Node) Content() string {
	s, _ := n.Data[DataContent].(string)
	return s
}

// Flag returns a boolean data field.
func (n Node) Flag(key string) bool {
	b, _ := n.Data[key].(bool)
	return b
}

// Edge is a board edge.
type Edge struct {
	ID           string         `json:"id"`
	Type         EdgeType       `json:"type"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Clone returns a copy that shares nothing mutable with e.
func (e Edge) Clone() Edge {
	e.Data = cloneData(e.Data)
	return e
}

// Touches reports whether id is one of the edge endpoints.
func (e Edge) Touches(id string) bool {
	return e.Source == id || e.Target == id
}

// HasMindchange reports whether the edge type carries mindchange statistics.
func (e Edge) HasMindchange() bool {
	return e.Type == EdgeNegation || e.Type == EdgeSupport
}

// MindchangeSide is one direction of a mindchange statistic.
type MindchangeSide struct {
	Average float64 `json:"average"`
	Count   float64 `json:"count"`
}

// Mindchange is the per-edge belief-change statistic.
type Mindchange struct {
	Forward  MindchangeSide `json:"forward"`
	Backward MindchangeSide `json:"backward"`
}

const mindchangePrefix = "mindchange:"

// MindchangeKey is the meta key holding the statistic for an edge.
func MindchangeKey(edgeID string) string {
	return mindchangePrefix + edgeID
}

// Author identifies who created nodes and edges.
type Author struct {
	ID   string
	Name string
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneData(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	}
	return v
}

// SortNodes orders nodes by id.
func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// SortEdges orders edges by id.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}
