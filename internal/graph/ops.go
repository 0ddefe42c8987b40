package graph

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/arggraph/internal/doc"
)

// Layout offsets for nodes created by operations.
const (
	pointSpacingY     = 200
	objectionOffsetY  = 150
	inversePairOffset = 360
)

// mindchangeTimeout bounds each fire-and-forget mindchange delete.
const mindchangeTimeout = 10 * time.Second

// MindchangeStore is the durable store of mindchange statistics.
type MindchangeStore interface {
	DeleteMindchangeForEdge(ctx context.Context, docID, edgeID string) (bool, error)
}

// Background tracks fire-and-forget collaborator calls so owners can wait
// for them on shutdown. A nil Background runs calls untracked.
type Background struct {
	wg sync.WaitGroup
}

// Go runs fn on a new goroutine.
func (b *Background) Go(fn func()) {
	if b == nil {
		go fn()
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Wait blocks until every call started with Go has returned.
func (b *Background) Wait() {
	if b != nil {
		b.wg.Wait()
	}
}

// Env carries everything an operation needs. Operations open exactly one
// transaction on Board tagged with Origin and keep View in step with it.
type Env struct {
	Board  Board
	View   *View
	Origin doc.Origin
	DocID  string
	Author Author
	IDs    IDGenerator

	Mindchange MindchangeStore
	Background *Background
	Logger     *slog.Logger
}

func (env Env) logger() *slog.Logger {
	if env.Logger != nil {
		return env.Logger
	}
	return slog.Default()
}

func (env Env) newID() string {
	if env.IDs == nil {
		return UUIDv7Generator{}.NewID()
	}
	return env.IDs.NewID()
}

func (env Env) transact(op string, fn func(tx Tx)) {
	if err := env.Board.Transact(env.Origin, fn); err != nil {
		env.logger().Error("transaction wrote unencodable values", "op", op, "doc", env.DocID, "error", err)
	}
}

func (env Env) authorData() map[string]any {
	data := make(map[string]any)
	if env.Author.ID != "" {
		data[DataCreatedBy] = env.Author.ID
	}
	if env.Author.Name != "" {
		data[DataCreatedByName] = env.Author.Name
	}
	return data
}

// forgetMindchange deletes durable statistics without blocking the caller.
// Failures are logged; the local removal already happened.
func (env Env) forgetMindchange(edgeIDs []string) {
	if env.Mindchange == nil || len(edgeIDs) == 0 {
		return
	}
	log := env.logger()
	for _, edgeID := range edgeIDs {
		edgeID := edgeID
		env.Background.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), mindchangeTimeout)
			defer cancel()

			ok, err := env.Mindchange.DeleteMindchangeForEdge(ctx, env.DocID, edgeID)
			if err != nil {
				log.Warn("mindchange delete failed", "doc", env.DocID, "edge", edgeID, "error", err)
				return
			}
			if !ok {
				log.Warn("mindchange delete rejected", "doc", env.DocID, "edge", edgeID)
			}
		})
	}
}

// absolute returns a node position in board coordinates.
func absolute(tx Tx, n Node) Position {
	if n.ParentID == "" {
		return n.Position
	}
	if parent, ok := tx.Node(n.ParentID); ok {
		return parent.Position.Add(n.Position)
	}
	return n.Position
}

func withContent(n Node, text string) Node {
	n = n.Clone()
	if n.Data == nil {
		n.Data = make(map[string]any)
	}
	n.Data[DataContent] = text
	return n
}

// AddPointOptions configures AddPointBelow.
type AddPointOptions struct {
	// PreferredEdgeType picks support or negation for point parents.
	// Defaults to negation.
	PreferredEdgeType func(parent Node) EdgeType
	// OnEdgeCreated is called after commit with the type of the new edge.
	OnEdgeCreated func(EdgeType)
	Content       string
}

// AddPointResult describes the created point.
type AddPointResult struct {
	NodeID   string
	EdgeID   string
	EdgeType EdgeType
}

// AddPointBelow creates a point under parentID connected by a new edge:
// option for statement parents, the preferred support/negation type for
// point and objection parents. Other parents and missing ids are a no-op.
func AddPointBelow(env Env, parentID string, opts AddPointOptions) (AddPointResult, bool) {
	var res AddPointResult
	var created Node
	var edge Edge
	ok := false

	env.transact("add_point_below", func(tx Tx) {
		parent, found := tx.Node(parentID)
		if !found {
			return
		}

		var edgeType EdgeType
		switch parent.Type {
		case NodeStatement:
			edgeType = EdgeOption
		case NodePoint, NodeObjection:
			edgeType = EdgeNegation
			if opts.PreferredEdgeType != nil {
				if t := opts.PreferredEdgeType(parent); t == EdgeSupport || t == EdgeNegation {
					edgeType = t
				}
			}
		default:
			return
		}

		created = Node{
			ID:       env.newID(),
			Type:     NodePoint,
			Position: absolute(tx, parent).Add(Position{Y: pointSpacingY}),
			Data:     env.authorData(),
		}
		edge = Edge{
			ID:           env.newID(),
			Type:         edgeType,
			Source:       created.ID,
			Target:       parent.ID,
			SourceHandle: SourceHandle(created.ID),
			TargetHandle: TargetHandle(parent.ID),
			Data:         env.authorData(),
		}
		tx.PutNode(created)
		tx.SetText(created.ID, opts.Content)
		tx.PutEdge(edge)

		res = AddPointResult{NodeID: created.ID, EdgeID: edge.ID, EdgeType: edgeType}
		ok = true
	})
	if !ok {
		return AddPointResult{}, false
	}

	env.View.upsertNode(withContent(created, opts.Content))
	env.View.upsertEdge(edge)
	if opts.OnEdgeCreated != nil {
		opts.OnEdgeCreated(res.EdgeType)
	}
	return res, true
}

// DeleteResult lists what a delete removed, sorted by id.
type DeleteResult struct {
	Nodes []string
	Edges []string
}

func summarize(r *removal) DeleteResult {
	res := DeleteResult{}
	for id := range r.nodes {
		res.Nodes = append(res.Nodes, id)
	}
	for id := range r.edges {
		res.Edges = append(res.Edges, id)
	}
	sort.Strings(res.Nodes)
	sort.Strings(res.Edges)
	return res
}

func (env Env) finishRemoval(r *removal) {
	env.View.removeEdges(r.edges)
	env.View.removeNodes(r.nodes)
	for _, n := range r.released {
		env.View.upsertNode(n)
	}
	env.forgetMindchange(r.mindchange)
}

// DeleteNode removes a node or an edge by id, with the cascade the graph
// invariants require. Ids already removed (for example by a peer) are a
// no-op; stale view entries for them are dropped.
func DeleteNode(env Env, id string) (DeleteResult, bool) {
	var r *removal

	env.transact("delete_node", func(tx Tx) {
		if _, isEdge := tx.Edge(id); isEdge {
			r = planRemoval(tx, nil, []string{id})
		} else {
			r = planRemoval(tx, []string{id}, nil)
		}
		r.apply(tx)
	})

	if r == nil || r.empty() {
		env.View.removeNodes(map[string]bool{id: true})
		env.View.removeEdges(map[string]bool{id: true})
		return DeleteResult{}, false
	}
	env.finishRemoval(r)
	return summarize(r), true
}

// InversePairResult describes the member restored by DeleteInversePair.
type InversePairResult struct {
	OriginalID string
	Position   Position
	Removed    DeleteResult
}

// DeleteInversePair removes the inverse member of a pair together with its
// group and the pair's negation edge, and restores the original member to
// its absolute position without pairing flags. Everything happens in one
// transaction tagged with env.Origin.
func DeleteInversePair(env Env, inverseID string) (InversePairResult, bool) {
	var res InversePairResult
	var r *removal

	env.transact("delete_inverse_pair", func(tx Tx) {
		inverse, ok := tx.Node(inverseID)
		if !ok || !inverse.Flag(DataDirectInverse) {
			return
		}
		groupID := inverse.ParentID
		if groupID == "" {
			groupID, _ = inverse.Data[DataGroupID].(string)
		}
		group, ok := tx.Node(groupID)
		if !ok || group.Type != NodeGroup {
			return
		}

		var pairEdges []string
		for _, e := range tx.Edges() {
			if e.Type == EdgeNegation && e.Touches(inverseID) {
				pairEdges = append(pairEdges, e.ID)
			}
		}
		for _, id := range tx.NodeIDs() {
			if id == inverseID {
				continue
			}
			if n, ok := tx.Node(id); ok && n.ParentID == groupID {
				if res.OriginalID == "" || n.Flag(DataOriginalInPair) {
					res.OriginalID = id
				}
			}
		}

		r = planRemoval(tx, []string{inverseID, groupID}, pairEdges)
		r.apply(tx)
	})

	if r == nil {
		return InversePairResult{}, false
	}
	for _, n := range r.released {
		if n.ID == res.OriginalID {
			res.Position = n.Position
		}
	}
	env.finishRemoval(r)
	res.Removed = summarize(r)
	return res, true
}

// DuplicateNodeWithConnections copies a node to pos under a new id and
// re-creates each incident edge against the copy with new ids. Objection
// edges attached to the anchor of a copied edge move to the copy's anchor.
// The original node and its edges are not modified.
func DuplicateNodeWithConnections(env Env, nodeID string, pos Position) (string, bool) {
	var newID string
	var upNodes []Node
	var upEdges []Edge

	env.transact("duplicate_node", func(tx Tx) {
		src, ok := tx.Node(nodeID)
		if !ok {
			return
		}
		text, hasText := tx.Text(nodeID)

		dup := src.Clone()
		dup.ID = env.newID()
		dup.Position = pos
		dup.ParentID = ""
		for _, k := range pairingKeys {
			delete(dup.Data, k)
		}
		tx.PutNode(dup)
		if hasText {
			tx.SetText(dup.ID, text)
		}
		newID = dup.ID
		if hasText {
			upNodes = append(upNodes, withContent(dup, text))
		} else {
			upNodes = append(upNodes, dup)
		}

		edges := tx.Edges()
		for _, e := range edges {
			if !e.Touches(nodeID) {
				continue
			}
			ne := e.Clone()
			ne.ID = env.newID()
			if ne.Source == nodeID {
				ne.Source = dup.ID
				ne.SourceHandle = rehandle(ne.SourceHandle, nodeID, dup.ID)
			}
			if ne.Target == nodeID {
				ne.Target = dup.ID
				ne.TargetHandle = rehandle(ne.TargetHandle, nodeID, dup.ID)
			}
			tx.PutEdge(ne)
			upEdges = append(upEdges, ne)

			oldAnchor, ok := tx.Node(AnchorID(e.ID))
			if !ok {
				continue
			}
			anchor := oldAnchor.Clone()
			anchor.ID = AnchorID(ne.ID)
			anchor.Position = midpoint(tx, ne)
			if anchor.Data == nil {
				anchor.Data = make(map[string]any)
			}
			anchor.Data[DataParentEdgeID] = ne.ID
			tx.PutNode(anchor)
			upNodes = append(upNodes, anchor)

			for _, x := range edges {
				if x.Type != EdgeObjection || !x.Touches(oldAnchor.ID) {
					continue
				}
				if x.Target == oldAnchor.ID {
					x.Target = anchor.ID
					x.TargetHandle = rehandle(x.TargetHandle, oldAnchor.ID, anchor.ID)
				}
				if x.Source == oldAnchor.ID {
					x.Source = anchor.ID
					x.SourceHandle = rehandle(x.SourceHandle, oldAnchor.ID, anchor.ID)
				}
				tx.PutEdge(x)
				upEdges = append(upEdges, x)
			}
		}
	})

	if newID == "" {
		return "", false
	}
	for _, n := range upNodes {
		env.View.upsertNode(n)
	}
	for _, e := range upEdges {
		env.View.upsertEdge(e)
	}
	return newID, true
}

// midpoint is the anchor position of an edge.
func midpoint(tx Tx, e Edge) Position {
	var a, b Position
	if n, ok := tx.Node(e.Source); ok {
		a = absolute(tx, n)
	}
	if n, ok := tx.Node(e.Target); ok {
		b = absolute(tx, n)
	}
	return Position{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

// ObjectionResult describes a created objection.
type ObjectionResult struct {
	NodeID   string
	EdgeID   string
	AnchorID string
}

// AddObjection attaches a new objection to an edge, materializing the edge's
// anchor on first use. Objection edges and missing edges are a no-op.
func AddObjection(env Env, edgeID, content string) (ObjectionResult, bool) {
	var res ObjectionResult
	var upNodes []Node
	var edge Edge

	env.transact("add_objection", func(tx Tx) {
		target, ok := tx.Edge(edgeID)
		if !ok || target.Type == EdgeObjection {
			return
		}

		anchor, ok := tx.Node(AnchorID(edgeID))
		if !ok {
			anchor = Node{
				ID:       AnchorID(edgeID),
				Type:     NodeEdgeAnchor,
				Position: midpoint(tx, target),
				Data:     map[string]any{DataParentEdgeID: edgeID},
			}
			tx.PutNode(anchor)
			upNodes = append(upNodes, anchor)
		}

		objection := Node{
			ID:       env.newID(),
			Type:     NodeObjection,
			Position: anchor.Position.Add(Position{Y: objectionOffsetY}),
			Data:     env.authorData(),
		}
		tx.PutNode(objection)
		tx.SetText(objection.ID, content)
		upNodes = append(upNodes, withContent(objection, content))

		edge = Edge{
			ID:           env.newID(),
			Type:         EdgeObjection,
			Source:       objection.ID,
			Target:       anchor.ID,
			SourceHandle: SourceHandle(objection.ID),
			TargetHandle: TargetHandle(anchor.ID),
			Data:         env.authorData(),
		}
		tx.PutEdge(edge)
		res = ObjectionResult{NodeID: objection.ID, EdgeID: edge.ID, AnchorID: anchor.ID}
	})

	if res.NodeID == "" {
		return ObjectionResult{}, false
	}
	for _, n := range upNodes {
		env.View.upsertNode(n)
	}
	env.View.upsertEdge(edge)
	return res, true
}

// PairResult describes a created inverse pair.
type PairResult struct {
	GroupID   string
	InverseID string
	EdgeID    string
}

// CreateInversePair groups a free point with a new inverse point joined by a
// negation edge. Points already in a group are a no-op.
func CreateInversePair(env Env, originalID, inverseContent string) (PairResult, bool) {
	var res PairResult
	var upNodes []Node
	var edge Edge

	env.transact("create_inverse_pair", func(tx Tx) {
		original, ok := tx.Node(originalID)
		if !ok || original.Type != NodePoint || original.ParentID != "" {
			return
		}

		group := Node{ID: env.newID(), Type: NodeGroup, Position: original.Position, Data: map[string]any{}}

		original.ParentID = group.ID
		original.Position = Position{}
		if original.Data == nil {
			original.Data = make(map[string]any)
		}
		original.Data[DataGroupID] = group.ID
		original.Data[DataOriginalInPair] = true

		inverse := Node{
			ID:       env.newID(),
			Type:     NodePoint,
			Position: Position{X: inversePairOffset},
			ParentID: group.ID,
			Data:     env.authorData(),
		}
		inverse.Data[DataGroupID] = group.ID
		inverse.Data[DataDirectInverse] = true

		edge = Edge{
			ID:           env.newID(),
			Type:         EdgeNegation,
			Source:       inverse.ID,
			Target:       original.ID,
			SourceHandle: SourceHandle(inverse.ID),
			TargetHandle: TargetHandle(original.ID),
			Data:         env.authorData(),
		}

		tx.PutNode(group)
		tx.PutNode(original)
		tx.PutNode(inverse)
		tx.SetText(inverse.ID, inverseContent)
		tx.PutEdge(edge)

		upNodes = append(upNodes, group, original, withContent(inverse, inverseContent))
		res = PairResult{GroupID: group.ID, InverseID: inverse.ID, EdgeID: edge.ID}
	})

	if res.GroupID == "" {
		return PairResult{}, false
	}
	for _, n := range upNodes {
		env.View.upsertNode(n)
	}
	env.View.upsertEdge(edge)
	return res, true
}

// MoveNode sets a node position. Missing nodes are a no-op.
func MoveNode(env Env, id string, pos Position) bool {
	var moved Node
	ok := false
	env.transact("move_node", func(tx Tx) {
		n, found := tx.Node(id)
		if !found {
			return
		}
		n.Position = pos
		tx.PutNode(n)
		moved, ok = n, true
	})
	if ok {
		env.View.upsertNode(moved)
	}
	return ok
}

// SetNodeContent replaces the text of a node. Missing nodes are a no-op.
func SetNodeContent(env Env, id, text string) bool {
	var n Node
	ok := false
	env.transact("set_node_content", func(tx Tx) {
		found, exists := tx.Node(id)
		if !exists {
			return
		}
		tx.SetText(id, text)
		n, ok = found, true
	})
	if ok {
		env.View.upsertNode(withContent(n, text))
	}
	return ok
}
