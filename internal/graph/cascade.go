package graph

// removal is the outcome of one cascade planning pass. Planning only reads
// the transaction; apply performs every removal in one place so the
// invariants can be checked against a single traversal.
type removal struct {
	nodes map[string]bool
	edges map[string]bool

	nodeOrder []string
	edgeOrder []string

	// mindchange lists edges whose statistic must be dropped.
	mindchange []string

	// released are children of removed groups that survive the removal.
	released []Node
}

func (r *removal) empty() bool {
	return len(r.nodeOrder) == 0 && len(r.edgeOrder) == 0
}

// planRemoval walks the graph from the given roots:
//   - an edge takes its anchor with it
//   - an anchor takes its attached objection edges and objection nodes
//   - a node takes every incident edge
//
// Endpoint nodes of removed edges are never visited unless reached through
// an anchor, so unrelated nodes are untouched.
func planRemoval(tx Tx, nodeIDs, edgeIDs []string) *removal {
	r := &removal{nodes: make(map[string]bool), edges: make(map[string]bool)}

	incident := make(map[string][]Edge)
	for _, e := range tx.Edges() {
		incident[e.Source] = append(incident[e.Source], e)
		if e.Target != e.Source {
			incident[e.Target] = append(incident[e.Target], e)
		}
	}

	var visitNode func(id string)
	var visitEdge func(e Edge)

	visitEdge = func(e Edge) {
		if r.edges[e.ID] {
			return
		}
		r.edges[e.ID] = true
		r.edgeOrder = append(r.edgeOrder, e.ID)
		if e.HasMindchange() {
			r.mindchange = append(r.mindchange, e.ID)
		}
		if _, ok := tx.Node(AnchorID(e.ID)); ok {
			visitNode(AnchorID(e.ID))
		}
	}

	visitNode = func(id string) {
		if r.nodes[id] {
			return
		}
		n, ok := tx.Node(id)
		if !ok {
			return
		}
		r.nodes[id] = true
		r.nodeOrder = append(r.nodeOrder, id)

		for _, e := range incident[id] {
			visitEdge(e)
			if n.Type != NodeEdgeAnchor || e.Type != EdgeObjection {
				continue
			}
			other := e.Source
			if other == id {
				other = e.Target
			}
			if on, ok := tx.Node(other); ok && on.Type == NodeObjection {
				visitNode(other)
			}
		}
	}

	for _, id := range edgeIDs {
		if e, ok := tx.Edge(id); ok {
			visitEdge(e)
		}
	}
	for _, id := range nodeIDs {
		visitNode(id)
	}

	r.released = releasedChildren(tx, r)
	return r
}

// releasedChildren finds surviving members of removed groups and converts
// them back to absolute positions.
func releasedChildren(tx Tx, r *removal) []Node {
	groups := make(map[string]Node)
	for _, id := range r.nodeOrder {
		if n, ok := tx.Node(id); ok && n.Type == NodeGroup {
			groups[id] = n
		}
	}
	if len(groups) == 0 {
		return nil
	}

	var out []Node
	for _, id := range tx.NodeIDs() {
		if r.nodes[id] {
			continue
		}
		child, ok := tx.Node(id)
		if !ok {
			continue
		}
		group, ok := groups[child.ParentID]
		if !ok {
			continue
		}
		out = append(out, detach(child, group))
	}
	return out
}

// detach moves a group member back to world coordinates and strips its
// pairing flags.
func detach(child, group Node) Node {
	child.Position = group.Position.Add(child.Position)
	child.ParentID = ""
	for _, k := range pairingKeys {
		delete(child.Data, k)
	}
	return child
}

// apply performs the planned removal inside tx.
func (r *removal) apply(tx Tx) {
	for _, id := range r.edgeOrder {
		tx.RemoveEdge(id)
	}
	for _, id := range r.mindchange {
		tx.RemoveMeta(MindchangeKey(id))
	}
	for _, id := range r.nodeOrder {
		tx.RemoveNode(id)
		tx.RemoveText(id)
	}
	for _, n := range r.released {
		tx.PutNode(n)
	}
}
