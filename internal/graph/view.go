package graph

// View is the local view state: the node and edge lists the editor renders.
// It is a disposable projection of the board; operations keep it in step with
// their own writes because the reconciler skips local transactions.
type View struct {
	Nodes []Node
	Edges []Edge
}

// Node returns the view node with the given id.
func (v View) Node(id string) (Node, bool) {
	for _, n := range v.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Edge returns the view edge with the given id.
func (v View) Edge(id string) (Edge, bool) {
	for _, e := range v.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}

func (v *View) upsertNode(n Node) {
	if v == nil {
		return
	}
	for i := range v.Nodes {
		if v.Nodes[i].ID == n.ID {
			// Text lives in its own map; keep what the view already shows.
			if _, ok := n.Data[DataContent]; !ok {
				if content, ok := v.Nodes[i].Data[DataContent]; ok {
					if n.Data == nil {
						n.Data = make(map[string]any)
					}
					n.Data[DataContent] = content
				}
			}
			v.Nodes[i] = n
			return
		}
	}
	v.Nodes = append(v.Nodes, n)
}

func (v *View) upsertEdge(e Edge) {
	if v == nil {
		return
	}
	for i := range v.Edges {
		if v.Edges[i].ID == e.ID {
			v.Edges[i] = e
			return
		}
	}
	v.Edges = append(v.Edges, e)
}

func (v *View) removeNodes(ids map[string]bool) {
	if v == nil || len(ids) == 0 {
		return
	}
	kept := v.Nodes[:0]
	for _, n := range v.Nodes {
		if !ids[n.ID] {
			kept = append(kept, n)
		}
	}
	v.Nodes = kept
}

func (v *View) removeEdges(ids map[string]bool) {
	if v == nil || len(ids) == 0 {
		return
	}
	kept := v.Edges[:0]
	for _, e := range v.Edges {
		if !ids[e.ID] {
			kept = append(kept, e)
		}
	}
	v.Edges = kept
}
