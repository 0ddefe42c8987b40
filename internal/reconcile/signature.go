package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/arggraph/internal/graph"
)

// Domain prefixes for view signatures. The version suffix allows the
// projection format to change without colliding with old signatures.
const (
	DomainNodes = "arggraph/nodes/v1"
	DomainEdges = "arggraph/edges/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NodesSignature digests a materialized node list. The list must already be
// sorted by id.
func NodesSignature(nodes []graph.Node) (string, error) {
	list := make([]any, len(nodes))
	for i, n := range nodes {
		obj := map[string]any{
			"id":       n.ID,
			"type":     string(n.Type),
			"position": map[string]any{"x": n.Position.X, "y": n.Position.Y},
		}
		if n.ParentID != "" {
			obj["parentId"] = n.ParentID
		}
		if len(n.Data) > 0 {
			obj["data"] = n.Data
		}
		list[i] = obj
	}
	canonical, err := MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("NodesSignature: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainNodes, canonical), nil
}

// EdgesSignature digests a materialized edge list sorted by id.
func EdgesSignature(edges []graph.Edge) (string, error) {
	list := make([]any, len(edges))
	for i, e := range edges {
		obj := map[string]any{
			"id":     e.ID,
			"type":   string(e.Type),
			"source": e.Source,
			"target": e.Target,
		}
		if e.SourceHandle != "" {
			obj["sourceHandle"] = e.SourceHandle
		}
		if e.TargetHandle != "" {
			obj["targetHandle"] = e.TargetHandle
		}
		if len(e.Data) > 0 {
			obj["data"] = e.Data
		}
		list[i] = obj
	}
	canonical, err := MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("EdgesSignature: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEdges, canonical), nil
}
