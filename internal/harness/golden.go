package harness

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/arggraph/internal/graph"
)

// Transcript renders the trace and final view as stable text: one line per
// step, then one line per node and edge in id order.
func Transcript(name string, result *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", name)

	for _, ev := range result.Trace {
		fmt.Fprintf(&buf, "[%d] %s%s -> %s", ev.Step, ev.Op, formatArgs(ev.Args), ev.Outcome)
		if ev.Detail != "" {
			fmt.Fprintf(&buf, " %s", ev.Detail)
		}
		buf.WriteByte('\n')
	}

	nodes := append([]graph.Node(nil), result.View.Nodes...)
	edges := append([]graph.Edge(nil), result.View.Edges...)
	graph.SortNodes(nodes)
	graph.SortEdges(edges)

	buf.WriteString("view:\n")
	for _, n := range nodes {
		fmt.Fprintf(&buf, "node %s %s (%s,%s)", n.ID, n.Type, num(n.Position.X), num(n.Position.Y))
		if n.ParentID != "" {
			fmt.Fprintf(&buf, " in %s", n.ParentID)
		}
		if c := n.Content(); c != "" {
			fmt.Fprintf(&buf, " %q", c)
		}
		buf.WriteByte('\n')
	}
	for _, e := range edges {
		fmt.Fprintf(&buf, "edge %s %s %s -> %s\n", e.ID, e.Type, e.Source, e.Target)
	}
	fmt.Fprintf(&buf, "stored: %d nodes\n", result.StoredNodes)
	return []byte(buf.String())
}

func formatArgs(a map[string]any) string {
	if len(a) == 0 {
		return ""
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, a[k])
	}
	return buf.String()
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// RunWithGolden executes a scenario and compares its transcript against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, Transcript(scenario.Name, result))
	return result, nil
}
