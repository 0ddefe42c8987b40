package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/arggraph/internal/graph"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", ev.Step, ev.Op, ev.Args, ev.Outcome)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	v := result.View
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: result.Trace}
	}

	switch a.Type {
	case AssertNodeExists:
		n, ok := v.Node(a.ID)
		if !ok {
			return fail("node "+a.ID, "not in view")
		}
		if a.Of != "" && string(n.Type) != a.Of {
			return fail(fmt.Sprintf("node %s of type %s", a.ID, a.Of), string(n.Type))
		}
		if a.Content != "" && n.Content() != a.Content {
			return fail(fmt.Sprintf("node %s with content %q", a.ID, a.Content), fmt.Sprintf("%q", n.Content()))
		}
		if a.Parent != "" && n.ParentID != a.Parent {
			return fail(fmt.Sprintf("node %s in %s", a.ID, a.Parent), fmt.Sprintf("parent %q", n.ParentID))
		}

	case AssertNodeMissing:
		if _, ok := v.Node(a.ID); ok {
			return fail("no node "+a.ID, "present")
		}

	case AssertEdgeExists:
		for _, e := range v.Edges {
			if matchEdge(e, a) {
				return nil
			}
		}
		return fail(fmt.Sprintf("edge id=%q type=%q %s -> %s", a.ID, a.Of, a.Source, a.Target), "no matching edge")

	case AssertEdgeMissing:
		if _, ok := v.Edge(a.ID); ok {
			return fail("no edge "+a.ID, "present")
		}

	case AssertNodeCount:
		got := 0
		for _, n := range v.Nodes {
			if a.Of == "" || string(n.Type) == a.Of {
				got++
			}
		}
		if got != a.Count {
			return fail(fmt.Sprintf("%d nodes", a.Count), fmt.Sprintf("%d nodes", got))
		}

	case AssertEdgeCount:
		got := 0
		for _, e := range v.Edges {
			if a.Of == "" || string(e.Type) == a.Of {
				got++
			}
		}
		if got != a.Count {
			return fail(fmt.Sprintf("%d edges", a.Count), fmt.Sprintf("%d edges", got))
		}

	case AssertStoredNodeCount:
		if result.StoredNodes != a.Count {
			return fail(fmt.Sprintf("%d stored nodes", a.Count), fmt.Sprintf("%d stored nodes", result.StoredNodes))
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func matchEdge(e graph.Edge, a Assertion) bool {
	if a.ID != "" && e.ID != a.ID {
		return false
	}
	if a.Of != "" && string(e.Type) != a.Of {
		return false
	}
	if a.Source != "" && e.Source != a.Source {
		return false
	}
	if a.Target != "" && e.Target != a.Target {
		return false
	}
	return true
}
