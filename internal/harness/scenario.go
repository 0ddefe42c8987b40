package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one scripted session run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// ReadOnly starts the session without write access.
	ReadOnly bool `yaml:"read_only,omitempty"`

	// Setup is the stored document the session loads.
	Setup Setup `yaml:"setup,omitempty"`

	Flow       []FlowStep  `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// Setup seeds the stored document.
type Setup struct {
	Nodes []NodeSpec `yaml:"nodes,omitempty"`
	Edges []EdgeSpec `yaml:"edges,omitempty"`
}

// NodeSpec is a seeded node. Text becomes the node's collaborative text.
type NodeSpec struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	Text   string         `yaml:"text,omitempty"`
	X      float64        `yaml:"x,omitempty"`
	Y      float64        `yaml:"y,omitempty"`
	Parent string         `yaml:"parent,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`
}

// EdgeSpec is a seeded edge.
type EdgeSpec struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// FlowStep invokes one operation.
type FlowStep struct {
	Op     string         `yaml:"op"`
	Args   map[string]any `yaml:"args"`
	Expect string         `yaml:"expect,omitempty"`
}

// Assertion checks the final view.
type Assertion struct {
	Type    string `yaml:"type"`
	ID      string `yaml:"id,omitempty"`
	Of      string `yaml:"of,omitempty"`
	Content string `yaml:"content,omitempty"`
	Parent  string `yaml:"parent,omitempty"`
	Source  string `yaml:"source,omitempty"`
	Target  string `yaml:"target,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Operation names.
const (
	OpAddPointBelow     = "add_point_below"
	OpDeleteNode        = "delete_node"
	OpDeleteInversePair = "delete_inverse_pair"
	OpDuplicate         = "duplicate"
	OpAddObjection      = "add_objection"
	OpCreateInversePair = "create_inverse_pair"
	OpMoveNode          = "move_node"
	OpSetContent        = "set_content"
	OpRemoteLock        = "remote_lock"
	OpRemoteRelease     = "remote_release"
	OpAdvance           = "advance"
	OpSetWritable       = "set_writable"
	OpSave              = "save"
)

// requiredArgs lists the args each operation cannot run without.
var requiredArgs = map[string][]string{
	OpAddPointBelow:     {"parent"},
	OpDeleteNode:        {"id"},
	OpDeleteInversePair: {"id"},
	OpDuplicate:         {"id"},
	OpAddObjection:      {"edge"},
	OpCreateInversePair: {"id"},
	OpMoveNode:          {"id", "x", "y"},
	OpSetContent:        {"id", "text"},
	OpRemoteLock:        {"node", "session"},
	OpRemoteRelease:     {"session"},
	OpAdvance:           {"ms"},
	OpSetWritable:       {"writable"},
	OpSave:              {},
}

// Step outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeReadOnly   = "read_only"
	OutcomeLocked     = "locked"
	OutcomeNotApplied = "not_applied"
)

var outcomes = map[string]bool{
	OutcomeOK:         true,
	OutcomeReadOnly:   true,
	OutcomeLocked:     true,
	OutcomeNotApplied: true,
}

// Assertion type constants.
const (
	AssertNodeExists      = "node_exists"
	AssertNodeMissing     = "node_missing"
	AssertEdgeExists      = "edge_exists"
	AssertEdgeMissing     = "edge_missing"
	AssertNodeCount       = "node_count"
	AssertEdgeCount       = "edge_count"
	AssertStoredNodeCount = "stored_node_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, n := range s.Setup.Nodes {
		if n.ID == "" || n.Type == "" {
			return fmt.Errorf("setup.nodes[%d]: id and type are required", i)
		}
	}
	for i, e := range s.Setup.Edges {
		if e.ID == "" || e.Type == "" || e.Source == "" || e.Target == "" {
			return fmt.Errorf("setup.edges[%d]: id, type, source and target are required", i)
		}
	}

	for i, step := range s.Flow {
		required, ok := requiredArgs[step.Op]
		if !ok {
			return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
		}
		for _, key := range required {
			if _, ok := step.Args[key]; !ok {
				return fmt.Errorf("flow[%d]: %s requires arg %q", i, step.Op, key)
			}
		}
		if step.Expect != "" && !outcomes[step.Expect] {
			return fmt.Errorf("flow[%d]: unknown expect %q", i, step.Expect)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertNodeExists, AssertNodeMissing, AssertEdgeMissing:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
	case AssertEdgeExists:
		if a.ID == "" && (a.Source == "" || a.Target == "") {
			return fmt.Errorf("assertions[%d]: id or source and target are required for edge_exists", index)
		}
	case AssertNodeCount, AssertEdgeCount, AssertStoredNodeCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
