// Package harness runs argument-graph scenarios against a real session.
//
// A scenario seeds a document, drives one writable (or read-only) session
// through a flow of board operations, and checks the resulting view.
// Every run uses an in-memory SQLite store, a manual clock and sequential
// ids (gen-1, gen-2, ...), so transcripts are reproducible and can be
// compared against golden files.
//
// # Scenario Format
//
//	name: add_point_to_statement
//	description: "A point under a statement hangs off an option edge"
//	setup:
//	  nodes:
//	    - { id: s1, type: statement, text: "Claim" }
//	  edges: []
//	flow:
//	  - op: add_point_below
//	    args: { parent: s1, content: "Because" }
//	  - op: remote_lock
//	    args: { node: gen-1, session: s-bob }
//	  - op: move_node
//	    args: { id: gen-1, x: 10, y: 10 }
//	    expect: locked
//	assertions:
//	  - type: node_exists
//	    id: gen-1
//	    content: "Because"
//	  - type: edge_count
//	    count: 1
//
// # Outcomes
//
// Each flow step ends in one of ok, read_only, locked or not_applied. A
// step without an expect clause must end in ok.
//
// # Assertion Types
//
//   - node_exists: node id is in the view, optionally with type, content, parent
//   - node_missing: node id is not in the view
//   - edge_exists: an edge matching id, type, source and target is in the view
//   - edge_missing: edge id is not in the view
//   - node_count / edge_count: number of nodes or edges, optionally of one type
//   - stored_node_count: nodes in the state read back from the store
package harness
