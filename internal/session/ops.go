package session

import (
	"fmt"

	"github.com/roach88/arggraph/internal/graph"
)

// env builds the operation environment. Callers hold s.mu.
func (s *Session) env() graph.Env {
	return graph.Env{
		Board:      s.board,
		View:       &s.view,
		Origin:     s.origin,
		DocID:      s.docID,
		Author:     s.author,
		IDs:        s.ids,
		Mindchange: s.mindchange,
		Background: &s.background,
		Logger:     s.logger,
	}
}

// mutate checks write access and the locks on nodeIDs, then runs op under
// the session mutex. The save is scheduled by the update observer once the
// transaction commits.
func (s *Session) mutate(name string, nodeIDs []string, op func(env graph.Env) bool) error {
	if !s.gate.CanWrite() {
		return fmt.Errorf("%s: %w", name, ErrReadOnly)
	}
	for _, id := range nodeIDs {
		if owner, ok := s.presence.GetLockOwner(id); ok {
			return fmt.Errorf("%s %s: %w (held by %s)", name, id, ErrLocked, owner.User.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%s: %w", name, ErrClosed)
	}
	if !op(s.env()) {
		return fmt.Errorf("%s: %w", name, ErrNotApplied)
	}
	return nil
}

// AddPointBelow creates a point connected to parentID. Callbacks in opts run
// under the session mutex and must not call back into the session.
func (s *Session) AddPointBelow(parentID string, opts graph.AddPointOptions) (graph.AddPointResult, error) {
	var res graph.AddPointResult
	err := s.mutate("add point", nil, func(env graph.Env) bool {
		var ok bool
		res, ok = graph.AddPointBelow(env, parentID, opts)
		return ok
	})
	return res, err
}

// DeleteNode removes a node or an edge with its cascade.
func (s *Session) DeleteNode(id string) (graph.DeleteResult, error) {
	var res graph.DeleteResult
	err := s.mutate("delete", []string{id}, func(env graph.Env) bool {
		var ok bool
		res, ok = graph.DeleteNode(env, id)
		return ok
	})
	return res, err
}

// DeleteInversePair dissolves the pair containing inverseID.
func (s *Session) DeleteInversePair(inverseID string) (graph.InversePairResult, error) {
	var res graph.InversePairResult
	err := s.mutate("delete inverse pair", []string{inverseID}, func(env graph.Env) bool {
		var ok bool
		res, ok = graph.DeleteInversePair(env, inverseID)
		return ok
	})
	return res, err
}

// Duplicate copies a node with its connections to pos and returns the new id.
func (s *Session) Duplicate(nodeID string, pos graph.Position) (string, error) {
	var id string
	err := s.mutate("duplicate", nil, func(env graph.Env) bool {
		var ok bool
		id, ok = graph.DuplicateNodeWithConnections(env, nodeID, pos)
		return ok
	})
	return id, err
}

// AddObjection attaches an objection to a negation or support edge.
func (s *Session) AddObjection(edgeID, content string) (graph.ObjectionResult, error) {
	var res graph.ObjectionResult
	err := s.mutate("add objection", nil, func(env graph.Env) bool {
		var ok bool
		res, ok = graph.AddObjection(env, edgeID, content)
		return ok
	})
	return res, err
}

// CreateInversePair groups a point with a new inverse point.
func (s *Session) CreateInversePair(originalID, inverseContent string) (graph.PairResult, error) {
	var res graph.PairResult
	err := s.mutate("create inverse pair", []string{originalID}, func(env graph.Env) bool {
		var ok bool
		res, ok = graph.CreateInversePair(env, originalID, inverseContent)
		return ok
	})
	return res, err
}

// MoveNode sets a node's position.
func (s *Session) MoveNode(id string, pos graph.Position) error {
	return s.mutate("move", []string{id}, func(env graph.Env) bool {
		return graph.MoveNode(env, id, pos)
	})
}

// SetNodeContent replaces a node's text.
func (s *Session) SetNodeContent(id, text string) error {
	return s.mutate("set content", []string{id}, func(env graph.Env) bool {
		return graph.SetNodeContent(env, id, text)
	})
}
