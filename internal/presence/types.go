// Package presence implements the advisory editing-lock layer.
//
// Each session publishes its user identity and the locks it holds; every
// reader aggregates all published states into one lookup. Locks are
// advisory: they let the editor suppress its own conflicting gestures and
// never block a write to the replicated document.
//
// Conflict policy: among live locks on the same node the earliest
// acquisition time wins, ties broken by the smaller session id, so every
// peer agrees on the owner. A peer whose state has not been refreshed within
// the TTL is treated as gone.
package presence

import (
	"context"
	"time"
)

// DefaultTTL is the inactivity window after which a peer's locks are
// considered abandoned.
const DefaultTTL = 5 * time.Second

// LockKind is the gesture a lock protects.
type LockKind string

const (
	LockDrag LockKind = "drag"
	LockEdit LockKind = "edit"
)

// Lock is one advisory lock. TS is the acquisition time in Unix milliseconds.
type Lock struct {
	Kind      LockKind `json:"kind"`
	TS        int64    `json:"ts"`
	SessionID string   `json:"sessionId"`
}

// User is the display identity of a session.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	SessionID string `json:"sessionId"`
}

// PeerState is what a session publishes.
type PeerState struct {
	User  User            `json:"user"`
	Locks map[string]Lock `json:"locks"`
}

// PeerInfo describes the holder of a lock.
type PeerInfo struct {
	User User
	Lock Lock
}

// MessageType distinguishes channel messages.
type MessageType string

const (
	MessageState MessageType = "state"
	MessageLeave MessageType = "leave"
)

// Message is the unit carried by a Channel.
type Message struct {
	Type  MessageType `json:"type"`
	State PeerState   `json:"state"`
}

// Channel carries presence messages between sessions of one document.
// Subscribers may receive their own messages.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(fn func(Message)) (unsubscribe func())
	Close() error
}
