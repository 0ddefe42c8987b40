package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/arggraph/internal/clock"
)

// ErrClosed is returned when publishing on a closed channel or presence.
var ErrClosed = errors.New("presence closed")

// publishTimeout bounds heartbeat publishes.
const publishTimeout = 5 * time.Second

// Options configures a Presence.
type Options struct {
	TTL    time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

type peer struct {
	state PeerState
	seen  time.Time
}

// Presence holds the local session's locks and the aggregated states of
// every other session on the channel.
type Presence struct {
	ch     Channel
	self   User
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	held      map[string]Lock
	peers     map[string]peer
	unsub     func()
	heartbeat clock.Timer
	closed    bool
}

// New subscribes to ch as self. self.SessionID must be unique per session.
func New(ch Channel, self User, opts Options) *Presence {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Presence{
		ch:     ch,
		self:   self,
		ttl:    opts.TTL,
		clock:  opts.Clock,
		logger: opts.Logger,
		held:   make(map[string]Lock),
		peers:  make(map[string]peer),
	}
	unsub := ch.Subscribe(p.receive)
	p.mu.Lock()
	p.unsub = unsub
	p.mu.Unlock()
	return p
}

// Self returns the local identity.
func (p *Presence) Self() User {
	return p.self
}

func (p *Presence) receive(msg Message) {
	sid := msg.State.User.SessionID
	if sid == "" || sid == p.self.SessionID {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch msg.Type {
	case MessageLeave:
		delete(p.peers, sid)
	case MessageState:
		p.peers[sid] = peer{state: msg.State, seen: p.clock.Now()}
	default:
		p.logger.Debug("unknown presence message", "type", msg.Type, "session", sid)
	}
}

// LockNode advertises a lock of kind on nodeID. Re-locking a held node
// keeps its acquisition time.
func (p *Presence) LockNode(ctx context.Context, nodeID string, kind LockKind) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	lock, ok := p.held[nodeID]
	if !ok {
		lock = Lock{TS: p.clock.Now().UnixMilli(), SessionID: p.self.SessionID}
	}
	lock.Kind = kind
	p.held[nodeID] = lock
	msg := p.stateLocked()
	p.mu.Unlock()

	return p.publish(ctx, msg)
}

// UnlockNode releases a lock. Releasing a lock that is not held is a no-op.
func (p *Presence) UnlockNode(ctx context.Context, nodeID string) error {
	p.mu.Lock()
	if _, ok := p.held[nodeID]; !ok || p.closed {
		p.mu.Unlock()
		return nil
	}
	delete(p.held, nodeID)
	msg := p.stateLocked()
	p.mu.Unlock()

	return p.publish(ctx, msg)
}

// UnlockAll releases every lock held by this session.
func (p *Presence) UnlockAll(ctx context.Context) error {
	p.mu.Lock()
	if len(p.held) == 0 || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.held = make(map[string]Lock)
	msg := p.stateLocked()
	p.mu.Unlock()

	return p.publish(ctx, msg)
}

// Refresh re-publishes the local state so peers keep it alive.
func (p *Presence) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	msg := p.stateLocked()
	p.mu.Unlock()

	return p.publish(ctx, msg)
}

// StartHeartbeat refreshes the local state every half TTL until Close.
func (p *Presence) StartHeartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.heartbeat != nil || p.closed {
		return
	}
	p.scheduleLocked()
}

func (p *Presence) scheduleLocked() {
	p.heartbeat = p.clock.AfterFunc(p.ttl/2, func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Refresh(ctx); err != nil {
			if !errors.Is(err, ErrClosed) {
				p.logger.Warn("presence heartbeat failed", "session", p.self.SessionID, "error", err)
			}
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.closed {
			p.scheduleLocked()
		}
	})
}

// IsLockedForMe reports whether another session owns a live lock on nodeID.
func (p *Presence) IsLockedForMe(nodeID string) bool {
	owner, ok := p.owner(nodeID)
	return ok && owner.User.SessionID != p.self.SessionID
}

// GetLockOwner returns the remote session owning nodeID. It returns false
// when the node is free or owned by this session.
func (p *Presence) GetLockOwner(nodeID string) (PeerInfo, bool) {
	owner, ok := p.owner(nodeID)
	if !ok || owner.User.SessionID == p.self.SessionID {
		return PeerInfo{}, false
	}
	return owner, true
}

// Peers returns the users of live remote sessions, sorted by session id.
func (p *Presence) Peers() []User {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var out []User
	for _, pr := range p.peers {
		if p.live(pr, now) {
			out = append(out, pr.state.User)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Held returns the ids of nodes locked by this session.
func (p *Presence) Held() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.held))
	for id := range p.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close announces that the session left and unsubscribes.
func (p *Presence) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.held = make(map[string]Lock)
	if p.heartbeat != nil {
		p.heartbeat.Stop()
	}
	unsub := p.unsub
	p.mu.Unlock()

	err := p.ch.Publish(ctx, Message{Type: MessageLeave, State: PeerState{User: p.self}})
	if unsub != nil {
		unsub()
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

func (p *Presence) live(pr peer, now time.Time) bool {
	return now.Sub(pr.seen) <= p.ttl
}

func (p *Presence) owner(nodeID string) (PeerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best PeerInfo
	found := false
	consider := func(u User, l Lock) {
		if !found || l.TS < best.Lock.TS || (l.TS == best.Lock.TS && u.SessionID < best.User.SessionID) {
			best = PeerInfo{User: u, Lock: l}
			found = true
		}
	}

	if l, ok := p.held[nodeID]; ok {
		consider(p.self, l)
	}
	now := p.clock.Now()
	for _, pr := range p.peers {
		if !p.live(pr, now) {
			continue
		}
		if l, ok := pr.state.Locks[nodeID]; ok {
			consider(pr.state.User, l)
		}
	}
	return best, found
}

func (p *Presence) stateLocked() Message {
	locks := make(map[string]Lock, len(p.held))
	for id, l := range p.held {
		locks[id] = l
	}
	return Message{Type: MessageState, State: PeerState{User: p.self, Locks: locks}}
}

func (p *Presence) publish(ctx context.Context, msg Message) error {
	if err := p.ch.Publish(ctx, msg); err != nil {
		return fmt.Errorf("presence publish: %w", err)
	}
	return nil
}
