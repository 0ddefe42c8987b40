package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/arggraph/internal/doc"
	"github.com/roach88/arggraph/internal/store"
)

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// peerBuffer is the number of frames queued per sync socket before the
// socket is dropped as too slow.
const peerBuffer = 256

// room is the set of sync sockets of one document. It also merges every
// relayed frame into an in-memory replica, so a socket that joins while a
// peer's edits are still inside its save debounce receives them too.
type room struct {
	mu      sync.Mutex
	peers   map[*syncPeer]struct{}
	replica *doc.Doc
}

// originRelay tags frames merged into a room replica.
const originRelay doc.Origin = "relay"

type syncPeer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (p *syncPeer) close() {
	p.once.Do(func() { close(p.send) })
}

// join merges the stored state into the replica, queues the merged state as
// the first frame of p and adds p, all under the room lock, so every frame
// is either part of that state or relayed to p afterwards.
func (r *room) join(p *syncPeer, stored []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.replica.ApplyUpdate(stored, originRelay); err != nil {
		return fmt.Errorf("merge stored state: %w", err)
	}
	state, err := r.replica.EncodeStateAsUpdate()
	if err != nil {
		return fmt.Errorf("encode room state: %w", err)
	}
	p.send <- state
	r.peers[p] = struct{}{}
	return nil
}

func (r *room) leave(p *syncPeer) {
	r.mu.Lock()
	delete(r.peers, p)
	r.mu.Unlock()
	p.close()
}

// broadcast merges frame into the replica and queues it on every socket
// except from. A socket whose queue is full is dropped.
func (r *room) broadcast(from *syncPeer, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.replica.ApplyUpdate(frame, originRelay); err != nil {
		return err
	}
	for p := range r.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- frame:
		default:
			delete(r.peers, p)
			p.close()
		}
	}
	return nil
}

func (r *room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := range r.peers {
		delete(r.peers, p)
		p.close()
	}
}

func (s *Server) room(docID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[docID]
	if !ok {
		rm = &room{peers: make(map[*syncPeer]struct{}), replica: doc.New(string(originRelay))}
		s.rooms[docID] = rm
	}
	return rm
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	logger := s.logger.With("doc", docID)

	state, err := s.backend.LoadState(r.Context(), docID)
	if errors.Is(err, store.ErrNotFound) {
		state, err = doc.MergeUpdates()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("sync upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxUpdateBytes)

	peer := &syncPeer{conn: conn, send: make(chan []byte, peerBuffer)}
	rm := s.room(docID)
	if err := rm.join(peer, state); err != nil {
		logger.Error("sync join failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	logger.Debug("sync connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range peer.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Debug("sync write failed", "error", err)
				_ = conn.Close()
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-s.ctx.Done():
			rm.leave(peer)
		case <-writerDone:
		}
	}()

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("sync read ended", "error", err)
			}
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := doc.ValidateUpdate(frame); err != nil {
			logger.Warn("dropping malformed sync frame", "bytes", len(frame), "error", err)
			continue
		}
		if err := rm.broadcast(peer, frame); err != nil {
			logger.Warn("dropping unmergeable sync frame", "bytes", len(frame), "error", err)
		}
	}

	rm.leave(peer)
	<-writerDone
}

// SyncConn is a client connection to the update relay of one document. It
// satisfies the session transport contract.
type SyncConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closing bool
}

// ErrClosed is returned when sending on a closed sync connection.
var ErrClosed = errors.New("sync connection closed")

// DialSync connects to a sync endpoint. The returned state is the stored
// document state the server sent on connect.
func DialSync(ctx context.Context, url string, logger *slog.Logger) (*SyncConn, []byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial sync relay: %w", err)
	}
	conn.SetReadLimit(maxUpdateBytes)

	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(d)
	}
	kind, state, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("read initial state: %w", err)
	}
	if kind != websocket.BinaryMessage {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("read initial state: unexpected frame type %d", kind)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return &SyncConn{conn: conn, logger: logger}, state, nil
}

// Send writes one update frame.
func (c *SyncConn) Send(ctx context.Context, update []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing {
		return ErrClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, update); err != nil {
		return fmt.Errorf("write sync frame: %w", err)
	}
	return nil
}

// Pump passes every received frame to deliver until the connection closes.
// An error from deliver ends the pump.
func (c *SyncConn) Pump(deliver func([]byte) error) error {
	for {
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.writeMu.Lock()
			closing := c.closing
			c.writeMu.Unlock()
			if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read sync frame: %w", err)
		}
		if kind != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary sync frame", "type", kind)
			continue
		}
		if err := deliver(frame); err != nil {
			return err
		}
	}
}

// Close sends a close frame and closes the connection.
func (c *SyncConn) Close() error {
	c.writeMu.Lock()
	if c.closing {
		c.writeMu.Unlock()
		return nil
	}
	c.closing = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}
