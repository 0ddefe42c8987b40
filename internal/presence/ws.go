package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// WSChannel is a Channel over a WebSocket connection to the presence relay.
type WSChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	next int
	subs map[int]func(Message)

	done      chan struct{}
	closeOnce sync.Once
	closing   bool
}

var _ Channel = (*WSChannel)(nil)

// DialWS connects to a presence relay endpoint (ws:// or wss:// URL).
func DialWS(ctx context.Context, url string, logger *slog.Logger) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial presence relay: %w", err)
	}
	return NewWSChannel(conn, logger), nil
}

// NewWSChannel wraps an established connection and starts reading from it.
func NewWSChannel(conn *websocket.Conn, logger *slog.Logger) *WSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &WSChannel{
		conn:   conn,
		logger: logger,
		subs:   make(map[int]func(Message)),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Publish writes msg as a JSON text frame.
func (c *WSChannel) Publish(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline(ctx)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write presence frame: %w", err)
	}
	return nil
}

// Subscribe registers fn for every frame received.
func (c *WSChannel) Subscribe(fn func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Done is closed when the connection stops reading.
func (c *WSChannel) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and waits for the read loop to exit.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *WSChannel) readLoop() {
	defer close(c.done)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("presence connection lost", "error", err)
			}
			return
		}

		c.mu.Lock()
		ids := make([]int, 0, len(c.subs))
		for id := range c.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		fns := make([]func(Message), 0, len(ids))
		for _, id := range ids {
			fns = append(fns, c.subs[id])
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(msg)
		}
	}
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(writeWait)
}

// Relay serves one relay connection against ch until the connection or ctx
// ends. Frames from the client are published to ch; messages on ch are
// written back to the client. When the client disconnects without leaving,
// a leave is published for every session it spoke for, so its locks do not
// outlive it.
func Relay(ctx context.Context, ch Channel, conn *websocket.Conn, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	var writeMu sync.Mutex
	out := make(chan Message, 64)
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	unsub := ch.Subscribe(func(msg Message) {
		select {
		case out <- msg:
		case <-stop:
		default:
			logger.Warn("presence relay client too slow, dropping frame")
		}
	})

	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-out:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteJSON(msg)
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	sessions := make(map[string]User)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, context.Canceled) {
				logger.Debug("presence relay read ended", "error", err)
			}
			break
		}
		sid := msg.State.User.SessionID
		if sid == "" {
			continue
		}
		if msg.Type == MessageLeave {
			delete(sessions, sid)
		} else {
			sessions[sid] = msg.State.User
		}
		if err := ch.Publish(ctx, msg); err != nil {
			logger.Warn("presence relay publish failed", "error", err)
		}
	}

	unsub()
	close(stop)
	<-writerDone
	_ = conn.Close()

	for _, u := range sessions {
		_ = ch.Publish(context.Background(), Message{Type: MessageLeave, State: PeerState{User: u}})
	}
}
