package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// statesTTL expires the replay hash of a document nobody publishes to.
const statesTTL = time.Hour

// RedisChannel fans presence out across server instances with Redis
// pub/sub. The last state of every session is kept in a hash so new
// subscribers can replay it.
type RedisChannel struct {
	rdb       redis.UniversalClient
	channel   string
	statesKey string
	logger    *slog.Logger
	pubsub    *redis.PubSub

	mu   sync.Mutex
	next int
	subs map[int]func(Message)

	done chan struct{}
}

var _ Channel = (*RedisChannel)(nil)

// NewRedisChannel subscribes to the presence channel of docID.
func NewRedisChannel(ctx context.Context, rdb redis.UniversalClient, docID string, logger *slog.Logger) (*RedisChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &RedisChannel{
		rdb:       rdb,
		channel:   "arggraph:presence:" + docID,
		statesKey: "arggraph:presence:" + docID + ":states",
		logger:    logger,
		subs:      make(map[int]func(Message)),
		done:      make(chan struct{}),
	}

	c.pubsub = rdb.Subscribe(ctx, c.channel)
	if _, err := c.pubsub.Receive(ctx); err != nil {
		_ = c.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	go c.loop()
	return c, nil
}

// Publish records the state and broadcasts it.
func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	sid := msg.State.User.SessionID

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if msg.Type == MessageLeave {
			pipe.HDel(ctx, c.statesKey, sid)
		} else {
			pipe.HSet(ctx, c.statesKey, sid, data)
			pipe.Expire(ctx, c.statesKey, statesTTL)
		}
		pipe.Publish(ctx, c.channel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// Subscribe registers fn and replays the stored states to it.
func (c *RedisChannel) Subscribe(fn func(Message)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	states, err := c.rdb.HGetAll(ctx, c.statesKey).Result()
	if err != nil {
		c.logger.Warn("presence replay failed", "key", c.statesKey, "error", err)
	}
	sids := make([]string, 0, len(states))
	for sid := range states {
		sids = append(sids, sid)
	}
	sort.Strings(sids)
	for _, sid := range sids {
		var msg Message
		if err := json.Unmarshal([]byte(states[sid]), &msg); err != nil {
			c.logger.Warn("bad presence state", "session", sid, "error", err)
			continue
		}
		fn(msg)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Close unsubscribes from Redis. The client itself stays open.
func (c *RedisChannel) Close() error {
	err := c.pubsub.Close()
	<-c.done
	return err
}

func (c *RedisChannel) loop() {
	defer close(c.done)
	for m := range c.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			c.logger.Warn("bad presence frame", "channel", m.Channel, "error", err)
			continue
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
