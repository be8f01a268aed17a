package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
)

// RedisDialer subscribes to a Redis pub/sub channel named "<prefix>:<jobId>".
// go-redis re-establishes the subscription after connection loss.
type RedisDialer struct {
	client redis.UniversalClient
	prefix string
	logger *infra.Logger
}

// NewRedisDialer creates a dialer on an existing client.
func NewRedisDialer(client redis.UniversalClient, prefix string, logger *infra.Logger) *RedisDialer {
	if prefix == "" {
		prefix = "generation"
	}
	return &RedisDialer{client: client, prefix: prefix, logger: infra.OrDiscard(logger)}
}

// ChannelName returns the pub/sub channel for jobID.
func (d *RedisDialer) ChannelName(jobID string) string {
	return d.prefix + ":" + jobID
}

// Dial subscribes and waits for the subscription to be confirmed.
func (d *RedisDialer) Dial(ctx context.Context, jobID string, handler Handler) (Channel, error) {
	if handler == nil {
		return nil, errors.New("realtime: handler is required")
	}
	name := d.ChannelName(jobID)
	ps := d.client.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &domain.ChannelError{JobID: jobID, Attempt: 1, Cause: err}
	}

	c := &redisChannel{ps: ps, name: name, done: make(chan struct{})}
	handler(ConnectedEvent{Attempt: 1})
	go func() {
		defer close(c.done)
		for msg := range ps.Channel() {
			if c.closed.Load() {
				continue
			}
			if err := deliver([]byte(msg.Payload), jobID, handler); err != nil {
				d.logger.Debug().Err(err).Str("job_id", jobID).Msg("realtime: skipped redis message")
			}
		}
	}()
	return c, nil
}

type redisChannel struct {
	ps     *redis.PubSub
	name   string
	done   chan struct{}
	closed atomic.Bool
}

func (c *redisChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	unsubErr := c.ps.Unsubscribe(ctx, c.name)
	if err := c.ps.Close(); err != nil {
		return err
	}
	return unsubErr
}
