package realtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
)

// NATSDialer subscribes to the subject "<prefix>.<jobId>". Reconnects are
// handled by the shared connection.
type NATSDialer struct {
	conn   *nats.Conn
	prefix string
	logger *infra.Logger
}

func NewNATSDialer(conn *nats.Conn, prefix string, logger *infra.Logger) *NATSDialer {
	if prefix == "" {
		prefix = "generation"
	}
	return &NATSDialer{conn: conn, prefix: prefix, logger: infra.OrDiscard(logger)}
}

// Subject returns the subject for jobID. Dots inside the id would split the
// token, so they are replaced.
func (d *NATSDialer) Subject(jobID string) string {
	return d.prefix + "." + strings.ReplaceAll(jobID, ".", "_")
}

func (d *NATSDialer) Dial(_ context.Context, jobID string, handler Handler) (Channel, error) {
	if handler == nil {
		return nil, errors.New("realtime: handler is required")
	}
	c := &natsChannel{}
	sub, err := d.conn.Subscribe(d.Subject(jobID), func(msg *nats.Msg) {
		if c.closed.Load() {
			return
		}
		if err := deliver(msg.Data, jobID, handler); err != nil {
			d.logger.Debug().Err(err).Str("job_id", jobID).Msg("realtime: skipped nats message")
		}
	})
	if err != nil {
		return nil, &domain.ChannelError{JobID: jobID, Attempt: 1, Cause: err}
	}
	c.sub = sub
	return c, nil
}

type natsChannel struct {
	sub    *nats.Subscription
	closed atomic.Bool
}

func (c *natsChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
