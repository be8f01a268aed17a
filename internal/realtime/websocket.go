package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
)

var errChannelClosed = errors.New("realtime: channel closed")

// WebSocketOptions configures WebSocketDialer.
type WebSocketOptions struct {
	URL             string
	Header          http.Header
	Dialer          *websocket.Dialer
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts bounds consecutive failed connects. Zero retries forever.
	MaxAttempts  int
	WriteTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *infra.Logger
}

// WebSocketDialer opens one WebSocket connection per job and joins the job's
// room with subscribe frames, reconnecting with exponential backoff.
type WebSocketDialer struct {
	opts WebSocketOptions
}

type controlFrame struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// NewWebSocketDialer applies defaults to opts.
func NewWebSocketDialer(opts WebSocketOptions) *WebSocketDialer {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	opts.Logger = infra.OrDiscard(opts.Logger)
	return &WebSocketDialer{opts: opts}
}

// Dial returns immediately; connecting happens in the background and is
// reported through ConnectedEvent and ErrorEvent.
func (d *WebSocketDialer) Dial(ctx context.Context, jobID string, handler Handler) (Channel, error) {
	if handler == nil {
		return nil, errors.New("realtime: handler is required")
	}
	if d.opts.URL == "" {
		return nil, &domain.ChannelError{JobID: jobID, Cause: errors.New("websocket url is empty")}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &wsChannel{
		opts:    d.opts,
		jobID:   jobID,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run(runCtx)
	return c, nil
}

type wsChannel struct {
	opts    WebSocketOptions
	jobID   string
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	closed  atomic.Bool

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *wsChannel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *wsChannel) run(ctx context.Context) {
	defer close(c.done)
	log := c.opts.Logger.With().Str("job_id", c.jobID).Logger()
	b := c.newBackOff()
	attempt := 0
	connects := 0
	for {
		conn, err := c.connect(ctx)
		if err == nil {
			connects++
			attempt = 0
			b.Reset()
			log.Debug().Int("connects", connects).Msg("realtime: websocket subscribed")
			c.emit(ConnectedEvent{Attempt: connects})
			err = c.readLoop(conn)
		}
		if c.closed.Load() || ctx.Err() != nil {
			return
		}

		attempt++
		wait := b.NextBackOff()
		final := wait == backoff.Stop || (c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts)
		log.Warn().Err(err).Int("attempt", attempt).Bool("final", final).Msg("realtime: websocket connection lost")
		c.emit(ErrorEvent{
			Err:     &domain.ChannelError{JobID: c.jobID, Attempt: attempt, Cause: err},
			Attempt: attempt,
			Final:   final,
		})
		if final {
			return
		}

		timer := c.opts.Clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (c *wsChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		conn.Close()
		return nil, errChannelClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(controlFrame{Type: "subscribe", JobID: c.jobID}); err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.writeMu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.writeMu.Unlock()
			conn.Close()
			return err
		}
		if err := deliver(data, c.jobID, c.emit); err != nil {
			c.opts.Logger.Debug().Err(err).Str("job_id", c.jobID).Msg("realtime: skipped websocket frame")
		}
	}
}

func (c *wsChannel) emit(ev Event) {
	if c.closed.Load() {
		return
	}
	c.handler(ev)
}

// Close sends unsubscribe, closes the socket and stops reconnecting.
func (c *wsChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer c.cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn := c.conn
	c.conn = nil
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(controlFrame{Type: "unsubscribe", JobID: c.jobID}); err != nil {
		c.opts.Logger.Debug().Err(err).Str("job_id", c.jobID).Msg("realtime: unsubscribe not sent")
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}
