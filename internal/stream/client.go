package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one combined-stream websocket connection with automatic
// reconnection. Events are delivered on a bounded channel that is closed
// when the read loop stops.
type Client struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	log    *slog.Logger

	state    atomic.Int32
	attempts atomic.Int32
	dials    atomic.Int64
	started  atomic.Bool

	events chan Event // capacity QueueSize+1; the extra slot holds the fatal marker
	frames chan frame // current connection, read loop only

	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed bool // events closed by Close before any Connect
	wg     sync.WaitGroup
}

type frame struct {
	msgType int
	data    []byte
	err     error
}

// NewClient creates a Client for the stream URL. It does not connect.
func NewClient(url string, opts Options) *Client {
	opts.setDefaults()
	c := &Client{
		url:  url,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		log:    opts.Logger.With("component", "stream", "shard", opts.Name),
		events: make(chan Event, opts.QueueSize+1),
	}
	c.state.Store(int32(Initializing))
	return c
}

// Events returns the event channel.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Attempts returns the consecutive failed handshakes since the last success.
func (c *Client) Attempts() int { return int(c.attempts.Load()) }

// Dials returns the total number of handshakes attempted.
func (c *Client) Dials() int64 { return c.dials.Load() }

// URL returns the stream URL.
func (c *Client) URL() string { return c.url }

// Connect performs the first handshake and starts the read loop. A failed
// handshake is returned but the read loop keeps reconnecting; the fatal
// marker on Events reports when it gives up. Only the first call has an
// effect.
func (c *Client) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	if c.State() == Exiting {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	loopCtx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	err := c.dial(loopCtx)
	go c.readLoop(loopCtx)
	return err
}

// Close stops the client and blocks until the read loop has stopped. Events
// is closed when Close returns.
func (c *Client) Close() {
	c.mu.Lock()
	c.transition(Exiting)
	cancel := c.cancel
	if cancel == nil && !c.closed {
		// Connect never registered a read loop.
		close(c.events)
		c.closed = true
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.closeConn()
	c.wg.Wait()
}

// transition moves to state to. Exiting is terminal; transition reports
// false when the client is already exiting and to is a different state.
func (c *Client) transition(to State) bool {
	for {
		cur := c.state.Load()
		if State(cur) == Exiting {
			return to == Exiting
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			metricState.WithLabelValues(c.opts.Name).Set(float64(to))
			return true
		}
	}
}

// dial performs one handshake. Failure counts an attempt and moves to
// Reconnecting; success resets the counter and moves to Streaming.
func (c *Client) dial(ctx context.Context) error {
	c.dials.Add(1)
	metricDials.Inc()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		n := c.attempts.Add(1)
		c.log.Warn("stream handshake failed", "attempts", n, "error", err)
		c.transition(Reconnecting)
		return err
	}

	c.mu.Lock()
	if c.State() == Exiting {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	frames := make(chan frame)
	c.frames = frames
	go c.readFrames(ctx, conn, frames)

	c.attempts.Store(0)
	c.transition(Streaming)
	metricConnects.Inc()
	c.log.Info("stream connected")
	return nil
}

// readFrames pumps one connection into frames until it errors.
func (c *Client) readFrames(ctx context.Context, conn *websocket.Conn, frames chan<- frame) {
	defer c.wg.Done()
	for {
		mt, data, err := conn.ReadMessage()
		select {
		case frames <- frame{msgType: mt, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.events)
	defer c.closeConn()
	defer c.cancel()

	idle := time.NewTimer(c.opts.IdleTimeout)
	defer idle.Stop()

	for {
		switch c.State() {
		case Exiting:
			return
		case Reconnecting:
			if !c.reconnect(ctx) {
				return
			}
		case Streaming:
			if !c.receive(ctx, idle) {
				return
			}
		default:
			c.transition(Reconnecting)
		}
	}
}

// reconnect waits out the backoff and dials again. It enqueues the fatal
// marker and reports false when the attempts are used up.
func (c *Client) reconnect(ctx context.Context) bool {
	attempts := c.Attempts()
	if attempts >= c.opts.MaxReconnects {
		c.log.Error("max reconnects reached", "max", c.opts.MaxReconnects)
		c.fatal(ReasonMaxReconnects)
		return false
	}

	wait := ReconnectWait(attempts, c.opts.MaxReconnectSeconds, c.opts.Rand())
	metricReconnects.Inc()
	c.log.Info("stream reconnecting", "reconnects_left", c.opts.MaxReconnects-attempts, "wait", wait)
	if err := c.opts.Sleep(ctx, wait); err != nil {
		c.transition(Exiting)
		return false
	}
	c.dial(ctx)
	return true
}

// receive handles one frame or one idle timeout.
func (c *Client) receive(ctx context.Context, idle *time.Timer) bool {
	resetTimer(idle, c.opts.IdleTimeout)

	select {
	case <-ctx.Done():
		c.transition(Exiting)
		return false

	case <-idle.C:
		c.log.Debug("no message received", "timeout", c.opts.IdleTimeout)
		return true

	case f := <-c.frames:
		if f.err != nil {
			if c.State() == Exiting {
				return false
			}
			c.log.Info("stream disconnected", "error", f.err)
			c.closeConn()
			c.transition(Reconnecting)
			return true
		}

		ev, ok, err := decodeMessage(f.msgType, f.data)
		if err != nil {
			c.log.Debug("dropping undecodable message", "error", err)
			return true
		}
		if !ok {
			return true
		}
		if len(c.events) >= c.opts.QueueSize {
			c.log.Warn("event queue overflow", "size", c.opts.QueueSize)
			c.fatal(ReasonQueueOverflow)
			return false
		}
		c.events <- ev
		metricCandles.Inc()
		return true
	}
}

// fatal enqueues the fatal marker and moves to Exiting.
func (c *Client) fatal(reason string) {
	metricFatal.WithLabelValues(reason).Inc()
	select {
	case c.events <- Event{Err: &FatalError{Reason: reason}}:
	default:
	}
	c.transition(Exiting)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
