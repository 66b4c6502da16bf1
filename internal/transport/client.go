// Package transport is the call client's connection to the signaling relay.
// It redials with backoff when the socket drops and replays the join, so the
// relay sees a transport reopen rather than a new participant.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/signal"
)

const maxPending = 256

var errClosed = errors.New("transport closed")

// Options configures a Client.
type Options struct {
	URL   string // ws(s)://host/signal/ws
	Token string // access token for the authorization service

	Attempts        int // consecutive dial failures tolerated before giving up
	InitialInterval time.Duration
	MaxInterval     time.Duration

	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	// OnReopen runs after a dropped socket was redialled and the join replayed.
	OnReopen func()
}

func (o *Options) setDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = 6
	}
	if o.InitialInterval == 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval == 0 {
		o.MaxInterval = 10 * time.Second
	}
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 30 * time.Second
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = 64 * 1024
	}
}

// Client is a reconnecting signaling connection.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger

	incoming chan signal.Envelope
	done     chan struct{}
	stopOnce sync.Once

	writeMu sync.Mutex // serializes writes on the current socket

	mu       sync.Mutex
	ws       *websocket.Conn
	join     []byte
	self     string
	pending  [][]byte
	closed   bool
	replaced bool
	err      error
}

// New creates a client. Nothing is dialled until Connect.
func New(opts Options, logger *zap.Logger) *Client {
	opts.setDefaults()
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:   logging.Named(logger, "transport"),
		incoming: make(chan signal.Envelope, 64),
		done:     make(chan struct{}),
	}
}

// Connect dials the relay, sends join and starts delivering envelopes. The
// returned channel is closed when the client stops for good; Err then says
// why.
func (c *Client) Connect(ctx context.Context, join signal.Envelope) (<-chan signal.Envelope, error) {
	if join.Kind != signal.KindJoin {
		return nil, fmt.Errorf("connect needs a join envelope, got %q", join.Kind)
	}
	data, err := json.Marshal(join)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.join = data
	c.self = join.FromPeerID
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.attach(ws); err != nil {
		ws.Close()
		return nil, callerr.Wrap("connect", callerr.ErrSignalingUnavailable, err.Error())
	}

	go c.run(ctx, ws)
	return c.incoming, nil
}

// Send writes an envelope, or queues it while the socket is being redialled.
func (c *Client) Send(env signal.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	ws := c.ws
	if ws == nil {
		if len(c.pending) >= maxPending {
			c.mu.Unlock()
			return callerr.Wrap("send", callerr.ErrSignalingUnavailable, "reconnect queue full")
		}
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(ws, data)
}

// Close stops reconnecting and closes the socket. The relay treats the
// disconnect as a leave.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.stop()
	if ws == nil {
		return nil
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait))
	return ws.Close()
}

// Err reports why the client stopped. It is nil after a plain Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Client) url() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling URL: %w", err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// dial retries with exponential backoff until Attempts consecutive failures.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.url()
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.Attempts-1)), ctx)

	var ws *websocket.Conn
	attempts := 0
	err = backoff.RetryNotify(func() error {
		attempts++
		conn, resp, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(callerr.Wrap("dial", callerr.ErrUnauthorized, resp.Status))
			}
			return err
		}
		ws = conn
		return nil
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("signaling dial failed, retrying",
			zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if errors.Is(err, callerr.ErrUnauthorized) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, callerr.Wrap("dial", callerr.ErrSignalingUnavailable, fmt.Sprintf("%d attempts: %v", attempts, err))
	}

	ws.SetReadLimit(c.opts.MaxMessageSize)
	return ws, nil
}

// attach replays join and anything queued, then makes ws the live socket.
// Holding writeMu throughout keeps Send from overtaking the replay.
func (c *Client) attach(ws *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	join := c.join
	pending := c.pending
	c.pending = nil
	c.ws = ws
	c.mu.Unlock()

	if err := c.write(ws, join); err != nil {
		return err
	}
	for _, data := range pending {
		if err := c.write(ws, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) write(ws *websocket.Conn, data []byte) error {
	ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) run(ctx context.Context, ws *websocket.Conn) {
	defer close(c.incoming)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := c.readLoop(ctx, ws)
		ws.Close()

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		closed, replaced := c.closed, c.replaced
		c.mu.Unlock()

		switch {
		case closed || ctx.Err() != nil:
			return
		case replaced:
			c.fail(callerr.Wrap("signaling", callerr.ErrReplaced, "another session took over this peer"))
			return
		}

		c.logger.Warn("signaling connection lost, reconnecting", zap.Error(err))
		next, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(err)
			return
		}
		if err := c.attach(next); err != nil {
			next.Close()
			if errors.Is(err, errClosed) {
				return
			}
			c.fail(callerr.Wrap("signaling", callerr.ErrSignalingUnavailable, err.Error()))
			return
		}
		ws = next
		c.logger.Info("signaling connection reopened")
		if c.opts.OnReopen != nil {
			c.opts.OnReopen()
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.logger.Error("signaling stopped", zap.Error(err))
	c.stop()
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.opts.WriteWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping undecodable envelope", zap.Error(err))
			continue
		}
		if env.Kind == signal.KindPeerReplaced {
			c.noteReplaced(env)
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return errClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// noteReplaced stops reconnecting once the relay hands our identity to
// another session; redialling would evict that session in turn.
func (c *Client) noteReplaced(env signal.Envelope) {
	var p signal.PeerReplacedPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.PeerID == c.self {
		c.replaced = true
	}
}
