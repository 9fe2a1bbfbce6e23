package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hybrid-chat/common"
	"hybrid-chat/configs"
)

type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateReconnecting
	// StateLost is terminal: every reconnect attempt failed.
	StateLost
	// StateClosed is terminal: the owner cancelled the connection.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateLost:
		return "connection lost"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Backoff returns the delay before reconnect attempt n (1-based): doubling
// from base, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Connection is the single logical link to the relay. Run keeps it up,
// re-dialing with capped exponential backoff and announcing the identity
// first on every new socket.
type Connection struct {
	url         string
	userID      common.IdentityID
	token       string
	dialer      *websocket.Dialer
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	logger      *logrus.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	state  ConnState
	ready  chan struct{}
	writeM sync.Mutex

	inbound chan common.Envelope
	states  chan ConnState
}

func NewConnection(url string, userID common.IdentityID, token string, logger *logrus.Logger) *Connection {
	return &Connection{
		url:         url,
		userID:      userID,
		token:       token,
		dialer:      websocket.DefaultDialer,
		baseDelay:   configs.ReconnectBaseDelay,
		maxDelay:    configs.ReconnectMaxDelay,
		maxAttempts: configs.ReconnectMaxAttempts,
		logger:      logger,
		ready:       make(chan struct{}),
		inbound:     make(chan common.Envelope, configs.InboundQueueSize),
		states:      make(chan ConnState, 16),
	}
}

// SetBackoff overrides the reconnect schedule.
func (c *Connection) SetBackoff(base, max time.Duration, attempts int) {
	c.baseDelay, c.maxDelay, c.maxAttempts = base, max, attempts
}

// Inbound delivers decoded frames. It is closed when Run returns.
func (c *Connection) Inbound() <-chan common.Envelope { return c.inbound }

// States reports state transitions. Updates are dropped if nobody reads.
func (c *Connection) States() <-chan ConnState { return c.states }

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready is closed once the connection is open and authenticated frames may be
// sent. A fresh channel is handed out after every drop.
func (c *Connection) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	select {
	case c.states <- s:
	default:
	}
}

// Send writes e on the open socket. While disconnected it fails with
// common.ErrTransportUnavailable and nothing is queued.
func (c *Connection) Send(e common.Envelope) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if state != StateOpen || ws == nil {
		return common.ErrTransportUnavailable
	}

	data, err := common.Encode(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	return c.write(ws, data)
}

func (c *Connection) write(ws *websocket.Conn, data []byte) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	ws.SetWriteDeadline(time.Now().Add(configs.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return fmt.Errorf("%w: %v", common.ErrTransportUnavailable, err)
	}
	return nil
}

// Run owns the socket until ctx ends (nil) or the attempt ceiling is hit
// (common.ErrConnectionLost).
func (c *Connection) Run(ctx context.Context) error {
	defer close(c.inbound)

	failures := 0
	c.setState(StateConnecting)
	for {
		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		if opened {
			failures = 0
		}
		failures++
		if failures > c.maxAttempts {
			c.logger.Errorf("Giving up on relay after %d attempts: %v", c.maxAttempts, err)
			c.setState(StateLost)
			return common.ErrConnectionLost
		}

		delay := Backoff(failures, c.baseDelay, c.maxDelay)
		c.logger.Warnf("Relay connection failed (%v), retrying in %s (attempt %d/%d)", err, delay, failures, c.maxAttempts)
		c.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

// session dials once and reads until the socket fails. opened reports whether
// the identity was announced on it.
func (c *Connection) session(ctx context.Context) (opened bool, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}

	auth, err := common.Encode(&common.Auth{UserID: c.userID, Token: c.token})
	if err != nil {
		ws.Close()
		return false, err
	}
	if err := c.write(ws, auth); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setState(StateOpen)
	c.mu.Lock()
	close(c.ready)
	c.mu.Unlock()
	c.logger.Infof("Connected to relay as %d", c.userID)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.ready = make(chan struct{})
		c.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		env, err := common.Decode(data)
		if err != nil {
			c.logger.Warnf("Ignoring frame from relay: %v", err)
			continue
		}
		select {
		case c.inbound <- env:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
