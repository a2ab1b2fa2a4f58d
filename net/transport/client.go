package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"docmesh/protocol"
)

// Call represents one request awaiting its correlated response.
type Call struct {
	Request *protocol.Message
	Reply   *protocol.Message
	Error   error
	Done    chan *Call
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		log.Debugf("transport.Client: discarding reply, Done channel full")
	}
}

type ClientConfig struct {
	Identity       protocol.Identity
	Key            []byte
	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// AuthToken, when set, makes the client send an AUTH_REQUEST immediately after
	// connecting. Senders of non-auth messages block until the handshake completes.
	AuthToken string

	// AutoReconnect re-dials with exponential backoff after a transient failure.
	// Requests pending at disconnect time fail immediately and are never retried,
	// since message semantics are not guaranteed idempotent.
	AutoReconnect bool
	MaxBackoff    time.Duration
}

// authGate is the latch set by the authentication handshake. The channel is
// closed once an AUTH_RESPONSE arrives; err records a rejected handshake.
type authGate struct {
	ch  chan struct{}
	err error
}

// Client maintains one authenticated connection to a peer's transport server.
// Responses are correlated to pending requests by message ID; the receive loop
// keeps running while senders block on their individual calls.
type Client struct {
	cfg       ClientConfig
	addr      string
	validator *protocol.Validator

	wmu sync.Mutex // serializes socket writes

	mu      sync.Mutex // protects the fields below
	conn    net.Conn
	pending map[string]*Call
	auth    *authGate
	closing bool
}

// Dial connects to a peer transport server and, when an auth token is configured,
// starts the authentication handshake. It fails if the socket cannot be opened
// within the dial timeout.
func Dial(addr string, cfg ClientConfig, validator *protocol.Validator) (*Client, error) {
	c := &Client{
		cfg:       cfg,
		addr:      addr,
		validator: validator,
		pending:   make(map[string]*Call),
	}
	if c.cfg.MaxBackoff <= 0 {
		c.cfg.MaxBackoff = 30 * time.Second
	}

	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("transport: failed to connect to %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.auth = &authGate{ch: make(chan struct{})}
	gate := c.auth
	c.mu.Unlock()

	go c.input(conn, gate)

	if c.cfg.AuthToken == "" {
		// No handshake configured, the connection is immediately usable.
		gate.err = nil
		close(gate.ch)
		return nil
	}

	msg, err := protocol.New(protocol.MsgAuthRequest, &protocol.AuthRequest{Token: c.cfg.AuthToken})
	if err != nil {
		return err
	}
	if err := c.write(conn, msg); err != nil {
		conn.Close()
		return err
	}
	return nil
}

func (c *Client) write(conn net.Conn, m *protocol.Message) error {
	m.Source = c.cfg.Identity
	if err := m.Sign(c.cfg.Key); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeMessage(conn, m)
}

// WaitAuthenticated blocks until the authentication handshake for the current
// connection completes, the context is cancelled, or the handshake is rejected.
func (c *Client) WaitAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrShutdown
	}
	gate := c.auth
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-gate.ch:
		return gate.err
	}
}

// input is the receive loop for one connection. It validates every frame and
// unblocks the matching pending call. When the loop exits, all requests pending
// on this connection fail in one sweep.
func (c *Client) input(conn net.Conn, gate *authGate) {
	var readErr error
	for {
		msg, err := readMessage(conn)
		if err != nil {
			readErr = err
			break
		}

		if ok, reason := c.validator.Validate(msg, true, true); !ok {
			log.Warnf("transport.Client: dropping %s message from %s: %s", msg.Type, c.addr, reason)
			continue
		}

		c.mu.Lock()
		call := c.pending[msg.RequestID]
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()

		if call != nil {
			if msg.Type == protocol.MsgError {
				var ei protocol.ErrorInfo
				if err := msg.DecodePayload(&ei); err == nil {
					call.Error = fmt.Errorf("transport: peer error %s: %s", ei.Code, ei.Reason)
				} else {
					call.Error = errors.New("transport: peer returned an error")
				}
			}
			call.Reply = msg
			call.done()
			continue
		}

		switch msg.Type {
		case protocol.MsgAuthResponse:
			c.finishAuth(gate, msg)
		case protocol.MsgHeartbeat:
			// Server-initiated liveness probe, nothing to correlate.
		default:
			log.Debugf("transport.Client: unsolicited %s message from %s (request id %q)", msg.Type, c.addr, msg.RequestID)
		}
	}

	// Fail every request pending on this connection in one sweep, never partially.
	c.mu.Lock()
	closing := c.closing
	failure := ErrDisconnected
	if closing {
		failure = ErrShutdown
	}
	stale := c.pending
	c.pending = make(map[string]*Call)
	c.mu.Unlock()

	for _, call := range stale {
		call.Error = failure
		call.done()
	}

	// Unblock anyone waiting on the handshake.
	select {
	case <-gate.ch:
	default:
		gate.err = failure
		close(gate.ch)
	}

	if closing {
		return
	}

	if errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) {
		log.Infof("transport.Client: connection to %s closed", c.addr)
	} else {
		log.Warnf("transport.Client: connection to %s failed: %v", c.addr, readErr)
	}

	if c.cfg.AutoReconnect {
		go c.reconnect()
	}
}

func (c *Client) finishAuth(gate *authGate, msg *protocol.Message) {
	var resp protocol.AuthResponse
	if err := msg.DecodePayload(&resp); err != nil {
		gate.err = fmt.Errorf("transport: malformed auth response: %w", err)
	} else if !resp.Success {
		gate.err = fmt.Errorf("%w: %s", ErrAuthFailed, resp.Reason)
	}

	select {
	case <-gate.ch:
		// Already settled, a duplicate response is ignored.
	default:
		if gate.err == nil {
			log.Infof("transport.Client: authenticated to %s (session %s)", c.addr, resp.Session)
		}
		close(gate.ch)
	}
}

func (c *Client) reconnect() {
	backoff := 500 * time.Millisecond
	for {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		time.Sleep(backoff)
		err := c.connect()
		if err == nil {
			log.Infof("transport.Client: reconnected to %s", c.addr)
			return
		}

		log.Warnf("transport.Client: reconnect to %s failed: %v, next attempt in %v", c.addr, err, backoff)
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// Send signs and writes a message. With waitForResponse the call blocks until a
// reply correlated by request ID arrives, the context or request timeout expires
// (failing only this call), or the connection drops (failing all pending calls).
func (c *Client) Send(ctx context.Context, msg *protocol.Message, waitForResponse bool) (*protocol.Message, error) {
	if msg.Type != protocol.MsgAuthRequest && c.cfg.AuthToken != "" {
		if err := c.WaitAuthenticated(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	conn := c.conn

	var call *Call
	if waitForResponse {
		call = &Call{Request: msg, Done: make(chan *Call, 1)}
		c.pending[msg.ID] = call
	}
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		if call != nil {
			c.mu.Lock()
			delete(c.pending, msg.ID)
			c.mu.Unlock()
		}
		return nil, err
	}

	if !waitForResponse {
		return nil, nil
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, msg.Type, msg.ID)
		}
		return nil, ctx.Err()
	case done := <-call.Done:
		return done.Reply, done.Error
	}
}

// Close shuts the connection down, failing any pending requests. Safe to call
// multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
