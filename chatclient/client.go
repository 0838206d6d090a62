// Package chatclient is a TLS client for the chat relay. It authenticates
// with CONNECT, then notifies callers of messages, presence, connection state
// changes and errors via registered handlers.
package chatclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/chatrelay/chatconn"
	"github.com/cyberinferno/chatrelay/protocol"
)

// ConnectionState represents the current state of the client.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Dialing and authenticating
	Connected                           // Authenticated; the read loop is running
	Closed                              // Closed by the caller; cannot reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrClientClosed is returned by operations after Close.
	ErrClientClosed = errors.New("client is closed")
	// ErrNotConnected is returned when sending before Connect succeeded.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect while connected or connecting.
	ErrAlreadyConnected = errors.New("already connected or connecting")
)

// ConnectionFailedError is returned by Connect when the relay answers
// CONNECTION_FAILED. Open a new Client to retry.
type ConnectionFailedError struct {
	Reason protocol.FailReason
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection failed: %s", e.Reason)
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil if the change was caused by an error
}

// MessageEvent is a chat message relayed to this client.
type MessageEvent struct {
	From      int
	To        int
	Text      string
	Timestamp time.Time
}

// UserConnectedEvent announces another participant coming online.
type UserConnectedEvent struct {
	ID        int
	Username  string
	Timestamp time.Time
}

// ErrorEvent is emitted for read failures, protocol violations and
// undecodable message bodies.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// Handlers are invoked synchronously from the client's read loop, in the
// order frames arrive. A handler that blocks stalls delivery.
type (
	ConnectionStateHandler func(event ConnectionStateEvent)
	MessageHandler         func(event MessageEvent)
	UserConnectedHandler   func(event UserConnectedEvent)
	ErrorHandler           func(event ErrorEvent)
)

// Config holds client settings.
type Config struct {
	// Address is the relay's "host:port".
	Address string
	// TLS is the client configuration, typically tlsutil.ClientConfig.
	TLS *tls.Config
	// ConnectionTimeout bounds the dial and TLS handshake.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds each frame written; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout disconnects when nothing arrives for this long; 0 disables.
	ReadTimeout time.Duration
}

// DefaultConfig returns a Config with a 10s connection and write timeout
// and no read timeout.
func DefaultConfig(address string, tlsCfg *tls.Config) Config {
	return Config{
		Address:           address,
		TLS:               tlsCfg,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Client is one session with the relay. It is safe for concurrent use.
type Client struct {
	config Config

	mu     sync.RWMutex
	conn   *chatconn.Conn
	state  ConnectionState
	id     int
	closed bool
	done   chan struct{}

	onConnectionState ConnectionStateHandler
	onMessage         MessageHandler
	onUserConnected   UserConnectedHandler
	onError           ErrorHandler
}

// New creates a client in the Disconnected state.
func New(config Config) *Client {
	return &Client{config: config, state: Disconnected}
}

// OnConnectionState registers the state change handler, replacing any
// previous one.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnMessage registers the message handler.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnUserConnected registers the presence handler.
func (c *Client) OnUserConnected(handler UserConnectedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUserConnected = handler
}

// OnError registers the error handler.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the relay, completes the TLS handshake and authenticates
// with credential. ctx bounds the whole exchange.
//
// Parameters:
//   - ctx: Cancels the dial and the wait for the relay's answer
//   - credential: The CONNECT payload
//
// Returns:
//   - The assigned id, a *ConnectionFailedError if the relay rejected the
//     credential, or a transport/protocol error
func (c *Client) Connect(ctx context.Context, credential string) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClientClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return 0, ErrAlreadyConnected
	}
	c.state = Connecting
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		handler(ConnectionStateEvent{State: Connecting, Address: c.config.Address, Timestamp: time.Now()})
	}

	id, conn, pending, err := c.handshake(ctx, credential)
	if err != nil {
		c.setState(Disconnected, err)
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return 0, ErrClientClosed
	}
	c.conn = conn
	c.id = id
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setState(Connected, nil)
	go c.readLoop(conn, pending, done)

	return id, nil
}

// handshake returns the frames that arrived before CONNECTION_SUCCESS so
// they are dispatched once the read loop starts.
func (c *Client) handshake(ctx context.Context, credential string) (int, *chatconn.Conn, []protocol.Response, error) {
	if c.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectionTimeout)
		defer cancel()
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: c.config.TLS}
	raw, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("dial %s: %w", c.config.Address, err)
	}

	conn := chatconn.New(raw, chatconn.Options{
		IdleTimeout:  c.config.ReadTimeout,
		WriteTimeout: c.config.WriteTimeout,
	})

	// Unblock the read below if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteLines(protocol.Connect(credential).Lines()...); err != nil {
		_ = conn.Close()
		return 0, nil, nil, err
	}

	var pending []protocol.Response
	for {
		resp, err := protocol.ReadResponse(conn)
		if err != nil {
			_ = conn.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, nil, nil, ctxErr
			}
			return 0, nil, nil, err
		}

		switch resp.Type {
		case protocol.ResponseConnectionSuccess:
			if !stop() {
				return 0, nil, nil, ctx.Err()
			}
			return resp.ID, conn, pending, nil
		case protocol.ResponseConnectionFailed:
			_ = conn.Close()
			return 0, nil, nil, &ConnectionFailedError{Reason: resp.Reason}
		default:
			pending = append(pending, resp)
		}
	}
}

// SendMessage sends text to the participant with id to. Delivery is best
// effort: the relay drops messages for offline receivers silently.
func (c *Client) SendMessage(to int, text string) error {
	conn, id, err := c.active()
	if err != nil {
		return err
	}

	m := protocol.NewMessage(id, to, text)
	if err := conn.WriteLines(protocol.SendMessage(m).Lines()...); err != nil {
		c.emitError(err)
		return err
	}

	return nil
}

// Logout tells the relay to end the session and closes the client.
func (c *Client) Logout() error {
	conn, _, err := c.active()
	if err != nil {
		return err
	}

	werr := conn.WriteLines(protocol.Logout().Lines()...)
	if err := c.Close(); err != nil {
		return err
	}

	return werr
}

// Close closes the connection. After Close the client is in the Closed
// state and must not be reused. Calling Close again returns nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.setState(Closed, nil)
	return err
}

// Done is closed when the read loop of the current connection exits. It is
// nil before the first successful Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// ID returns the id assigned by the relay, or 0 before Connect succeeds.
func (c *Client) ID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) active() (*chatconn.Conn, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, 0, ErrClientClosed
	}
	if c.state != Connected || c.conn == nil {
		return nil, 0, ErrNotConnected
	}

	return c.conn, c.id, nil
}

func (c *Client) readLoop(conn *chatconn.Conn, pending []protocol.Response, done chan struct{}) {
	defer close(done)

	for _, resp := range pending {
		if err := c.dispatch(resp); err != nil {
			c.fail(conn, err)
			return
		}
	}

	for {
		resp, err := protocol.ReadResponse(conn)
		if err != nil {
			if c.isClosed() {
				return
			}

			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.fail(conn, err)
			return
		}

		if err := c.dispatch(resp); err != nil {
			c.fail(conn, err)
			return
		}
	}
}

// dispatch returns an error only for frames that end the session.
func (c *Client) dispatch(resp protocol.Response) error {
	switch resp.Type {
	case protocol.ResponseMessage:
		text, err := resp.Message.Text()
		if err != nil {
			c.emitError(fmt.Errorf("message from %d: %w", resp.Message.From, err))
			return nil
		}
		c.emitMessage(MessageEvent{From: resp.Message.From, To: resp.Message.To, Text: text, Timestamp: time.Now()})
	case protocol.ResponseUserConnected:
		c.emitUserConnected(UserConnectedEvent{ID: resp.ID, Username: resp.Username, Timestamp: time.Now()})
	default:
		return &protocol.ViolationError{Header: resp.Type.Header(), Reason: "unexpected after authentication"}
	}

	return nil
}

// fail reports err (if any), closes conn and moves to Disconnected.
func (c *Client) fail(conn *chatconn.Conn, err error) {
	if err != nil {
		c.emitError(err)
	}
	_ = conn.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.setState(Disconnected, err)
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// setState never moves a closed client out of Closed.
func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	if c.closed && state != Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		handler(ConnectionStateEvent{State: state, Address: c.config.Address, Timestamp: time.Now(), Error: err})
	}
}

func (c *Client) emitMessage(event MessageEvent) {
	c.mu.RLock()
	handler := c.onMessage
	c.mu.RUnlock()

	if handler != nil {
		handler(event)
	}
}

func (c *Client) emitUserConnected(event UserConnectedEvent) {
	c.mu.RLock()
	handler := c.onUserConnected
	c.mu.RUnlock()

	if handler != nil {
		handler(event)
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}
