package tcp

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"

	"github.com/cyclone-net/cyclone/internal/xnet"
	"github.com/cyclone-net/cyclone/reactor"
)

// ClientListener collects the callbacks a Client fires, all on its
// owning reactor goroutine.
type ClientListener struct {
	// OnConnected fires once per connect attempt: success true means the
	// connection is now usable via Client.Conn(); success false means
	// the attempt failed and, unless Client was built with retries
	// disabled, a retry is scheduled per the backoff policy once this
	// callback returns.
	OnConnected func(c *Client, success bool)

	OnMessage func(c *Client, conn *Connection)
	OnClose   func(c *Client)
}

// Client is a single async outbound TCP connection with automatic
// reconnect, grounded on TcpClient. Unlike Server, a Client is meant to
// be driven from exactly one reactor goroutine — typically a
// reactor.WorkThread's — and every method here assumes the caller is
// already on it.
type Client struct {
	Listener ClientListener

	r    *reactor.Reactor
	addr string

	retry   backoff.BackOff
	noRetry bool

	fd          int
	connectEvID reactor.EventID
	retryEvID   reactor.EventID
	connecting  bool

	conn *Connection
}

// NewClient creates a Client driven by r's goroutine, reconnecting on
// failure with an exponential backoff policy (mirrors the retry-ms value
// TcpClient's connection callback used to return by hand). Pass
// WithNoRetry() to disable reconnection entirely, making Connect
// single-shot.
func NewClient(r *reactor.Reactor, addr string, opts ...ClientOption) *Client {
	c := &Client{
		r:           r,
		addr:        addr,
		retry:       backoff.NewExponentialBackOff(),
		connectEvID: reactor.InvalidEventID,
		retryEvID:   reactor.InvalidEventID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithBackOff overrides the default exponential backoff policy used
// between reconnect attempts.
func WithBackOff(b backoff.BackOff) ClientOption {
	return func(c *Client) { c.retry = b }
}

// WithNoRetry disables reconnection: a failed Connect simply reports
// failure via OnConnected and does nothing further.
func WithNoRetry() ClientOption {
	return func(c *Client) { c.noRetry = true }
}

// Conn returns the established Connection, or nil before the first
// successful connect or after a close.
func (c *Client) Conn() *Connection {
	if c.conn != nil && c.conn.State() == StateConnected {
		return c.conn
	}
	return nil
}

// Connect starts an asynchronous connection attempt, registering for
// write-readiness to detect completion the way TcpClient::connect does.
// OnConnected fires once the attempt resolves either way.
func (c *Client) Connect() error {
	if c.conn != nil || c.connecting {
		return fmt.Errorf("tcp: client already connecting or connected")
	}

	sa, err := xnet.ResolveAddr(c.addr)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(xnet.Domain(sa), unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("tcp: socket: %w", err)
	}
	unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)

	c.fd = fd
	c.connecting = true

	c.connectEvID = c.r.RegisterEvent(fd, reactor.EventRead|reactor.EventWrite, nil,
		c.onConnecting, c.onConnecting)

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		c.abortConnect(err)
		return nil
	}
	return nil
}

func (c *Client) onConnecting(reactor.EventID, int, reactor.Event, any) {
	if !c.connecting {
		return
	}

	errno, serr := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if serr != nil || errno != 0 {
		c.abortConnect(fmt.Errorf("tcp: connect failed (errno %d): %v", errno, serr))
		return
	}

	c.r.DisableAll(c.connectEvID)
	c.r.DeleteEvent(c.connectEvID)
	c.connectEvID = reactor.InvalidEventID
	c.connecting = false

	conn := newConnection(1, c.fd, c.r, OwnerClient)
	conn.SetOnMessage(func(conn *Connection) {
		if c.Listener.OnMessage != nil {
			c.Listener.OnMessage(c, conn)
		}
	})
	conn.SetOnClose(func(*Connection) {
		c.conn = nil
		if c.Listener.OnClose != nil {
			c.Listener.OnClose(c)
		}
	})
	c.conn = conn
	c.retry.Reset()

	if c.Listener.OnConnected != nil {
		c.Listener.OnConnected(c, true)
	}
}

func (c *Client) abortConnect(_ error) {
	c.r.DisableAll(c.connectEvID)
	c.r.DeleteEvent(c.connectEvID)
	c.connectEvID = reactor.InvalidEventID
	unix.Close(c.fd)
	c.fd = -1
	c.connecting = false

	if c.Listener.OnConnected != nil {
		c.Listener.OnConnected(c, false)
	}

	if c.noRetry {
		return
	}
	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	c.scheduleRetry(delay)
}

func (c *Client) scheduleRetry(delay time.Duration) {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	c.retryEvID = c.r.RegisterTimer(ms, nil, c.onRetryTimer)
}

func (c *Client) onRetryTimer(id reactor.EventID, _ int, _ reactor.Event, _ any) {
	c.r.DisableAll(id)
	c.r.DeleteEvent(id)
	c.retryEvID = reactor.InvalidEventID
	c.Connect()
}

// Close shuts down the established connection, if any. A no-op before
// the first successful connect.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Shutdown()
	}
}
