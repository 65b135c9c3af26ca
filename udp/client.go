package udp

import (
	"fmt"

	"github.com/cyclone-net/cyclone/internal/xnet"
	"github.com/cyclone-net/cyclone/reactor"
)

// ClientListener collects the callbacks a Client fires, all on its
// owning reactor goroutine.
type ClientListener struct {
	OnMessage func(c *Client, conn *Connection)
	OnClose   func(c *Client)
}

// Client is a single outbound reliable-UDP conversation. Unlike
// tcp.Client there is no connect handshake at the socket level — UDP's
// connect() only fixes the kernel-side peer filter — so Connect
// constructs the Connection immediately rather than waiting on
// write-readiness; any real handshake happens over the first few
// application messages, same as the source leaves it to the caller.
type Client struct {
	Listener ClientListener

	r    *reactor.Reactor
	addr string

	conn *Connection
}

// NewClient creates a Client driven by r's goroutine.
func NewClient(r *reactor.Reactor, addr string) *Client {
	return &Client{r: r, addr: addr}
}

// Conn returns the established Connection, or nil before Connect
// succeeds or after a close.
func (c *Client) Conn() *Connection {
	if c.conn != nil && c.conn.State() == StateConnected {
		return c.conn
	}
	return nil
}

// Connect resolves the peer address and creates the peer-connected
// socket and KCP engine right away.
func (c *Client) Connect() error {
	if c.conn != nil {
		return fmt.Errorf("udp: client already connected")
	}

	peerSA, err := xnet.ResolveAddr(c.addr)
	if err != nil {
		return err
	}

	conn, err := newConnection(1, c.r, peerSA, nil)
	if err != nil {
		return err
	}
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
	return nil
}

// Close shuts down the established connection, if any.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Shutdown()
	}
}
