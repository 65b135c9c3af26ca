// Package tcp implements the reactor-based TCP transport: master/worker
// server topology, an async client, and the per-connection state
// machine, grounded on cyn_tcp_connection.cpp, cyn_tcp_server*.cpp and
// internal/cyn_tcp_server_{master,work}_thread.cpp.
package tcp

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cyclone-net/cyclone/internal/xnet"
	"github.com/cyclone-net/cyclone/reactor"
	"github.com/cyclone-net/cyclone/ringbuf"
	"github.com/cyclone-net/cyclone/stat"
)

// State is a Connection's place in the Connected -> Disconnecting ->
// Disconnected state machine. kConnecting never appears here: a
// Connection is only constructed once its socket is already established
// (the TCP client models the connecting phase itself, before handing
// the fd off to a Connection).
type State int32

const (
	StateConnected State = iota
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// OwnerKind distinguishes a Connection created by a Server from one
// created by a Client, matching TcpConnection::Owner::OWNER_TYPE.
type OwnerKind int32

const (
	OwnerServer OwnerKind = iota
	OwnerClient
)

const (
	defaultReadBufSize  = 1024
	defaultWriteBufSize = 1024
)

// EventCallback fires for on_message/on_send_complete/on_close, always
// on the Connection's owning reactor goroutine.
type EventCallback func(conn *Connection)

// ErrNotConnected is returned by Send when the connection has already
// started or finished disconnecting.
var ErrNotConnected = errors.New("tcp: connection is not in the connected state")

// Connection is a bidirectional TCP byte stream, owned by exactly one
// reactor goroutine. Only State, ID, LocalAddr, PeerAddr and Param are
// safe to call from any goroutine; Send, Shutdown and every buffer or
// statistics accessor assume the caller is already on the owning
// goroutine, the same contract TcpConnection::_send and friends carry
// in the source (there enforced by a debug thread-id assert; here the
// Reactor's own methods panic if misused off-owner, which catches the
// same mistake).
//
// Code outside the owning goroutine that needs to send to or close a
// Connection it doesn't own goes through Server.Send/Server.Close,
// which post a message into the owning work thread's inbox and let that
// thread make the call itself, matching the source's design of routing
// cross-thread operations through the owning thread's command queue
// rather than reaching into the Connection directly. Client has no such
// route: Client.Close calls Shutdown directly and is owner-only.
type Connection struct {
	id    int32
	fd    int
	owner OwnerKind
	state atomic.Int32

	localAddr, peerAddr string

	r       *reactor.Reactor
	eventID reactor.EventID

	readBuf  *ringbuf.Buffer
	writeBuf *ringbuf.Buffer

	onMessage      EventCallback
	onSendComplete EventCallback
	onClose        EventCallback

	name string

	param atomic.Pointer[any]

	readBufMax  *stat.MinMax[int]
	writeBufMax *stat.MinMax[int]

	readStats  *stat.Period[int]
	writeStats *stat.Period[int]
}

// newConnection wraps an already-connected, non-blocking fd: applies the
// source's standard socket options and registers it for read-readiness.
// It must run on r's owning goroutine.
func newConnection(id int32, fd int, r *reactor.Reactor, owner OwnerKind) *Connection {
	setConnectionSockopts(fd)

	c := &Connection{
		id:          id,
		fd:          fd,
		owner:       owner,
		r:           r,
		readBuf:     ringbuf.New(defaultReadBufSize),
		writeBuf:    ringbuf.New(defaultWriteBufSize),
		readBufMax:  stat.NewMinMax[int](),
		writeBufMax: stat.NewMinMax[int](),
		name:        fmt.Sprintf("connection_%d", id),
	}
	c.state.Store(int32(StateConnected))

	if sa, serr := unix.Getsockname(fd); serr == nil {
		c.localAddr = xnet.SockaddrString(sa)
	}
	if sa, serr := unix.Getpeername(fd); serr == nil {
		c.peerAddr = xnet.SockaddrString(sa)
	}

	c.eventID = r.RegisterEvent(fd, reactor.EventRead, c, c.onReadable, c.onWritable)
	return c
}

func setConnectionSockopts(fd int) {
	unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 0, Linger: 0})
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// ID returns the connection's id, unique within its owning Server or
// Client for the life of the process. Safe from any goroutine.
func (c *Connection) ID() int32 { return c.id }

// State returns the current state; safe from any goroutine.
func (c *Connection) State() State { return State(c.state.Load()) }

// LocalAddr and PeerAddr return the "ip:port" strings captured at
// construction. Safe from any goroutine.
func (c *Connection) LocalAddr() string { return c.localAddr }
func (c *Connection) PeerAddr() string  { return c.peerAddr }

// ReadBuffer exposes the input buffer for on_message to drain; not safe
// outside the owning goroutine.
func (c *Connection) ReadBuffer() *ringbuf.Buffer { return c.readBuf }

// Name returns the connection's debug name; owning goroutine only.
func (c *Connection) Name() string { return c.name }

// SetName sets the connection's debug name; owning goroutine only.
func (c *Connection) SetName(name string) { c.name = name }

// Param returns the last value passed to SetParam, or nil. Safe from
// any goroutine.
func (c *Connection) Param() any {
	if p := c.param.Load(); p != nil {
		return *p
	}
	return nil
}

// SetParam stores an arbitrary application value alongside the
// connection. Safe from any goroutine.
func (c *Connection) SetParam(v any) { c.param.Store(&v) }

// SetOnMessage, SetOnSendComplete and SetOnClose register callbacks
// fired on the owning reactor goroutine. Set these before the first
// event can fire, i.e. immediately after construction.
func (c *Connection) SetOnMessage(fn EventCallback)      { c.onMessage = fn }
func (c *Connection) SetOnSendComplete(fn EventCallback) { c.onSendComplete = fn }
func (c *Connection) SetOnClose(fn EventCallback)        { c.onClose = fn }

// ReadBufMax and WriteBufMax return the largest size either buffer has
// ever reached, for diagnostics. Owning goroutine only.
func (c *Connection) ReadBufMax() int  { return c.readBufMax.Max() }
func (c *Connection) WriteBufMax() int { return c.writeBufMax.Max() }

// StartReadStatistics and StartWriteStatistics begin tracking
// bytes-per-period throughput. Call at most once each, from the owning
// goroutine.
func (c *Connection) StartReadStatistics(period time.Duration) {
	if c.readStats == nil {
		c.readStats = stat.NewPeriod[int](period)
	}
}

func (c *Connection) StartWriteStatistics(period time.Duration) {
	if c.writeStats == nil {
		c.writeStats = stat.NewPeriod[int](period)
	}
}

// ReadStatistics and WriteStatistics return (bytes, sample-count) within
// the tracked window, or (0, 0) if statistics were never started.
func (c *Connection) ReadStatistics() (int, int) {
	if c.readStats == nil {
		return 0, 0
	}
	return c.readStats.SumAndCount()
}

func (c *Connection) WriteStatistics() (int, int) {
	if c.writeStats == nil {
		return 0, 0
	}
	return c.writeStats.SumAndCount()
}

// Send queues buf for delivery. The caller must already be on the
// owning reactor goroutine — from any other goroutine use Server.Send
// instead. With an empty, unarmed write buffer it
// attempts an inline write first, exactly as TcpConnection::_send does;
// a short or blocked write is buffered and Write interest is armed.
func (c *Connection) Send(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	if c.r.IsWrite(c.eventID) || !c.writeBuf.Empty() {
		c.writeBuf.Push(buf)
		c.writeBufMax.Update(c.writeBuf.Size())
		c.r.EnableWrite(c.eventID)
		return nil
	}

	n, werr := unix.Write(c.fd, buf)
	if werr != nil {
		if !isWouldBlock(werr) {
			if isFatalSocketError(werr) {
				c.r.DisableAll(c.eventID)
				c.closeOnOwner()
				return ErrNotConnected
			}
		}
		n = 0
	}
	if c.writeStats != nil && n > 0 {
		c.writeStats.Push(n)
	}

	if n < len(buf) {
		c.writeBuf.Push(buf[n:])
		c.writeBufMax.Update(c.writeBuf.Size())
	}

	if !c.writeBuf.Empty() {
		c.r.EnableWrite(c.eventID)
	}
	return nil
}

// Shutdown begins a graceful close. The caller must already be on the
// owning reactor goroutine — from any other goroutine use Server.Close
// instead. If the write buffer is already empty it
// closes immediately; otherwise the close is deferred until pending
// writes drain, matching TcpConnection::shutdown.
func (c *Connection) Shutdown() {
	if c.State() == StateDisconnected {
		return
	}
	c.state.Store(int32(StateDisconnecting))

	if c.r.IsWrite(c.eventID) && !c.writeBuf.Empty() {
		return
	}

	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	c.closeOnOwner()
}

func (c *Connection) onReadable(id reactor.EventID, fd int, ev reactor.Event, param any) {
	n, err := c.readBuf.ReadFromSocket(fd, true)
	c.readBufMax.Update(c.readBuf.Size())

	if err != nil && !isWouldBlock(err) {
		c.closeOnOwner()
		return
	}
	if n > 0 {
		if c.readStats != nil {
			c.readStats.Push(n)
		}
		if c.onMessage != nil {
			c.onMessage(c)
		}
		return
	}

	// n == 0 with no error: RingBuf.ReadFromSocket can't distinguish a
	// genuine EOF from a spurious would-block-with-nothing-read wakeup,
	// same as the source. Callers only reach here after a read-ready
	// event, so treat it as the peer having closed the connection.
	c.closeOnOwner()
}

func (c *Connection) onWritable(id reactor.EventID, fd int, ev reactor.Event, param any) {
	if !c.r.IsWrite(c.eventID) {
		return
	}

	c.writeBufMax.Update(c.writeBuf.Size())
	if !c.writeBuf.Empty() {
		n, werr := c.writeBuf.WriteToSocket(fd)
		if werr != nil {
			c.closeOnOwner()
			return
		}
		if c.writeStats != nil && n > 0 {
			c.writeStats.Push(n)
		}
	}

	if !c.writeBuf.Empty() {
		return
	}
	c.r.DisableWrite(c.eventID)

	if c.onSendComplete != nil {
		c.onSendComplete(c)
	}

	if c.State() == StateDisconnecting {
		c.Shutdown()
	}
}

func (c *Connection) closeOnOwner() {
	if c.State() == StateDisconnected {
		return
	}
	c.state.Store(int32(StateDisconnected))

	c.r.DisableAll(c.eventID)
	c.r.DeleteEvent(c.eventID)

	if c.onClose != nil {
		c.onClose(c)
	}

	c.writeBuf.Reset()
	c.readBuf.Reset()

	unix.Close(c.fd)
	c.fd = -1
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func isFatalSocketError(err error) bool {
	return err == unix.EPIPE || err == unix.ECONNRESET
}
