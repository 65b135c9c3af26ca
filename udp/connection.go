// Package udp implements the reliable-UDP transport: a master/worker
// server topology that demultiplexes datagrams to per-peer KCP
// connections, and an async client, grounded on cyn_udp_connection.cpp,
// cyn_udp_server.cpp and internal/cyn_udp_server_{master,work}_thread.*.
package udp

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cyclone-net/cyclone/internal/xnet"
	"github.com/cyclone-net/cyclone/reactor"
	"github.com/cyclone-net/cyclone/ringbuf"
	"github.com/cyclone-net/cyclone/udp/kcp"
)

// MaxPacketSize bounds one KCP datagram, matching UdpServer::MAX_UDP_PACKET_SIZE
// and doubling as the engine's MTU (ikcp_setmtu(m_kcp, MAX_UDP_PACKET_SIZE)).
// original_source's own definition of this constant lives in a header this
// pack doesn't carry (only the .cpp call sites survive); 1400 is chosen to
// match the KCP engine's own MTU default and spec.md's "fragmented to
// <=1400 bytes" wire note.
const MaxPacketSize = 1400

// MaxSendSize bounds one Connection.Send call, matching
// UdpServer::MAX_KCP_SEND_SIZE.
const MaxSendSize = 1 << 20

// kcpTimerFreqMillis is how often the KCP update timer fires, matching
// KCP_TIMER_FREQ and the no-delay interval passed to ikcp_nodelay.
const kcpTimerFreqMillis = 10

const (
	defaultReadBufSize = 1024
	scratchBufSize     = MaxPacketSize + 64
)

// State mirrors UdpConnection::State.
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

// EventCallback fires for on_message/on_send_complete/on_closing/on_close,
// always on the Connection's owning reactor goroutine.
type EventCallback func(conn *Connection)

// ErrNotConnected is returned by Send when the connection isn't in the
// connected state.
var ErrNotConnected = errors.New("udp: connection is not in the connected state")

// Connection is one reliable-UDP conversation: a KCP engine driving a
// dedicated, peer-connected UDP socket, owned by exactly one reactor
// goroutine. Like tcp.Connection, Send/Shutdown and every buffer
// accessor assume the caller is already on the owning goroutine; other
// goroutines go through Server.Send/Server.Close.
type Connection struct {
	id       int32
	fd       int
	state    State
	localAddr, peerAddr string

	r             *reactor.Reactor
	eventID       reactor.EventID
	updateTimerID reactor.EventID

	kcp       *kcp.KCP
	startTime time.Time

	readBuf  *ringbuf.Buffer
	writeBuf *ringbuf.Buffer
	scratch  []byte

	onMessage      EventCallback
	onSendComplete EventCallback
	onClosing      EventCallback
	onClose        EventCallback

	name string
	param any
}

// newConnection creates the peer's dedicated socket (optionally bound to
// localAddr first, matching UdpConnection::init's local bind before
// connect), connects it to peerSA so writes can use write() instead of
// sendto(), and wires up the KCP engine in no-delay mode. It must run on
// r's owning goroutine.
func newConnection(id int32, r *reactor.Reactor, peerSA unix.Sockaddr, localSA unix.Sockaddr) (*Connection, error) {
	fd, err := unix.Socket(xnet.Domain(peerSA), unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("udp: socket: %w", err)
	}
	unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)

	if localSA != nil {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err := unix.Bind(fd, localSA); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("udp: bind: %w", err)
		}
	}
	if err := unix.Connect(fd, peerSA); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udp: connect to peer: %w", err)
	}

	c := &Connection{
		id:        id,
		fd:        fd,
		state:     StateConnected,
		r:         r,
		startTime: time.Now(),
		readBuf:   ringbuf.New(defaultReadBufSize),
		writeBuf:  ringbuf.New(defaultReadBufSize),
		scratch:   make([]byte, scratchBufSize),
		name:      fmt.Sprintf("udp_connection_%d", id),
	}
	c.peerAddr = xnet.SockaddrString(peerSA)
	if sa, serr := unix.Getsockname(fd); serr == nil {
		c.localAddr = xnet.SockaddrString(sa)
	}

	c.kcp = kcp.New(kcp.ConvID, c.kcpOutput)
	c.kcp.NoDelay(1, kcpTimerFreqMillis, 2, 1)
	c.kcp.SetMtu(MaxPacketSize)

	c.eventID = r.RegisterEvent(fd, reactor.EventRead, c, c.onReadable, c.onWritable)
	c.updateTimerID = r.RegisterTimer(kcpTimerFreqMillis, nil, c.onUpdateTimer)
	return c, nil
}

// ID returns the connection's id, unique within its owning Server for
// the life of the process. Safe from any goroutine.
func (c *Connection) ID() int32 { return c.id }

// State returns the current state. Owning goroutine only (unlike
// tcp.Connection.State, this is not backed by an atomic, since nothing
// in this package's design reads it off-goroutine).
func (c *Connection) State() State { return c.state }

// LocalAddr and PeerAddr return the "ip:port" strings captured at
// construction. Owning goroutine only.
func (c *Connection) LocalAddr() string { return c.localAddr }
func (c *Connection) PeerAddr() string  { return c.peerAddr }

// ReadBuffer exposes the input buffer for on_message to drain; owning
// goroutine only.
func (c *Connection) ReadBuffer() *ringbuf.Buffer { return c.readBuf }

// Name and SetName manage the connection's debug name; owning goroutine
// only.
func (c *Connection) Name() string     { return c.name }
func (c *Connection) SetName(n string) { c.name = n }

// Param and SetParam carry an arbitrary application value; owning
// goroutine only.
func (c *Connection) Param() any        { return c.param }
func (c *Connection) SetParam(v any) { c.param = v }

// SetOnMessage, SetOnSendComplete, SetOnClosing and SetOnClose register
// callbacks fired on the owning reactor goroutine. Set these before the
// connection can receive traffic, i.e. immediately after construction.
func (c *Connection) SetOnMessage(fn EventCallback)      { c.onMessage = fn }
func (c *Connection) SetOnSendComplete(fn EventCallback) { c.onSendComplete = fn }
func (c *Connection) SetOnClosing(fn EventCallback)      { c.onClosing = fn }
func (c *Connection) SetOnClose(fn EventCallback)        { c.onClose = fn }

func (c *Connection) nowMillis() uint32 {
	return uint32(time.Since(c.startTime).Milliseconds())
}

// kcpOutput is the engine's datagram sink: a direct write() on the
// peer-connected socket. A short or failed write is neither retried nor
// reported, and write-readiness is armed unconditionally afterward.
func (c *Connection) kcpOutput(buf []byte) {
	if len(buf) == 0 {
		return
	}
	unix.Write(c.fd, buf)
	c.r.EnableWrite(c.eventID)
}

// Send queues buf for reliable delivery. The caller must already be on
// the owning reactor goroutine — from any other goroutine use
// Server.Send instead. Matches UdpConnection::send/_send: with no
// backpressure pending it feeds the engine and flushes immediately;
// otherwise it's buffered until the next write-ready tick.
func (c *Connection) Send(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if len(buf) > MaxSendSize {
		return fmt.Errorf("udp: send of %d bytes exceeds max %d", len(buf), MaxSendSize)
	}

	if c.writeBuf.Empty() {
		if ret := c.kcp.Send(buf); ret < 0 {
			return fmt.Errorf("udp: kcp send failed, ret=%d", ret)
		}
		c.kcp.Flush(false)
	} else {
		c.writeBuf.Push(buf)
	}

	c.r.EnableWrite(c.eventID)
	return nil
}

// Shutdown begins a graceful close, matching UdpConnection::shutdown's
// two-phase design: the first call while Connected flushes pending KCP
// data and moves to Disconnecting without tearing anything down; the
// update timer's next tick re-invokes Shutdown once ikcp_waitsnd drains
// to zero, and that second call performs the actual teardown.
func (c *Connection) Shutdown() {
	if c.state == StateDisconnected {
		return
	}

	if c.state == StateConnected {
		c.kcp.Flush(false)
		c.state = StateDisconnecting
		if c.onClosing != nil {
			c.onClosing(c)
		}
		return
	}

	c.state = StateDisconnected

	c.r.DisableAll(c.eventID)
	c.r.DeleteEvent(c.eventID)
	c.r.DisableAll(c.updateTimerID)
	c.r.DeleteEvent(c.updateTimerID)

	unix.Close(c.fd)
	c.fd = -1

	if c.onClose != nil {
		c.onClose(c)
	}

	c.writeBuf.Reset()
	c.readBuf.Reset()
}

func (c *Connection) onReadable(reactor.EventID, int, reactor.Event, any) {
	n, err := unix.Read(c.fd, c.scratch)
	if err != nil || n <= 0 {
		return
	}
	c.onUDPInput(c.scratch[:n])
}

// onUDPInput feeds one received datagram (or, with buf == nil, no new
// data at all) into the KCP engine and drains any now-complete message
// into readBuf, matching _on_udp_input.
func (c *Connection) onUDPInput(buf []byte) {
	if len(buf) > 0 {
		if ret := c.kcp.Input(buf); ret < 0 {
			return
		}
	}

	if c.state != StateConnected {
		return
	}

	size := c.kcp.PeekSize()
	if size <= 0 {
		return
	}
	if cap(c.scratch) < size {
		c.scratch = make([]byte, size)
	}
	n := c.kcp.Recv(c.scratch[:size])
	if n <= 0 {
		return
	}
	c.readBuf.Push(c.scratch[:n])
	if c.onMessage != nil {
		c.onMessage(c)
	}
}

func (c *Connection) onWritable(reactor.EventID, int, reactor.Event, any) {
	if !c.r.IsWrite(c.eventID) {
		return
	}

	if !c.writeBuf.Empty() {
		pending := make([]byte, c.writeBuf.Size())
		c.writeBuf.Pop(pending)
		if ret := c.kcp.Send(pending); ret < 0 {
			return
		}
		c.kcp.Flush(false)
		c.writeBuf.Reset()
	}

	waitSnd := c.kcp.WaitSnd()
	if waitSnd <= 0 {
		c.r.DisableWrite(c.eventID)
	}

	if c.state == StateConnected && c.onSendComplete != nil && waitSnd < 2*defaultReadBufSize {
		c.onSendComplete(c)
	}
}

func (c *Connection) onUpdateTimer(reactor.EventID, int, reactor.Event, any) {
	c.kcp.Update(c.nowMillis())

	if c.state == StateDisconnecting && c.kcp.WaitSnd() <= 0 {
		c.Shutdown()
		return
	}
	if c.kcp.Dead() {
		c.Shutdown()
		return
	}

	c.onUDPInput(nil)
}
