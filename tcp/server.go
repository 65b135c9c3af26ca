package tcp

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/cyclone-net/cyclone/debug"
	"github.com/cyclone-net/cyclone/internal/xnet"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/reactor"
)

// MaxWorkThreads bounds how many worker threads a Server can start,
// matching the source's fixed-size worker array.
const MaxWorkThreads = 64

// Internal work-thread command ids, matching the numbering
// internal/cyn_tcp_server_work_thread.cpp uses for its command enum.
const (
	cmdWorkerNewConnection   uint16 = 1
	cmdWorkerCloseConnection uint16 = 2
	cmdWorkerShutdown        uint16 = 3
	cmdWorkerSend            uint16 = 4
)

// Internal master-thread command ids, matching
// internal/cyn_tcp_server_master_thread.cpp's ShutdownCmd/StopListenCmd.
const (
	cmdMasterShutdown   uint16 = 1
	cmdMasterStopListen uint16 = 2
)

// ServerListener collects every callback a Server fires. Any field left
// nil is simply skipped, mirroring TcpServer::Listener's default no-op
// virtuals.
type ServerListener struct {
	// OnMasterThreadStart fires once, on the master goroutine, after
	// every bound address is listening.
	OnMasterThreadStart func(s *Server, r *reactor.Reactor)

	// OnWorkThreadStart fires once per worker, on that worker's
	// goroutine, before it processes any connection.
	OnWorkThreadStart func(s *Server, workerIndex int, r *reactor.Reactor)

	// OnConnected fires on the worker goroutine that now owns conn,
	// right after it is registered.
	OnConnected func(s *Server, workerIndex int, conn *Connection)

	// OnMessage fires on conn's owning worker goroutine whenever
	// ReadBuffer() gains new bytes.
	OnMessage func(s *Server, workerIndex int, conn *Connection)

	// OnClose fires on conn's owning worker goroutine exactly once,
	// just before its socket is closed.
	OnClose func(s *Server, workerIndex int, conn *Connection)
}

// Server is a multi-threaded TCP acceptor: one master goroutine owns
// every listening socket and round-robins accepted connections out to a
// fixed pool of worker goroutines, each of which owns its share of
// Connections exclusively. Grounded on TcpServer plus
// internal/cyn_tcp_server_{master,work}_thread.cpp.
type Server struct {
	Listener ServerListener

	master *reactor.WorkThread

	workers []*reactor.WorkThread
	conns   []map[int32]*Connection // index i touched only by workers[i]'s goroutine

	listenFDs      []int
	listenAddrs    []string
	listenEventIDs []reactor.EventID

	nextWorker int // master-goroutine-only round robin cursor

	nextConnID       atomic.Int32
	shuttingDown     atomic.Bool
	started          atomic.Bool

	debugSink debug.Sink
}

// ServerOption configures optional Server behavior at construction time.
type ServerOption func(*Server)

// WithDebugSink routes connection lifecycle facts (peer address on
// connect, removal on close) to sink instead of the default no-op,
// matching spec.md's DebugInterface being "injected via constructor
// option."
func WithDebugSink(sink debug.Sink) ServerOption {
	return func(s *Server) { s.debugSink = sink }
}

// NewServer creates an unstarted Server. Call Bind for every address to
// listen on, then Start.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{debugSink: debug.NullSink{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind creates a non-blocking listening socket for "host:port", applying
// SO_REUSEADDR (and SO_REUSEPORT when reusePort is set) before bind.
// Must be called before Start; the socket does not begin listening until
// Start runs on the master goroutine, matching
// TcpServerMasterThread::bind_socket.
func (s *Server) Bind(hostPort string, reusePort bool) error {
	sa, err := xnet.ResolveAddr(hostPort)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(xnet.Domain(sa), unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("tcp: socket: %w", err)
	}
	unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if reusePort {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcp: bind %s: %w", hostPort, err)
	}

	bound, err := unix.Getsockname(fd)
	addr := hostPort
	if err == nil {
		addr = xnet.SockaddrString(bound)
	}

	s.listenFDs = append(s.listenFDs, fd)
	s.listenAddrs = append(s.listenAddrs, addr)
	return nil
}

// ListenAddr returns the "ip:port" a bound listener is actually
// listening on (useful after binding to port 0), or "" if listenIndex
// is out of range.
func (s *Server) ListenAddr(listenIndex int) string {
	if listenIndex < 0 || listenIndex >= len(s.listenAddrs) {
		return ""
	}
	return s.listenAddrs[listenIndex]
}

// Start launches the master goroutine and workerCount worker goroutines.
// workerCount must be in [1, MaxWorkThreads]. Every address Bind
// registered begins listening on the master goroutine before Start
// returns.
func (s *Server) Start(workerCount int) error {
	if workerCount < 1 || workerCount > MaxWorkThreads {
		return fmt.Errorf("tcp: worker count %d out of range [1, %d]", workerCount, MaxWorkThreads)
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("tcp: server already started")
	}
	if len(s.listenFDs) == 0 {
		return fmt.Errorf("tcp: no addresses bound")
	}

	s.workers = make([]*reactor.WorkThread, workerCount)
	s.conns = make([]map[int32]*Connection, workerCount)
	for i := range s.workers {
		idx := i
		s.conns[idx] = make(map[int32]*Connection)
		wt := reactor.NewWorkThread(fmt.Sprintf("tcp_work_%d", idx), 0)
		wt.SetOnStart(func() bool {
			if s.Listener.OnWorkThreadStart != nil {
				s.Listener.OnWorkThreadStart(s, idx, wt.Reactor())
			}
			return true
		})
		wt.SetOnMessage(func(p *packet.Packet) { s.onWorkerMessage(idx, p) })
		if err := wt.Start(); err != nil {
			return fmt.Errorf("tcp: starting worker %d: %w", idx, err)
		}
		s.workers[idx] = wt
	}

	s.master = reactor.NewWorkThread("tcp_master", 0)
	s.master.SetOnStart(s.onMasterStart)
	s.master.SetOnMessage(s.onMasterMessage)
	if err := s.master.Start(); err != nil {
		return fmt.Errorf("tcp: starting master: %w", err)
	}
	return nil
}

func (s *Server) onMasterStart() bool {
	r := s.master.Reactor()
	s.listenEventIDs = make([]reactor.EventID, len(s.listenFDs))

	for i, fd := range s.listenFDs {
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			return false
		}
		idx := i
		s.listenEventIDs[i] = r.RegisterEvent(fd, reactor.EventRead, nil,
			func(reactor.EventID, int, reactor.Event, any) { s.onAcceptable(idx) }, nil)
	}

	if s.Listener.OnMasterThreadStart != nil {
		s.Listener.OnMasterThreadStart(s, r)
	}
	return true
}

// onAcceptable drains the accept backlog for one listening socket,
// dispatching every new connection to a worker in round-robin order.
// Matches TcpServerMasterThread::_on_accept_event, generalized from a
// single accept per event to a drain loop so a burst of simultaneous
// connects doesn't wait for additional readiness notifications.
func (s *Server) onAcceptable(listenIdx int) {
	fd := s.listenFDs[listenIdx]
	for {
		connFD, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}

		worker := s.nextWorker
		s.nextWorker = (s.nextWorker + 1) % len(s.workers)

		var fdBytes [4]byte
		binary.BigEndian.PutUint32(fdBytes[:], uint32(connFD))
		if !s.workers[worker].SendMessage(cmdWorkerNewConnection, fdBytes[:], nil) {
			unix.Close(connFD)
		}
	}
}

func (s *Server) onMasterMessage(p *packet.Packet) {
	r := s.master.Reactor()
	switch p.PacketID() {
	case cmdMasterShutdown:
		s.closeAllListeners(r)
		r.PushStopRequest()

	case cmdMasterStopListen:
		idx := int(binary.BigEndian.Uint32(p.Content()))
		s.closeListener(r, idx)
	}
}

func (s *Server) closeAllListeners(r *reactor.Reactor) {
	for i := range s.listenFDs {
		s.closeListener(r, i)
	}
}

func (s *Server) closeListener(r *reactor.Reactor, idx int) {
	if idx < 0 || idx >= len(s.listenFDs) || s.listenFDs[idx] < 0 {
		return
	}
	r.DisableAll(s.listenEventIDs[idx])
	r.DeleteEvent(s.listenEventIDs[idx])
	unix.Close(s.listenFDs[idx])
	s.listenFDs[idx] = -1
}

// StopListen closes one bound address while leaving the server and its
// existing connections running; safe from any goroutine.
func (s *Server) StopListen(listenIndex int) {
	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], uint32(listenIndex))
	s.master.SendMessage(cmdMasterStopListen, idxBytes[:], nil)
}

func (s *Server) onWorkerMessage(workerIdx int, p *packet.Packet) {
	wt := s.workers[workerIdx]
	r := wt.Reactor()
	conns := s.conns[workerIdx]

	switch p.PacketID() {
	case cmdWorkerNewConnection:
		fd := int(binary.BigEndian.Uint32(p.Content()))
		connID := s.nextConnID.Add(1)
		conn := newConnection(connID, fd, r, OwnerServer)
		conn.SetOnMessage(func(c *Connection) {
			if s.Listener.OnMessage != nil {
				s.Listener.OnMessage(s, workerIdx, c)
			}
		})
		conn.SetOnClose(func(c *Connection) {
			delete(conns, c.ID())
			s.debugSink.Del(fmt.Sprintf("tcp.conn.%d", c.ID()))
			if s.Listener.OnClose != nil {
				s.Listener.OnClose(s, workerIdx, c)
			}
			if len(conns) == 0 && s.shuttingDown.Load() {
				r.PushStopRequest()
			}
		})
		conns[connID] = conn
		s.debugSink.SetString(fmt.Sprintf("tcp.conn.%d", connID), conn.PeerAddr())
		if s.Listener.OnConnected != nil {
			s.Listener.OnConnected(s, workerIdx, conn)
		}

	case cmdWorkerCloseConnection:
		connID := int32(binary.BigEndian.Uint32(p.Content()))
		if conn, ok := conns[connID]; ok && conn.State() == StateConnected {
			conn.Shutdown()
		}

	case cmdWorkerSend:
		content := p.Content()
		connID := int32(binary.BigEndian.Uint32(content[:4]))
		if conn, ok := conns[connID]; ok && conn.State() == StateConnected {
			conn.Send(content[4:])
		}

	case cmdWorkerShutdown:
		if len(conns) == 0 {
			r.PushStopRequest()
			return
		}
		for _, conn := range conns {
			if conn.State() == StateConnected {
				conn.Shutdown()
			}
		}
	}
}

// Send queues buf for delivery on the connection identified by
// (workerIndex, connID), safe from any goroutine: it posts into that
// worker's inbox, and the worker itself calls Connection.Send once the
// message is dispatched on its own goroutine. workerIndex and connID
// are normally read off a *Connection obtained from OnConnected/
// OnMessage and cached by the caller.
func (s *Server) Send(workerIndex int, connID int32, buf []byte) bool {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(connID))
	return s.workers[workerIndex].SendMessage(cmdWorkerSend, hdr[:], buf)
}

// Close asks the worker owning connID to gracefully shut it down, safe
// from any goroutine.
func (s *Server) Close(workerIndex int, connID int32) bool {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(connID))
	return s.workers[workerIndex].SendMessage(cmdWorkerCloseConnection, hdr[:], nil)
}

// Shutdown gracefully stops the server: the master closes every
// listening socket and stops, while every worker shuts down its
// Connected connections and stops its own loop once they have all
// closed. Safe from any goroutine. Call Join afterward to wait for
// every goroutine to actually exit.
func (s *Server) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.master.SendMessage(cmdMasterShutdown, nil, nil)
	for _, w := range s.workers {
		w.SendMessage(cmdWorkerShutdown, nil, nil)
	}
}

// Join blocks until the master and every worker goroutine have
// returned.
func (s *Server) Join() {
	s.master.Join()
	for _, w := range s.workers {
		w.Join()
	}
}

// WorkerCount returns how many worker goroutines Start launched.
func (s *Server) WorkerCount() int { return len(s.workers) }
