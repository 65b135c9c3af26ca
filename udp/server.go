package udp

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/cyclone-net/cyclone/debug"
	"github.com/cyclone-net/cyclone/internal/xnet"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/reactor"
)

// MaxWorkThreads mirrors UdpServer::MAX_WORK_THREAD_COUNTS.
const MaxWorkThreads = 32

// Internal work-thread command ids, matching UdpServerWorkThread's
// kReceiveUdpMessage/kCloseConnectionCmd/kShutdownCmdID, plus a
// cmdWorkerSend this port adds symmetrically with tcp's Server.Send.
const (
	cmdWorkerReceiveUDP      uint16 = 1
	cmdWorkerCloseConnection uint16 = 2
	cmdWorkerShutdown        uint16 = 3
	cmdWorkerSend            uint16 = 4
)

// Internal master-thread command ids, matching
// UdpServerMasterThread::kShutdownCmdID plus a StopListen this port adds
// symmetrically with tcp.Server.
const (
	cmdMasterShutdown   uint16 = 1
	cmdMasterStopListen uint16 = 2
)

// lockedAddressTTL bounds how long an unknown peer's rate limiter stays
// in the locked-address map before the clear timer evicts it, matching
// the role of m_clear_locked_address_timer without hardcoding the
// source's own interval (absent from the surviving header).
const lockedAddressTTL = 30 * time.Second
const clearLockedAddressEveryMillis = 10000

// handshakeRateLimit bounds how many new-connection attempts one unknown
// peer address may make per second before being dropped, grounded on
// m_locked_address's role of throttling handshake floods from a single
// source; golang.org/x/time/rate is this module's idiomatic limiter,
// matching its use elsewhere in the pack (nishisan-dev-n-backup).
const handshakeRateLimit = 5

// ServerListener collects every callback a Server fires.
type ServerListener struct {
	OnMasterThreadStart func(s *Server, r *reactor.Reactor)
	OnWorkThreadStart   func(s *Server, workerIndex int, r *reactor.Reactor)
	OnConnected         func(s *Server, workerIndex int, conn *Connection)
	OnMessage           func(s *Server, workerIndex int, conn *Connection)
	OnClose             func(s *Server, workerIndex int, conn *Connection)
}

type lockedPeer struct {
	limiter *rate.Limiter
	expires time.Time
}

// Server is a multi-threaded reliable-UDP listener: one master goroutine
// owns every bound receive socket and hashes incoming datagrams out to a
// fixed pool of worker goroutines, each of which owns its share of
// per-peer Connections exclusively. Grounded on UdpServer plus
// internal/cyn_udp_server_{master,work}_thread.* (the work-thread .cpp
// in original_source has drifted from its own .h — no connection map, no
// locked-address limiter — so the .h, which matches this design, is
// what's followed here; the tcp package's equivalent stale-.cpp case is
// documented the same way in DESIGN.md).
type Server struct {
	Listener ServerListener

	master *reactor.WorkThread

	workers []*reactor.WorkThread
	conns   []map[string]*Connection // index i touched only by workers[i]'s goroutine
	locked  []map[string]*lockedPeer // ditto

	listenFDs      []int
	listenAddrs    []string
	listenEventIDs []reactor.EventID

	nextConnID   atomic.Int32
	shuttingDown atomic.Bool
	started      atomic.Bool

	debugSink debug.Sink
}

// ServerOption configures optional Server behavior at construction time.
type ServerOption func(*Server)

// WithDebugSink routes connection lifecycle facts (peer address on
// connect, removal on close) to sink instead of the default no-op,
// matching spec.md's DebugInterface being "injected via constructor
// option," symmetric with tcp.WithDebugSink.
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

// Bind creates a non-blocking UDP socket for "host:port" with
// SO_REUSEADDR set, matching UdpServerMasterThread::bind_socket. Must be
// called before Start.
func (s *Server) Bind(hostPort string) error {
	sa, err := xnet.ResolveAddr(hostPort)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(xnet.Domain(sa), unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("udp: socket: %w", err)
	}
	unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("udp: bind %s: %w", hostPort, err)
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

// ListenAddr returns the "ip:port" a bound listener is actually bound
// to, or "" if listenIndex is out of range.
func (s *Server) ListenAddr(listenIndex int) string {
	if listenIndex < 0 || listenIndex >= len(s.listenAddrs) {
		return ""
	}
	return s.listenAddrs[listenIndex]
}

// Start launches the master goroutine and workerCount worker goroutines.
func (s *Server) Start(workerCount int) error {
	if workerCount < 1 || workerCount > MaxWorkThreads {
		return fmt.Errorf("udp: worker count %d out of range [1, %d]", workerCount, MaxWorkThreads)
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("udp: server already started")
	}
	if len(s.listenFDs) == 0 {
		return fmt.Errorf("udp: no addresses bound")
	}

	s.workers = make([]*reactor.WorkThread, workerCount)
	s.conns = make([]map[string]*Connection, workerCount)
	s.locked = make([]map[string]*lockedPeer, workerCount)
	for i := range s.workers {
		idx := i
		s.conns[idx] = make(map[string]*Connection)
		s.locked[idx] = make(map[string]*lockedPeer)
		wt := reactor.NewWorkThread(fmt.Sprintf("udp_work_%d", idx), 0)
		wt.SetOnStart(func() bool {
			wt.Reactor().RegisterTimer(clearLockedAddressEveryMillis, nil, func(reactor.EventID, int, reactor.Event, any) {
				s.clearLockedAddresses(idx)
			})
			if s.Listener.OnWorkThreadStart != nil {
				s.Listener.OnWorkThreadStart(s, idx, wt.Reactor())
			}
			return true
		})
		wt.SetOnMessage(func(p *packet.Packet) { s.onWorkerMessage(idx, p) })
		if err := wt.Start(); err != nil {
			return fmt.Errorf("udp: starting worker %d: %w", idx, err)
		}
		s.workers[idx] = wt
	}

	s.master = reactor.NewWorkThread("udp_master", 0)
	s.master.SetOnStart(s.onMasterStart)
	s.master.SetOnMessage(s.onMasterMessage)
	if err := s.master.Start(); err != nil {
		return fmt.Errorf("udp: starting master: %w", err)
	}
	return nil
}

func (s *Server) onMasterStart() bool {
	r := s.master.Reactor()
	s.listenEventIDs = make([]reactor.EventID, len(s.listenFDs))

	for i, fd := range s.listenFDs {
		idx := i
		s.listenEventIDs[i] = r.RegisterEvent(fd, reactor.EventRead, nil,
			func(reactor.EventID, int, reactor.Event, any) { s.onReadable(idx) }, nil)
	}

	if s.Listener.OnMasterThreadStart != nil {
		s.Listener.OnMasterThreadStart(s, r)
	}
	return true
}

// onReadable drains one bound socket's ready datagrams, matching
// UdpServerMasterThread::_on_read_event, generalized to a drain loop the
// same way tcp.Server's onAcceptable is.
func (s *Server) onReadable(listenIdx int) {
	fd := s.listenFDs[listenIdx]
	buf := make([]byte, MaxPacketSize)
	for {
		n, peerSA, err := unix.Recvfrom(fd, buf, 0)
		if err != nil || n <= 0 {
			return
		}

		localAddr := s.listenAddrs[listenIdx]
		peerAddr := xnet.SockaddrString(peerSA)
		if peerAddr == "" {
			continue
		}

		worker := hashPeer(peerAddr) % uint32(len(s.workers))
		msg := encodeReceiveMessage(localAddr, peerAddr, buf[:n])
		s.workers[worker].SendMessage(cmdWorkerReceiveUDP, msg, nil)
	}
}

func hashPeer(addr string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return h.Sum32()
}

func encodeReceiveMessage(localAddr, peerAddr string, payload []byte) []byte {
	buf := make([]byte, 2+len(localAddr)+2+len(peerAddr)+len(payload))
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(localAddr)))
	off += 2
	off += copy(buf[off:], localAddr)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(peerAddr)))
	off += 2
	off += copy(buf[off:], peerAddr)
	copy(buf[off:], payload)
	return buf
}

func decodeReceiveMessage(content []byte) (localAddr, peerAddr string, payload []byte, ok bool) {
	if len(content) < 2 {
		return
	}
	n := int(binary.BigEndian.Uint16(content))
	content = content[2:]
	if len(content) < n+2 {
		return
	}
	localAddr = string(content[:n])
	content = content[n:]
	n = int(binary.BigEndian.Uint16(content))
	content = content[2:]
	if len(content) < n {
		return
	}
	peerAddr = string(content[:n])
	payload = content[n:]
	ok = true
	return
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

// StopListen closes one bound address; safe from any goroutine.
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
	case cmdWorkerReceiveUDP:
		localAddr, peerAddr, payload, ok := decodeReceiveMessage(p.Content())
		if !ok {
			return
		}
		s.onReceiveUDPMessage(workerIdx, r, conns, localAddr, peerAddr, payload)

	case cmdWorkerCloseConnection:
		peerAddr := string(p.Content())
		if conn, ok := conns[peerAddr]; ok && conn.State() == StateConnected {
			conn.Shutdown()
		}

	case cmdWorkerSend:
		content := p.Content()
		n := int(binary.BigEndian.Uint16(content))
		peerAddr := string(content[2 : 2+n])
		if conn, ok := conns[peerAddr]; ok && conn.State() == StateConnected {
			conn.Send(content[2+n:])
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

// onReceiveUDPMessage matches UdpServerWorkThread::_on_receive_udp_message:
// route to an existing Connection by peer address, or, for an unknown
// peer, create one unless that address is currently rate-limited by the
// locked-address map.
func (s *Server) onReceiveUDPMessage(workerIdx int, r *reactor.Reactor, conns map[string]*Connection, localAddr, peerAddr string, payload []byte) {
	if conn, ok := conns[peerAddr]; ok {
		conn.onUDPInput(payload)
		return
	}

	locked := s.locked[workerIdx]
	lp, known := locked[peerAddr]
	if !known {
		lp = &lockedPeer{limiter: rate.NewLimiter(handshakeRateLimit, handshakeRateLimit)}
		locked[peerAddr] = lp
	}
	lp.expires = time.Now().Add(lockedAddressTTL)
	if !lp.limiter.Allow() {
		return
	}

	peerSA, err := xnet.ResolveAddr(peerAddr)
	if err != nil {
		return
	}
	localSA, err := xnet.ResolveAddr(localAddr)
	if err != nil {
		localSA = nil
	}

	connID := s.nextConnID.Add(1)
	conn, err := newConnection(connID, r, peerSA, localSA)
	if err != nil {
		return
	}
	conn.SetOnMessage(func(c *Connection) {
		if s.Listener.OnMessage != nil {
			s.Listener.OnMessage(s, workerIdx, c)
		}
	})
	conn.SetOnClose(func(c *Connection) {
		delete(conns, c.PeerAddr())
		s.debugSink.Del(fmt.Sprintf("udp.conn.%s", c.PeerAddr()))
		if s.Listener.OnClose != nil {
			s.Listener.OnClose(s, workerIdx, c)
		}
		if len(conns) == 0 && s.shuttingDown.Load() {
			r.PushStopRequest()
		}
	})
	conns[peerAddr] = conn
	s.debugSink.SetString(fmt.Sprintf("udp.conn.%s", peerAddr), localAddr)
	if s.Listener.OnConnected != nil {
		s.Listener.OnConnected(s, workerIdx, conn)
	}

	conn.onUDPInput(payload)
}

// clearLockedAddresses evicts idle entries from one worker's
// locked-address map, matching _on_clear_locked_address_timer.
func (s *Server) clearLockedAddresses(workerIdx int) {
	now := time.Now()
	locked := s.locked[workerIdx]
	for addr, lp := range locked {
		if now.After(lp.expires) {
			delete(locked, addr)
		}
	}
}

// Send queues buf for delivery to peerAddr on workerIndex's Connection,
// safe from any goroutine.
func (s *Server) Send(workerIndex int, peerAddr string, buf []byte) bool {
	hdr := make([]byte, 2+len(peerAddr))
	binary.BigEndian.PutUint16(hdr, uint16(len(peerAddr)))
	copy(hdr[2:], peerAddr)
	return s.workers[workerIndex].SendMessage(cmdWorkerSend, hdr, buf)
}

// Close asks the worker owning peerAddr's connection to gracefully shut
// it down, safe from any goroutine.
func (s *Server) Close(workerIndex int, peerAddr string) bool {
	return s.workers[workerIndex].SendMessage(cmdWorkerCloseConnection, []byte(peerAddr), nil)
}

// Shutdown gracefully stops the server, safe from any goroutine. Call
// Join afterward to wait for every goroutine to exit.
func (s *Server) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.master.SendMessage(cmdMasterShutdown, nil, nil)
	for _, w := range s.workers {
		w.SendMessage(cmdWorkerShutdown, nil, nil)
	}
}

// Join blocks until the master and every worker goroutine have returned.
func (s *Server) Join() {
	s.master.Join()
	for _, w := range s.workers {
		w.Join()
	}
}

// WorkerCount returns how many worker goroutines Start launched.
func (s *Server) WorkerCount() int { return len(s.workers) }
