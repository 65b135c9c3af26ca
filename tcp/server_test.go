package tcp

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/reactor"
)

// newTestClient starts a WorkThread dedicated to one Client, configures
// it via configure (called on the work thread's own goroutine, same as
// any real sample would), and connects. Callers must Stop+Join the
// returned WorkThread.
func newTestClient(t *testing.T, addr string, configure func(cl *Client)) *reactor.WorkThread {
	t.Helper()
	wt := reactor.NewWorkThread("test-client", 0)
	wt.SetOnStart(func() bool {
		cl := NewClient(wt.Reactor(), addr, WithNoRetry())
		configure(cl)
		return cl.Connect() == nil
	})
	require.NoError(t, wt.Start())
	return wt
}

// Scenario 1 (spec.md §8): server bound to 127.0.0.1, workers=2, client
// sends "hello", server uppercases and replies "HELLO"; client sending
// "exit" causes the server to shut the connection down.
func Test_ServerEchoScenario(t *testing.T) {
	srv := NewServer()
	srv.Listener.OnMessage = func(s *Server, workerIdx int, conn *Connection) {
		buf := make([]byte, conn.ReadBuffer().Size())
		conn.ReadBuffer().Pop(buf)

		upper := strings.ToUpper(string(buf))
		if upper == "EXIT" {
			conn.Shutdown()
			return
		}
		conn.Send([]byte(upper))
	}

	require.NoError(t, srv.Bind("127.0.0.1:0", false))
	require.NoError(t, srv.Start(2))
	defer func() { srv.Shutdown(); srv.Join() }()

	addr := srv.ListenAddr(0)
	require.NotEmpty(t, addr)

	reply := make(chan string, 1)
	closed := make(chan struct{}, 1)

	wt := newTestClient(t, addr, func(cl *Client) {
		cl.Listener.OnConnected = func(c *Client, ok bool) {
			if ok {
				c.Conn().Send([]byte("hello"))
			}
		}
		cl.Listener.OnMessage = func(c *Client, conn *Connection) {
			buf := make([]byte, conn.ReadBuffer().Size())
			conn.ReadBuffer().Pop(buf)
			reply <- string(buf)
			conn.Send([]byte("exit"))
		}
		cl.Listener.OnClose = func(*Client) { closed <- struct{}{} }
	})
	defer func() { wt.Stop(); wt.Join() }()

	select {
	case msg := <-reply:
		require.Equal(t, "HELLO", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("echo reply never received")
	}

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection was never closed after \"exit\"")
	}
}

// Scenario 2 (spec.md §8): 3 clients connect; client-1 sends a 12-byte
// payload framed with headSize=4, id=1; clients 2 and 3 both receive
// the identical 16-byte frame, unmodified and unframed-by-the-server
// (the server only relays raw bytes, it never has to understand the
// payload's own framing to broadcast it).
func Test_ServerChatBroadcastScenario(t *testing.T) {
	srv := NewServer()

	type peerRef struct {
		workerIdx int
		connID    int32
	}

	var mu sync.Mutex
	peers := make(map[int32]peerRef)
	twoPeersReady := make(chan struct{})
	var closeOnce sync.Once

	srv.Listener.OnConnected = func(s *Server, workerIdx int, conn *Connection) {
		mu.Lock()
		peers[conn.ID()] = peerRef{workerIdx, conn.ID()}
		n := len(peers)
		mu.Unlock()
		if n == 2 {
			closeOnce.Do(func() { close(twoPeersReady) })
		}
	}
	srv.Listener.OnClose = func(s *Server, workerIdx int, conn *Connection) {
		mu.Lock()
		delete(peers, conn.ID())
		mu.Unlock()
	}
	srv.Listener.OnMessage = func(s *Server, workerIdx int, conn *Connection) {
		frame := make([]byte, conn.ReadBuffer().Size())
		conn.ReadBuffer().Pop(frame)

		mu.Lock()
		defer mu.Unlock()
		for id, p := range peers {
			if id == conn.ID() {
				continue
			}
			s.Send(p.workerIdx, p.connID, frame)
		}
	}

	// A single worker keeps this scenario's happens-before reasoning
	// simple: every connection and message is handled on one goroutine,
	// in arrival order.
	require.NoError(t, srv.Bind("127.0.0.1:0", false))
	require.NoError(t, srv.Start(1))
	defer func() { srv.Shutdown(); srv.Join() }()

	addr := srv.ListenAddr(0)
	require.NotEmpty(t, addr)

	recv2 := make(chan []byte, 1)
	recv3 := make(chan []byte, 1)

	wt2 := newTestClient(t, addr, func(cl *Client) {
		cl.Listener.OnMessage = func(c *Client, conn *Connection) {
			buf := make([]byte, conn.ReadBuffer().Size())
			conn.ReadBuffer().Pop(buf)
			recv2 <- buf
		}
	})
	defer func() { wt2.Stop(); wt2.Join() }()

	wt3 := newTestClient(t, addr, func(cl *Client) {
		cl.Listener.OnMessage = func(c *Client, conn *Connection) {
			buf := make([]byte, conn.ReadBuffer().Size())
			conn.ReadBuffer().Pop(buf)
			recv3 <- buf
		}
	})
	defer func() { wt3.Stop(); wt3.Join() }()

	select {
	case <-twoPeersReady:
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw both peers connect")
	}

	wt1 := newTestClient(t, addr, func(cl *Client) {
		cl.Listener.OnConnected = func(c *Client, ok bool) {
			if !ok {
				return
			}
			var p packet.Packet
			p.BuildFromMemory(4, 1, []byte("Hello,World!"), nil)
			c.Conn().Send(p.MemoryBuf())
		}
	})
	defer func() { wt1.Stop(); wt1.Join() }()

	var p packet.Packet
	p.BuildFromMemory(4, 1, []byte("Hello,World!"), nil)
	want := p.MemoryBuf()
	require.Len(t, want, 16)

	for _, ch := range []chan []byte{recv2, recv3} {
		select {
		case got := <-ch:
			require.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatal("broadcast frame never reached a peer")
		}
	}
}
