package udp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyclone-net/cyclone/internal/xnet"
	"github.com/cyclone-net/cyclone/reactor"
)

// reserveUDPAddr grabs a free loopback UDP port and immediately frees
// it, so a Connection can be bound to a known address on each side of
// a two-Connection test without going through a full Server. There's
// an unavoidable, brief reuse race between freeing and rebinding; in
// practice nothing else on the test host contends for it.
func reserveUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

// Reactor ownership is pinned to whichever goroutine constructs it, so
// every test here builds its Reactor and Connection inside the same
// spawned goroutine that later calls Loop, matching tcp's connection
// tests and reactor.WorkThread.run itself.

func Test_ConnectionShutdownCompletesOnNextTimerTickWhenIdle(t *testing.T) {
	stateCh := make(chan State, 1)
	setupErr := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		r, err := reactor.NewWithSelectBackend()
		if err != nil {
			setupErr <- err
			return
		}
		defer r.Close()

		peerSA, rerr := xnet.ResolveAddr("127.0.0.1:1")
		if rerr != nil {
			setupErr <- rerr
			return
		}
		conn, cerr := newConnection(1, r, peerSA, nil)
		if cerr != nil {
			setupErr <- cerr
			return
		}
		conn.SetOnClose(func(c *Connection) {
			stateCh <- c.State()
			r.PushStopRequest()
		})
		setupErr <- nil

		// No writes were ever queued, so the first Shutdown call still
		// goes through the Disconnecting phase (matching
		// UdpConnection::shutdown's design); the next update-timer tick
		// (every kcpTimerFreqMillis) finds WaitSnd already zero and
		// re-invokes Shutdown to finish the teardown, firing onClose.
		conn.Shutdown()
		r.Loop()
	}()

	require.NoError(t, <-setupErr)

	select {
	case st := <-stateCh:
		require.Equal(t, StateDisconnected, st)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown never completed")
	}
	<-done
}

// Test_ConnectionSendRoundTripsOverRealSockets drives two independent
// udp.Connections, each on its own reactor goroutine, fully through
// real loopback sockets and KCP engines: A echoes back whatever it
// receives, B sends one message and waits for its echo.
func Test_ConnectionSendRoundTripsOverRealSockets(t *testing.T) {
	addrA := reserveUDPAddr(t)
	addrB := reserveUDPAddr(t)

	aReady := make(chan error, 1)
	bReady := make(chan error, 1)
	received := make(chan []byte, 1)
	done := make(chan struct{}, 2)

	go func() {
		r, err := reactor.NewWithSelectBackend()
		if err != nil {
			aReady <- err
			return
		}
		defer func() {
			r.Close()
			done <- struct{}{}
		}()

		localSA, lerr := xnet.ResolveAddr(addrA)
		if lerr != nil {
			aReady <- lerr
			return
		}
		peerSA, perr := xnet.ResolveAddr(addrB)
		if perr != nil {
			aReady <- perr
			return
		}
		conn, cerr := newConnection(1, r, peerSA, localSA)
		if cerr != nil {
			aReady <- cerr
			return
		}
		conn.SetOnMessage(func(c *Connection) {
			buf := make([]byte, c.ReadBuffer().Size())
			c.ReadBuffer().Pop(buf)
			c.Send(buf)
		})
		aReady <- nil

		r.Loop()
	}()

	require.NoError(t, <-aReady)

	go func() {
		r, err := reactor.NewWithSelectBackend()
		if err != nil {
			bReady <- err
			return
		}
		defer func() {
			r.Close()
			done <- struct{}{}
		}()

		localSA, lerr := xnet.ResolveAddr(addrB)
		if lerr != nil {
			bReady <- lerr
			return
		}
		peerSA, perr := xnet.ResolveAddr(addrA)
		if perr != nil {
			bReady <- perr
			return
		}
		conn, cerr := newConnection(2, r, peerSA, localSA)
		if cerr != nil {
			bReady <- cerr
			return
		}
		conn.SetOnMessage(func(c *Connection) {
			buf := make([]byte, c.ReadBuffer().Size())
			c.ReadBuffer().Pop(buf)
			received <- buf
			r.PushStopRequest()
		})
		bReady <- nil
		bReady <- conn.Send([]byte("round trip"))

		r.Loop()
	}()

	require.NoError(t, <-bReady)
	require.NoError(t, <-bReady)

	select {
	case buf := <-received:
		require.Equal(t, "round trip", string(buf))
	case <-time.After(5 * time.Second):
		t.Fatal("echo never arrived")
	}

	<-done
	<-done
}
