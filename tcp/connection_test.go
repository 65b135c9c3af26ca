package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cyclone-net/cyclone/reactor"
)

// socketpair returns two connected AF_UNIX stream fds, the second one
// already non-blocking for the test's own reads/writes.
func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return fds[0], fds[1]
}

// Reactor ownership is pinned to whichever goroutine constructs it (see
// reactor_test.go), so every test here builds its Reactor and Connection
// inside the same spawned goroutine that later calls Loop, exactly the
// pattern reactor.WorkThread.run uses. Errors from that goroutine travel
// back over a channel rather than through *testing.T, since only the
// goroutine running the test itself may call t.Fatal/require.

func Test_ConnectionEchoesInline(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)

	reply := make(chan []byte, 1)
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

		conn := newConnection(1, a, r, OwnerServer)
		conn.SetOnMessage(func(c *Connection) {
			buf := make([]byte, c.ReadBuffer().Size())
			c.ReadBuffer().Pop(buf)
			c.Send(buf)
			reply <- buf
			r.PushStopRequest()
		})
		setupErr <- nil

		r.Loop()
	}()

	require.NoError(t, <-setupErr)

	_, err := unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	select {
	case buf := <-reply:
		require.Equal(t, "hello", string(buf))
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached on_message")
	}

	echoed := make([]byte, 5)
	n := waitRead(t, b, echoed)
	require.Equal(t, "hello", string(echoed[:n]))

	<-done
}

func Test_ConnectionShutdownClosesImmediatelyWhenIdle(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)

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

		conn := newConnection(1, a, r, OwnerServer)
		setupErr <- nil

		// No writes were ever queued, so Shutdown closes synchronously
		// without needing the loop to run at all.
		conn.Shutdown()
		stateCh <- conn.State()
	}()

	require.NoError(t, <-setupErr)

	select {
	case st := <-stateCh:
		require.Equal(t, StateDisconnected, st)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown never completed")
	}
	<-done
}

func Test_ConnectionOnCloseFiresOnPeerEOF(t *testing.T) {
	a, b := socketpair(t)

	closed := make(chan struct{}, 1)
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

		conn := newConnection(1, a, r, OwnerServer)
		conn.SetOnClose(func(*Connection) {
			closed <- struct{}{}
			r.PushStopRequest()
		})
		setupErr <- nil

		r.Loop()
	}()

	require.NoError(t, <-setupErr)

	unix.Close(b)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("on_close never fired after peer EOF")
	}
	<-done
}

func Test_ConnectionSendBuffersWhenSocketWouldBlock(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)

	maxWriteBuf := make(chan int, 1)
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

		conn := newConnection(1, a, r, OwnerServer)
		setupErr <- nil

		// b never reads, so the kernel socket buffer fills and Send must
		// queue the overflow instead of blocking or erroring.
		big := make([]byte, 1<<20)
		for i := 0; i < 8; i++ {
			conn.Send(big)
		}
		maxWriteBuf <- conn.WriteBufMax()
	}()

	require.NoError(t, <-setupErr)

	select {
	case max := <-maxWriteBuf:
		require.Greater(t, max, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("Send never returned")
	}
	<-done
}

// waitRead polls fd (already non-blocking) until it yields at least one
// byte into buf or the deadline passes.
func waitRead(t *testing.T, fd int, buf []byte) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := unix.Read(fd, buf)
		if err == nil && n > 0 {
			return n
		}
		if time.Now().After(deadline) {
			t.Fatalf("waitRead: timed out: n=%d err=%v", n, err)
		}
		time.Sleep(time.Millisecond)
	}
}
