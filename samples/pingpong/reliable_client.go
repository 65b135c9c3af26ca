package pingpong

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/reactor"
	"github.com/cyclone-net/cyclone/udp"
)

// udpClientPingPong drives count ping/pong round trips over a
// udp.Connection from its own reactor.WorkThread goroutine, the same
// self-driving shape udp/server_test.go's ping-pong scenario test uses:
// every "pong" reply triggers the next "ping" send from inside the
// OnMessage callback, which always runs on the Connection's owning
// goroutine.
func udpClientPingPong(ctx context.Context, log *zap.SugaredLogger, connectAddr string, count int) error {
	if count <= 0 {
		count = 1
	}

	wt := reactor.NewWorkThread("pingpong-client", 0)
	connected := make(chan error, 1)
	done := make(chan int, 1)

	var startedAt time.Time

	wt.SetOnStart(func() bool {
		cl := udp.NewClient(wt.Reactor(), connectAddr)
		round := 0
		cl.Listener.OnMessage = func(c *udp.Client, conn *udp.Connection) {
			buf := make([]byte, conn.ReadBuffer().Size())
			conn.ReadBuffer().Pop(buf)
			if string(buf) != "pong" {
				return
			}
			round++
			if round >= count {
				done <- round
				return
			}
			conn.Send([]byte("ping"))
		}
		if err := cl.Connect(); err != nil {
			connected <- err
			return false
		}
		connected <- nil
		startedAt = time.Now()
		return cl.Conn().Send([]byte("ping")) == nil
	})

	if err := wt.Start(); err != nil {
		return fmt.Errorf("pingpong: client start: %w", err)
	}
	defer func() { wt.Stop(); wt.Join() }()

	if err := <-connected; err != nil {
		return fmt.Errorf("pingpong: connect: %w", err)
	}
	log.Infow("connected", "addr", connectAddr, "rounds", count)

	select {
	case rounds := <-done:
		log.Infow("pingpong complete", "rounds", rounds, "elapsed", time.Since(startedAt))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("pingpong: timed out waiting for %d rounds", count)
	}
}
