// Package echo implements the simplest Cyclone sample: a tcp.Server
// that echoes back every message it receives, and a tcp.Client driving
// one line of stdin at a time.
package echo

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/internal/appctx"
	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/reactor"
	"github.com/cyclone-net/cyclone/tcp"
)

// cmdSendLine is the client work thread's own inbox command id for
// "send this line on the owning goroutine", keeping every
// Connection.Send call on the goroutine that owns it.
const cmdSendLine uint16 = 1

// RunServer binds cfg.ListenAddr, echoes every message back to its
// sender, and blocks until the process is interrupted.
func RunServer(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) error {
	srv := tcp.NewServer()
	srv.Listener.OnConnected = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		log.Infow("client connected", "peer", conn.PeerAddr())
	}
	srv.Listener.OnMessage = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		buf := make([]byte, conn.ReadBuffer().Size())
		conn.ReadBuffer().Pop(buf)
		if err := conn.Send(buf); err != nil {
			log.Warnw("echo send failed", "peer", conn.PeerAddr(), "error", err)
		}
	}
	srv.Listener.OnClose = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		log.Infow("client disconnected", "peer", conn.PeerAddr())
	}

	if err := srv.Bind(cfg.ListenAddr, true); err != nil {
		return fmt.Errorf("echo: bind: %w", err)
	}
	if err := srv.Start(cfg.WorkerThreads); err != nil {
		return fmt.Errorf("echo: start: %w", err)
	}
	log.Infow("echo server listening", "addr", srv.ListenAddr(0))

	return appctx.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		srv.Shutdown()
		srv.Join()
		return nil
	})
}

// RunClient connects to cfg.ConnectAddr and echoes stdin line-by-line to
// stdout until EOF or interruption.
func RunClient(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) error {
	wt := reactor.NewWorkThread("echo-client", 0)

	replies := make(chan string)
	connected := make(chan error, 1)
	var cl *tcp.Client

	wt.SetOnStart(func() bool {
		cl = tcp.NewClient(wt.Reactor(), cfg.ConnectAddr, tcp.WithNoRetry())
		cl.Listener.OnConnected = func(c *tcp.Client, success bool) {
			if success {
				connected <- nil
			} else {
				connected <- fmt.Errorf("echo: connect attempt failed")
			}
		}
		cl.Listener.OnMessage = func(c *tcp.Client, conn *tcp.Connection) {
			buf := make([]byte, conn.ReadBuffer().Size())
			conn.ReadBuffer().Pop(buf)
			replies <- string(buf)
		}
		cl.Listener.OnClose = func(*tcp.Client) {
			close(replies)
		}
		if err := cl.Connect(); err != nil {
			connected <- err
			return false
		}
		return true
	})
	wt.SetOnMessage(func(p *packet.Packet) {
		if p.PacketID() != cmdSendLine {
			return
		}
		if conn := cl.Conn(); conn != nil {
			conn.Send(p.Content())
		}
	})
	if err := wt.Start(); err != nil {
		return fmt.Errorf("echo: client start: %w", err)
	}
	if err := <-connected; err != nil {
		return fmt.Errorf("echo: connect: %w", err)
	}
	log.Infow("connected", "addr", cfg.ConnectAddr)

	return appctx.Run(ctx, func(ctx context.Context) error {
		scanner := bufio.NewScanner(os.Stdin)
		scanErrs := make(chan struct{})
		go func() {
			defer close(scanErrs)
			for scanner.Scan() {
				wt.SendMessage(cmdSendLine, []byte(scanner.Text()), nil)
			}
		}()

		for {
			select {
			case reply, ok := <-replies:
				if !ok {
					wt.Stop()
					wt.Join()
					return nil
				}
				fmt.Println(reply)
			case <-scanErrs:
				wt.Stop()
				wt.Join()
				return nil
			case <-ctx.Done():
				wt.Stop()
				wt.Join()
				return nil
			}
		}
	})
}
