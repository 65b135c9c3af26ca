// Package chat implements the broadcast-chat sample: every message a
// tcp.Server receives from one connection is forwarded, as one framed
// packet, to every other connected peer.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/internal/appctx"
	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/reactor"
	"github.com/cyclone-net/cyclone/tcp"
)

type peerRef struct {
	workerIdx int
	connID    int32
}

// RunServer binds cfg.ListenAddr and rebroadcasts every message to every
// other currently connected peer.
func RunServer(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) error {
	srv := tcp.NewServer()

	var mu sync.Mutex
	peers := make(map[int32]peerRef)

	srv.Listener.OnConnected = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		mu.Lock()
		peers[conn.ID()] = peerRef{workerIdx, conn.ID()}
		mu.Unlock()
		log.Infow("peer joined", "peer", conn.PeerAddr())
	}
	srv.Listener.OnClose = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		mu.Lock()
		delete(peers, conn.ID())
		mu.Unlock()
		log.Infow("peer left", "peer", conn.PeerAddr())
	}
	srv.Listener.OnMessage = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
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

	if err := srv.Bind(cfg.ListenAddr, true); err != nil {
		return fmt.Errorf("chat: bind: %w", err)
	}
	if err := srv.Start(cfg.WorkerThreads); err != nil {
		return fmt.Errorf("chat: start: %w", err)
	}
	log.Infow("chat server listening", "addr", srv.ListenAddr(0))

	return appctx.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		srv.Shutdown()
		srv.Join()
		return nil
	})
}

const cmdSendLine uint16 = 1

// RunClient connects to cfg.ConnectAddr, prints every broadcast message
// received, and sends each line of stdin as one message.
func RunClient(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) error {
	wt := reactor.NewWorkThread("chat-client", 0)

	incoming := make(chan string)
	connected := make(chan error, 1)
	var cl *tcp.Client

	wt.SetOnStart(func() bool {
		cl = tcp.NewClient(wt.Reactor(), cfg.ConnectAddr, tcp.WithNoRetry())
		cl.Listener.OnConnected = func(c *tcp.Client, success bool) {
			if success {
				connected <- nil
			} else {
				connected <- fmt.Errorf("chat: connect attempt failed")
			}
		}
		cl.Listener.OnMessage = func(c *tcp.Client, conn *tcp.Connection) {
			buf := make([]byte, conn.ReadBuffer().Size())
			conn.ReadBuffer().Pop(buf)
			incoming <- string(buf)
		}
		cl.Listener.OnClose = func(*tcp.Client) {
			close(incoming)
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
		return fmt.Errorf("chat: client start: %w", err)
	}
	if err := <-connected; err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}
	log.Infow("joined chat", "addr", cfg.ConnectAddr)

	return appctx.Run(ctx, func(ctx context.Context) error {
		scanner := bufio.NewScanner(os.Stdin)
		scanDone := make(chan struct{})
		go func() {
			defer close(scanDone)
			for scanner.Scan() {
				wt.SendMessage(cmdSendLine, []byte(scanner.Text()), nil)
			}
		}()

		for {
			select {
			case msg, ok := <-incoming:
				if !ok {
					wt.Stop()
					wt.Join()
					return nil
				}
				fmt.Println(msg)
			case <-scanDone:
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
