// Package pingpong implements the reliable-UDP round-trip sample in two
// modes, mirroring pingpong_client.cpp/pingpong_server.cpp: mode 0 sends
// raw, unreliable UDP datagrams with no ARQ; mode 1 goes through a
// udp.Connection's KCP engine, the mode spec.md's scenario 4 exercises.
package pingpong

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/internal/appctx"
	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/udp"
)

// Mode selects the transport a ping-pong round uses.
type Mode int

const (
	// ModeRaw sends unreliable UDP datagrams with no retransmission.
	ModeRaw Mode = 0
	// ModeReliable goes through udp.Connection's KCP engine.
	ModeReliable Mode = 1
)

// RunServer replies "pong" to every "ping" it receives, in the
// requested mode, until the process is interrupted.
func RunServer(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, mode Mode) error {
	switch mode {
	case ModeRaw:
		return runRawServer(ctx, log, cfg)
	default:
		return runReliableServer(ctx, log, cfg)
	}
}

// RunClient sends count pings and waits for the matching pongs, logging
// round-trip latency, in the requested mode.
func RunClient(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, mode Mode, count int) error {
	switch mode {
	case ModeRaw:
		return runRawClient(ctx, log, cfg, count)
	default:
		return runReliableClient(ctx, log, cfg, count)
	}
}

func runRawServer(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) error {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("pingpong: resolve %s: %w", cfg.ListenAddr, err)
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("pingpong: listen: %w", err)
	}
	log.Infow("raw pingpong server listening", "addr", pc.LocalAddr())

	return appctx.Run(ctx, func(ctx context.Context) error {
		go func() { <-ctx.Done(); pc.Close() }()

		buf := make([]byte, 1500)
		for {
			n, peer, err := pc.ReadFromUDP(buf)
			if err != nil {
				return nil
			}
			if string(buf[:n]) == "ping" {
				pc.WriteToUDP([]byte("pong"), peer)
			}
		}
	})
}

func runRawClient(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, count int) error {
	addr, err := net.ResolveUDPAddr("udp", cfg.ConnectAddr)
	if err != nil {
		return fmt.Errorf("pingpong: resolve %s: %w", cfg.ConnectAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("pingpong: dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 1500)
	for i := 0; i < count; i++ {
		start := time.Now()
		if _, err := conn.Write([]byte("ping")); err != nil {
			return fmt.Errorf("pingpong: write: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			log.Warnw("ping dropped", "round", i, "error", err)
			continue
		}
		log.Infow("pong", "round", i, "rtt", time.Since(start), "reply", string(buf[:n]))
	}
	return nil
}

func runReliableServer(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) error {
	srv := udp.NewServer()
	srv.Listener.OnMessage = func(s *udp.Server, workerIdx int, conn *udp.Connection) {
		buf := make([]byte, conn.ReadBuffer().Size())
		conn.ReadBuffer().Pop(buf)
		if string(buf) == "ping" {
			conn.Send([]byte("pong"))
		}
	}

	if err := srv.Bind(cfg.ListenAddr); err != nil {
		return fmt.Errorf("pingpong: bind: %w", err)
	}
	if err := srv.Start(cfg.WorkerThreads); err != nil {
		return fmt.Errorf("pingpong: start: %w", err)
	}
	log.Infow("reliable pingpong server listening", "addr", srv.ListenAddr(0))

	return appctx.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		srv.Shutdown()
		srv.Join()
		return nil
	})
}

func runReliableClient(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, count int) error {
	return udpClientPingPong(ctx, log, cfg.ConnectAddr, count)
}
