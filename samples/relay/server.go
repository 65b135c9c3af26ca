package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/crypt"
	"github.com/cyclone-net/cyclone/internal/appctx"
	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/ringbuf"
	"github.com/cyclone-net/cyclone/tcp"
)

// tunnelState is kept per incoming tunnel connection: the derived AES
// keys, once the handshake completes, and the upstream connection for
// each multiplexed session.
type tunnelState struct {
	mu         sync.Mutex
	pkt        *packet.Packet
	handshaken bool
	keys       tunnelKeys
	sessions   map[int32]net.Conn
	workerIdx  int
	connID     int32
}

// RunServer accepts relay_local tunnel connections on cfg.ListenAddr
// and forwards each multiplexed session's bytes to upstreamAddr.
func RunServer(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, upstreamAddr string) error {
	srv := tcp.NewServer()

	var mu sync.Mutex
	tunnels := make(map[int32]*tunnelState)

	srv.Listener.OnConnected = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		mu.Lock()
		tunnels[conn.ID()] = &tunnelState{
			pkt:       packet.New(),
			sessions:  make(map[int32]net.Conn),
			workerIdx: workerIdx,
			connID:    conn.ID(),
		}
		mu.Unlock()
		log.Infow("tunnel connected", "peer", conn.PeerAddr())
	}
	srv.Listener.OnClose = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		mu.Lock()
		st := tunnels[conn.ID()]
		delete(tunnels, conn.ID())
		mu.Unlock()
		if st != nil {
			st.mu.Lock()
			var closeErr *multierror.Error
			for sessionID, up := range st.sessions {
				if err := up.Close(); err != nil {
					closeErr = multierror.Append(closeErr, fmt.Errorf("session %d: %w", sessionID, err))
				}
			}
			st.mu.Unlock()
			if closeErr.ErrorOrNil() != nil {
				log.Warnw("errors closing upstream sessions", "peer", conn.PeerAddr(), "error", closeErr)
			}
		}
		log.Infow("tunnel closed", "peer", conn.PeerAddr())
	}
	srv.Listener.OnMessage = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		mu.Lock()
		st := tunnels[conn.ID()]
		mu.Unlock()
		if st == nil {
			return
		}
		for drainNextPacket(conn.ReadBuffer(), st.pkt) {
			handleServerTunnelPacket(log, s, conn, st, upstreamAddr, st.pkt)
		}
	}

	if err := srv.Bind(cfg.ListenAddr, true); err != nil {
		return fmt.Errorf("relay: bind: %w", err)
	}
	if err := srv.Start(cfg.WorkerThreads); err != nil {
		return fmt.Errorf("relay: start: %w", err)
	}
	log.Infow("relay server listening", "addr", srv.ListenAddr(0), "upstream", upstreamAddr)

	return appctx.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		srv.Shutdown()
		srv.Join()
		return nil
	})
}

func drainNextPacket(rb *ringbuf.Buffer, pkt *packet.Packet) bool {
	return pkt.BuildFromRingBuffer(tunnelHeadSize, rb)
}

func handleServerTunnelPacket(log *zap.SugaredLogger, s *tcp.Server, conn *tcp.Connection, st *tunnelState, upstreamAddr string, pkt *packet.Packet) {
	st.mu.Lock()
	handshaken := st.handshaken
	st.mu.Unlock()

	if !handshaken {
		if pkt.PacketID() != idHandshake {
			log.Warnw("expected HANDSHAKE first", "peer", conn.PeerAddr())
			conn.Shutdown()
			return
		}
		peerPublic, err := decodeHandshake(pkt.Content())
		if err != nil {
			log.Warnw("bad HANDSHAKE", "error", err)
			conn.Shutdown()
			return
		}
		ourPublic, ourPrivate := crypt.DHGenerateKeyPair()
		reply := packet.New()
		encodeHandshake(reply, ourPublic)
		if err := conn.Send(reply.MemoryBuf()); err != nil {
			return
		}

		st.mu.Lock()
		st.keys = deriveTunnelKeys(ourPrivate, peerPublic)
		st.handshaken = true
		st.mu.Unlock()
		log.Infow("tunnel handshake complete", "peer", conn.PeerAddr())
		return
	}

	switch pkt.PacketID() {
	case idNewSession:
		sessionID, err := decodeSessionID(pkt.Content())
		if err != nil {
			log.Warnw("bad NEW_SESSION", "error", err)
			return
		}
		upConn, err := net.Dial("tcp", upstreamAddr)
		if err != nil {
			log.Warnw("upstream dial failed", "session", sessionID, "error", err)
			return
		}
		st.mu.Lock()
		st.sessions[sessionID] = upConn
		keys := st.keys
		workerIdx, connID := st.workerIdx, st.connID
		st.mu.Unlock()

		go pumpUpstreamToTunnel(log, s, workerIdx, connID, sessionID, upConn, keys)

	case idCloseSession:
		sessionID, err := decodeSessionID(pkt.Content())
		if err != nil {
			return
		}
		st.mu.Lock()
		up := st.sessions[sessionID]
		delete(st.sessions, sessionID)
		st.mu.Unlock()
		if up != nil {
			up.Close()
		}

	case idForward:
		sessionID, encPayload, err := decodeForward(pkt.Content())
		if err != nil {
			log.Warnw("bad FORWARD", "error", err)
			return
		}
		st.mu.Lock()
		up := st.sessions[sessionID]
		keys := st.keys
		st.mu.Unlock()
		if up == nil {
			return
		}
		plain, err := decryptPayload(keys.decryptKey, encPayload)
		if err != nil {
			log.Warnw("FORWARD decrypt failed", "session", sessionID, "error", err)
			return
		}
		up.Write(plain)
	}
}

// pumpUpstreamToTunnel relays upstream's bytes back through the tunnel
// as encrypted FORWARD messages, via Server.Send, safe from this
// goroutine which is not the tunnel's owning worker.
func pumpUpstreamToTunnel(log *zap.SugaredLogger, s *tcp.Server, workerIdx int, connID, sessionID int32, up net.Conn, keys tunnelKeys) {
	buf := make([]byte, 32*1024)
	for {
		n, err := up.Read(buf)
		if n > 0 {
			enc, eerr := encryptPayload(keys.encryptKey, buf[:n])
			if eerr != nil {
				log.Warnw("FORWARD encrypt failed", "session", sessionID, "error", eerr)
				break
			}
			fwd := packet.New()
			encodeForward(fwd, sessionID, enc)
			if !s.Send(workerIdx, connID, fwd.MemoryBuf()) {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Warnw("upstream read failed", "session", sessionID, "error", err)
			}
			break
		}
	}
	up.Close()

	closePkt := packet.New()
	encodeCloseSession(closePkt, sessionID)
	s.Send(workerIdx, connID, closePkt.MemoryBuf())
}
