package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/crypt"
	"github.com/cyclone-net/cyclone/internal/appctx"
	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/reactor"
	"github.com/cyclone-net/cyclone/tcp"
)

// cmdTunnelSend is the client work thread's inbox command id for "send
// this already-built tunnel Packet on the owning goroutine", the same
// WorkThread-inbox dispatch pattern samples/echo's client uses for
// stdin.
const cmdTunnelSend uint16 = 1

// localState is shared between the local-listener's accept goroutine,
// each session's reader goroutine, and the tunnel's owning goroutine.
type localState struct {
	mu       sync.Mutex
	sessions map[int32]net.Conn
	nextID   int32
	keys     tunnelKeys
}

func (ls *localState) allocSessionID() int32 {
	return atomic.AddInt32(&ls.nextID, 1)
}

// RunLocal accepts plaintext application connections on cfg.ListenAddr
// and tunnels each one, encrypted, to relay_server at cfg.ConnectAddr.
func RunLocal(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen: %w", err)
	}
	defer ln.Close()

	wt := reactor.NewWorkThread("relay-local", 0)
	ready := make(chan error, 1)
	ls := &localState{sessions: make(map[int32]net.Conn)}
	decodePkt := packet.New()
	var cl *tcp.Client

	wt.SetOnStart(func() bool {
		cl = tcp.NewClient(wt.Reactor(), cfg.ConnectAddr)
		cl.Listener.OnConnected = func(c *tcp.Client, success bool) {
			if !success {
				return
			}
			ourPublic, ourPrivate := crypt.DHGenerateKeyPair()
			hs := packet.New()
			encodeHandshake(hs, ourPublic)
			if err := c.Conn().Send(hs.MemoryBuf()); err != nil {
				ready <- err
				return
			}
			ls.mu.Lock()
			ls.keys = tunnelKeys{} // filled in once the server's HANDSHAKE reply arrives
			ls.mu.Unlock()
			c.Conn().SetParam(ourPrivate)
		}
		cl.Listener.OnMessage = func(c *tcp.Client, conn *tcp.Connection) {
			for drainNextPacket(conn.ReadBuffer(), decodePkt) {
				handleLocalTunnelPacket(log, conn, ls, decodePkt, ready)
			}
		}
		if err := cl.Connect(); err != nil {
			ready <- err
			return false
		}
		return true
	})
	wt.SetOnMessage(func(p *packet.Packet) {
		if p.PacketID() != cmdTunnelSend {
			return
		}
		if conn := cl.Conn(); conn != nil {
			conn.Send(p.Content())
		}
	})

	if err := wt.Start(); err != nil {
		return fmt.Errorf("relay: tunnel start: %w", err)
	}
	defer func() { wt.Stop(); wt.Join() }()

	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("relay: tunnel handshake: %w", err)
		}
	case <-time.After(10 * time.Second):
		return fmt.Errorf("relay: tunnel handshake timed out")
	}
	log.Infow("relay local listening", "addr", ln.Addr(), "tunnel", cfg.ConnectAddr)

	return appctx.Run(ctx, func(ctx context.Context) error {
		go func() { <-ctx.Done(); ln.Close() }()

		for {
			appConn, err := ln.Accept()
			if err != nil {
				return nil
			}
			go handleLocalAppConn(log, wt, ls, appConn)
		}
	})
}

// handleLocalTunnelPacket runs on the tunnel's owning goroutine: it
// completes the handshake once the server's HANDSHAKE arrives, then
// routes FORWARD/CLOSE_SESSION traffic to the matching session.
func handleLocalTunnelPacket(log *zap.SugaredLogger, conn *tcp.Connection, ls *localState, pkt *packet.Packet, ready chan error) {
	switch pkt.PacketID() {
	case idHandshake:
		peerPublic, err := decodeHandshake(pkt.Content())
		if err != nil {
			ready <- err
			return
		}
		ourPrivate, _ := conn.Param().(crypt.DHKey)
		ls.mu.Lock()
		ls.keys = deriveTunnelKeys(ourPrivate, peerPublic)
		ls.mu.Unlock()
		select {
		case ready <- nil:
		default:
		}

	case idForward:
		sessionID, encPayload, err := decodeForward(pkt.Content())
		if err != nil {
			log.Warnw("bad FORWARD", "error", err)
			return
		}
		ls.mu.Lock()
		appConn := ls.sessions[sessionID]
		keys := ls.keys
		ls.mu.Unlock()
		if appConn == nil {
			return
		}
		plain, err := decryptPayload(keys.decryptKey, encPayload)
		if err != nil {
			log.Warnw("FORWARD decrypt failed", "session", sessionID, "error", err)
			return
		}
		appConn.Write(plain)

	case idCloseSession:
		sessionID, err := decodeSessionID(pkt.Content())
		if err != nil {
			return
		}
		ls.mu.Lock()
		appConn := ls.sessions[sessionID]
		delete(ls.sessions, sessionID)
		ls.mu.Unlock()
		if appConn != nil {
			appConn.Close()
		}
	}
}

// handleLocalAppConn owns one accepted application connection: it
// registers a session, announces it over the tunnel, and relays bytes
// from appConn into FORWARD messages until EOF.
func handleLocalAppConn(log *zap.SugaredLogger, wt *reactor.WorkThread, ls *localState, appConn net.Conn) {
	sessionID := ls.allocSessionID()
	ls.mu.Lock()
	ls.sessions[sessionID] = appConn
	ls.mu.Unlock()

	newSession := packet.New()
	encodeNewSession(newSession, sessionID)
	wt.SendMessage(cmdTunnelSend, newSession.MemoryBuf(), nil)

	buf := make([]byte, 32*1024)
	for {
		n, err := appConn.Read(buf)
		if n > 0 {
			ls.mu.Lock()
			keys := ls.keys
			ls.mu.Unlock()
			enc, eerr := encryptPayload(keys.encryptKey, buf[:n])
			if eerr != nil {
				log.Warnw("FORWARD encrypt failed", "session", sessionID, "error", eerr)
				break
			}
			fwd := packet.New()
			encodeForward(fwd, sessionID, enc)
			wt.SendMessage(cmdTunnelSend, fwd.MemoryBuf(), nil)
		}
		if err != nil {
			if err != io.EOF {
				log.Warnw("app connection read failed", "session", sessionID, "error", err)
			}
			break
		}
	}

	ls.mu.Lock()
	delete(ls.sessions, sessionID)
	ls.mu.Unlock()
	appConn.Close()

	closeSession := packet.New()
	encodeCloseSession(closeSession, sessionID)
	wt.SendMessage(cmdTunnelSend, closeSession.MemoryBuf(), nil)
}
