package filetransfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/crypt"
	"github.com/cyclone-net/cyclone/internal/appctx"
	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/ringbuf"
	"github.com/cyclone-net/cyclone/tcp"

	"context"
)

// connState tracks the one outstanding decode buffer per connection;
// tcp.Connection's ReadBuffer may accumulate several framed packets (or
// a partial one) between OnMessage firings, so each connection drains
// as many complete packets as are currently buffered.
type connState struct {
	pkt *packet.Packet
}

// RunServer serves filePath over cfg.ListenAddr: every connected client
// may request the file's metadata and then pull arbitrary fragments of
// it, any number of times, in any order.
func RunServer(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("filetransfer: open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("filetransfer: stat %s: %w", filePath, err)
	}
	fileName := filepath.Base(filePath)
	fileSize := uint64(info.Size())

	srv := tcp.NewServer()

	var mu sync.Mutex
	states := make(map[int32]*connState)

	srv.Listener.OnConnected = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		mu.Lock()
		states[conn.ID()] = &connState{pkt: packet.New()}
		mu.Unlock()
		log.Infow("client connected", "peer", conn.PeerAddr())
	}
	srv.Listener.OnClose = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		mu.Lock()
		delete(states, conn.ID())
		mu.Unlock()
		log.Infow("client disconnected", "peer", conn.PeerAddr())
	}
	srv.Listener.OnMessage = func(s *tcp.Server, workerIdx int, conn *tcp.Connection) {
		mu.Lock()
		st := states[conn.ID()]
		mu.Unlock()
		if st == nil {
			return
		}
		for drainNextPacket(conn.ReadBuffer(), st.pkt) {
			handleServerPacket(log, conn, st.pkt, fileName, fileSize, f)
		}
	}

	if err := srv.Bind(cfg.ListenAddr, true); err != nil {
		return fmt.Errorf("filetransfer: bind: %w", err)
	}
	if err := srv.Start(cfg.WorkerThreads); err != nil {
		return fmt.Errorf("filetransfer: start: %w", err)
	}
	log.Infow("filetransfer server listening", "addr", srv.ListenAddr(0), "file", filePath, "size", fileSize)

	return appctx.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		srv.Shutdown()
		srv.Join()
		return nil
	})
}

// drainNextPacket decodes at most one framed packet from rb into pkt,
// reporting whether one was available.
func drainNextPacket(rb *ringbuf.Buffer, pkt *packet.Packet) bool {
	return pkt.BuildFromRingBuffer(0, rb)
}

func handleServerPacket(log *zap.SugaredLogger, conn *tcp.Connection, pkt *packet.Packet, fileName string, fileSize uint64, f *os.File) {
	switch pkt.PacketID() {
	case idRequireFileInfo:
		reply := packet.New()
		encodeReplyFileInfo(reply, replyFileInfo{
			fileSize:     fileSize,
			threadCounts: 1,
			name:         fileName,
		})
		conn.Send(reply.MemoryBuf())

	case idRequireFileFragment:
		req, err := decodeRequireFileFragment(pkt.Content())
		if err != nil {
			log.Warnw("bad fragment request", "peer", conn.PeerAddr(), "error", err)
			conn.Shutdown()
			return
		}
		sendFragment(log, conn, f, req.offset, int(req.size))
	}
}

func sendFragment(log *zap.SugaredLogger, conn *tcp.Connection, f *os.File, offset uint64, size int) {
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && n == 0 {
		log.Warnw("fragment read failed", "peer", conn.PeerAddr(), "offset", offset, "error", err)
		return
	}
	buf = buf[:n]

	begin := packet.New()
	encodeFragmentBegin(begin, fragmentBegin{offset: offset, size: int32(n)})
	if err := conn.Send(begin.MemoryBuf()); err != nil {
		return
	}

	raw := packet.New()
	encodeFragmentRaw(raw, buf)
	if err := conn.Send(raw.MemoryBuf()); err != nil {
		return
	}

	crc := crypt.Adler32(crypt.InitialAdler, buf)
	end := packet.New()
	encodeFragmentEnd(end, crc)
	conn.Send(end.MemoryBuf())
}
