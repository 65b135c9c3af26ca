package filetransfer

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/crypt"
	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/reactor"
	"github.com/cyclone-net/cyclone/tcp"
)

// fetchState tracks the in-flight fragment while pulling fileSize bytes
// sequentially, one fragment at a time; every callback below runs on
// the Connection's owning goroutine, so no further synchronization is
// needed between the Begin/Raw/End triple.
type fetchState struct {
	out          *os.File
	fileSize     uint64
	fragmentSize int
	nextOffset   uint64
	pendingBegin fragmentBegin
	pendingRaw   []byte
}

// RunClient connects to cfg.ConnectAddr, downloads the remote file
// advertised there, and writes it to outputPath, fetching fragmentSize
// bytes at a time.
func RunClient(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, outputPath string, fragmentSize int) error {
	if fragmentSize <= 0 {
		fragmentSize = int(cfg.ReadBufferSize.Bytes())
	}
	if fragmentSize <= 0 {
		fragmentSize = defaultFragmentSize
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("filetransfer: create %s: %w", outputPath, err)
	}
	defer out.Close()

	wt := reactor.NewWorkThread("filetransfer-client", 0)
	connected := make(chan error, 1)
	done := make(chan error, 1)

	st := &fetchState{out: out, fragmentSize: fragmentSize}
	decodePkt := packet.New()

	wt.SetOnStart(func() bool {
		cl := tcp.NewClient(wt.Reactor(), cfg.ConnectAddr, tcp.WithNoRetry())
		cl.Listener.OnConnected = func(c *tcp.Client, success bool) {
			if !success {
				connected <- fmt.Errorf("filetransfer: connect attempt failed")
				return
			}
			req := packet.New()
			encodeRequireFileInfo(req)
			if err := c.Conn().Send(req.MemoryBuf()); err != nil {
				connected <- err
				return
			}
			connected <- nil
		}
		cl.Listener.OnMessage = func(c *tcp.Client, conn *tcp.Connection) {
			for drainNextPacket(conn.ReadBuffer(), decodePkt) {
				if handleClientPacket(log, c, conn, st, decodePkt) {
					done <- nil
					return
				}
			}
		}
		cl.Listener.OnClose = func(*tcp.Client) {
			select {
			case done <- fmt.Errorf("filetransfer: connection closed before transfer completed"):
			default:
			}
		}
		if err := cl.Connect(); err != nil {
			connected <- err
			return false
		}
		return true
	})

	if err := wt.Start(); err != nil {
		return fmt.Errorf("filetransfer: client start: %w", err)
	}
	defer func() { wt.Stop(); wt.Join() }()

	if err := <-connected; err != nil {
		return fmt.Errorf("filetransfer: connect: %w", err)
	}
	log.Infow("requesting file info", "addr", cfg.ConnectAddr)

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		log.Infow("file transfer complete", "output", outputPath, "size", st.fileSize)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("filetransfer: timed out")
	}
}

// handleClientPacket processes one decoded packet, returning true once
// the whole file has been received and written.
func handleClientPacket(log *zap.SugaredLogger, c *tcp.Client, conn *tcp.Connection, st *fetchState, pkt *packet.Packet) bool {
	switch pkt.PacketID() {
	case idReplyFileInfo:
		info, err := decodeReplyFileInfo(pkt.Content())
		if err != nil {
			log.Warnw("bad ReplyFileInfo", "error", err)
			conn.Shutdown()
			return false
		}
		st.fileSize = info.fileSize
		log.Infow("file info", "name", info.name, "size", info.fileSize, "threadCounts", info.threadCounts)
		requestNextFragment(conn, st)

	case idReplyFileFragmentBegin:
		begin, err := decodeFragmentBegin(pkt.Content())
		if err != nil {
			log.Warnw("bad ReplyFileFragment_Begin", "error", err)
			conn.Shutdown()
			return false
		}
		st.pendingBegin = begin
		st.pendingRaw = nil

	case idReplyFileFragmentRaw:
		raw := make([]byte, len(pkt.Content()))
		copy(raw, pkt.Content())
		st.pendingRaw = raw

	case idReplyFileFragmentEnd:
		crc, err := decodeFragmentEnd(pkt.Content())
		if err != nil {
			log.Warnw("bad ReplyFileFragment_End", "error", err)
			conn.Shutdown()
			return false
		}
		if got := crypt.Adler32(crypt.InitialAdler, st.pendingRaw); got != crc {
			log.Warnw("fragment checksum mismatch", "offset", st.pendingBegin.offset, "want", crc, "got", got)
			conn.Shutdown()
			return false
		}
		if _, err := st.out.WriteAt(st.pendingRaw, int64(st.pendingBegin.offset)); err != nil {
			log.Warnw("fragment write failed", "error", err)
			conn.Shutdown()
			return false
		}
		st.nextOffset = st.pendingBegin.offset + uint64(len(st.pendingRaw))

		if st.nextOffset >= st.fileSize {
			conn.Shutdown()
			return true
		}
		requestNextFragment(conn, st)
	}
	return false
}

func requestNextFragment(conn *tcp.Connection, st *fetchState) {
	remaining := st.fileSize - st.nextOffset
	size := uint64(st.fragmentSize)
	if remaining < size {
		size = remaining
	}
	req := packet.New()
	encodeRequireFileFragment(req, requireFileFragment{offset: st.nextOffset, size: int32(size)})
	conn.Send(req.MemoryBuf())
}
