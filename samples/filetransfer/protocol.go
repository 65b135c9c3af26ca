// Package filetransfer implements the file-transfer sample: a client
// requests a file's metadata, then pulls it fragment by fragment over a
// tcp.Connection, verifying each fragment's Adler-32 checksum as it
// arrives. Framing uses headSize=0 (no opaque user head beyond the
// standard PacketSize/PacketID pair); every message's fields are
// encoded manually in its content, per spec.md's file-transfer protocol.
package filetransfer

import (
	"encoding/binary"
	"fmt"

	"github.com/cyclone-net/cyclone/packet"
)

// Packet ids for the file-transfer protocol.
const (
	idRequireFileInfo        uint16 = 1
	idReplyFileInfo          uint16 = 2
	idRequireFileFragment    uint16 = 3
	idReplyFileFragmentBegin uint16 = 4
	idReplyFileFragmentRaw   uint16 = 5
	idReplyFileFragmentEnd   uint16 = 6
)

// defaultFragmentSize is the fragment size RunClient falls back to when
// neither its fragmentSize argument nor cfg.ReadBufferSize is positive.
// It is larger than packet's 1024-byte inline storage, so each full
// fragment packet is heap-allocated.
const defaultFragmentSize = 64 * 1024

// replyFileInfo is ReplyFileInfo{fileSize, threadCounts, nameLength, name}.
type replyFileInfo struct {
	fileSize     uint64
	threadCounts int32
	name         string
}

func encodeReplyFileInfo(p *packet.Packet, info replyFileInfo) {
	nameBytes := []byte(info.name)
	head := make([]byte, 16)
	binary.BigEndian.PutUint64(head[0:8], info.fileSize)
	binary.BigEndian.PutUint32(head[8:12], uint32(info.threadCounts))
	binary.BigEndian.PutUint32(head[12:16], uint32(len(nameBytes)))
	p.BuildFromMemory(0, idReplyFileInfo, head, nameBytes)
}

func decodeReplyFileInfo(content []byte) (replyFileInfo, error) {
	if len(content) < 16 {
		return replyFileInfo{}, fmt.Errorf("filetransfer: short ReplyFileInfo: %d bytes", len(content))
	}
	fileSize := binary.BigEndian.Uint64(content[0:8])
	threadCounts := int32(binary.BigEndian.Uint32(content[8:12]))
	nameLength := int(binary.BigEndian.Uint32(content[12:16]))
	if len(content) < 16+nameLength {
		return replyFileInfo{}, fmt.Errorf("filetransfer: ReplyFileInfo name truncated")
	}
	return replyFileInfo{
		fileSize:     fileSize,
		threadCounts: threadCounts,
		name:         string(content[16 : 16+nameLength]),
	}, nil
}

// requireFileFragment is RequireFileFragment{offset, size}.
type requireFileFragment struct {
	offset uint64
	size   int32
}

func encodeRequireFileFragment(p *packet.Packet, req requireFileFragment) {
	content := make([]byte, 12)
	binary.BigEndian.PutUint64(content[0:8], req.offset)
	binary.BigEndian.PutUint32(content[8:12], uint32(req.size))
	p.BuildFromMemory(0, idRequireFileFragment, content, nil)
}

func decodeRequireFileFragment(content []byte) (requireFileFragment, error) {
	if len(content) < 12 {
		return requireFileFragment{}, fmt.Errorf("filetransfer: short RequireFileFragment: %d bytes", len(content))
	}
	return requireFileFragment{
		offset: binary.BigEndian.Uint64(content[0:8]),
		size:   int32(binary.BigEndian.Uint32(content[8:12])),
	}, nil
}

// fragmentBegin is ReplyFileFragment_Begin{offset, size}.
type fragmentBegin struct {
	offset uint64
	size   int32
}

func encodeFragmentBegin(p *packet.Packet, b fragmentBegin) {
	content := make([]byte, 12)
	binary.BigEndian.PutUint64(content[0:8], b.offset)
	binary.BigEndian.PutUint32(content[8:12], uint32(b.size))
	p.BuildFromMemory(0, idReplyFileFragmentBegin, content, nil)
}

func decodeFragmentBegin(content []byte) (fragmentBegin, error) {
	if len(content) < 12 {
		return fragmentBegin{}, fmt.Errorf("filetransfer: short ReplyFileFragment_Begin: %d bytes", len(content))
	}
	return fragmentBegin{
		offset: binary.BigEndian.Uint64(content[0:8]),
		size:   int32(binary.BigEndian.Uint32(content[8:12])),
	}, nil
}

func encodeFragmentRaw(p *packet.Packet, raw []byte) {
	p.BuildFromMemory(0, idReplyFileFragmentRaw, raw, nil)
}

func encodeFragmentEnd(p *packet.Packet, crc32 uint32) {
	content := make([]byte, 4)
	binary.BigEndian.PutUint32(content, crc32)
	p.BuildFromMemory(0, idReplyFileFragmentEnd, content, nil)
}

func decodeFragmentEnd(content []byte) (uint32, error) {
	if len(content) < 4 {
		return 0, fmt.Errorf("filetransfer: short ReplyFileFragment_End: %d bytes", len(content))
	}
	return binary.BigEndian.Uint32(content), nil
}

func encodeRequireFileInfo(p *packet.Packet) {
	p.BuildFromMemory(0, idRequireFileInfo, nil, nil)
}
