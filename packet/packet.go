// Package packet implements the length-prefixed wire framing shared by
// the work-thread message queue, the TCP connection's read buffer, and
// the reliable-UDP payload encoding.
//
//	low                                                          high
//	+-------------+------------+--------------------------+-------+
//	| PacketSize  |  PacketID  |  (user-defined head)      | ...   |
//	|    uint16   |   uint16   |                           |       |
//	+-------------+------------+--------------------------+-------+
//	|<--------------- headSize --------------->|<--- packetSize -->|
//
// PacketSize and PacketID are big-endian 16-bit integers; MemorySize is
// always headSize+packetSize. This is a straight port of cye_packet.cpp.
package packet

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/cyclone-net/cyclone/ringbuf"
)

// HeaderSize is the number of header bytes occupied by the PacketSize and
// PacketID fields; a caller's headSize must be at least this large.
const HeaderSize = 4

// inlineCapacity mirrors cye_packet.h's STATIC_MEMORY_LENGTH: packets
// whose total memory size fits in this many bytes are stored in the
// Packet's own embedded array rather than a separate heap allocation.
const inlineCapacity = 1024

// Packet is a single framed message. The zero value is usable but holds
// no data until one of the Build methods is called.
type Packet struct {
	headSize int
	memory   []byte
	inline   [inlineCapacity]byte
}

// New allocates a fresh, empty Packet.
func New() *Packet {
	return &Packet{}
}

// Clean releases the packet's content, returning it to the empty state.
func (p *Packet) Clean() {
	p.headSize = 0
	p.memory = nil
}

// reset sizes the packet's backing memory for headSize+packetSize bytes,
// using the inline array when it fits and a fresh heap slice otherwise.
func (p *Packet) reset(headSize, packetSize int) {
	memSize := headSize + packetSize
	if memSize <= inlineCapacity {
		p.memory = p.inline[:memSize]
	} else {
		p.memory = make([]byte, memSize)
	}
	p.headSize = headSize
}

// MemoryBuf returns the packet's full backing memory, header and content
// together. The returned slice aliases the packet's storage.
func (p *Packet) MemoryBuf() []byte {
	return p.memory
}

// MemorySize returns len(MemoryBuf()).
func (p *Packet) MemorySize() int {
	return len(p.memory)
}

// PacketSize returns the wire PacketSize field (the length of Content),
// or 0 if the packet is empty.
func (p *Packet) PacketSize() uint16 {
	if len(p.memory) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(p.memory[0:2])
}

// PacketID returns the wire PacketID field, or 0 if the packet is empty.
func (p *Packet) PacketID() uint16 {
	if len(p.memory) < 4 {
		return 0
	}
	return binary.BigEndian.Uint16(p.memory[2:4])
}

// Content returns the packet's payload, the bytes after the headSize-byte
// header. The returned slice aliases the packet's storage.
func (p *Packet) Content() []byte {
	if p.headSize == 0 || len(p.memory) <= p.headSize {
		return nil
	}
	return p.memory[p.headSize:]
}

// BuildFromMemory assembles a packet from up to two content fragments
// concatenated in order, writing the PacketSize/PacketID header fields
// and any user-defined head bytes between them (left zeroed; callers
// that need a custom head write into MemoryBuf after calling this).
func (p *Packet) BuildFromMemory(headSize int, packetID uint16, content1, content2 []byte) {
	p.Clean()

	totalSize := len(content1) + len(content2)
	p.reset(headSize, totalSize)

	binary.BigEndian.PutUint16(p.memory[0:2], uint16(totalSize))
	binary.BigEndian.PutUint16(p.memory[2:4], packetID)

	if len(content1) > 0 {
		copy(p.memory[headSize:], content1)
	}
	if len(content2) > 0 {
		copy(p.memory[headSize+len(content1):], content2)
	}
}

// BuildFromRingBuffer attempts to decode one complete packet from the
// front of rb without consuming anything if a full packet is not yet
// buffered — the "atomic consume-or-nothing" contract callers rely on to
// retry once more bytes arrive.
func (p *Packet) BuildFromRingBuffer(headSize int, rb *ringbuf.Buffer) bool {
	var sizeBytes [2]byte
	if rb.Peek(0, sizeBytes[:]) != 2 {
		return false
	}
	packetSize := int(binary.BigEndian.Uint16(sizeBytes[:]))

	if rb.Size() < headSize+packetSize {
		return false
	}

	p.Clean()
	p.reset(headSize, packetSize)
	rb.Pop(p.memory)
	return true
}

// BuildFromPipe decodes one packet by reading its size prefix and then
// the rest of its header+content from r, blocking as needed. A short or
// failed read leaves the packet clean rather than partially built.
func (p *Packet) BuildFromPipe(headSize int, r io.Reader) (bool, error) {
	p.Clean()

	var sizeBytes [2]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		return false, err
	}
	packetSize := int(binary.BigEndian.Uint16(sizeBytes[:]))

	p.reset(headSize, packetSize)
	copy(p.memory[0:2], sizeBytes[:])

	if _, err := io.ReadFull(r, p.memory[2:]); err != nil {
		p.Clean()
		return false, err
	}
	return true, nil
}

// CloneFrom copies other's content into p, replacing whatever p held.
func (p *Packet) CloneFrom(other *Packet) {
	if other == nil || len(other.memory) == 0 {
		p.Clean()
		return
	}
	p.reset(other.headSize, int(other.PacketSize()))
	copy(p.memory, other.memory)
}

var pool = sync.Pool{
	New: func() any { return &Packet{} },
}

// Alloc returns a Packet from a shared pool, avoiding an allocation per
// message on the hot send/receive path. Pair every Alloc with a Free.
func Alloc() *Packet {
	return pool.Get().(*Packet)
}

// AllocFrom returns a pooled Packet initialized as a copy of other.
func AllocFrom(other *Packet) *Packet {
	p := Alloc()
	p.CloneFrom(other)
	return p
}

// Free clears p and returns it to the shared pool.
func Free(p *Packet) {
	if p == nil {
		return
	}
	p.Clean()
	pool.Put(p)
}
