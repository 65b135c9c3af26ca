package packet

import (
	"bytes"
	"testing"

	"github.com/cyclone-net/cyclone/ringbuf"
)

func TestBuildFromMemory(t *testing.T) {
	p := New()
	p.BuildFromMemory(HeaderSize, 7, []byte("hello"), []byte(" world"))

	if p.PacketID() != 7 {
		t.Fatalf("PacketID() = %d, want 7", p.PacketID())
	}
	if p.PacketSize() != uint16(len("hello world")) {
		t.Fatalf("PacketSize() = %d, want %d", p.PacketSize(), len("hello world"))
	}
	if !bytes.Equal(p.Content(), []byte("hello world")) {
		t.Fatalf("Content() = %q, want %q", p.Content(), "hello world")
	}
}

func TestBuildFromMemoryOversizedGoesHeap(t *testing.T) {
	p := New()
	big := bytes.Repeat([]byte("x"), 2000)
	p.BuildFromMemory(HeaderSize, 1, big, nil)

	if p.MemorySize() <= inlineCapacity {
		t.Fatalf("MemorySize() = %d, want > inlineCapacity for a heap-backed packet", p.MemorySize())
	}
	if !bytes.Equal(p.Content(), big) {
		t.Fatal("oversized packet content corrupted")
	}
}

func TestBuildFromRingBuffer(t *testing.T) {
	rb := ringbuf.New(64)

	src := New()
	src.BuildFromMemory(HeaderSize, 42, []byte("payload"), nil)
	rb.Push(src.MemoryBuf())

	p := New()
	ok := p.BuildFromRingBuffer(HeaderSize, rb)
	if !ok {
		t.Fatal("BuildFromRingBuffer() = false, want true with a full packet buffered")
	}
	if p.PacketID() != 42 || !bytes.Equal(p.Content(), []byte("payload")) {
		t.Fatalf("decoded packet = id:%d content:%q, want id:42 content:%q", p.PacketID(), p.Content(), "payload")
	}
	if rb.Size() != 0 {
		t.Fatalf("ring buffer has %d bytes left, want 0 (full packet consumed)", rb.Size())
	}
}

func TestBuildFromRingBufferIncompleteLeavesBufferUntouched(t *testing.T) {
	rb := ringbuf.New(64)

	src := New()
	src.BuildFromMemory(HeaderSize, 1, []byte("payload"), nil)
	full := src.MemoryBuf()
	rb.Push(full[:len(full)-1]) // one byte short

	p := New()
	if p.BuildFromRingBuffer(HeaderSize, rb) {
		t.Fatal("BuildFromRingBuffer() = true on an incomplete packet")
	}
	if rb.Size() != len(full)-1 {
		t.Fatalf("ring buffer size changed on failed decode: got %d, want %d", rb.Size(), len(full)-1)
	}
}

func TestBuildFromPipe(t *testing.T) {
	src := New()
	src.BuildFromMemory(HeaderSize, 5, []byte("piped"), nil)

	r := bytes.NewReader(src.MemoryBuf())

	p := New()
	ok, err := p.BuildFromPipe(HeaderSize, r)
	if err != nil || !ok {
		t.Fatalf("BuildFromPipe() = (%v, %v), want (true, nil)", ok, err)
	}
	if p.PacketID() != 5 || !bytes.Equal(p.Content(), []byte("piped")) {
		t.Fatalf("decoded packet = id:%d content:%q", p.PacketID(), p.Content())
	}
}

func TestBuildFromPipeShortReadCleansUp(t *testing.T) {
	src := New()
	src.BuildFromMemory(HeaderSize, 1, []byte("truncated"), nil)
	full := src.MemoryBuf()

	r := bytes.NewReader(full[:len(full)-3])

	p := New()
	ok, err := p.BuildFromPipe(HeaderSize, r)
	if ok || err == nil {
		t.Fatalf("BuildFromPipe() on truncated stream = (%v, %v), want (false, non-nil error)", ok, err)
	}
	if p.MemorySize() != 0 {
		t.Fatal("packet left in a partially-built state after a failed decode")
	}
}

func TestCloneFromAndPool(t *testing.T) {
	src := New()
	src.BuildFromMemory(HeaderSize, 9, []byte("clone me"), nil)

	clone := AllocFrom(src)
	defer Free(clone)

	if clone.PacketID() != 9 || !bytes.Equal(clone.Content(), []byte("clone me")) {
		t.Fatalf("clone mismatch: id:%d content:%q", clone.PacketID(), clone.Content())
	}

	// Mutating the clone's backing memory must not affect the original.
	clone.MemoryBuf()[HeaderSize] = 'X'
	if src.Content()[0] == 'X' {
		t.Fatal("CloneFrom aliased the source packet's memory")
	}
}
