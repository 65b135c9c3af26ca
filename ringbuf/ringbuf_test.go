package ringbuf

import (
	"bytes"
	"testing"
)

func TestPushPopRoundTrip(t *testing.T) {
	b := New(16)
	data := []byte("hello, cyclone")
	b.Push(data)

	if b.Size() != len(data) {
		t.Fatalf("Size() = %d, want %d", b.Size(), len(data))
	}

	out := make([]byte, len(data))
	n := b.Pop(out)
	if n != len(data) || !bytes.Equal(out, data) {
		t.Fatalf("Pop() = %q (n=%d), want %q", out[:n], n, data)
	}
	if !b.Empty() {
		t.Fatal("buffer should be empty after full pop")
	}
}

func TestWrapAround(t *testing.T) {
	b := New(8)
	// Keep one byte resident so no Pop empties the buffer (an empty buffer
	// resets both cursors to 0); each push/pop then advances the cursors
	// by 3, so they wrap past the end of the backing array repeatedly.
	prev := byte(0xff)
	b.Push([]byte{prev})
	for i := 0; i < 20; i++ {
		in := []byte{byte(i), byte(i + 1), byte(i + 2)}
		b.Push(in)
		out := make([]byte, 3)
		b.Pop(out)
		want := []byte{prev, in[0], in[1]}
		if !bytes.Equal(out, want) {
			t.Fatalf("iteration %d: got %v, want %v", i, out, want)
		}
		prev = in[2]
	}
}

func TestResizeGrowsAndPreservesData(t *testing.T) {
	b := New(4)
	data := []byte("0123456789")
	b.Push(data)

	if b.Capacity() < len(data) {
		t.Fatalf("capacity %d did not grow to fit %d bytes", b.Capacity(), len(data))
	}

	out := make([]byte, len(data))
	b.Pop(out)
	if !bytes.Equal(out, data) {
		t.Fatalf("data corrupted across resize: got %q, want %q", out, data)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New(16)
	b.Push([]byte("abcdef"))

	peek := make([]byte, 3)
	n := b.Peek(1, peek)
	if n != 3 || string(peek) != "bcd" {
		t.Fatalf("Peek(1, ...) = %q (n=%d), want %q", peek[:n], n, "bcd")
	}
	if b.Size() != 6 {
		t.Fatalf("Peek consumed data: Size() = %d, want 6", b.Size())
	}
}

func TestDiscard(t *testing.T) {
	b := New(16)
	b.Push([]byte("abcdef"))

	n := b.Discard(3)
	if n != 3 {
		t.Fatalf("Discard(3) = %d, want 3", n)
	}

	out := make([]byte, 3)
	b.Pop(out)
	if string(out) != "def" {
		t.Fatalf("after discard, Pop() = %q, want %q", out, "def")
	}
}

func TestSearch(t *testing.T) {
	b := New(16)
	b.Push([]byte("hello\nworld"))

	pos := b.Search(0, '\n')
	if pos != 5 {
		t.Fatalf("Search('\\n') = %d, want 5", pos)
	}

	pos = b.Search(0, 'z')
	if pos != -1 {
		t.Fatalf("Search('z') = %d, want -1", pos)
	}
}

func TestSearchAfterWrap(t *testing.T) {
	b := New(8)
	// Leave one byte unread (so the cursors are not reset) with read at 7
	// and write at 8 of the 9-byte backing array, then push past the end
	// so the target byte sits in the second (post-wrap) segment, at index 0.
	b.Push([]byte("aaaaaaaa"))
	discard := make([]byte, 7)
	b.Pop(discard)
	b.Push([]byte("x\nyz"))

	pos := b.Search(0, '\n')
	if pos != 2 {
		t.Fatalf("Search after wrap = %d, want 2", pos)
	}
}

func TestMoveTo(t *testing.T) {
	src := New(16)
	dst := New(16)
	src.Push([]byte("move me"))

	n := src.MoveTo(dst, 4)
	if n != 4 {
		t.Fatalf("MoveTo() = %d, want 4", n)
	}

	out := make([]byte, 4)
	dst.Pop(out)
	if string(out) != "move" {
		t.Fatalf("dst got %q, want %q", out, "move")
	}

	remaining := make([]byte, src.Size())
	src.Pop(remaining)
	if string(remaining) != " me" {
		t.Fatalf("src remaining = %q, want %q", remaining, " me")
	}
}

func TestChecksumMatchesAdler32(t *testing.T) {
	b := New(16)
	data := []byte("checksum this")
	b.Push(data)

	got := b.Checksum(0, len(data))
	want := adlerOf(data)
	if got != want {
		t.Fatalf("Checksum() = %#x, want %#x", got, want)
	}
}

func TestNormalizeProducesContiguousSlice(t *testing.T) {
	b := New(8)
	b.Push([]byte("aaaaaa"))
	discard := make([]byte, 6)
	b.Pop(discard)
	b.Push([]byte("xyzw"))

	flat := b.Normalize()
	if string(flat) != "xyzw" {
		t.Fatalf("Normalize() = %q, want %q", flat, "xyzw")
	}
}

func TestFullAndFreeSize(t *testing.T) {
	b := New(4)
	b.Push([]byte("abcd"))
	if b.FreeSize() != 0 {
		t.Fatalf("FreeSize() = %d, want 0 when at capacity", b.FreeSize())
	}
	if !b.Full() {
		t.Fatal("expected buffer to report Full()")
	}
}

// adlerOf is a reference Adler-32 implementation local to the test so the
// buffer's Checksum is verified against a second, independent source
// rather than against crypt.Adler32 itself.
func adlerOf(data []byte) uint32 {
	const mod = 65521
	a, bSum := uint32(1), uint32(0)
	for _, c := range data {
		a = (a + uint32(c)) % mod
		bSum = (bSum + a) % mod
	}
	return (bSum << 16) | a
}
