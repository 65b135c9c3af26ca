package crypt

import (
	"bytes"
	"testing"
)

func TestXorShift128Deterministic(t *testing.T) {
	s1 := &XorShift128{Seed0: 1, Seed1: 2}
	s2 := &XorShift128{Seed0: 1, Seed1: 2}

	for i := 0; i < 16; i++ {
		a := s1.Next()
		b := s2.Next()
		if a != b {
			t.Fatalf("iteration %d: same seed produced different output %d != %d", i, a, b)
		}
	}
}

func TestXorShift128NeverZeroSeedStaysRunnable(t *testing.T) {
	s := &XorShift128{Seed0: 0, Seed1: 0}
	// A zero seed is a degenerate xorshift state (it never leaves zero),
	// but Next must still return without panicking.
	if got := s.Next(); got != 0 {
		t.Fatalf("zero seed: Next() = %d, want 0", got)
	}
}

func TestXorShiftStreamRoundTrip(t *testing.T) {
	plaintext := []byte("attack at dawn, bring the ring buffer")

	enc := make([]byte, len(plaintext))
	copy(enc, plaintext)
	XorShiftStream(enc, &XorShift128{Seed0: 0xdeadbeef, Seed1: 0xcafef00d})

	if bytes.Equal(enc, plaintext) {
		t.Fatal("XorShiftStream did not modify the buffer")
	}

	dec := make([]byte, len(enc))
	copy(dec, enc)
	XorShiftStream(dec, &XorShift128{Seed0: 0xdeadbeef, Seed1: 0xcafef00d})

	if !bytes.Equal(dec, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", dec, plaintext)
	}
}

func TestXorShiftStreamOddLength(t *testing.T) {
	for _, n := range []int{1, 7, 8, 9, 15, 16, 17} {
		buf := make([]byte, n)
		orig := make([]byte, n)
		for i := range buf {
			buf[i] = byte(i + 1)
			orig[i] = buf[i]
		}

		seed := &XorShift128{Seed0: 42, Seed1: 43}
		XorShiftStream(buf, seed)

		seed2 := &XorShift128{Seed0: 42, Seed1: 43}
		XorShiftStream(buf, seed2)

		if !bytes.Equal(buf, orig) {
			t.Fatalf("length %d: double XOR did not restore original", n)
		}
	}
}
