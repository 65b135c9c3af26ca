package crypt

import "encoding/binary"

// XorShift128 is the 128-bit xorshift128+ generator used to derive the
// transport's keystream. It is not cryptographically secure.
type XorShift128 struct {
	Seed0 uint64
	Seed1 uint64
}

// Next advances the generator and returns the next 64-bit keystream word.
func (s *XorShift128) Next() uint64 {
	x := s.Seed0
	y := s.Seed1

	s.Seed0 = y
	x ^= x << 23
	x ^= x >> 17
	x ^= y ^ (y >> 26)
	s.Seed1 = x
	return x + y
}

// XorShiftStream XORs buf in place with the keystream produced by seed,
// eight bytes at a time; a trailing partial block is XORed against the
// low bytes of one additional keystream word.
func XorShiftStream(buf []byte, seed *XorShift128) {
	n := len(buf)
	full := n / 8
	for i := 0; i < full; i++ {
		word := seed.Next()
		var wb [8]byte
		binary.LittleEndian.PutUint64(wb[:], word)
		off := i * 8
		for j := 0; j < 8; j++ {
			buf[off+j] ^= wb[j]
		}
	}

	tail := n & 7
	if tail == 0 {
		return
	}
	word := seed.Next()
	off := full * 8
	for t := 0; t < tail; t++ {
		buf[off+t] ^= byte((word >> (uint(t) * 8)) & 0xFF)
	}
}
