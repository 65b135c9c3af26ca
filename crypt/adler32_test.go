package crypt

import "testing"

func TestAdler32KnownVectors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want uint32
	}{
		{"empty", []byte{}, 1},
		{"wikipedia", []byte("Wikipedia"), 0x11E60398},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Adler32(InitialAdler, tc.in)
			if got != tc.want {
				t.Fatalf("Adler32(%q) = %#x, want %#x", tc.in, got, tc.want)
			}
		})
	}
}

func TestAdler32Incremental(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	whole := Adler32(InitialAdler, data)

	split := InitialAdler
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		split = Adler32(split, data[i:end])
	}

	if whole != split {
		t.Fatalf("incremental checksum %#x != whole-buffer checksum %#x", split, whole)
	}
}

func TestAdler32LargeBufferCrossesNMAX(t *testing.T) {
	data := make([]byte, 20000)
	for i := range data {
		data[i] = byte(i)
	}
	// Must not panic or wrap incorrectly across the 5552-byte NMAX chunking
	// boundary used internally to keep the running sums from overflowing.
	_ = Adler32(InitialAdler, data)
}
