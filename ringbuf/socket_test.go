//go:build !windows

package ringbuf

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSocketRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	writer := New(16)
	data := []byte("cyclone over a unix socketpair")
	writer.Push(data)

	for !writer.Empty() {
		if _, err := writer.WriteToSocket(fds[0]); err != nil {
			t.Fatalf("WriteToSocket: %v", err)
		}
	}

	reader := New(16)
	total := 0
	for total < len(data) {
		n, err := reader.ReadFromSocket(fds[1], true)
		if err != nil {
			t.Fatalf("ReadFromSocket: %v", err)
		}
		total += n
	}

	got := make([]byte, len(data))
	reader.Pop(got)
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestReadFromSocketEOF(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])
	unix.Close(fds[0])

	r := New(16)
	n, err := r.ReadFromSocket(fds[1], true)
	if err != nil {
		t.Fatalf("ReadFromSocket after peer close: %v", err)
	}
	if n != 0 {
		t.Fatalf("ReadFromSocket after peer close = %d, want 0 (EOF)", n)
	}
}
