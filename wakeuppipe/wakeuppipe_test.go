//go:build !windows

package wakeuppipe

import (
	"testing"

	"golang.org/x/sys/unix"
)

func pollReadable(t *testing.T, fd int, timeoutMs int) bool {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0
}

func TestWakeMakesReadFDReadable(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if pollReadable(t, p.ReadFD(), 0) {
		t.Fatal("read end readable before any Wake")
	}

	if err := p.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	if !pollReadable(t, p.ReadFD(), 100) {
		t.Fatal("read end not readable after Wake")
	}
}

func TestDrainClearsReadability(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if err := p.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if pollReadable(t, p.ReadFD(), 0) {
		t.Fatal("read end still readable after Drain")
	}
}

func TestConcurrentWakesCoalesce(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	const n = 50
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			p.Wake()
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	if !pollReadable(t, p.ReadFD(), 100) {
		t.Fatal("expected read end to be readable after coalesced wakes")
	}

	n1, err := p.readAvailable()
	if err != nil {
		t.Fatalf("readAvailable: %v", err)
	}
	if n1 != 1 {
		t.Fatalf("coalesced wakes produced %d pending bytes, want exactly 1", n1)
	}
}

func TestWakeAfterDrainProducesNewEvent(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if err := p.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := p.Wake(); err != nil {
		t.Fatalf("second Wake: %v", err)
	}

	if !pollReadable(t, p.ReadFD(), 100) {
		t.Fatal("expected readability after Wake following a Drain")
	}
}
