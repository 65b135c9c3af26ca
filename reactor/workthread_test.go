package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/cyclone-net/cyclone/packet"
)

func TestWorkThreadDeliversMessagesInOrder(t *testing.T) {
	wt := NewWorkThread("test-worker", 64)

	var mu sync.Mutex
	var received []uint16

	wt.SetOnMessage(func(p *packet.Packet) {
		mu.Lock()
		received = append(received, p.PacketID())
		mu.Unlock()
	})

	if err := wt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		wt.Stop()
		wt.Join()
	}()

	const n = 200
	for i := 0; i < n; i++ {
		if !wt.SendMessage(uint16(i), nil, nil) {
			t.Fatalf("SendMessage(%d) reported the inbox full", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := len(received)
		mu.Unlock()
		if got == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d/%d messages before timeout", got, n)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range received {
		if int(id) != i {
			t.Fatalf("message %d out of order: got id %d", i, id)
		}
	}
}

func TestWorkThreadOnStartFalseAbortsLoop(t *testing.T) {
	wt := NewWorkThread("aborted-worker", 16)
	wt.SetOnStart(func() bool { return false })

	if err := wt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-wtDoneChannel(wt):
	case <-time.After(2 * time.Second):
		t.Fatal("work thread did not exit after onStart returned false")
	}
}

func wtDoneChannel(wt *WorkThread) <-chan struct{} {
	return wt.done
}

func TestWorkThreadStopAndJoin(t *testing.T) {
	wt := NewWorkThread("stoppable-worker", 16)
	if err := wt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	joined := make(chan struct{})
	go func() {
		wt.Join()
		close(joined)
	}()

	wt.Stop()

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Join never returned after Stop")
	}
}
