package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// Reactor ownership is pinned to whichever goroutine constructs it (like
// the source's Looper::m_current_thread), so every test that registers
// events and calls Loop does both from the same spawned goroutine —
// exactly the pattern reactor.WorkThread.run uses.

func TestRegisterAndDeleteEventReusesFreeSlot(t *testing.T) {
	r, err := NewWithSelectBackend()
	if err != nil {
		t.Fatalf("NewWithSelectBackend: %v", err)
	}
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	id := r.RegisterEvent(fds[0], EventRead, nil, func(EventID, int, Event, any) {}, nil)
	r.DisableAll(id)
	r.DeleteEvent(id)

	id2 := r.RegisterEvent(fds[1], EventRead, nil, func(EventID, int, Event, any) {}, nil)
	if id2 != id {
		t.Fatalf("expected freed slot %d to be reused, got %d", id, id2)
	}
}

func TestDeleteActiveChannelPanics(t *testing.T) {
	r, err := NewWithSelectBackend()
	if err != nil {
		t.Fatalf("NewWithSelectBackend: %v", err)
	}
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	id := r.RegisterEvent(fds[0], EventRead, nil, func(EventID, int, Event, any) {}, nil)

	defer func() {
		if recover() == nil {
			t.Fatal("expected DeleteEvent on an active channel to panic")
		}
	}()
	r.DeleteEvent(id)
}

func TestReadEventFires(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan struct{}, 1)
	var r *Reactor
	reactorReady := make(chan struct{})
	done := make(chan struct{})

	go func() {
		var err error
		r, err = NewWithSelectBackend()
		if err != nil {
			t.Error(err)
			close(reactorReady)
			close(done)
			return
		}
		r.RegisterEvent(fds[0], EventRead, nil, func(EventID, int, Event, any) {
			fired <- struct{}{}
			r.PushStopRequest()
		}, nil)
		close(reactorReady)

		r.Loop()
		r.Close()
		close(done)
	}()

	<-reactorReady
	unix.Write(fds[1], []byte("x"))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}
	<-done
}

func TestTimerFiresRepeatedly(t *testing.T) {
	fireCount := make(chan int, 1)
	done := make(chan struct{})

	go func() {
		r, err := NewWithSelectBackend()
		if err != nil {
			t.Error(err)
			close(done)
			return
		}

		count := 0
		var timerID EventID
		timerID = r.RegisterTimer(5, nil, func(EventID, int, Event, any) {
			count++
			if count >= 3 {
				r.DisableAll(timerID)
				r.PushStopRequest()
			}
		})

		r.Loop()
		r.Close()
		fireCount <- count
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer-driven loop never stopped")
	}

	if n := <-fireCount; n < 3 {
		t.Fatalf("fireCount = %d, want >= 3", n)
	}
}

func TestPushStopRequestFromOtherGoroutine(t *testing.T) {
	reactorReady := make(chan *Reactor, 1)
	done := make(chan struct{})

	go func() {
		r, err := NewWithSelectBackend()
		if err != nil {
			t.Error(err)
			close(done)
			return
		}
		reactorReady <- r
		r.Loop()
		r.Close()
		close(done)
	}()

	r := <-reactorReady
	time.Sleep(20 * time.Millisecond)
	r.PushStopRequest()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not stop after PushStopRequest")
	}
}

func TestAssertOwnerPanicsOnCrossGoroutineCall(t *testing.T) {
	r, err := NewWithSelectBackend()
	if err != nil {
		t.Fatalf("NewWithSelectBackend: %v", err)
	}
	defer r.Close()

	errs := make(chan any, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { errs <- recover() }()
		r.RegisterTimer(1000, nil, func(EventID, int, Event, any) {})
	}()
	<-done

	if <-errs == nil {
		t.Fatal("expected a panic when calling a Reactor method from a non-owner goroutine")
	}
}
