package reactor

import (
	"fmt"
	"sync/atomic"

	"github.com/cyclone-net/cyclone/lfqueue"
	"github.com/cyclone-net/cyclone/packet"
	"github.com/cyclone-net/cyclone/wakeuppipe"
)

// MessageCallback handles one inbox message delivered to the work
// thread's owning goroutine.
type MessageCallback func(*packet.Packet)

// StartCallback runs once on the work thread before it enters its loop;
// returning false aborts startup without ever looping.
type StartCallback func() bool

// defaultInboxCapacity mirrors the source's default LockFreeQueue<Packet*>
// template parameter (65536, rounded to a power of two by lfqueue).
const defaultInboxCapacity = 65536

// WorkThread pairs a Reactor with a lock-free inbox queue and its own
// coalesced wakeup pipe, matching cye_work_thread.cpp: exactly one
// goroutine owns the Reactor and drains the inbox; any goroutine may call
// SendMessage/SendPacket. This pipe is separate from the Reactor's own
// internal stop-request pipe — one wakes the loop to stop, the other
// wakes it to notice new inbox messages.
type WorkThread struct {
	name string

	reactor *Reactor
	msgPipe *wakeuppipe.Pipe
	msgChan EventID
	inbox   *lfqueue.Queue[*packet.Packet]

	onStart   StartCallback
	onMessage MessageCallback

	started atomic.Bool
	done    chan struct{}
}

// NewWorkThread creates a WorkThread with the given name (used only for
// diagnostics/logging) and inbox capacity.
func NewWorkThread(name string, inboxCapacity uint32) *WorkThread {
	if inboxCapacity == 0 {
		inboxCapacity = defaultInboxCapacity
	}
	return &WorkThread{
		name:  name,
		inbox: lfqueue.New[*packet.Packet](inboxCapacity),
		done:  make(chan struct{}),
	}
}

// Name returns the work thread's diagnostic name.
func (w *WorkThread) Name() string { return w.name }

// SetOnStart registers the callback run once the owning goroutine starts,
// before Reactor.Loop is entered.
func (w *WorkThread) SetOnStart(fn StartCallback) { w.onStart = fn }

// SetOnMessage registers the callback invoked for every inbox message,
// always on the owning goroutine.
func (w *WorkThread) SetOnMessage(fn MessageCallback) { w.onMessage = fn }

// Reactor returns the work thread's Reactor, for registering additional
// fd or timer interest from the owning goroutine. It is nil until Start
// returns.
func (w *WorkThread) Reactor() *Reactor { return w.reactor }

// Start launches the work thread's goroutine, blocking until its Reactor
// is constructed and ready to receive messages.
func (w *WorkThread) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("reactor: work thread %q already started", w.name)
	}

	ready := make(chan error, 1)
	go w.run(ready)
	return <-ready
}

func (w *WorkThread) run(ready chan<- error) {
	defer close(w.done)

	r, err := New()
	if err != nil {
		ready <- err
		return
	}
	pipe, err := wakeuppipe.New()
	if err != nil {
		r.Close()
		ready <- err
		return
	}

	w.reactor = r
	w.msgPipe = pipe
	w.msgChan = r.RegisterEvent(pipe.ReadFD(), EventRead, nil, w.onPipeReadable, nil)

	ready <- nil

	if w.onStart != nil && !w.onStart() {
		r.DisableAll(w.msgChan)
		r.DeleteEvent(w.msgChan)
		pipe.Close()
		r.Close()
		return
	}

	r.Loop()

	r.DisableAll(w.msgChan)
	r.DeleteEvent(w.msgChan)
	pipe.Close()
	r.Close()
}

func (w *WorkThread) onPipeReadable(EventID, int, Event, any) {
	w.msgPipe.Drain()
	w.drainInbox()
}

// drainInbox pops every currently-available message and invokes
// onMessage for each, matching WorkThread::_on_message's drain-until-empty
// loop.
func (w *WorkThread) drainInbox() {
	for {
		p, ok := w.inbox.Pop()
		if !ok {
			break
		}
		if w.onMessage != nil {
			w.onMessage(p)
		}
		packet.Free(p)
	}
}

// SendMessage builds a packet from up to two content fragments and
// enqueues it, thread-safe from any goroutine.
func (w *WorkThread) SendMessage(id uint16, part1, part2 []byte) bool {
	p := packet.Alloc()
	p.BuildFromMemory(packet.HeaderSize, id, part1, part2)
	return w.enqueue(p)
}

// SendPacket enqueues a copy of an already-built packet.
func (w *WorkThread) SendPacket(msg *packet.Packet) bool {
	return w.enqueue(packet.AllocFrom(msg))
}

func (w *WorkThread) enqueue(p *packet.Packet) bool {
	if !w.inbox.Push(p) {
		packet.Free(p)
		return false
	}
	w.msgPipe.Wake()
	return true
}

// Join blocks until the work thread's goroutine has returned from Loop.
func (w *WorkThread) Join() {
	<-w.done
}

// Stop requests the work thread's Reactor loop stop; safe from any
// goroutine.
func (w *WorkThread) Stop() {
	if w.reactor != nil {
		w.reactor.PushStopRequest()
	}
}
