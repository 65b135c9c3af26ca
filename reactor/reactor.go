// Package reactor implements the single-threaded event loop at the heart
// of every worker: I/O readiness multiplexing, a monotonic timer
// min-heap, and a self-pipe for cross-goroutine wakeup, matching
// cye_looper.cpp/cye_work_thread.cpp's reactor contract one-for-one
// while swapping the source's busy-spin poll loop for a blocking wait
// sized to the next timer deadline.
package reactor

import (
	"container/heap"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cyclone-net/cyclone/wakeuppipe"
)

// EventID identifies a registered channel (fd-backed or timer-backed).
type EventID int32

// InvalidEventID is returned by failed lookups and used as the free-list
// terminator.
const InvalidEventID EventID = -1

const defaultChannelBufCount = 16

// Callback is invoked on read-readiness, write-readiness, or timer fire.
// For a timer channel, fd is -1 and event is EventTimer.
type Callback func(id EventID, fd int, event Event, param any)

type channel struct {
	id    EventID
	fd    int
	event Event
	param any

	active bool

	onRead  Callback
	onWrite Callback

	isTimer        bool
	intervalMillis int64
	nextFireNanos  int64
	heapIndex      int

	next EventID // free-list link
}

// Reactor is a single-goroutine event loop. All methods except
// PushStopRequest must be called from the goroutine that owns the
// Reactor (the one that calls Loop); calling them elsewhere panics when
// debug ownership checks are enabled.
type Reactor struct {
	backend backend

	channels []channel
	freeHead EventID

	fdToChannel map[int]EventID

	timers timerHeap

	wakeup       *wakeuppipe.Pipe
	wakeupChanID EventID

	stopRequested atomic.Bool

	ownerGoroutine uint64
	checkOwner     bool
}

// New creates a Reactor using the platform's preferred backend (epoll on
// Linux, kqueue on Darwin/FreeBSD, select elsewhere).
func New() (*Reactor, error) {
	b, err := newPlatformBackend()
	if err != nil {
		return nil, err
	}
	return newWithBackend(b)
}

// NewWithSelectBackend builds a Reactor on the select-based backend
// regardless of platform; useful for tests that want a single
// backend-agnostic fixture.
func NewWithSelectBackend() (*Reactor, error) {
	return newWithBackend(newSelectBackend())
}

func newWithBackend(b backend) (*Reactor, error) {
	pipe, err := wakeuppipe.New()
	if err != nil {
		b.close()
		return nil, err
	}

	r := &Reactor{
		backend:        b,
		freeHead:       InvalidEventID,
		fdToChannel:    make(map[int]EventID),
		wakeup:         pipe,
		ownerGoroutine: currentGoroutineID(),
		checkOwner:     true,
	}

	r.wakeupChanID = r.RegisterEvent(pipe.ReadFD(), EventRead, nil,
		func(EventID, int, Event, any) {
			r.wakeup.Drain()
		}, nil)

	return r, nil
}

// SetDebugOwnerChecks toggles the owner-goroutine assertion. It is on by
// default; tests that deliberately call from a second goroutine to
// exercise the panic can use this to keep the check narrowly scoped.
func (r *Reactor) SetDebugOwnerChecks(enabled bool) {
	r.checkOwner = enabled
}

func (r *Reactor) assertOwner() {
	if r.checkOwner && currentGoroutineID() != r.ownerGoroutine {
		panic("reactor: method called from a goroutine other than the owner")
	}
}

// RegisterEvent adds fd to the reactor with the given initial interest
// and callbacks, returning its channel id.
func (r *Reactor) RegisterEvent(fd int, event Event, param any, onRead, onWrite Callback) EventID {
	r.assertOwner()

	id := r.getFreeSlot()
	ch := &r.channels[id]
	ch.id = id
	ch.fd = fd
	ch.event = EventNone
	ch.param = param
	ch.active = false
	ch.onRead = onRead
	ch.onWrite = onWrite
	ch.isTimer = false

	r.fdToChannel[fd] = id

	if event != EventNone {
		r.addInterest(ch, event)
	}
	return id
}

// RegisterTimer arms a periodic timer that fires callback roughly every
// intervalMillis milliseconds until DisableAll+DeleteEvent cancels it.
func (r *Reactor) RegisterTimer(intervalMillis int64, param any, callback Callback) EventID {
	r.assertOwner()
	if intervalMillis <= 0 {
		panic("reactor: timer interval must be positive")
	}

	id := r.getFreeSlot()
	ch := &r.channels[id]
	ch.id = id
	ch.fd = -1
	ch.event = EventTimer
	ch.param = param
	ch.active = true
	ch.onRead = callback
	ch.onWrite = nil
	ch.isTimer = true
	ch.intervalMillis = intervalMillis
	ch.nextFireNanos = time.Now().UnixNano() + intervalMillis*int64(time.Millisecond)

	heap.Push(&r.timers, ch)
	return id
}

// DeleteEvent returns a disabled channel's slot to the free list. The
// channel must already be inactive (EventNone for fds, DisableAll'd for
// timers); deleting an active channel panics.
func (r *Reactor) DeleteEvent(id EventID) {
	r.assertOwner()
	ch := r.mustChannel(id)
	if ch.active {
		panic(fmt.Sprintf("reactor: DeleteEvent(%d) called on an active channel; disableAll first", id))
	}

	if !ch.isTimer {
		delete(r.fdToChannel, ch.fd)
	}

	ch.next = r.freeHead
	r.freeHead = id
}

func (r *Reactor) EnableRead(id EventID) {
	r.assertOwner()
	ch := r.mustChannel(id)
	r.addInterest(ch, EventRead)
}

func (r *Reactor) DisableRead(id EventID) {
	r.assertOwner()
	ch := r.mustChannel(id)
	r.removeInterest(ch, EventRead)
}

func (r *Reactor) IsRead(id EventID) bool {
	r.assertOwner()
	return r.mustChannel(id).event.has(EventRead)
}

func (r *Reactor) EnableWrite(id EventID) {
	r.assertOwner()
	ch := r.mustChannel(id)
	r.addInterest(ch, EventWrite)
}

func (r *Reactor) DisableWrite(id EventID) {
	r.assertOwner()
	ch := r.mustChannel(id)
	r.removeInterest(ch, EventWrite)
}

func (r *Reactor) IsWrite(id EventID) bool {
	r.assertOwner()
	return r.mustChannel(id).event.has(EventWrite)
}

// DisableAll cancels all interest for id: for an fd channel it stops the
// backend from watching fd; for a timer channel it cancels future fires.
func (r *Reactor) DisableAll(id EventID) {
	r.assertOwner()
	ch := r.mustChannel(id)

	if ch.isTimer {
		ch.active = false
		return
	}
	r.removeInterest(ch, EventRead|EventWrite)
}

func (r *Reactor) mustChannel(id EventID) *channel {
	if id < 0 || int(id) >= len(r.channels) {
		panic(fmt.Sprintf("reactor: invalid channel id %d", id))
	}
	return &r.channels[id]
}

func (r *Reactor) addInterest(ch *channel, add Event) {
	ch.event |= add
	ch.active = ch.event != EventNone
	if err := r.backend.setInterest(ch.fd, ch.event); err != nil {
		panic(fmt.Sprintf("reactor: setInterest(%d, %v): %v", ch.fd, ch.event, err))
	}
}

func (r *Reactor) removeInterest(ch *channel, remove Event) {
	ch.event &^= remove
	ch.active = ch.event != EventNone
	if err := r.backend.setInterest(ch.fd, ch.event); err != nil {
		panic(fmt.Sprintf("reactor: setInterest(%d, %v): %v", ch.fd, ch.event, err))
	}
}

func (r *Reactor) getFreeSlot() EventID {
	if r.freeHead != InvalidEventID {
		id := r.freeHead
		r.freeHead = r.channels[id].next
		return id
	}

	oldSize := len(r.channels)
	newSize := defaultChannelBufCount
	if oldSize > 0 {
		newSize = oldSize * 2
	}

	grown := make([]channel, newSize)
	copy(grown, r.channels)
	r.channels = grown
	// The timer heap holds pointers into the old slice; re-point them at
	// the copies so later DisableAll/DeleteEvent calls reach them.
	for i, tch := range r.timers {
		r.timers[i] = &r.channels[tch.id]
	}

	for i := oldSize; i < newSize; i++ {
		r.channels[i].id = EventID(i)
		r.channels[i].next = r.freeHead
		r.freeHead = EventID(i)
	}

	id := r.freeHead
	r.freeHead = r.channels[id].next
	return id
}

// IsOwnerGoroutine reports whether the calling goroutine is the one that
// constructed r. Unlike the owner-checked methods it never panics and
// may be called from any goroutine.
func (r *Reactor) IsOwnerGoroutine() bool {
	return currentGoroutineID() == r.ownerGoroutine
}

// PushStopRequest asks the loop to stop after completing its current
// dispatch batch. It and IsOwnerGoroutine are the only Reactor methods
// safe to call from a goroutine other than the owner.
func (r *Reactor) PushStopRequest() {
	r.stopRequested.Store(true)
	r.wakeup.Wake()
}

// Close releases the reactor's backend and wakeup pipe. Call after Loop
// returns.
func (r *Reactor) Close() error {
	err := r.backend.close()
	if cerr := r.wakeup.Close(); err == nil {
		err = cerr
	}
	return err
}

// Loop runs the event loop until PushStopRequest is called. It must be
// called from the owner goroutine.
func (r *Reactor) Loop() {
	r.assertOwner()

	var readReady, writeReady []int

	for {
		timeoutMs := r.nextTimeoutMillis()

		var err error
		readReady, writeReady, err = r.backend.wait(timeoutMs)
		if err != nil && !errors.Is(err, errTransientWait) {
			panic(fmt.Sprintf("reactor: backend wait: %v", err))
		}

		readChans := r.resolveChannels(readReady)
		writeChans := r.resolveChannels(writeReady)

		for _, ch := range readChans {
			if !ch.active || ch.onRead == nil {
				continue
			}
			ch.onRead(ch.id, ch.fd, EventRead, ch.param)
		}
		for _, ch := range writeChans {
			if !ch.active || ch.onWrite == nil {
				continue
			}
			ch.onWrite(ch.id, ch.fd, EventWrite, ch.param)
		}

		r.fireDueTimers()

		if r.stopRequested.Load() {
			return
		}
	}
}

// resolveChannels maps ready fds back to their channels, in stable
// channel-id order, skipping fds whose channel has since been deleted.
func (r *Reactor) resolveChannels(fds []int) []*channel {
	if len(fds) == 0 {
		return nil
	}
	out := make([]*channel, 0, len(fds))
	for _, fd := range fds {
		if id, ok := r.fdToChannel[fd]; ok {
			out = append(out, &r.channels[id])
		}
	}
	sortChannelsByID(out)
	return out
}

func sortChannelsByID(chans []*channel) {
	for i := 1; i < len(chans); i++ {
		for j := i; j > 0 && chans[j-1].id > chans[j].id; j-- {
			chans[j-1], chans[j] = chans[j], chans[j-1]
		}
	}
}

func (r *Reactor) fireDueTimers() {
	now := time.Now().UnixNano()
	for r.timers.Len() > 0 && r.timers[0].nextFireNanos <= now {
		ch := heap.Pop(&r.timers).(*channel)
		if !ch.active {
			continue
		}

		if ch.onRead != nil {
			ch.onRead(ch.id, -1, EventTimer, ch.param)
		}
		// The callback may have grown r.channels; use the live copy.
		ch = &r.channels[ch.id]

		if ch.active {
			ch.nextFireNanos = now + ch.intervalMillis*int64(time.Millisecond)
			heap.Push(&r.timers, ch)
		}
	}
}

// nextTimeoutMillis returns how long the backend should block: -1 to
// block indefinitely (only the wakeup pipe can interrupt it), or the
// milliseconds until the next timer fire.
func (r *Reactor) nextTimeoutMillis() int {
	if r.timers.Len() == 0 {
		return -1
	}
	remaining := r.timers[0].nextFireNanos - time.Now().UnixNano()
	if remaining <= 0 {
		return 0
	}
	ms := remaining / int64(time.Millisecond)
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}

var errTransientWait = errors.New("reactor: transient wait error, retrying")

func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

// parseGoroutineID extracts the numeric id from a stack trace header of
// the form "goroutine 123 [running]:". It backs the always-on
// owner-goroutine check and IsOwnerGoroutine — Go has no public
// goroutine-identity API, and this is the standard workaround used by
// debug/profiling tooling across the ecosystem.
func parseGoroutineID(stack []byte) uint64 {
	const prefix = "goroutine "
	if len(stack) < len(prefix) {
		return 0
	}
	stack = stack[len(prefix):]

	var id uint64
	for _, c := range stack {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
