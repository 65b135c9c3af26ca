package reactor

// Event is a bitmask of interest types a channel can be registered for.
type Event int32

const (
	EventNone  Event = 0
	EventRead  Event = 1 << 0
	EventWrite Event = 1 << 1
	// EventTimer marks a channel as timer-driven rather than fd-driven; it
	// is never passed to a backend, which only ever sees Read/Write.
	EventTimer Event = 1 << 2
)

func (e Event) has(flag Event) bool { return e&flag != 0 }

// backend is the platform-specific I/O multiplexer behind a Reactor. All
// three implementations (epoll, kqueue, select) must agree on this
// contract so Reactor's dispatch logic never varies by platform.
type backend interface {
	// setInterest declares fd's current combined Read/Write interest.
	// EventNone means stop watching fd entirely. Implementations track
	// fd registration state internally so callers never need to
	// distinguish an initial add from a later modify.
	setInterest(fd int, event Event) error

	// wait blocks for up to timeoutMs milliseconds (0: return
	// immediately, negative: block indefinitely) and returns the fds
	// that are read-ready and write-ready.
	wait(timeoutMs int) (readReady, writeReady []int, err error)

	// close releases any kernel resources the backend holds (epoll fd,
	// kqueue fd, ...). It does not close the watched fds themselves.
	close() error
}
