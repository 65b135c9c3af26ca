package reactor

import (
	"golang.org/x/sys/unix"
)

// selectBackend is the portable fallback multiplexer, also used directly
// by tests that want a single backend-agnostic fixture regardless of
// GOOS. It maintains master fd sets and a max-fd hint per spec.
type selectBackend struct {
	interests map[int]Event
	maxFD     int
}

func newSelectBackend() *selectBackend {
	return &selectBackend{
		interests: make(map[int]Event),
		maxFD:     -1,
	}
}

func (b *selectBackend) setInterest(fd int, event Event) error {
	if event == EventNone {
		delete(b.interests, fd)
	} else {
		b.interests[fd] = event
	}
	b.recomputeMaxFD()
	return nil
}

func (b *selectBackend) recomputeMaxFD() {
	max := -1
	for fd := range b.interests {
		if fd > max {
			max = fd
		}
	}
	b.maxFD = max
}

func (b *selectBackend) wait(timeoutMs int) ([]int, []int, error) {
	if len(b.interests) == 0 {
		// select with no fds and no timeout would block forever with
		// nothing to ever wake it; sleep the requested duration instead.
		if timeoutMs > 0 {
			unix.Select(0, nil, nil, nil, msToTimeval(timeoutMs))
		}
		return nil, nil, nil
	}

	var readSet, writeSet unix.FdSet
	for fd, event := range b.interests {
		if event.has(EventRead) {
			fdSetBit(&readSet, fd)
		}
		if event.has(EventWrite) {
			fdSetBit(&writeSet, fd)
		}
	}

	tv := msToTimeval(timeoutMs)
	_, err := unix.Select(b.maxFD+1, &readSet, &writeSet, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil, errTransientWait
		}
		if err == unix.EBADF || err == unix.ENOTSOCK {
			return b.rescanBadFDs()
		}
		return nil, nil, err
	}

	readReady := make([]int, 0, len(b.interests))
	writeReady := make([]int, 0, len(b.interests))
	for fd, event := range b.interests {
		if event.has(EventRead) && fdIsSet(&readSet, fd) {
			readReady = append(readReady, fd)
		}
		if event.has(EventWrite) && fdIsSet(&writeSet, fd) {
			writeReady = append(writeReady, fd)
		}
	}
	return readReady, writeReady, nil
}

// rescanBadFDs probes each tracked fd individually with a zero-timeout
// select so the one invalid descriptor can be identified and dropped
// instead of aborting the whole reactor.
func (b *selectBackend) rescanBadFDs() ([]int, []int, error) {
	for fd := range b.interests {
		var set unix.FdSet
		fdSetBit(&set, fd)
		zero := unix.Timeval{}
		if _, err := unix.Select(fd+1, &set, nil, nil, &zero); err != nil {
			delete(b.interests, fd)
		}
	}
	b.recomputeMaxFD()
	return nil, nil, nil
}

func (b *selectBackend) close() error {
	return nil
}

func msToTimeval(timeoutMs int) *unix.Timeval {
	if timeoutMs < 0 {
		return nil
	}
	tv := unix.NsecToTimeval(int64(timeoutMs) * int64(1_000_000))
	return &tv
}

func fdSetBit(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
