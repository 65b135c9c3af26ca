//go:build darwin || freebsd

package reactor

import (
	"golang.org/x/sys/unix"
)

func newPlatformBackend() (backend, error) {
	return newKqueueBackend()
}

const kqueueChangeListCap = 512

type kqueueBackend struct {
	kq         int
	interests  map[int]Event
	changeList []unix.Kevent_t
	events     []unix.Kevent_t
}

func newKqueueBackend() (*kqueueBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	if _, err := unix.FcntlInt(uintptr(kq), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(kq)
		return nil, err
	}
	return &kqueueBackend{
		kq:        kq,
		interests: make(map[int]Event),
		events:    make([]unix.Kevent_t, 256),
	}, nil
}

func (b *kqueueBackend) queueChange(fd int, filter int16, flags uint16) {
	b.changeList = append(b.changeList, unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	})
	if len(b.changeList) >= kqueueChangeListCap {
		b.flushChanges()
	}
}

func (b *kqueueBackend) flushChanges() error {
	if len(b.changeList) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, b.changeList, nil, nil)
	b.changeList = b.changeList[:0]
	return err
}

func (b *kqueueBackend) setInterest(fd int, event Event) error {
	current := b.interests[fd]
	if current == event {
		return nil
	}

	if current.has(EventRead) && !event.has(EventRead) {
		b.queueChange(fd, unix.EVFILT_READ, unix.EV_DELETE)
	}
	if !current.has(EventRead) && event.has(EventRead) {
		b.queueChange(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	}
	if current.has(EventWrite) && !event.has(EventWrite) {
		b.queueChange(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	if !current.has(EventWrite) && event.has(EventWrite) {
		b.queueChange(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
	}

	if event == EventNone {
		delete(b.interests, fd)
	} else {
		b.interests[fd] = event
	}
	return b.flushChanges()
}

func (b *kqueueBackend) wait(timeoutMs int) ([]int, []int, error) {
	if err := b.flushChanges(); err != nil {
		return nil, nil, err
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1_000_000))
		ts = &t
	}

	n, err := unix.Kevent(b.kq, nil, b.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil, errTransientWait
		}
		return nil, nil, err
	}

	readReady := make([]int, 0, n)
	writeReady := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Ident)
		switch ev.Filter {
		case unix.EVFILT_READ:
			readReady = append(readReady, fd)
		case unix.EVFILT_WRITE:
			writeReady = append(writeReady, fd)
		}
		if ev.Flags&unix.EV_EOF != 0 {
			readReady = append(readReady, fd)
		}
	}
	return readReady, writeReady, nil
}

func (b *kqueueBackend) close() error {
	return unix.Close(b.kq)
}
