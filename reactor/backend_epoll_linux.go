//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

func newPlatformBackend() (backend, error) {
	return newEpollBackend()
}

type epollBackend struct {
	epfd      int
	interests map[int]Event
	events    []unix.EpollEvent
}

func newEpollBackend() (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{
		epfd:      epfd,
		interests: make(map[int]Event),
		events:    make([]unix.EpollEvent, 256),
	}, nil
}

func toEpollEvents(e Event) uint32 {
	var m uint32
	if e.has(EventRead) {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if e.has(EventWrite) {
		m |= unix.EPOLLOUT
	}
	return m
}

func (b *epollBackend) setInterest(fd int, event Event) error {
	current, tracked := b.interests[fd]

	switch {
	case event == EventNone && tracked:
		delete(b.interests, fd)
		return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	case event == EventNone:
		return nil
	case !tracked:
		b.interests[fd] = event
		ev := &unix.EpollEvent{Events: toEpollEvents(event), Fd: int32(fd)}
		return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	case current == event:
		return nil
	default:
		b.interests[fd] = event
		ev := &unix.EpollEvent{Events: toEpollEvents(event), Fd: int32(fd)}
		return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	}
}

func (b *epollBackend) wait(timeoutMs int) ([]int, []int, error) {
	n, err := unix.EpollWait(b.epfd, b.events, timeoutMs)
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
		fd := int(ev.Fd)
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			readReady = append(readReady, fd)
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
			writeReady = append(writeReady, fd)
		}
	}
	return readReady, writeReady, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}
