//go:build !windows

package wakeuppipe

import "golang.org/x/sys/unix"

// New creates a non-blocking, close-on-exec self-pipe. It prefers a
// single pipe2 syscall (CY_HAVE_PIPE2 in the source) and falls back to
// pipe followed by separate fcntl calls on platforms without pipe2.
func New() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		if err != unix.ENOSYS {
			return nil, err
		}
		if err := unix.Pipe(fds[:]); err != nil {
			return nil, err
		}
		for _, fd := range fds {
			if err := unix.SetNonblock(fd, true); err != nil {
				return nil, err
			}
			if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
				return nil, err
			}
		}
	}

	p := &Pipe{readFD: fds[0], writeFD: fds[1]}
	return p, nil
}

// Close closes both ends of the pipe.
func (p *Pipe) Close() error {
	err0 := unix.Close(p.readFD)
	err1 := unix.Close(p.writeFD)
	if err0 != nil {
		return err0
	}
	return err1
}

func (p *Pipe) writeByte() error {
	buf := [1]byte{}
	for {
		_, err := unix.Write(p.writeFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			// A byte is already pending in the kernel buffer; the reader
			// will still observe readability, so this is not an error.
			return nil
		}
		return err
	}
}

// readAvailable drains whatever is currently readable from the pipe,
// returning the number of bytes consumed. It never blocks.
func (p *Pipe) readAvailable() (int, error) {
	var buf [64]byte
	total := 0
	for {
		n, err := unix.Read(p.readFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
		if n < len(buf) {
			return total, nil
		}
	}
}
