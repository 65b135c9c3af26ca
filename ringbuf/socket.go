//go:build !windows

package ringbuf

import (
	"golang.org/x/sys/unix"
)

// scratchBufSize is the size of the extra stack-resident buffer appended
// to the readv call so a single event can drain more than the ring
// buffer's current free space without an extra resize-then-read round
// trip.
const scratchBufSize = 0xFFFF

// ReadFromSocket reads as much data as is available from fd into the
// buffer, using a vectored readv so the (possibly wrapped) free region
// and a scratch tail buffer are filled in one syscall. If extraRead is
// true, whatever lands in the scratch buffer beyond the ring's free space
// is pushed into the ring right away, growing it.
//
// It returns (n, nil) for a successful read of n bytes and (0, nil) both
// on EOF and when the socket would block before anything was read. This
// mirrors RingBuf::read_socket in the source exactly, ambiguity included:
// callers (see tcp.Connection) only invoke this after a read-readiness
// event, so a zero return is treated as the peer having closed the
// connection, the same as cyn_tcp_connection.cpp's _on_socket_read does.
func (b *Buffer) ReadFromSocket(fd int, extraRead bool) (int, error) {
	var scratch [scratchBufSize]byte

	free := b.FreeSize()
	iovs := make([][]byte, 0, 3)
	writeOff := b.write
	written := 0
	for written != free {
		n := min(b.end-writeOff, free-written)
		iovs = append(iovs, b.buf[writeOff:writeOff+n])
		written += n
		writeOff += n
		if writeOff >= b.end {
			writeOff = 0
		}
	}
	if extraRead {
		iovs = append(iovs, scratch[:])
	}

	readCount, err := unix.Readv(fd, iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	if readCount <= 0 {
		return 0, nil
	}

	advance := min(free, readCount)
	n := 0
	for n != advance {
		step := min(b.end-b.write, advance-n)
		n += step
		b.write += step
		if b.write >= b.end {
			b.write = 0
		}
	}

	if n < readCount {
		b.Push(scratch[:readCount-n])
	}

	return readCount, nil
}

// WriteToSocket writes as much of the buffered readable data as the
// socket will currently accept, using a vectored writev when the
// readable region wraps. It returns the number of bytes actually
// written and consumes exactly that many bytes from the buffer.
func (b *Buffer) WriteToSocket(fd int) (int, error) {
	if b.Empty() {
		return 0, nil
	}

	count := b.Size()
	iovs := make([][]byte, 0, 2)
	readOff := b.read
	collected := 0
	for collected != count {
		n := min(b.end-readOff, count-collected)
		iovs = append(iovs, b.buf[readOff:readOff+n])
		collected += n
		readOff += n
		if readOff >= b.end {
			readOff = 0
		}
	}

	writeCount, err := unix.Writev(fd, iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}

	sent := 0
	for sent != writeCount {
		n := min(b.end-b.read, writeCount-sent)
		b.read += n
		sent += n
		if b.read >= b.end {
			b.read = 0
		}
	}

	if b.Empty() {
		b.Reset()
	}
	return writeCount, nil
}
