// Package wakeuppipe implements the cross-goroutine wakeup primitive used
// to interrupt a reactor or work thread that is blocked in its poll call.
//
// It is a self-pipe (cye_pipe.cpp): one end is registered for readability
// with the poller, the other end is written to from any goroutine that
// needs the poller to wake up and notice new work. A single atomic flag
// coalesces concurrent wakeups into at most one pending byte, matching
// the WorkThread::_wakeup / m_is_queue_empty pattern in cye_work_thread.cpp
// — folded into this primitive rather than left as a field every caller
// has to reimplement, since every reactor and work thread in this module
// needs exactly the same coalescing behavior.
package wakeuppipe

import "sync/atomic"

// Pipe is a non-blocking self-pipe with coalesced wakeups. The zero value
// is not usable; construct one with New.
type Pipe struct {
	readFD  int
	writeFD int
	armed   atomic.Bool
}

// Wake signals the reader, if it has not already been signaled since the
// last Drain. Concurrent calls to Wake collapse into a single pending
// byte, so a busy sender never backs up the pipe.
func (p *Pipe) Wake() error {
	if !p.armed.CompareAndSwap(false, true) {
		return nil
	}
	return p.writeByte()
}

// Drain consumes every pending wakeup byte and rearms the pipe so a
// subsequent Wake is guaranteed to produce a new readable event. Call
// this from the goroutine that owns the poller after its read port
// reports readable.
func (p *Pipe) Drain() error {
	for {
		n, err := p.readAvailable()
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	p.armed.Store(false)
	return nil
}

// ReadFD returns the file descriptor to register with the poller for
// readability.
func (p *Pipe) ReadFD() int {
	return p.readFD
}

// WriteFD returns the file descriptor Wake writes to; exposed mainly for
// tests that want to observe the raw pipe behavior.
func (p *Pipe) WriteFD() int {
	return p.writeFD
}
