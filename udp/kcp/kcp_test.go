package kcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// loopback wires two KCP engines together in-process, each engine's
// output feeding directly into the other's Input, standing in for the
// lossless wire between two udp.Connections.
type loopback struct {
	a, b *KCP
}

func newLoopback() *loopback {
	lb := &loopback{}
	lb.a = New(ConvID, func(buf []byte) { lb.b.Input(append([]byte(nil), buf...)) })
	lb.b = New(ConvID, func(buf []byte) { lb.a.Input(append([]byte(nil), buf...)) })
	lb.a.NoDelay(1, 10, 2, 1)
	lb.b.NoDelay(1, 10, 2, 1)
	return lb
}

func (lb *loopback) tick(now uint32) {
	lb.a.Update(now)
	lb.b.Update(now)
}

func Test_SendRecvRoundTrip(t *testing.T) {
	lb := newLoopback()

	require.Equal(t, 0, lb.a.Send([]byte("hello, kcp")))

	var now uint32
	var got []byte
	buf := make([]byte, 4096)
	for i := 0; i < 200; i++ {
		now += 10
		lb.tick(now)
		if n := lb.b.Recv(buf); n > 0 {
			got = append([]byte(nil), buf[:n]...)
			break
		}
	}
	require.Equal(t, "hello, kcp", string(got))
}

func Test_SendFragmentsLargeMessage(t *testing.T) {
	lb := newLoopback()

	payload := make([]byte, int(lb.a.mss)*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.Equal(t, 0, lb.a.Send(payload))

	var now uint32
	var got []byte
	buf := make([]byte, len(payload)+64)
	for i := 0; i < 500; i++ {
		now += 10
		lb.tick(now)
		if size := lb.b.PeekSize(); size > 0 {
			if n := lb.b.Recv(buf); n > 0 {
				got = append([]byte(nil), buf[:n]...)
				break
			}
		}
	}
	require.Equal(t, payload, got)
}

func Test_InputRejectsMismatchedConv(t *testing.T) {
	k := New(ConvID, func([]byte) {})

	var s segment
	s.conv = ConvID + 1
	s.cmd = cmdAck
	buf := make([]byte, overhead)
	s.encode(buf)

	require.Equal(t, -1, k.Input(buf))
}

func Test_WaitSndDrainsAfterAck(t *testing.T) {
	lb := newLoopback()
	require.Equal(t, 0, lb.a.Send([]byte("payload")))
	require.Greater(t, lb.a.WaitSnd(), 0)

	var now uint32
	for i := 0; i < 200 && lb.a.WaitSnd() > 0; i++ {
		now += 10
		lb.tick(now)
		buf := make([]byte, 64)
		lb.b.Recv(buf)
	}
	require.Equal(t, 0, lb.a.WaitSnd())
}
