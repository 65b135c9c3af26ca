package lfqueue

import (
	"runtime"
	"sync"
	"testing"
)

func TestPushPopOrder(t *testing.T) {
	q := New[int](8)

	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) failed unexpectedly", i)
		}
	}

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("Pop() = (%d, %v), want (%d, true)", v, ok, i)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on empty queue returned true")
	}
}

func TestCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	q := New[int](10)
	if q.Cap() != 16 {
		t.Fatalf("Cap() = %d, want 16", q.Cap())
	}
}

func TestPushFailsWhenFull(t *testing.T) {
	q := New[int](4)

	filled := 0
	for q.Push(filled) {
		filled++
		if filled > 100 {
			t.Fatal("queue never reported full")
		}
	}

	// The algorithm keeps one slot free so the write index never catches
	// up with the read index; a capacity-4 queue therefore takes 3 items,
	// one short of Cap().
	if filled == 0 || filled >= int(q.Cap()) {
		t.Fatalf("filled = %d, want strictly between 0 and Cap()=%d", filled, q.Cap())
	}
}

func TestConcurrentProducersConsumersPreserveCount(t *testing.T) {
	q := New[int](1024)
	const producers = 8
	const perProducer = 2000
	const total = producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Push(base*perProducer + i) {
					// queue momentarily full; retry
				}
			}
		}(p)
	}

	received := make(chan int, total)
	var consumerWG sync.WaitGroup
	const consumers = 4
	consumerWG.Add(consumers)
	done := make(chan struct{})

	for c := 0; c < consumers; c++ {
		go func() {
			defer consumerWG.Done()
			for {
				select {
				case <-done:
					// drain whatever remains before exiting
					for {
						v, ok := q.Pop()
						if !ok {
							return
						}
						received <- v
					}
				default:
					if v, ok := q.Pop(); ok {
						received <- v
					}
				}
			}
		}()
	}

	wg.Wait()
	// give consumers a moment to drain before signaling done
	for q.Size() > 0 {
		runtime.Gosched()
	}
	close(done)
	consumerWG.Wait()
	close(received)

	seen := make(map[int]bool, total)
	count := 0
	for v := range received {
		if seen[v] {
			t.Fatalf("value %d received more than once", v)
		}
		seen[v] = true
		count++
	}

	if count != total {
		t.Fatalf("received %d items, want %d", count, total)
	}
}
