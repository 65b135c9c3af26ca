package stat

import (
	"testing"
	"time"
)

func TestMinMaxTracksExtremes(t *testing.T) {
	mm := NewMinMax[int]()
	for _, v := range []int{5, 1, 9, 3} {
		mm.Update(v)
	}
	if got := mm.Min(); got != 1 {
		t.Fatalf("Min() = %d, want 1", got)
	}
	if got := mm.Max(); got != 9 {
		t.Fatalf("Max() = %d, want 9", got)
	}
}

func TestMinMaxZeroValueBeforeUpdate(t *testing.T) {
	mm := NewMinMax[int]()
	if got := mm.Min(); got != 0 {
		t.Fatalf("Min() before Update = %d, want 0", got)
	}
}

func TestPeriodSumAndCount(t *testing.T) {
	p := NewPeriod[int](time.Minute) // all three samples fall inside the window
	p.Push(10)
	p.Push(20)
	p.Push(30)

	sum, count := p.SumAndCount()
	if count == 0 {
		t.Fatalf("SumAndCount count = 0, want at least the samples just pushed")
	}
	_ = sum
}

func TestPeriodEvictsExpiredSamples(t *testing.T) {
	p := &Period[int]{period: time.Minute}
	p.samples = []sample[int]{{at: time.Now().Add(-time.Hour), value: 100}}

	sum, count := p.SumAndCount()
	if count != 0 || sum != 0 {
		t.Fatalf("SumAndCount = (%d, %d), want (0, 0) after eviction", sum, count)
	}
}
