package housekeep

import (
	"testing"
	"time"
)

type fakeShared struct{ size int }

func (f *fakeShared) CacheSize() int { return f.size }

type fakeReaper struct{ reaped int }

func (f *fakeReaper) ReapIdle(time.Duration) int { return f.reaped }

func TestCycleSamplesCacheSize(t *testing.T) {
	shared := &fakeShared{size: 7}
	reaper := &fakeReaper{reaped: 2}
	l := New(shared, reaper, time.Hour, time.Minute)

	l.cycle()
}

func TestStartStopDoesNotPanic(t *testing.T) {
	shared := &fakeShared{size: 0}
	l := New(shared, nil, time.Millisecond, time.Minute)
	l.Start()
	time.Sleep(5 * time.Millisecond)
	l.Stop()
	l.Stop() // idempotent
}
