package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/epengine/common"
)

func TestScheduleRunsInPriorityOrder(t *testing.T) {
	d := New("test", common.SystemClock{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []Priority
	done := make(chan struct{})

	record := func(p Priority, last bool) Callback {
		return func(d *Dispatcher, id TaskID) bool {
			mu.Lock()
			order = append(order, p)
			n := len(order)
			mu.Unlock()
			if last && n == 3 {
				close(done)
			}
			return false
		}
	}

	// Scheduled out of priority order; the dispatcher's heap must still
	// run them highest-priority (lowest value) first.
	d.Schedule(record(ItemPager, true), nil, ItemPager, 0, false, "low")
	d.Schedule(record(BgFetcher, false), nil, BgFetcher, 0, false, "high")
	d.Schedule(record(FlusherPriority, false), nil, FlusherPriority, 0, false, "mid")

	d.Start(ctx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all tasks to run")
	}
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Priority{BgFetcher, FlusherPriority, ItemPager}, order)
}

func TestCallbackReturningTrueIsRescheduled(t *testing.T) {
	d := New("test", common.SystemClock{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count int32
	runs := make(chan struct{}, 10)
	d.Schedule(func(d *Dispatcher, id TaskID) bool {
		count++
		runs <- struct{}{}
		return count < 3
	}, nil, FlusherPriority, 0, true, "repeat")

	d.Start(ctx)
	for i := 0; i < 3; i++ {
		select {
		case <-runs:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for run %d", i+1)
		}
	}
	d.Stop()
	require.Equal(t, int32(3), count)
}

func TestCancelPreventsFutureRuns(t *testing.T) {
	d := New("test", common.SystemClock{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 1)
	id := d.Schedule(func(d *Dispatcher, id TaskID) bool {
		ran <- struct{}{}
		return false
	}, nil, FlusherPriority, 3600, false, "far future")
	d.Cancel(id)

	d.Start(ctx)
	select {
	case <-ran:
		t.Fatal("cancelled task must not run")
	case <-time.After(200 * time.Millisecond):
	}
	d.Stop()
}

func TestInvalidatedTaskIsDroppedWithoutRunning(t *testing.T) {
	d := New("test", common.SystemClock{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := NewValidityCookie()
	v.Clear()
	ran := make(chan struct{}, 1)
	d.Schedule(func(d *Dispatcher, id TaskID) bool {
		ran <- struct{}{}
		return false
	}, v, FlusherPriority, 0, false, "invalidated")

	// A second, valid task confirms the worker is alive and draining.
	confirmed := make(chan struct{})
	d.Schedule(func(d *Dispatcher, id TaskID) bool {
		close(confirmed)
		return false
	}, nil, ItemPager, 0, false, "confirm alive")

	d.Start(ctx)
	select {
	case <-confirmed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker to drain the queue")
	}
	d.Stop()

	select {
	case <-ran:
		t.Fatal("invalidated task must not have run")
	default:
	}
}

func TestSnoozeDefersReadiness(t *testing.T) {
	d := New("test", common.SystemClock{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	ran := make(chan time.Time, 1)
	id := d.Schedule(func(d *Dispatcher, id TaskID) bool {
		return false
	}, nil, FlusherPriority, 0, true, "snoozed")
	d.Snooze(id, 1)

	d.Schedule(func(dd *Dispatcher, tid TaskID) bool {
		ran <- time.Now()
		return false
	}, nil, FlusherPriority, 0, false, "marker")

	d.Start(ctx)
	select {
	case got := <-ran:
		require.WithinDuration(t, start, got, 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("marker task should have run almost immediately despite the snoozed sibling")
	}
	d.Stop()
}
