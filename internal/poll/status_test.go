package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loamlab/loam/internal/client"
)

type statusPullerFunc func(ctx context.Context) (client.JobStatus, error)

func (f statusPullerFunc) PullStatus(ctx context.Context) (client.JobStatus, error) {
	return f(ctx)
}

const testWait = 2 * time.Second

func waitTickers(t *testing.T, clock *ManualClock, n int) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for clock.Tickers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d live tickers, have %d", n, clock.Tickers())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitTicksConsumed(t *testing.T, clock *ManualClock) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for clock.PendingTicks() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for ticks to be consumed")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func recvStatus(t *testing.T, ch <-chan client.JobStatus) client.JobStatus {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a status update")
		return client.JobStatus{}
	}
}

func recvSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestStatusPoller_PullsImmediatelyOnStart(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	updates := make(chan client.JobStatus, 16)
	var calls atomic.Int64

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			calls.Add(1)
			return client.JobStatus{IsRunning: true, TotalFiles: 7}, nil
		}),
		Clock:    clock,
		OnUpdate: func(s client.JobStatus) { updates <- s },
	})
	p.Start(context.Background())
	defer p.Stop()

	got := recvStatus(t, updates)
	if !got.IsRunning || got.TotalFiles != 7 {
		t.Fatalf("unexpected first snapshot: %+v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 before any tick", calls.Load())
	}
	if snap := p.Snapshot(); snap.TotalFiles != 7 {
		t.Fatalf("Snapshot().TotalFiles = %d, want 7", snap.TotalFiles)
	}
}

func TestStatusPoller_PullsOnCadenceWhileIdle(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	updates := make(chan client.JobStatus, 16)
	var calls atomic.Int64

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			n := calls.Add(1)
			return client.JobStatus{IsRunning: false, ProcessedFiles: int(n)}, nil
		}),
		Interval: time.Second,
		Clock:    clock,
		OnUpdate: func(s client.JobStatus) { updates <- s },
	})
	p.Start(context.Background())
	defer p.Stop()

	recvStatus(t, updates)
	waitTickers(t, clock, 1)

	for i := 2; i <= 4; i++ {
		clock.Advance(time.Second)
		got := recvStatus(t, updates)
		if got.ProcessedFiles != i {
			t.Fatalf("update %d reported pull %d", i, got.ProcessedFiles)
		}
	}
	if calls.Load() != 4 {
		t.Fatalf("calls = %d, want 4", calls.Load())
	}
}

func TestStatusPoller_LastWriteWins(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	updates := make(chan client.JobStatus, 16)
	var calls atomic.Int64

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			n := calls.Add(1)
			return client.JobStatus{
				ProgressPercent: float64(n) * 10,
				Log:             []string{"pull", "log"},
			}, nil
		}),
		Interval: time.Second,
		Clock:    clock,
		OnUpdate: func(s client.JobStatus) { updates <- s },
	})
	p.Start(context.Background())
	defer p.Stop()

	recvStatus(t, updates)
	waitTickers(t, clock, 1)
	clock.Advance(time.Second)
	recvStatus(t, updates)

	snap := p.Snapshot()
	if snap.ProgressPercent != 20 {
		t.Fatalf("ProgressPercent = %v, want 20 (latest pull)", snap.ProgressPercent)
	}

	// Mutating a returned snapshot must not leak into the poller.
	snap.Log[0] = "mutated"
	if fresh := p.Snapshot(); fresh.Log[0] != "pull" {
		t.Fatalf("snapshot shares log storage with callers")
	}
}

func TestStatusPoller_FailedPullKeepsSnapshotAndCadence(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	updates := make(chan client.JobStatus, 16)
	failed := make(chan struct{}, 16)
	var fail atomic.Bool
	var calls atomic.Int64

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			calls.Add(1)
			if fail.Load() {
				failed <- struct{}{}
				return client.JobStatus{}, errors.New("connection refused")
			}
			return client.JobStatus{TotalFiles: 3}, nil
		}),
		Interval: time.Second,
		Clock:    clock,
		OnUpdate: func(s client.JobStatus) { updates <- s },
	})
	p.Start(context.Background())
	defer p.Stop()

	recvStatus(t, updates)
	waitTickers(t, clock, 1)

	fail.Store(true)
	clock.Advance(time.Second)
	recvSignal(t, failed, "the failing pull")

	if snap := p.Snapshot(); snap.TotalFiles != 3 {
		t.Fatalf("failed pull changed snapshot: %+v", snap)
	}
	if !p.Running() {
		t.Fatal("poller stopped itself after a failed pull")
	}

	// The cadence is unchanged: the very next tick pulls again.
	fail.Store(false)
	clock.Advance(time.Second)
	recvStatus(t, updates)
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestStatusPoller_CoalesceSkipsTicksWhileInFlight(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	updates := make(chan client.JobStatus, 16)
	entered := make(chan struct{}, 16)
	gate := make(chan struct{})
	var calls atomic.Int64

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			n := calls.Add(1)
			entered <- struct{}{}
			<-gate
			return client.JobStatus{ProcessedFiles: int(n)}, nil
		}),
		Interval: time.Second,
		Coalesce: true,
		Clock:    clock,
		OnUpdate: func(s client.JobStatus) { updates <- s },
	})
	p.Start(context.Background())
	defer p.Stop()

	recvSignal(t, entered, "the first pull")
	waitTickers(t, clock, 1)

	// Three ticks arrive while the first pull is stuck; all are skipped.
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		waitTicksConsumed(t, clock)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d during in-flight pull, want 1", calls.Load())
	}

	close(gate)
	recvStatus(t, updates)

	// With the pull finished, the next tick polls again.
	clock.Advance(time.Second)
	recvSignal(t, entered, "the post-coalesce pull")
	got := recvStatus(t, updates)
	if got.ProcessedFiles != 2 {
		t.Fatalf("second applied pull = %d, want 2", got.ProcessedFiles)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestStatusPoller_StopThenTickDoesNotPull(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	updates := make(chan client.JobStatus, 16)
	var calls atomic.Int64

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			calls.Add(1)
			return client.JobStatus{}, nil
		}),
		Interval: time.Second,
		Clock:    clock,
		OnUpdate: func(s client.JobStatus) { updates <- s },
	})
	p.Start(context.Background())
	recvStatus(t, updates)
	waitTickers(t, clock, 1)

	p.Stop()
	if p.Running() {
		t.Fatal("Running() = true after Stop")
	}

	before := calls.Load()
	clock.Advance(10 * time.Second)
	if calls.Load() != before {
		t.Fatalf("pulls continued after Stop: %d -> %d", before, calls.Load())
	}

	// Stop is idempotent.
	p.Stop()
}

func TestStatusPoller_StopDropsInFlightResponse(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			entered <- struct{}{}
			<-gate
			return client.JobStatus{TotalFiles: 99}, nil
		}),
		Clock: clock,
	})
	p.Start(context.Background())
	recvSignal(t, entered, "the first pull")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Stop()
	}()
	close(gate)
	wg.Wait()

	if snap := p.Snapshot(); snap.TotalFiles != 0 {
		t.Fatalf("response arriving during Stop was applied: %+v", snap)
	}
}

func TestStatusPoller_StartWhileRunningIsNoOp(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	updates := make(chan client.JobStatus, 16)
	var calls atomic.Int64

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			calls.Add(1)
			return client.JobStatus{}, nil
		}),
		Interval: time.Second,
		Clock:    clock,
		OnUpdate: func(s client.JobStatus) { updates <- s },
	})
	p.Start(context.Background())
	recvStatus(t, updates)

	p.Start(context.Background())
	waitTickers(t, clock, 1)
	p.Stop()

	// A second activation would have left a live loop behind.
	clock.Advance(5 * time.Second)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d after stop, want 1", calls.Load())
	}
}

func TestStatusPoller_RestartAfterStop(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	updates := make(chan client.JobStatus, 16)
	var calls atomic.Int64

	p := NewStatus(StatusConfig{
		Puller: statusPullerFunc(func(ctx context.Context) (client.JobStatus, error) {
			n := calls.Add(1)
			return client.JobStatus{ProcessedFiles: int(n)}, nil
		}),
		Interval: time.Second,
		Clock:    clock,
		OnUpdate: func(s client.JobStatus) { updates <- s },
	})

	p.Start(context.Background())
	recvStatus(t, updates)
	p.Stop()

	p.Start(context.Background())
	got := recvStatus(t, updates)
	if got.ProcessedFiles != 2 {
		t.Fatalf("restart pull = %d, want 2", got.ProcessedFiles)
	}
	p.Stop()
}
