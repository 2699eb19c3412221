package autoscale

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlcore/crawlcore/internal/snapshot"
)

func newIdleStatus() *snapshot.SystemStatus {
	snap := snapshot.New()
	return snapshot.NewSystemStatus(snap)
}

func TestPoolRunsTasksUpToDesiredConcurrency(t *testing.T) {
	pool := New(Config{MinConcurrency: 2, MaxConcurrency: 4, TickInterval: 20 * time.Millisecond}, newIdleStatus())

	var completed atomic.Int64
	release := make(chan struct{})
	var started atomic.Int64

	pool.IsTaskReadyFunction = func() bool { return completed.Load() < 2 }
	pool.RunTaskFunction = func(ctx context.Context) error {
		started.Add(1)
		<-release
		completed.Add(1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for started.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for tasks to start")
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(release)
	cancel()
	<-done
}

func TestPoolScalesUpWhenSaturatedAndNotOverloaded(t *testing.T) {
	pool := New(Config{
		MinConcurrency: 1,
		MaxConcurrency: 4,
		TickInterval:   10 * time.Millisecond,
		ScaleUpWindow:  30 * time.Millisecond,
	}, newIdleStatus())

	release := make(chan struct{})
	var started atomic.Int64
	pool.IsTaskReadyFunction = func() bool { return true }
	pool.RunTaskFunction = func(ctx context.Context) error {
		started.Add(1)
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for pool.Desired() < 4 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the pool to scale up past MinConcurrency, stuck at desired=%d running=%d", pool.Desired(), pool.Running())
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(release)
	cancel()
	<-done
	if started.Load() < 4 {
		t.Errorf("expected at least 4 tasks to have started as the pool scaled up, got %d", started.Load())
	}
}

func TestScaleStepIsAtLeastOne(t *testing.T) {
	if step := scaleStep(1, 0.01); step != 1 {
		t.Errorf("expected a minimum step of 1, got %d", step)
	}
	if step := scaleStep(100, 0.05); step != 5 {
		t.Errorf("expected ceil(100*0.05)=5, got %d", step)
	}
}

func TestPoolPauseWaitsForDrain(t *testing.T) {
	pool := New(Config{MinConcurrency: 1, MaxConcurrency: 1, TickInterval: 10 * time.Millisecond}, newIdleStatus())

	release := make(chan struct{})
	var ready atomic.Bool
	pool.IsTaskReadyFunction = func() bool { return !ready.Load() }
	pool.RunTaskFunction = func(ctx context.Context) error {
		ready.Store(true)
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	deadline := time.After(time.Second)
	for pool.Running() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the task to start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	pauseErr := make(chan error, 1)
	go func() { pauseErr <- pool.Pause(50 * time.Millisecond) }()

	select {
	case err := <-pauseErr:
		if err != ErrDidNotFinish {
			t.Errorf("expected ErrDidNotFinish while the task is still running, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pause did not return within its timeout")
	}

	close(release)
}
