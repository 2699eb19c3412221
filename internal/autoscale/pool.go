// Package autoscale implements AutoscaledPool (spec §4.6): a bounded,
// self-tuning worker pool that grows and shrinks concurrency in response
// to SystemStatus. Grounded on the teacher's Scheduler (its ticker-driven
// idleMonitor and atomic worker bookkeeping,
// internal/engine/scheduler.go), but dispatch runs through
// github.com/sourcegraph/conc's WaitGroup instead of a raw sync.WaitGroup:
// a panicking task is recovered so the other tasks keep running, and the
// panic is re-raised from Run when it waits for in-flight tasks.
package autoscale

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/crawlcore/crawlcore/internal/snapshot"
)

// Config controls pool bounds and the scaling algorithm's step sizes.
type Config struct {
	MinConcurrency    int
	MaxConcurrency    int
	ScaleUpStepRatio  float64
	ScaleDownStepRatio float64
	TickInterval      time.Duration

	// ScaleUpWindow is how long the pool must stay continuously
	// un-overloaded before it's allowed to scale up. 0 uses a default of
	// 5 ticks worth of TickInterval.
	ScaleUpWindow time.Duration
}

func (c *Config) setDefaults() {
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 200
	}
	if c.ScaleUpStepRatio <= 0 {
		c.ScaleUpStepRatio = 0.05
	}
	if c.ScaleDownStepRatio <= 0 {
		c.ScaleDownStepRatio = 0.05
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.ScaleUpWindow <= 0 {
		c.ScaleUpWindow = 5 * c.TickInterval
	}
}

// Pool bounds concurrent execution of RunTask within [Min,Max],
// adjusting the target ("desired") concurrency on every tick per the
// scale-up/scale-down algorithm in spec §4.6.
type Pool struct {
	cfg    Config
	status *snapshot.SystemStatus

	// RunTaskFunction is invoked once per dispatched task.
	RunTaskFunction func(ctx context.Context) error
	// IsTaskReadyFunction reports whether a task is available to start.
	IsTaskReadyFunction func() bool
	// IsFinishedFunction overrides the default finished check when set.
	IsFinishedFunction func() bool

	desired atomic.Int64
	running atomic.Int64

	mu      sync.Mutex
	paused  bool
	aborted bool

	// unoverloadedSince marks when the pool most recently became
	// continuously un-overloaded; zero while currently overloaded. Scale-up
	// only fires once this streak has held for at least ScaleUpWindow,
	// per spec §4.6's "consistently un-overloaded" gate.
	unoverloadedSince time.Time
}

// New constructs an AutoscaledPool gated by status.
func New(cfg Config, status *snapshot.SystemStatus) *Pool {
	cfg.setDefaults()
	p := &Pool{cfg: cfg, status: status}
	p.desired.Store(int64(cfg.MinConcurrency))
	return p
}

// Run drives the pool until IsFinishedFunction (or the default
// RequestList/RequestQueue-backed check the caller wires in) is true and
// no tasks remain running, or ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	wg := conc.NewWaitGroup()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}

		p.mu.Lock()
		paused := p.paused
		aborted := p.aborted
		p.mu.Unlock()
		if aborted {
			return nil
		}

		p.tickScale()

		if !paused {
			p.dispatch(ctx, wg)
		}

		if p.IsFinishedFunction != nil && p.IsFinishedFunction() && p.running.Load() == 0 {
			wg.Wait()
			return nil
		}
	}
}

func (p *Pool) tickScale() {
	desired := p.desired.Load()
	running := p.running.Load()

	overloaded := p.status.IsCurrentlyOverloaded()
	now := time.Now()
	if overloaded {
		p.unoverloadedSince = time.Time{}
	} else if p.unoverloadedSince.IsZero() {
		p.unoverloadedSince = now
	}

	// Scale up once the pool is saturated (every desired slot is running)
	// and has held a consistently un-overloaded streak for ScaleUpWindow.
	if running >= desired && desired < int64(p.cfg.MaxConcurrency) && !overloaded &&
		!p.unoverloadedSince.IsZero() && now.Sub(p.unoverloadedSince) >= p.cfg.ScaleUpWindow {
		step := scaleStep(desired, p.cfg.ScaleUpStepRatio)
		desired += step
		if desired > int64(p.cfg.MaxConcurrency) {
			desired = int64(p.cfg.MaxConcurrency)
		}
		p.desired.Store(desired)
	}

	if p.status.IsHistoricallyOverloaded() && desired > int64(p.cfg.MinConcurrency) {
		step := scaleStep(desired, p.cfg.ScaleDownStepRatio)
		desired -= step
		if desired < int64(p.cfg.MinConcurrency) {
			desired = int64(p.cfg.MinConcurrency)
		}
		p.desired.Store(desired)
	}
}

func scaleStep(desired int64, ratio float64) int64 {
	step := int64(math.Ceil(float64(desired) * ratio))
	if step < 1 {
		step = 1
	}
	return step
}

func (p *Pool) dispatch(ctx context.Context, wg *conc.WaitGroup) {
	for p.running.Load() < p.desired.Load() {
		if p.IsTaskReadyFunction != nil && !p.IsTaskReadyFunction() {
			return
		}
		p.running.Add(1)
		wg.Go(func() {
			defer p.running.Add(-1)
			if p.RunTaskFunction != nil {
				_ = p.RunTaskFunction(ctx)
			}
		})
	}
}

// Pause stops dispatching new tasks and waits up to timeout for in-flight
// tasks to drain. It returns ErrDidNotFinish if they don't.
func (p *Pool) Pause(timeout time.Duration) error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.running.Load() == 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.running.Load() == 0 {
		return nil
	}
	return ErrDidNotFinish
}

// Resume re-enables dispatch after Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Abort ceases dispatch immediately without draining in-flight tasks.
func (p *Pool) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
}

// Running reports the current number of in-flight tasks.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Desired reports the pool's current target concurrency.
func (p *Pool) Desired() int { return int(p.desired.Load()) }

// ErrDidNotFinish is returned by Pause when in-flight tasks do not drain
// within the requested timeout.
var ErrDidNotFinish = didNotFinishError{}

type didNotFinishError struct{}

func (didNotFinishError) Error() string { return "autoscaled pool did not finish within timeout" }
