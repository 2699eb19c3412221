package snapshot

import "time"

// MetricStatus reports one dimension's overload ratio over a window.
type MetricStatus struct {
	OverloadedRatio float64
	IsOverloaded    bool
}

// Status is the combined view SystemStatus.GetCurrentStatus returns.
type Status struct {
	CPU     MetricStatus
	Memory  MetricStatus
	Latency MetricStatus
	Client  MetricStatus
	Overall bool
}

// SystemStatus turns Snapshotter's raw series into the overloaded/not
// classification AutoscaledPool gates on (spec §4.5).
type SystemStatus struct {
	snap                *Snapshotter
	maxOverloadedRatio  float64
	currentWindow       time.Duration
	historicalWindow    time.Duration
}

// StatusOption customizes SystemStatus construction.
type StatusOption func(*SystemStatus)

// WithMaxOverloadedRatio overrides the 0.4 default fraction-of-samples
// threshold.
func WithMaxOverloadedRatio(ratio float64) StatusOption {
	return func(s *SystemStatus) { s.maxOverloadedRatio = ratio }
}

// WithWindows overrides the current/historical window durations.
func WithWindows(current, historical time.Duration) StatusOption {
	return func(s *SystemStatus) {
		s.currentWindow = current
		s.historicalWindow = historical
	}
}

// NewSystemStatus builds a SystemStatus reading from snap.
func NewSystemStatus(snap *Snapshotter, opts ...StatusOption) *SystemStatus {
	s := &SystemStatus{
		snap:               snap,
		maxOverloadedRatio: 0.4,
		currentWindow:      5 * time.Second,
		historicalWindow:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func overloadedRatio(samples []Sample) MetricStatus {
	if len(samples) == 0 {
		return MetricStatus{}
	}
	overloaded := 0
	for _, s := range samples {
		if s.IsOverloaded {
			overloaded++
		}
	}
	ratio := float64(overloaded) / float64(len(samples))
	return MetricStatus{OverloadedRatio: ratio}
}

func (s *SystemStatus) statusForWindow(window time.Duration) Status {
	cpu := overloadedRatio(s.snap.cpu.within(window))
	mem := overloadedRatio(s.snap.memory.within(window))
	lat := overloadedRatio(s.snap.latency.within(window))
	cli := overloadedRatio(s.snap.client.within(window))

	cpu.IsOverloaded = cpu.OverloadedRatio > s.maxOverloadedRatio
	mem.IsOverloaded = mem.OverloadedRatio > s.maxOverloadedRatio
	lat.IsOverloaded = lat.OverloadedRatio > s.maxOverloadedRatio
	cli.IsOverloaded = cli.OverloadedRatio > s.maxOverloadedRatio

	return Status{
		CPU:     cpu,
		Memory:  mem,
		Latency: lat,
		Client:  cli,
		Overall: cpu.IsOverloaded || mem.IsOverloaded || lat.IsOverloaded || cli.IsOverloaded,
	}
}

// GetCurrentStatus reports the short-window classification.
func (s *SystemStatus) GetCurrentStatus() Status {
	return s.statusForWindow(s.currentWindow)
}

// GetHistoricalStatus reports the long-window classification.
func (s *SystemStatus) GetHistoricalStatus() Status {
	return s.statusForWindow(s.historicalWindow)
}

// IsCurrentlyOverloaded gates scale-up decisions.
func (s *SystemStatus) IsCurrentlyOverloaded() bool {
	return s.GetCurrentStatus().Overall
}

// IsHistoricallyOverloaded gates scale-down decisions.
func (s *SystemStatus) IsHistoricallyOverloaded() bool {
	return s.GetHistoricalStatus().Overall
}

// HasBeenOverloaded reports whether any metric's fraction of overloaded
// samples within window exceeds its maxOverloadedRatio.
func (s *SystemStatus) HasBeenOverloaded(window time.Duration) bool {
	return s.statusForWindow(window).Overall
}
