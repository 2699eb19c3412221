// Package snapshot implements Snapshotter and SystemStatus (spec §4.4,
// §4.5): rolling time-series of resource pressure that gate the
// autoscaler. There is no library in this codebase's dependency set
// purpose-built for cgroup/CPU sampling, so this reads /proc and
// runtime.ReadMemStats directly — the same tier of plumbing the teacher
// reaches for with os/exec and log/slog elsewhere, rather than a
// hand-rolled substitute for something a library already solves well
// (see DESIGN.md).
package snapshot

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sample is one observation in a rolling series.
type Sample struct {
	CreatedAt    time.Time
	IsOverloaded bool

	UsedRatio           float64 // cpu
	UsedBytes           uint64  // memory
	ExceededMillis      float64 // event-loop / runtime latency
	RateLimitErrorCount int     // client
}

// Thresholds configures the isOverloaded computation at sample time.
type Thresholds struct {
	MaxUsedCPURatio    float64
	MaxUsedMemoryRatio float64
	MaxBlockedMillis    float64
	MaxClientErrors    int
}

func defaultThresholds() Thresholds {
	return Thresholds{
		MaxUsedCPURatio:    0.95,
		MaxUsedMemoryRatio: 0.90,
		MaxBlockedMillis:   50,
		MaxClientErrors:    3,
	}
}

// Intervals controls how often each series samples.
type Intervals struct {
	CPU     time.Duration
	Memory  time.Duration
	Latency time.Duration
	Client  time.Duration
}

func defaultIntervals() Intervals {
	return Intervals{
		CPU:     time.Second,
		Memory:  time.Second,
		Latency: 500 * time.Millisecond,
		Client:  time.Second,
	}
}

// series is a time-bounded append-only ring of samples.
type series struct {
	mu       sync.Mutex
	samples  []Sample
	retention time.Duration
}

func newSeries(retention time.Duration) *series {
	return &series{retention: retention}
}

func (s *series) add(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	cutoff := sample.CreatedAt.Add(-s.retention)
	i := 0
	for i < len(s.samples) && s.samples[i].CreatedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = s.samples[i:]
	}
}

func (s *series) within(window time.Duration) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	out := make([]Sample, 0, len(s.samples))
	for _, sample := range s.samples {
		if sample.CreatedAt.After(cutoff) {
			out = append(out, sample)
		}
	}
	return out
}

// Snapshotter samples four resource dimensions on independent tickers and
// exposes them through SystemStatus.
type Snapshotter struct {
	cpu     *series
	memory  *series
	latency *series
	client  *series

	thresholds Thresholds
	intervals  Intervals

	clientErrors atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option customizes Snapshotter construction.
type Option func(*Snapshotter)

// WithThresholds overrides the overload thresholds.
func WithThresholds(t Thresholds) Option { return func(s *Snapshotter) { s.thresholds = t } }

// WithIntervals overrides the sampling intervals.
func WithIntervals(i Intervals) Option { return func(s *Snapshotter) { s.intervals = i } }

// New constructs a Snapshotter with a 30s retention window on every series.
func New(opts ...Option) *Snapshotter {
	const retention = 30 * time.Second
	s := &Snapshotter{
		cpu:        newSeries(retention),
		memory:     newSeries(retention),
		latency:    newSeries(retention),
		client:     newSeries(retention),
		thresholds: defaultThresholds(),
		intervals:  defaultIntervals(),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the independent sampling loops. Call Stop to end them.
func (s *Snapshotter) Start() {
	s.startLoop(s.intervals.CPU, s.sampleCPU)
	s.startLoop(s.intervals.Memory, s.sampleMemory)
	s.startLoop(s.intervals.Latency, s.sampleLatency)
	s.startLoop(s.intervals.Client, s.sampleClient)
}

func (s *Snapshotter) startLoop(interval time.Duration, sample func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
}

// Stop halts all sampling loops and waits for them to exit.
func (s *Snapshotter) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Snapshotter) sampleCPU() {
	ratio := cpuUsedRatio()
	s.cpu.add(Sample{
		CreatedAt:    time.Now(),
		UsedRatio:    ratio,
		IsOverloaded: ratio > s.thresholds.MaxUsedCPURatio,
	})
}

func (s *Snapshotter) sampleMemory() {
	used, total := memoryUsage()
	ratio := 0.0
	if total > 0 {
		ratio = float64(used) / float64(total)
	}
	s.memory.add(Sample{
		CreatedAt:    time.Now(),
		UsedBytes:    used,
		IsOverloaded: ratio > s.thresholds.MaxUsedMemoryRatio,
	})
}

// RecordEventLoopLatency lets the crawler report how far a tick ran past
// its scheduled time, standing in for the runtime event-loop lag a
// single-threaded host would report natively.
func (s *Snapshotter) RecordEventLoopLatency(exceededMillis float64) {
	s.latency.add(Sample{
		CreatedAt:      time.Now(),
		ExceededMillis: exceededMillis,
		IsOverloaded:   exceededMillis > s.thresholds.MaxBlockedMillis,
	})
}

func (s *Snapshotter) sampleLatency() {
	start := time.Now()
	runtime.Gosched()
	lag := time.Since(start).Seconds() * 1000
	s.RecordEventLoopLatency(lag)
}

// RecordClientError increments the rolling client-error counter that
// sampleClient reads on its own tick.
func (s *Snapshotter) RecordClientError() {
	s.clientErrors.Add(1)
}

func (s *Snapshotter) sampleClient() {
	count := int(s.clientErrors.Swap(0))
	s.client.add(Sample{
		CreatedAt:            time.Now(),
		RateLimitErrorCount:  count,
		IsOverloaded:         count > s.thresholds.MaxClientErrors,
	})
}

// cpuUsedRatio reads /proc/stat twice, 50ms apart, to estimate recent CPU
// utilization. Falls back to 0 (not overloaded) on platforms without it.
func cpuUsedRatio() float64 {
	first, ok := readProcStatTotals()
	if !ok {
		return 0
	}
	time.Sleep(50 * time.Millisecond)
	second, ok := readProcStatTotals()
	if !ok {
		return 0
	}

	idleDelta := second.idle - first.idle
	totalDelta := second.total - first.total
	if totalDelta <= 0 {
		return 0
	}
	return 1 - float64(idleDelta)/float64(totalDelta)
}

type procStatTotals struct {
	idle  uint64
	total uint64
}

func readProcStatTotals() (procStatTotals, bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return procStatTotals{}, false
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return procStatTotals{}, false
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 5 || fields[0] != "cpu" {
		return procStatTotals{}, false
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	return procStatTotals{idle: idle, total: total}, true
}

// memoryUsage prefers a cgroup v2 limit, falls back to cgroup v1, then to
// runtime.ReadMemStats for the current process alone.
func memoryUsage() (used, total uint64) {
	if limit, ok := readCgroupV2MemoryLimit(); ok {
		if usage, ok := readUintFile("/sys/fs/cgroup/memory.current"); ok {
			return usage, limit
		}
	}
	if limit, ok := readUintFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); ok {
		if usage, ok := readUintFile("/sys/fs/cgroup/memory/memory.usage_in_bytes"); ok {
			return usage, limit
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.Sys, mem.Sys * 4 // no authoritative total available; assume headroom
}

func readCgroupV2MemoryLimit() (uint64, bool) {
	data, err := os.ReadFile("/sys/fs/cgroup/memory.max")
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

func readUintFile(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return v, err == nil
}
