package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

const DefaultSampleInterval = 2 * time.Second

// Usage is the aggregated resource usage of one project's process tree.
type Usage struct {
	CPU    float64
	Memory uint64
}

// StatsTarget supplies the roots to sample and receives the results.
type StatsTarget interface {
	// RunningPIDs maps project id to the pid at the root of its tree.
	RunningPIDs() map[string]int
	ApplyStats(map[string]Usage)
}

// procSample is one row of the process table. The table lists thread-group
// leaders only, and a leader's CPU already includes all of its threads.
type procSample struct {
	CPU    float64
	Memory uint64
}

// Sampler periodically walks each project's descendant tree.
type Sampler struct {
	interval time.Duration
	logger   *slog.Logger
	cores    int

	mu    sync.Mutex
	procs map[int32]*process.Process // cached so Percent(0) measures since the last tick

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSampler(interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		interval: interval,
		logger:   logger,
		cores:    logicalCores(),
		procs:    make(map[int32]*process.Process),
		stopCh:   make(chan struct{}),
	}
}

func logicalCores() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Start samples target every interval until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context, target StatsTarget) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce(ctx, target)
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce takes one sample of every running project and hands the result
// to target. Projects with no running pid are skipped.
func (s *Sampler) SampleOnce(ctx context.Context, target StatsTarget) {
	roots := target.RunningPIDs()
	if len(roots) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := process.ProcessesWithContext(ctx)
	if err != nil {
		s.logger.Debug("process table unavailable", "error", err)
		return
	}
	children := make(map[int32][]int32, len(table))
	alive := make(map[int32]*process.Process, len(table))
	for _, p := range table {
		cached, ok := s.procs[p.Pid]
		if !ok {
			cached = p
		}
		alive[p.Pid] = cached
		ppid, err := cached.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p.Pid)
	}
	// forget exited pids so a reused pid starts a fresh CPU window
	s.procs = alive

	samples := make(map[int32]procSample)
	out := make(map[string]Usage, len(roots))
	for project, pid := range roots {
		if pid <= 0 {
			continue
		}
		tree := descendants(int32(pid), children)
		for _, member := range tree {
			if _, done := samples[member]; done {
				continue
			}
			p, ok := alive[member]
			if !ok {
				continue
			}
			samples[member] = s.sample(ctx, p)
		}
		u := aggregate(tree, samples, s.cores)
		out[project] = u
		SetUsage(project, u.CPU, u.Memory)
	}
	target.ApplyStats(out)
}

func (s *Sampler) sample(ctx context.Context, p *process.Process) procSample {
	var ps procSample
	if pct, err := p.PercentWithContext(ctx, 0); err == nil {
		ps.CPU = pct
	}
	ps.Memory = memoryOf(ctx, p)
	return ps
}

// descendants returns root followed by every transitive child, breadth first.
func descendants(root int32, children map[int32][]int32) []int32 {
	seen := map[int32]bool{root: true}
	out := []int32{root}
	for i := 0; i < len(out); i++ {
		for _, c := range children[out[i]] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// aggregate sums the samples of tree. CPU is normalised to 0-100 over cores.
func aggregate(tree []int32, samples map[int32]procSample, cores int) Usage {
	var u Usage
	for _, pid := range tree {
		ps, ok := samples[pid]
		if !ok {
			continue
		}
		u.CPU += ps.CPU
		u.Memory += ps.Memory
	}
	if cores > 0 {
		u.CPU /= float64(cores)
	}
	return u
}
