package metrics

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescendantsBreadthFirst(t *testing.T) {
	children := map[int32][]int32{
		1: {2, 3},
		2: {4},
		3: {5, 6},
		4: {1}, // cycle must not loop
		9: {10},
	}
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, descendants(1, children))
	assert.Equal(t, []int32{7}, descendants(7, children))
}

func TestAggregate(t *testing.T) {
	samples := map[int32]procSample{
		1: {CPU: 40, Memory: 100},
		2: {CPU: 20, Memory: 50},
		3: {CPU: 20, Memory: 30},
		9: {CPU: 99, Memory: 999},
	}
	u := aggregate([]int32{1, 2, 3, 4}, samples, 4)
	assert.InDelta(t, 20.0, u.CPU, 1e-9)
	assert.Equal(t, uint64(180), u.Memory)

	u = aggregate([]int32{1}, samples, 0)
	assert.InDelta(t, 40.0, u.CPU, 1e-9)
}

type fakeTarget struct {
	mu    sync.Mutex
	pids  map[string]int
	stats []map[string]Usage
}

func (f *fakeTarget) RunningPIDs() map[string]int { return f.pids }

func (f *fakeTarget) ApplyStats(m map[string]Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, m)
}

func (f *fakeTarget) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stats)
}

func TestSampleOnceMeasuresSelf(t *testing.T) {
	target := &fakeTarget{pids: map[string]int{"self": os.Getpid()}}
	s := NewSampler(0, nil)
	assert.Equal(t, DefaultSampleInterval, s.interval)
	s.SampleOnce(context.Background(), target)
	require.Equal(t, 1, target.calls())
	u, ok := target.stats[0]["self"]
	require.True(t, ok)
	assert.Greater(t, u.Memory, uint64(0))
	assert.GreaterOrEqual(t, u.CPU, 0.0)
}

func TestSampleOnceNoRoots(t *testing.T) {
	target := &fakeTarget{pids: map[string]int{}}
	NewSampler(time.Second, nil).SampleOnce(context.Background(), target)
	assert.Equal(t, 0, target.calls())
}

func TestSamplerStartStop(t *testing.T) {
	target := &fakeTarget{pids: map[string]int{"self": os.Getpid()}}
	s := NewSampler(20*time.Millisecond, nil)
	s.Start(context.Background(), target)
	assert.Eventually(t, func() bool { return target.calls() >= 2 }, 5*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
	n := target.calls()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, target.calls())
}
