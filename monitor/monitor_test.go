package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/databox/fault"
)

// scriptedInspector plays back a fixed sequence of observations. After the
// script is exhausted (or Kill is called) the child reports dead.
type scriptedInspector struct {
	mu     sync.Mutex
	rss    []uint64
	cpu    []float64
	idx    int
	killed bool

	aliveErr error
	rssErr   error
}

func (s *scriptedInspector) Alive() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aliveErr != nil {
		return false, s.aliveErr
	}
	return !s.killed && s.idx < len(s.rss), nil
}

func (s *scriptedInspector) RSS() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rssErr != nil {
		s.killed = true // the read failed because the child exited
		return 0, s.rssErr
	}
	v := s.rss[s.idx]
	s.idx++
	return v, nil
}

func (s *scriptedInspector) CPUPercent() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < len(s.cpu) {
		return s.cpu[s.idx], nil
	}
	return 0, nil
}

func (s *scriptedInspector) CPUSeconds() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 0.25 * float64(s.idx), nil
}

func (s *scriptedInspector) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
	return nil
}

func (s *scriptedInspector) wasKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func newTestMonitor(t *testing.T, insp Inspector) *Monitor {
	t.Helper()
	return New(zaptest.NewLogger(t), 5*time.Millisecond,
		WithInspectorFactory(func(int32) (Inspector, error) { return insp, nil }))
}

func awaitVerdict(t *testing.T, verdicts <-chan Verdict) Verdict {
	t.Helper()
	select {
	case v := <-verdicts:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not resolve a verdict")
		return Verdict{}
	}
}

func TestWatchCleanExit(t *testing.T) {
	insp := &scriptedInspector{rss: []uint64{100, 200, 150}}
	m := newTestMonitor(t, insp)

	samples, verdicts := m.Watch(context.Background(), 4242, Limits{Timeout: time.Minute, MemoryBytes: 1 << 30})
	v := awaitVerdict(t, verdicts)

	require.NoError(t, v.Err)
	assert.False(t, insp.wasKilled())
	assert.Equal(t, uint64(200), v.Usage.PeakRSSBytes)
	assert.Greater(t, v.Usage.Wall, time.Duration(0))
	assert.Greater(t, v.Usage.CPUSeconds, 0.0)

	var n int
	for range samples {
		n++
	}
	assert.Equal(t, 3, n)
}

func TestWatchKillsOnMemoryBreach(t *testing.T) {
	insp := &scriptedInspector{rss: []uint64{100, 900, 950, 960}}
	m := newTestMonitor(t, insp)

	_, verdicts := m.Watch(context.Background(), 4242, Limits{Timeout: time.Minute, MemoryBytes: 500})
	v := awaitVerdict(t, verdicts)

	require.Error(t, v.Err)
	assert.Equal(t, fault.OutOfMemory, fault.KindOf(v.Err))
	assert.True(t, insp.wasKilled())
	assert.Equal(t, uint64(900), v.Usage.PeakRSSBytes)
}

func TestWatchKillsOnTimeout(t *testing.T) {
	insp := &scriptedInspector{rss: make([]uint64, 1000)}
	for i := range insp.rss {
		insp.rss[i] = 100
	}
	m := newTestMonitor(t, insp)

	_, verdicts := m.Watch(context.Background(), 4242, Limits{Timeout: 20 * time.Millisecond, MemoryBytes: 1 << 30})
	v := awaitVerdict(t, verdicts)

	require.Error(t, v.Err)
	assert.Equal(t, fault.Timeout, fault.KindOf(v.Err))
	assert.True(t, insp.wasKilled())
	assert.GreaterOrEqual(t, v.Usage.Wall, 20*time.Millisecond)
}

func TestWatchKillsOnCancel(t *testing.T) {
	insp := &scriptedInspector{rss: make([]uint64, 1000)}
	for i := range insp.rss {
		insp.rss[i] = 100
	}
	m := newTestMonitor(t, insp)

	ctx, cancel := context.WithCancel(context.Background())
	_, verdicts := m.Watch(ctx, 4242, Limits{Timeout: time.Minute, MemoryBytes: 1 << 30})

	time.Sleep(15 * time.Millisecond)
	cancel()
	v := awaitVerdict(t, verdicts)

	require.Error(t, v.Err)
	assert.Equal(t, fault.Cancelled, fault.KindOf(v.Err))
	assert.True(t, insp.wasKilled())
}

func TestWatchProcessNotObservable(t *testing.T) {
	m := New(zaptest.NewLogger(t), 5*time.Millisecond,
		WithInspectorFactory(func(int32) (Inspector, error) {
			return nil, errors.New("no such process")
		}))

	_, verdicts := m.Watch(context.Background(), 99999, Limits{})
	v := awaitVerdict(t, verdicts)

	require.Error(t, v.Err)
	assert.Equal(t, fault.ProcessLost, fault.KindOf(v.Err))
}

func TestWatchExitBetweenChecks(t *testing.T) {
	// Alive succeeds once, then the memory read fails and the recheck
	// reports dead: a normal exit, not a lost process.
	insp := &scriptedInspector{rss: []uint64{100}}
	insp.rssErr = errors.New("process has exited")
	m := newTestMonitor(t, insp)

	_, verdicts := m.Watch(context.Background(), 4242, Limits{Timeout: time.Minute})
	v := awaitVerdict(t, verdicts)

	assert.NoError(t, v.Err)
}
