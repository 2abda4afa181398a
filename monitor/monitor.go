// Package monitor enforces resource ceilings on live sandbox children.
//
// The monitor inspects the child from outside via the OS (process table,
// resident set size, CPU counters) rather than trusting anything the child
// reports about itself. It is the only construct in the hot path allowed
// to sleep, and never for longer than one sampling interval, so timeout
// and cancellation enforcement stay responsive.
package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/isdmx/databox/fault"
)

// Sample is one periodic observation of a live execution attempt.
type Sample struct {
	CPUPercent float64
	RSSBytes   uint64
	Elapsed    time.Duration
}

// Usage summarizes the resource consumption of one attempt.
type Usage struct {
	PeakRSSBytes uint64
	CPUSeconds   float64
	Wall         time.Duration
}

// Verdict is the terminal outcome the monitor reports for an attempt.
type Verdict struct {
	// Err is nil when the child exited on its own; otherwise it carries a
	// fault kind of Timeout, OutOfMemory or ProcessLost.
	Err   error
	Usage Usage
}

// Limits bound one execution attempt.
type Limits struct {
	Timeout     time.Duration
	MemoryBytes uint64
}

// Inspector abstracts the OS process inspection so tests can substitute a
// scripted child.
type Inspector interface {
	Alive() (bool, error)
	RSS() (uint64, error)
	CPUPercent() (float64, error)
	CPUSeconds() (float64, error)
	Kill() error
}

type osInspector struct {
	proc *process.Process
}

func newOSInspector(pid int32) (Inspector, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return &osInspector{proc: p}, nil
}

func (o *osInspector) Alive() (bool, error) { return o.proc.IsRunning() }

func (o *osInspector) RSS() (uint64, error) {
	mi, err := o.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

func (o *osInspector) CPUPercent() (float64, error) {
	return o.proc.Percent(0)
}

func (o *osInspector) CPUSeconds() (float64, error) {
	ct, err := o.proc.Times()
	if err != nil {
		return 0, err
	}
	return ct.User + ct.System, nil
}

func (o *osInspector) Kill() error {
	children, err := o.proc.Children()
	if err == nil {
		for _, c := range children {
			_ = c.Kill()
		}
	}
	return o.proc.Kill()
}

// Monitor watches one child process per Watch call.
type Monitor struct {
	logger       *zap.Logger
	interval     time.Duration
	newInspector func(pid int32) (Inspector, error)
}

// Option defines a functional option for Monitor.
type Option func(*Monitor)

// WithInspectorFactory sets the Inspector source, letting tests script
// the observed child instead of inspecting a real process.
func WithInspectorFactory(f func(pid int32) (Inspector, error)) Option {
	return func(m *Monitor) { m.newInspector = f }
}

// New creates a monitor sampling at the given interval.
func New(logger *zap.Logger, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		logger:       logger,
		interval:     interval,
		newInspector: newOSInspector,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch samples the process until it exits, breaches a limit, vanishes, or
// ctx is cancelled. Samples are delivered on the returned channel until the
// verdict resolves; the channel is closed when watching ends and the final
// verdict arrives on the second channel. A limit breach or cancellation
// kills the child before the verdict is reported.
func (m *Monitor) Watch(ctx context.Context, pid int, limits Limits) (<-chan Sample, <-chan Verdict) {
	samples := make(chan Sample, 16)
	verdict := make(chan Verdict, 1)

	go func() {
		defer close(samples)
		verdict <- m.watch(ctx, pid, limits, samples)
	}()

	return samples, verdict
}

func (m *Monitor) watch(ctx context.Context, pid int, limits Limits, samples chan<- Sample) Verdict {
	start := time.Now()
	usage := Usage{}

	insp, err := m.newInspector(int32(pid))
	if err != nil {
		// Child ended before the first observation.
		usage.Wall = time.Since(start)
		return Verdict{Err: fault.New(fault.ProcessLost, "process %d not observable: %v", pid, err), Usage: usage}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.kill(insp, pid, "cancelled")
			usage.Wall = time.Since(start)
			return Verdict{Err: fault.New(fault.Cancelled, "execution cancelled"), Usage: usage}
		case <-ticker.C:
		}

		alive, err := insp.Alive()
		if err != nil || !alive {
			usage.Wall = time.Since(start)
			if cpu, cerr := insp.CPUSeconds(); cerr == nil {
				usage.CPUSeconds = cpu
			}
			return Verdict{Usage: usage}
		}

		elapsed := time.Since(start)
		rss, rssErr := insp.RSS()
		cpuPct, _ := insp.CPUPercent()
		if cpu, cerr := insp.CPUSeconds(); cerr == nil {
			usage.CPUSeconds = cpu
		}
		if rssErr != nil {
			// The process vanished between the liveness check and the
			// memory read; treat a second consecutive miss as lost.
			if alive, aerr := insp.Alive(); aerr != nil || !alive {
				usage.Wall = elapsed
				return Verdict{Usage: usage}
			}
			usage.Wall = elapsed
			return Verdict{Err: fault.New(fault.ProcessLost, "process %d unreadable: %v", pid, rssErr), Usage: usage}
		}
		if rss > usage.PeakRSSBytes {
			usage.PeakRSSBytes = rss
		}

		select {
		case samples <- Sample{CPUPercent: cpuPct, RSSBytes: rss, Elapsed: elapsed}:
		default:
			// A slow consumer must not stall enforcement.
		}

		if limits.Timeout > 0 && elapsed > limits.Timeout {
			m.kill(insp, pid, "timeout")
			usage.Wall = time.Since(start)
			return Verdict{
				Err:   fault.New(fault.Timeout, "execution exceeded %s deadline", limits.Timeout),
				Usage: usage,
			}
		}
		if limits.MemoryBytes > 0 && rss > limits.MemoryBytes {
			m.kill(insp, pid, "out_of_memory")
			usage.Wall = time.Since(start)
			return Verdict{
				Err: fault.New(fault.OutOfMemory, "resident memory %d bytes exceeded %d byte ceiling",
					rss, limits.MemoryBytes),
				Usage: usage,
			}
		}
	}
}

func (m *Monitor) kill(insp Inspector, pid int, reason string) {
	if err := insp.Kill(); err != nil {
		m.logger.Warn("failed to kill child process",
			zap.Int("pid", pid),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	m.logger.Info("killed child process",
		zap.Int("pid", pid),
		zap.String("reason", reason))
}
