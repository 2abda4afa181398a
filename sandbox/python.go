package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/isdmx/databox/fault"
	"github.com/isdmx/databox/monitor"
)

//go:embed runner.py
var runnerSource []byte

// Config holds the executor settings the factory hands to a backend.
type Config struct {
	Backend    string
	PythonBin  string
	Image      string
	ScratchDir string
}

// ChildProcess is a started sandbox child.
type ChildProcess interface {
	PID() int
	Wait() error
	Stdout() []byte
	Stderr() []byte
}

// Launcher starts sandbox children. Tests substitute a scripted one.
type Launcher interface {
	Start(ctx context.Context, bin string, args, env []string, dir string) (ChildProcess, error)
}

type execChild struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (c *execChild) PID() int       { return c.cmd.Process.Pid }
func (c *execChild) Wait() error    { return c.cmd.Wait() }
func (c *execChild) Stdout() []byte { return c.stdout.Bytes() }
func (c *execChild) Stderr() []byte { return c.stderr.Bytes() }

// RealLauncher implements Launcher using os/exec. The child inherits no
// handles beyond its captured stdout/stderr and no environment beyond the
// allow-listed set the executor builds.
type RealLauncher struct{}

func (RealLauncher) Start(ctx context.Context, bin string, args, env []string, dir string) (ChildProcess, error) {
	c := &execChild{}
	//nolint:gosec // args are engine-built paths inside the scoped workdir
	c.cmd = exec.CommandContext(ctx, bin, args...)
	c.cmd.Dir = dir
	c.cmd.Env = env
	c.cmd.Stdout = &c.stdout
	c.cmd.Stderr = &c.stderr
	if err := c.cmd.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

// PythonExecutor runs attempts as direct python3 subprocesses, with the
// monitor package enforcing the attempt's ceilings from outside.
type PythonExecutor struct {
	logger   *zap.Logger
	config   *Config
	monitor  *monitor.Monitor
	launcher Launcher
	fs       FileSystem
}

// PythonExecutorOption defines a functional option for PythonExecutor.
type PythonExecutorOption func(*PythonExecutor)

// WithLauncher sets the Launcher for PythonExecutor.
func WithLauncher(l Launcher) PythonExecutorOption {
	return func(p *PythonExecutor) { p.launcher = l }
}

// WithFileSystem sets the FileSystem for PythonExecutor.
func WithFileSystem(fs FileSystem) PythonExecutorOption {
	return func(p *PythonExecutor) { p.fs = fs }
}

// NewPythonExecutor creates a python-backend executor.
func NewPythonExecutor(logger *zap.Logger, config *Config, mon *monitor.Monitor, opts ...PythonExecutorOption) *PythonExecutor {
	executor := &PythonExecutor{
		logger:   logger,
		config:   config,
		monitor:  mon,
		launcher: RealLauncher{},
		fs:       RealFileSystem{},
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Execute runs one attempt. It returns only after the monitor reports a
// terminal outcome for the child.
func (p *PythonExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	workdir, err := p.fs.MkdirTemp(p.config.ScratchDir, "databox-attempt-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create scoped workdir: %w", err)
	}
	defer func() {
		if rmErr := p.fs.RemoveAll(workdir); rmErr != nil {
			p.logger.Warn("failed to remove scoped workdir",
				zap.String("workdir", workdir), zap.Error(rmErr))
		}
	}()

	runnerPath := filepath.Join(workdir, FilenameRunner)
	if err := p.fs.WriteFile(runnerPath, runnerSource, FilePermission); err != nil {
		return Result{}, fmt.Errorf("failed to write runner: %w", err)
	}

	data, err := encodePayload(req)
	if err != nil {
		return Result{}, err
	}
	payloadPath := filepath.Join(workdir, FilenamePayload)
	if err := p.fs.WriteFile(payloadPath, data, FilePermission); err != nil {
		return Result{}, fmt.Errorf("failed to write payload: %w", err)
	}

	child, err := p.launcher.Start(ctx, p.config.PythonBin,
		[]string{runnerPath, payloadPath}, minimalEnv(workdir), workdir)
	if err != nil {
		return Result{}, fmt.Errorf("failed to start sandbox child: %w", err)
	}

	samples, verdictCh := p.monitor.Watch(ctx, child.PID(),
		monitor.Limits{Timeout: req.Limits.Timeout, MemoryBytes: req.Limits.MemoryBytes})
	go func() {
		for s := range samples {
			p.logger.Debug("attempt sample",
				zap.Int("chunk", req.Chunk.Seq),
				zap.Uint64("rss_bytes", s.RSSBytes),
				zap.Float64("cpu_percent", s.CPUPercent),
				zap.Duration("elapsed", s.Elapsed))
		}
	}()

	verdict := <-verdictCh
	waitErr := child.Wait()

	result := Result{Usage: verdict.Usage}
	if verdict.Err != nil && !fault.Is(verdict.Err, fault.ProcessLost) {
		return result, verdict.Err
	}

	r, parseErr := decodeReply(child.Stdout())
	if parseErr != nil {
		// A process that vanished without a reply is an infrastructure
		// loss; one that exited nonzero without a reply is a script crash
		// the runner could not narrate.
		if verdict.Err != nil {
			return result, verdict.Err
		}
		if waitErr != nil {
			return result, fault.New(fault.RuntimeFailure,
				"child exited abnormally (%v): %s", waitErr, tail(child.Stderr(), 512))
		}
		return result, fault.New(fault.ProcessLost,
			"child produced no result document: %s", tail(child.Stderr(), 512))
	}
	if !r.OK {
		return result, replyError(r)
	}

	result.Columns = r.Columns
	result.Rows = r.Rows
	result.RowCount = r.RowCount
	return result, nil
}

// minimalEnv is the allow-listed environment for a child. Everything else
// from the parent's environment is withheld.
func minimalEnv(workdir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=C.UTF-8",
		"PYTHONHASHSEED=0",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
