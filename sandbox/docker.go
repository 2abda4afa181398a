package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/databox/fault"
	"github.com/isdmx/databox/monitor"
)

// CommandRunner defines an interface for executing system commands.
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands.
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments.
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	//nolint:gosec // engine-built argv
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// DockerExecutor runs attempts inside a container. Memory is capped by the
// container runtime (--memory) and the wall-clock deadline by the docker
// run's context; network access is disabled.
type DockerExecutor struct {
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
	fs        FileSystem
}

// DockerExecutorOption defines a functional option for DockerExecutor.
type DockerExecutorOption func(*DockerExecutor)

// WithDockerCommandRunner sets the CommandRunner for DockerExecutor.
func WithDockerCommandRunner(cmdRunner CommandRunner) DockerExecutorOption {
	return func(d *DockerExecutor) { d.cmdRunner = cmdRunner }
}

// WithDockerFileSystem sets the FileSystem for DockerExecutor.
func WithDockerFileSystem(fs FileSystem) DockerExecutorOption {
	return func(d *DockerExecutor) { d.fs = fs }
}

// NewDockerExecutor creates a docker-backend executor.
func NewDockerExecutor(logger *zap.Logger, config *Config, opts ...DockerExecutorOption) *DockerExecutor {
	executor := &DockerExecutor{
		logger:    logger,
		config:    config,
		cmdRunner: RealCommandRunner{},
		fs:        RealFileSystem{},
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Execute runs one attempt in a disposable container.
func (d *DockerExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	workdir, err := d.fs.MkdirTemp(d.config.ScratchDir, "databox-attempt-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create scoped workdir: %w", err)
	}
	defer func() {
		if rmErr := d.fs.RemoveAll(workdir); rmErr != nil {
			d.logger.Warn("failed to remove scoped workdir",
				zap.String("workdir", workdir), zap.Error(rmErr))
		}
	}()

	if err := d.fs.WriteFile(filepath.Join(workdir, FilenameRunner), runnerSource, FilePermission); err != nil {
		return Result{}, fmt.Errorf("failed to write runner: %w", err)
	}
	data, err := encodePayload(req)
	if err != nil {
		return Result{}, err
	}
	if err := d.fs.WriteFile(filepath.Join(workdir, FilenamePayload), data, FilePermission); err != nil {
		return Result{}, fmt.Errorf("failed to write payload: %w", err)
	}

	memoryMB := req.Limits.MemoryBytes / (1024 * 1024)
	containerName := fmt.Sprintf("databox-attempt-%d", time.Now().UnixNano())
	cmdArgs := []string{
		"docker", "run",
		"--name", containerName,
		"--rm",
		"-v", fmt.Sprintf("%s:/workdir", workdir),
		"--workdir", "/workdir",
		"--memory", fmt.Sprintf("%dm", memoryMB),
		"--memory-swap", fmt.Sprintf("%dm", memoryMB),
		"--network", "none",
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
		"-e", "PYTHONHASHSEED=0",
		"-e", "PYTHONDONTWRITEBYTECODE=1",
		d.config.Image,
		"python3", "/workdir/" + FilenameRunner, "/workdir/" + FilenamePayload,
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, req.Limits.Timeout)
	defer cancel()

	stdout, stderr, exitCode, err := d.cmdRunner.RunCommand(ctxWithTimeout, cmdArgs)

	usage := monitor.Usage{Wall: time.Since(start)}
	result := Result{Usage: usage}

	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		stopCmd := exec.CommandContext(ctx, "docker", "stop", containerName)
		if stopErr := stopCmd.Run(); stopErr != nil {
			d.logger.Warn("failed to stop container after timeout",
				zap.String("container", containerName), zap.Error(stopErr))
		}
		return result, fault.New(fault.Timeout, "execution exceeded %s deadline", req.Limits.Timeout)
	}
	if ctx.Err() == context.Canceled {
		return result, fault.New(fault.Cancelled, "execution cancelled")
	}
	if err != nil {
		return result, fault.New(fault.ProcessLost, "failed to run container: %v", err)
	}

	// The OOM killer terminates the container with 137 before the runner
	// can reply.
	if exitCode == 137 {
		return result, fault.New(fault.OutOfMemory,
			"container exceeded %d MB memory ceiling", memoryMB)
	}

	r, parseErr := decodeReply([]byte(stdout))
	if parseErr != nil {
		if exitCode != 0 {
			return result, fault.New(fault.RuntimeFailure,
				"container exited with code %d: %s", exitCode, tail([]byte(stderr), 512))
		}
		return result, fault.New(fault.ProcessLost,
			"container produced no result document: %s", tail([]byte(stderr), 512))
	}
	if !r.OK {
		return result, replyError(r)
	}

	result.Columns = r.Columns
	result.Rows = r.Rows
	result.RowCount = r.RowCount
	return result, nil
}
