package sandbox

import (
	"context"
	"os"
	"time"

	"github.com/isdmx/databox/monitor"
	"github.com/isdmx/databox/policy"
)

// Chunk is a bounded, ordered slice of a source table processed as one
// unit by the sandbox. Row values are positional against Columns.
type Chunk struct {
	Seq     int
	Columns []string
	Rows    [][]any
}

// Limits bound one execution attempt.
type Limits struct {
	Timeout       time.Duration
	MemoryBytes   uint64
	MaxOutputRows int64
}

// Request carries one execution attempt: an accepted script, the chunk it
// runs against, and the ceilings enforced on it.
type Request struct {
	Script *policy.AcceptedScript
	Chunk  Chunk
	Limits Limits
}

// Result is the successful outcome of one execution attempt.
type Result struct {
	Columns  []string
	Rows     [][]any
	RowCount int64
	Usage    monitor.Usage
}

// Executor runs one accepted script against one chunk in isolation.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// FileSystem defines the file system operations an executor performs on
// its scoped working directory. Tests substitute a mock.
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using the actual file system.
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants for the scoped working directory.
const (
	DirPermission  = 0o755
	FilePermission = 0o600
)

// Filenames inside the scoped working directory.
const (
	FilenameRunner  = "runner.py"
	FilenamePayload = "payload.json"
)
