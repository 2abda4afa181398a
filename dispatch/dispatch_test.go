package dispatch

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
	"github.com/isdmx/databox/pipeline"
	"github.com/isdmx/databox/policy"
	"github.com/isdmx/databox/sandbox"
	"github.com/isdmx/databox/store"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(req sandbox.Request) (sandbox.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func passThrough(req sandbox.Request) (sandbox.Result, error) {
	return sandbox.Result{
		Columns:  req.Chunk.Columns,
		Rows:     req.Chunk.Rows,
		RowCount: int64(len(req.Chunk.Rows)),
	}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTable(t *testing.T, s *store.Store, name string, n int) {
	t.Helper()
	ctx := context.Background()
	staging := "seed_" + name
	require.NoError(t, s.CreateStaging(ctx, staging, []string{"id", "name"}))
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{i, "row"}
	}
	require.NoError(t, s.AppendRows(ctx, staging, []string{"id", "name"}, rows))
	require.NoError(t, s.SwapStaging(ctx, staging, name))
}

// startDispatcher runs a dispatcher in the background and stops it with
// the test.
func startDispatcher(t *testing.T, s *store.Store, exec sandbox.Executor) *Dispatcher {
	t.Helper()
	logger := zaptest.NewLogger(t)
	runner := pipeline.New(logger, s, exec, pipeline.Config{
		ChunkRows:     10,
		Timeout:       time.Minute,
		MemoryBytes:   512 << 20,
		MaxOutputRows: 1_000_000,
	})
	d := New(logger, s, policy.NewValidator(policy.Default()), runner, Config{
		MaxConcurrentJobs: 2,
		PollInterval:      5 * time.Millisecond,
		Lease:             time.Minute,
		Heartbeat:         50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return d
}

func submit(t *testing.T, s *store.Store, source, src, dest string) string {
	t.Helper()
	ctx := context.Background()
	sc, err := s.CreateScript(ctx, "test", source)
	require.NoError(t, err)
	id, err := SubmitJob(ctx, s, sc.ID, src, dest)
	require.NoError(t, err)
	return id
}

func waitTerminal(t *testing.T, s *store.Store, jobID string) *store.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := GetJobStatus(context.Background(), s, jobID)
		require.NoError(t, err)
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestDispatcherRunsJobToSuccess(t *testing.T) {
	s := newTestStore(t)
	seedTable(t, s, "orders", 25)
	exec := &fakeExecutor{fn: passThrough}
	d := startDispatcher(t, s, exec)

	jobID := submit(t, s, "def transform(df):\n    return df\n", "orders", "orders_out")
	job := waitTerminal(t, s, jobID)

	assert.Equal(t, store.StateSucceeded, job.State)
	assert.Equal(t, d.WorkerID(), job.WorkerID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int64(25), job.Usage.RowsProcessed)
	assert.Empty(t, job.ErrorMsg)
	require.NotNil(t, job.FinishedAt)
	assert.Equal(t, 3, exec.callCount())

	n, err := s.RowCount(context.Background(), "orders_out")
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
}

func TestDispatcherRejectsForbiddenScript(t *testing.T) {
	s := newTestStore(t)
	seedTable(t, s, "orders", 5)
	exec := &fakeExecutor{fn: passThrough}
	startDispatcher(t, s, exec)

	jobID := submit(t, s, "import os\n\ndef transform(df):\n    return df\n", "orders", "orders_out")
	job := waitTerminal(t, s, jobID)

	assert.Equal(t, store.StateRejected, job.State)
	assert.Equal(t, fault.PolicyViolation, job.ErrorKind)
	assert.Contains(t, job.ErrorMsg, "os")

	// Rejection happens before any execution: nothing ran, nothing was
	// written.
	assert.Zero(t, exec.callCount())
	_, err := s.RowCount(context.Background(), "orders_out")
	require.Error(t, err)
}

func TestDispatcherRecordsTimeout(t *testing.T) {
	s := newTestStore(t)
	seedTable(t, s, "orders", 5)
	exec := &fakeExecutor{fn: func(req sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{}, fault.New(fault.Timeout, "execution exceeded 60s deadline")
	}}
	startDispatcher(t, s, exec)

	jobID := submit(t, s, "def transform(df):\n    return df\n", "orders", "orders_out")
	job := waitTerminal(t, s, jobID)

	assert.Equal(t, store.StateTimedOut, job.State)
	assert.Equal(t, fault.Timeout, job.ErrorKind)
	_, err := s.RowCount(context.Background(), "orders_out")
	require.Error(t, err)
}

func TestDispatcherCancelsMidRun(t *testing.T) {
	s := newTestStore(t)
	seedTable(t, s, "orders", 30)

	// The first chunk parks until the job is flagged, so the cancellation
	// lands at a chunk boundary with chunks still remaining.
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{}
	exec.fn = func(req sandbox.Request) (sandbox.Result, error) {
		once.Do(func() { <-release })
		return passThrough(req)
	}
	startDispatcher(t, s, exec)

	jobID := submit(t, s, "def transform(df):\n    return df\n", "orders", "orders_out")

	require.Eventually(t, func() bool {
		job, err := GetJobStatus(context.Background(), s, jobID)
		return err == nil && job.State == store.StateRunning
	}, 10*time.Second, 5*time.Millisecond)

	require.NoError(t, s.RequestCancel(context.Background(), jobID))
	close(release)

	job := waitTerminal(t, s, jobID)
	assert.Equal(t, store.StateCancelled, job.State)
	assert.Equal(t, fault.Cancelled, job.ErrorKind)
	_, err := s.RowCount(context.Background(), "orders_out")
	require.Error(t, err)
}

func TestDispatcherShutdownLeavesJobForReclaim(t *testing.T) {
	s := newTestStore(t)
	seedTable(t, s, "orders", 5)

	// The executor parks until its context dies, standing in for a job
	// interrupted mid-chunk by a worker restart.
	logger := zaptest.NewLogger(t)
	runner := pipeline.New(logger, s, blockingExecutor{}, pipeline.Config{
		ChunkRows:     10,
		Timeout:       time.Minute,
		MemoryBytes:   512 << 20,
		MaxOutputRows: 1_000_000,
	})
	d := New(logger, s, policy.NewValidator(policy.Default()), runner, Config{
		MaxConcurrentJobs: 1,
		PollInterval:      5 * time.Millisecond,
		Lease:             100 * time.Millisecond,
		Heartbeat:         30 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	jobID := submit(t, s, "def transform(df):\n    return df\n", "orders", "orders_out")
	require.Eventually(t, func() bool {
		job, err := GetJobStatus(context.Background(), s, jobID)
		return err == nil && job.State == store.StateRunning
	}, 10*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	// No terminal state was recorded: the claim stays in place and lapses
	// on its own, at which point any worker can pick the job up again.
	job, err := GetJobStatus(context.Background(), s, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.FinishedAt)

	time.Sleep(250 * time.Millisecond)
	n, err := s.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err = GetJobStatus(context.Background(), s, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, job.State)
}

// blockingExecutor parks until its context is cancelled.
type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	<-ctx.Done()
	return sandbox.Result{}, ctx.Err()
}

func TestDispatcherProcessesQueueSequentially(t *testing.T) {
	s := newTestStore(t)
	seedTable(t, s, "orders", 5)
	exec := &fakeExecutor{fn: passThrough}
	startDispatcher(t, s, exec)

	ids := []string{
		submit(t, s, "def transform(df):\n    return df\n", "orders", "out_a"),
		submit(t, s, "def transform(df):\n    return df\n", "orders", "out_b"),
		submit(t, s, "def transform(df):\n    return df\n", "orders", "out_c"),
	}
	for _, id := range ids {
		job := waitTerminal(t, s, id)
		assert.Equal(t, store.StateSucceeded, job.State)
	}
	for _, dest := range []string{"out_a", "out_b", "out_c"} {
		n, err := s.RowCount(context.Background(), dest)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	}
}

func TestTerminalFor(t *testing.T) {
	state, kind := terminalFor(fault.New(fault.Timeout, "t"))
	assert.Equal(t, store.StateTimedOut, state)
	assert.Equal(t, fault.Timeout, kind)

	state, kind = terminalFor(fault.New(fault.Cancelled, "c"))
	assert.Equal(t, store.StateCancelled, state)
	assert.Equal(t, fault.Cancelled, kind)

	state, kind = terminalFor(fault.New(fault.OutOfMemory, "m"))
	assert.Equal(t, store.StateFailed, state)
	assert.Equal(t, fault.OutOfMemory, kind)

	state, kind = terminalFor(fault.New(fault.PolicyViolation, "p"))
	assert.Equal(t, store.StateRejected, state)
	assert.Equal(t, fault.PolicyViolation, kind)

	state, kind = terminalFor(errors.New("unclassified"))
	assert.Equal(t, store.StateFailed, state)
	assert.Equal(t, fault.ProcessLost, kind)
}

func TestSubmitJobValidatesReferences(t *testing.T) {
	s := newTestStore(t)
	_, err := SubmitJob(context.Background(), s, "no-such-script", "orders", "out")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = GetJobStatus(context.Background(), s, "no-such-job")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
