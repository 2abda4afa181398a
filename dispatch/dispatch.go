// Package dispatch claims pending jobs and drives their state machine.
//
// Multiple worker processes poll the shared store independently; the
// atomic claim in the store is the only coordination between them, so at
// most one execution attempt sequence is ever live per job. A heartbeat
// renews the claim lease while a job runs, and expired leases are
// reclaimed so no job stays running after a worker crash.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/databox/fault"
	"github.com/isdmx/databox/pipeline"
	"github.com/isdmx/databox/policy"
	"github.com/isdmx/databox/store"
)

// Config holds the dispatcher settings.
type Config struct {
	MaxConcurrentJobs int
	PollInterval      time.Duration
	Lease             time.Duration
	Heartbeat         time.Duration
}

// Dispatcher runs the worker side of the job queue.
type Dispatcher struct {
	logger    *zap.Logger
	store     *store.Store
	validator *policy.Validator
	runner    *pipeline.Runner
	cfg       Config
	workerID  string

	wg sync.WaitGroup
}

// New creates a dispatcher with a fresh worker identity.
func New(logger *zap.Logger, st *store.Store, validator *policy.Validator, runner *pipeline.Runner, cfg Config) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		store:     st,
		validator: validator,
		runner:    runner,
		cfg:       cfg,
		workerID:  uuid.NewString(),
	}
}

// WorkerID returns this dispatcher's claim identity.
func (d *Dispatcher) WorkerID() string { return d.workerID }

// SubmitJob enqueues a transformation job and returns its id. The script
// is validated on first use by the claiming worker, not here.
func SubmitJob(ctx context.Context, st *store.Store, scriptRef, sourceTable, destTable string) (string, error) {
	job, err := st.CreateJob(ctx, scriptRef, sourceTable, destTable)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// GetJobStatus returns the job record: state, timestamps, usage summary,
// and the error descriptor once terminal.
func GetJobStatus(ctx context.Context, st *store.Store, jobID string) (*store.Job, error) {
	return st.GetJob(ctx, jobID)
}

// Run polls and processes jobs until ctx is cancelled, then waits for
// in-flight jobs to settle.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting",
		zap.String("worker_id", d.workerID),
		zap.Int("max_concurrent_jobs", d.cfg.MaxConcurrentJobs),
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Duration("lease", d.cfg.Lease))

	slots := make(chan struct{}, d.cfg.MaxConcurrentJobs)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("dispatcher stopped", zap.String("worker_id", d.workerID))
			return nil
		case <-ticker.C:
		}

		if n, err := d.store.ReclaimExpired(ctx); err != nil {
			d.logger.Warn("failed to reclaim expired leases", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("reclaimed expired job leases", zap.Int64("count", n))
		}

		d.fill(ctx, slots)
	}
}

// fill claims pending jobs until the queue is empty or every slot under
// the concurrency ceiling is taken; jobs beyond the ceiling stay pending.
func (d *Dispatcher) fill(ctx context.Context, slots chan struct{}) {
	for {
		select {
		case slots <- struct{}{}:
		default:
			return
		}

		job, ok := d.claimNext(ctx)
		if !ok {
			<-slots
			return
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-slots }()
			d.handle(ctx, job)
		}()
	}
}

// claimNext picks the oldest pending job and races for its claim. Losing
// the race is not an error; the loop simply polls again.
func (d *Dispatcher) claimNext(ctx context.Context) (*store.Job, bool) {
	jobID, err := d.store.NextPending(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.Warn("failed to poll for pending jobs", zap.Error(err))
		}
		return nil, false
	}
	if jobID == "" {
		return nil, false
	}

	job, err := d.store.Claim(ctx, jobID, d.workerID, d.cfg.Lease)
	if err != nil {
		if fault.Is(err, fault.ClaimConflict) {
			d.logger.Debug("lost claim race", zap.String("job_id", jobID))
		} else {
			d.logger.Warn("failed to claim job", zap.String("job_id", jobID), zap.Error(err))
		}
		return nil, false
	}

	d.logger.Info("job claimed",
		zap.String("job_id", job.ID),
		zap.String("state", string(job.State)),
		zap.Int("attempt", job.Attempts))
	return job, true
}

// handle drives one claimed job to a terminal state.
func (d *Dispatcher) handle(ctx context.Context, job *store.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go d.heartbeat(jobCtx, cancel, job.ID, hbDone)
	defer func() {
		cancel()
		<-hbDone
	}()

	script, err := d.store.GetScript(jobCtx, job.ScriptID)
	if err != nil {
		if d.abandon(ctx, job) {
			return
		}
		d.finish(job, store.StateFailed, fault.ProcessLost, "script unavailable: "+err.Error(), store.Usage{})
		return
	}

	accepted, err := d.validator.Validate(script.Source)
	if err != nil {
		// Static rejection happens before any chunk executes.
		d.finish(job, store.StateRejected, fault.PolicyViolation, err.Error(), store.Usage{})
		return
	}

	usage, err := d.runner.Run(jobCtx, job, accepted)
	if err != nil {
		if d.abandon(ctx, job) {
			return
		}
		state, kind := terminalFor(err)
		d.finish(job, state, kind, err.Error(), usage)
		return
	}
	d.finish(job, store.StateSucceeded, "", "", usage)
}

// abandon reports whether an interrupted job should be left running for
// lease-based reclaim instead of finalized. That is the case on a worker
// shutdown: the claim machinery exists so another worker re-runs the job.
// A job whose cancellation was actually requested still goes terminal.
func (d *Dispatcher) abandon(ctx context.Context, job *store.Job) bool {
	if ctx.Err() == nil {
		return false
	}
	qctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	flagged, err := d.store.CancelRequested(qctx, job.ID)
	if err != nil || flagged {
		return false
	}
	d.logger.Info("job abandoned for reclaim on shutdown",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts))
	return true
}

// terminalFor maps a pipeline failure to the job's terminal state.
func terminalFor(err error) (store.JobState, fault.Kind) {
	kind := fault.KindOf(err)
	switch kind {
	case fault.Timeout:
		return store.StateTimedOut, kind
	case fault.Cancelled:
		return store.StateCancelled, kind
	case fault.PolicyViolation:
		// The child's AST gate caught what the text-level validator
		// could not; the job is still a rejection, not a failure.
		return store.StateRejected, kind
	case "":
		kind = fault.ProcessLost
	}
	return store.StateFailed, kind
}

func (d *Dispatcher) finish(job *store.Job, state store.JobState, kind fault.Kind, msg string, usage store.Usage) {
	// Recording the outcome must not die with a cancelled context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.store.Finish(ctx, job.ID, d.workerID, state, kind, msg, usage); err != nil {
		d.logger.Error("failed to record job outcome",
			zap.String("job_id", job.ID),
			zap.String("state", string(state)),
			zap.Error(err))
		return
	}
	d.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("state", string(state)),
		zap.String("error_kind", string(kind)),
		zap.String("error", msg),
		zap.Int64("rows_processed", usage.RowsProcessed),
		zap.Uint64("peak_rss_bytes", usage.PeakRSSBytes),
		zap.Duration("wall", usage.Wall))
}

// heartbeat renews the job lease until the job context ends. Losing the
// lease cancels the job: another worker may already be re-running it.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := d.store.RenewLease(ctx, jobID, d.workerID, d.cfg.Lease); err != nil {
			if fault.Is(err, fault.ClaimConflict) {
				d.logger.Warn("job lease lost, abandoning execution",
					zap.String("job_id", jobID))
				cancel()
				return
			}
			d.logger.Warn("failed to renew job lease",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
}
