// Package pipeline moves table data through the sandbox in bounded chunks.
//
// One Runner.Run call owns one job: it reads the source table in ordered
// fixed-size chunks, executes each chunk in the sandbox, stages the output
// rows, and publishes the destination table atomically on full success.
// Peak memory stays bounded by the chunk size regardless of source table
// size. Any chunk failure aborts the remaining chunks; no partial
// destination is ever visible.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/databox/fault"
	"github.com/isdmx/databox/policy"
	"github.com/isdmx/databox/sandbox"
	"github.com/isdmx/databox/store"
)

// Config bounds one pipeline run.
type Config struct {
	ChunkRows     int64
	Parallelism   int
	Timeout       time.Duration
	MemoryBytes   uint64
	MaxOutputRows int64
}

// Runner drives the chunked execution of single jobs.
type Runner struct {
	logger *zap.Logger
	store  *store.Store
	exec   sandbox.Executor
	cfg    Config
}

// New creates a pipeline runner.
func New(logger *zap.Logger, st *store.Store, exec sandbox.Executor, cfg Config) *Runner {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Runner{logger: logger, store: st, exec: exec, cfg: cfg}
}

// chunkOutput is one chunk's transform result waiting for in-order assembly.
type chunkOutput struct {
	seq      int
	columns  []string
	rows     [][]any
	rowCount int64
	inRows   int64
	usage    store.Usage
}

// Run processes the whole job and returns its final usage summary. On
// error the returned fault kind is the job's terminal classification and
// the message names the failing chunk.
func (r *Runner) Run(ctx context.Context, job *store.Job, script *policy.AcceptedScript) (store.Usage, error) {
	start := time.Now()
	usage := store.Usage{}
	staging := store.StagingTable(job.DestTable, job.ID)

	total, err := r.store.RowCount(ctx, job.SrcTable)
	if err != nil {
		return usage, fmt.Errorf("source table: %w", err)
	}
	chunks := int((total + r.cfg.ChunkRows - 1) / r.cfg.ChunkRows)
	if chunks == 0 {
		// An empty source still runs the transform once so the
		// destination gets the transform's column shape.
		chunks = 1
	}

	r.logger.Info("pipeline starting",
		zap.String("job_id", job.ID),
		zap.String("src_table", job.SrcTable),
		zap.Int64("total_rows", total),
		zap.Int("chunks", chunks),
		zap.Int("parallelism", r.cfg.Parallelism))

	err = r.process(ctx, job, script, staging, chunks, &usage)
	usage.Wall = time.Since(start)
	if err != nil {
		if dropErr := r.store.DropStaging(context.WithoutCancel(ctx), staging); dropErr != nil {
			r.logger.Warn("failed to drop staging table",
				zap.String("staging", staging), zap.Error(dropErr))
		}
		return usage, err
	}

	if err := r.store.SwapStaging(ctx, staging, job.DestTable); err != nil {
		return usage, fmt.Errorf("failed to commit destination: %w", err)
	}
	return usage, nil
}

// process runs all chunks with bounded parallelism and appends outputs to
// the staging table strictly in sequence order.
func (r *Runner) process(ctx context.Context, job *store.Job, script *policy.AcceptedScript,
	staging string, chunks int, usage *store.Usage) error {

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		seqCh   = make(chan int)
		outCh   = make(chan chunkOutput)
		errOnce sync.Once
		runErr  error
		wg      sync.WaitGroup
	)
	failWith := func(err error) {
		errOnce.Do(func() {
			runErr = err
			cancel()
		})
	}

	workers := r.cfg.Parallelism
	if workers > chunks {
		workers = chunks
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range seqCh {
				out, err := r.runChunk(runCtx, job, script, seq)
				if err != nil {
					failWith(err)
					return
				}
				select {
				case outCh <- out:
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(seqCh)
		for seq := 0; seq < chunks; seq++ {
			// Cancellation is cooperative at the chunk boundary.
			cancelled, err := r.store.CancelRequested(runCtx, job.ID)
			if err == nil && cancelled {
				failWith(fault.New(fault.Cancelled, "cancellation requested"))
				return
			}
			select {
			case seqCh <- seq:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outCh)
	}()

	var (
		pending   = make(map[int]chunkOutput)
		nextSeq   = 0
		columns   []string
		totalOut  int64
		processed int64
	)
	for out := range outCh {
		if runCtx.Err() != nil {
			// A failure already fired; drain so the workers can exit.
			continue
		}
		pending[out.seq] = out
		for {
			buffered, ok := pending[nextSeq]
			if !ok {
				break
			}
			delete(pending, nextSeq)

			if buffered.usage.PeakRSSBytes > usage.PeakRSSBytes {
				usage.PeakRSSBytes = buffered.usage.PeakRSSBytes
			}
			usage.CPUSeconds += buffered.usage.CPUSeconds
			processed += buffered.inRows
			usage.RowsProcessed = processed

			totalOut += buffered.rowCount
			if totalOut > r.cfg.MaxOutputRows {
				failWith(fault.New(fault.ResourceLimitExceeded,
					"chunk %d: aggregate output of %d rows exceeds the %d row ceiling",
					buffered.seq, totalOut, r.cfg.MaxOutputRows))
				break
			}

			if columns == nil {
				columns = buffered.columns
				if err := r.store.CreateStaging(ctx, staging, columns); err != nil {
					failWith(err)
					break
				}
			} else if !sameColumns(columns, buffered.columns) {
				failWith(fault.New(fault.RuntimeFailure,
					"chunk %d: transform returned columns %v, previous chunks returned %v",
					buffered.seq, buffered.columns, columns))
				break
			}

			if err := r.store.AppendRows(ctx, staging, columns, buffered.rows); err != nil {
				failWith(err)
				break
			}
			if err := r.store.UpdateProgress(ctx, job.ID, processed,
				fmt.Sprintf("chunk %d: %d rows in, %d rows out", buffered.seq, buffered.inRows, buffered.rowCount)); err != nil {
				r.logger.Warn("failed to update progress", zap.String("job_id", job.ID), zap.Error(err))
			}
			nextSeq++
		}
	}
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	return nil
}

// runChunk reads and executes one chunk.
func (r *Runner) runChunk(ctx context.Context, job *store.Job, script *policy.AcceptedScript, seq int) (chunkOutput, error) {
	offset := int64(seq) * r.cfg.ChunkRows
	columns, rows, err := r.store.ReadChunk(ctx, job.SrcTable, r.cfg.ChunkRows, offset)
	if err != nil {
		return chunkOutput{}, fmt.Errorf("chunk %d: %w", seq, err)
	}

	result, err := r.exec.Execute(ctx, sandbox.Request{
		Script: script,
		Chunk:  sandbox.Chunk{Seq: seq, Columns: columns, Rows: rows},
		Limits: sandbox.Limits{
			Timeout:       r.cfg.Timeout,
			MemoryBytes:   r.cfg.MemoryBytes,
			MaxOutputRows: r.cfg.MaxOutputRows,
		},
	})
	if err != nil {
		if kind := fault.KindOf(err); kind != "" {
			return chunkOutput{}, fault.New(kind, "chunk %d: %v", seq, err)
		}
		return chunkOutput{}, fmt.Errorf("chunk %d: %w", seq, err)
	}

	return chunkOutput{
		seq:      seq,
		columns:  result.Columns,
		rows:     result.Rows,
		rowCount: result.RowCount,
		inRows:   int64(len(rows)),
		usage: store.Usage{
			PeakRSSBytes: result.Usage.PeakRSSBytes,
			CPUSeconds:   result.Usage.CPUSeconds,
		},
	}, nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
