// Package driver runs a seeding session: one stored procedure call per batch,
// strictly in sequence, with a fixed pause between batches.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bit2swaz/seedloop/internal/config"
	"github.com/bit2swaz/seedloop/internal/metrics"
	"github.com/bit2swaz/seedloop/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// StageInterrupted marks a run stopped by context cancellation, either
// during a call or in the pause between batches.
const StageInterrupted store.Stage = "interrupted"

// Session is the database side of a run. *store.Store satisfies it.
type Session interface {
	CallBatch(ctx context.Context, statement string, onRow store.RowFunc) (store.BatchResult, error)
	Close() error
}

type BatchError struct {
	Batch int
	Stage store.Stage
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d: %v", e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

type Driver struct {
	cfg     *config.Config
	session Session
	out     io.Writer
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	progress Progress
}

func New(cfg *config.Config, session Session, out io.Writer, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	return &Driver{
		cfg:     cfg,
		session: session,
		out:     out,
		logger:  logger.With("run_id", runID),
		progress: Progress{
			RunID: runID,
			Total: cfg.Iterations,
			State: StatePending,
		},
	}
}

// Run performs every batch in order and closes the session. The first error
// stops the run; the completion line is only printed when all batches
// committed.
func (d *Driver) Run(ctx context.Context) (err error) {
	total := d.cfg.Iterations
	statement := d.cfg.CallStatement()

	d.update(func(p *Progress) {
		p.State = StateRunning
		p.StartedAt = time.Now()
	})
	metrics.SetTotal(total)
	d.logger.Info("Starting seeding run", "statement", statement, "batches", total, "delay", d.cfg.Delay)

	defer func() {
		if err == nil {
			return
		}
		if cerr := d.closeSession(); cerr != nil {
			d.logger.Warn("Failed to close connection", "error", cerr)
		}
		d.update(func(p *Progress) {
			p.State = StateFailed
			p.LastError = err.Error()
		})
	}()

	for i := 1; i <= total; i++ {
		d.update(func(p *Progress) { p.Batch = i })
		metrics.SetCurrent(i)

		fmt.Fprintf(d.out, "▶️ Running insert batch %d/%d...\n", i, total)

		res, err := d.session.CallBatch(ctx, statement, d.printRow)
		if err != nil {
			stage := stageOf(err)
			metrics.BatchFailed(string(stage))
			d.logger.Error("Batch failed", "batch", i, "stage", stage, "error", err)
			return &BatchError{Batch: i, Stage: stage, Err: err}
		}

		metrics.BatchCommitted(res.Elapsed, res.Rows)
		d.update(func(p *Progress) { p.Committed = i })
		d.logger.Debug("Batch committed",
			"batch", i,
			"rows", res.Rows,
			"result_sets", res.ResultSets,
			"elapsed", res.Elapsed)

		if i == total {
			break
		}
		if err := pause(ctx, d.cfg.Delay); err != nil {
			d.logger.Warn("Run interrupted", "next_batch", i+1, "error", err)
			return &BatchError{Batch: i + 1, Stage: StageInterrupted, Err: err}
		}
	}

	if err := d.closeSession(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	fmt.Fprintln(d.out, d.completionLine(total))
	d.update(func(p *Progress) { p.State = StateDone })
	d.logger.Info("Seeding run complete", "batches", total)
	return nil
}

func (d *Driver) printRow(values []any) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintln(d.out, store.FormatValue(values[0]))
}

func (d *Driver) completionLine(total int) string {
	line := fmt.Sprintf("✅ All %d batches committed", total)
	if rows := d.cfg.ExpectedRowsPerBatch; rows > 0 {
		line += fmt.Sprintf(" (~%s rows if each chunk = %s)",
			humanize.Comma(int64(total)*rows),
			humanize.Comma(rows))
	}
	return line
}

func (d *Driver) closeSession() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.session.Close()
	})
	return d.closeErr
}

// stageOf reports where err happened. Cancellation wins over the store stage
// it surfaced in.
func stageOf(err error) store.Stage {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StageInterrupted
	}
	var opErr *store.OpError
	if errors.As(err, &opErr) {
		return opErr.Stage
	}
	return store.StageExecute
}

// pause blocks for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
