// Package worker drains the job queue one job at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/example/phasesearch/internal/log"
	"github.com/example/phasesearch/internal/model"
	"github.com/example/phasesearch/internal/pipeline"
	"github.com/example/phasesearch/internal/store"
)

const MessageMissingInput = "missing job input"

// Store is the part of the job store the worker needs.
type Store interface {
	Claim(ctx context.Context) (*model.JobSummary, error)
	GetInput(ctx context.Context, id string) (model.JobInput, error)
	Finish(ctx context.Context, id string, to model.JobStatus, opts model.TransitionOptions, build store.DetailBuilder) (model.JobDetail, error)
}

type Executor interface {
	Execute(ctx context.Context, jobID string, in model.JobInput) (pipeline.Outcome, error)
}

type Worker struct {
	store      Store
	exec       Executor
	interval   time.Duration
	jobTimeout time.Duration
	logger     *slog.Logger
}

type Option func(*Worker)

// WithInterval sets how long Run sleeps when the queue is empty.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithJobTimeout bounds a single execution. Zero disables the limit.
func WithJobTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.jobTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func New(s Store, exec Executor, opts ...Option) *Worker {
	w := &Worker{
		store:    s,
		exec:     exec,
		interval: 2 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled. Errors from a single cycle are logged
// and polling resumes after the interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker loop started", "interval", w.interval, "job_timeout", w.jobTimeout)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker loop stopped")
			return nil
		case <-timer.C:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "worker cycle failed", "error", err)
		}
		next := time.Duration(0)
		if !processed || err != nil {
			next = w.interval
		}
		timer.Reset(next)
	}
}

// RunOnce claims the oldest pending job and processes it. It reports
// whether a job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	sum, err := w.store.Claim(ctx)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if sum == nil {
		return false, nil
	}
	return true, w.ProcessJob(ctx, *sum)
}

// ProcessJob executes a claimed (RUNNING) job and records its terminal
// state together with its detail. The returned error is a store error; job
// failures are recorded on the job itself.
func (w *Worker) ProcessJob(ctx context.Context, sum model.JobSummary) error {
	ctx = log.WithJob(ctx, sum.ID)
	w.logger.InfoContext(ctx, "processing job", "database", sum.Database, "user", sum.User)

	in, err := w.store.GetInput(ctx, sum.ID)
	if errors.Is(err, model.ErrNotFound) {
		return w.fail(ctx, sum.ID, MessageMissingInput, pipeline.Outcome{})
	}
	if err != nil {
		return fmt.Errorf("load input of job %s: %w", sum.ID, err)
	}

	start := time.Now()
	out, err := w.execute(ctx, sum.ID, in)
	if err != nil {
		w.logger.WarnContext(ctx, "job failed", "error", err, "duration", time.Since(start))
		return w.fail(ctx, sum.ID, w.failureMessage(ctx, err), out)
	}

	numPhases := out.NumCandidates
	_, err = w.store.Finish(context.WithoutCancel(ctx), sum.ID, model.JobCompleted, model.TransitionOptions{
		NumPhases:    &numPhases,
		MarkFinished: true,
	}, func(done model.JobSummary) model.JobDetail {
		return model.JobDetail{
			Job:         done,
			Diagnostics: out.Diagnostics,
			Solutions:   out.Solutions,
			Warnings:    out.Degradations,
		}
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", sum.ID, err)
	}
	w.logger.InfoContext(ctx, "job completed",
		"solutions", len(out.Solutions),
		"candidates", out.NumCandidates,
		"warnings", len(out.Degradations),
		"duration", time.Since(start),
	)
	return nil
}

func (w *Worker) execute(ctx context.Context, jobID string, in model.JobInput) (out pipeline.Outcome, err error) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return w.exec.Execute(ctx, jobID, in)
}

func (w *Worker) failureMessage(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "interrupted: worker shut down while the job was running"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("job exceeded the time limit of %s", w.jobTimeout)
	}
	return err.Error()
}

// fail records a FAILED job. The detail keeps the diagnostics computed so
// far, or the placeholder when there are none. The write is not bound to
// ctx so a job interrupted by shutdown is still closed out.
func (w *Worker) fail(ctx context.Context, id, msg string, out pipeline.Outcome) error {
	diag := out.Diagnostics
	if diag == nil {
		d := model.PlaceholderDiagnostics()
		diag = &d
	}
	_, err := w.store.Finish(context.WithoutCancel(ctx), id, model.JobFailed, model.TransitionOptions{
		ErrorMessage: &msg,
		MarkFinished: true,
	}, func(done model.JobSummary) model.JobDetail {
		return model.JobDetail{
			Job:         done,
			Diagnostics: diag,
			Solutions:   []model.SolutionResult{},
			Warnings:    out.Degradations,
		}
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}
