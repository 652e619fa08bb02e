// Package store persists job summaries, job inputs and terminal job details.
//
// Two tables keyed by job id hold the data: jobs (summary fields plus the
// serialized input) and job_details (the serialized result envelope). Both
// backends expose the same method set; the worker and the HTTP layer depend
// on narrow interfaces of it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/phasesearch/internal/model"
)

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock replaces time.Now for created/started/finished timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DetailBuilder produces the detail to persist from the summary as it looks
// right after a terminal transition.
type DetailBuilder func(model.JobSummary) model.JobDetail

// Store is the full job store contract shared by SQLite and Postgres.
type Store interface {
	Create(ctx context.Context, in model.JobInput) (string, error)
	GetSummary(ctx context.Context, id string) (model.JobSummary, error)
	GetInput(ctx context.Context, id string) (model.JobInput, error)
	ListSummaries(ctx context.Context, f model.ListFilter) ([]model.JobSummary, int, error)
	NextPending(ctx context.Context) (*model.JobSummary, error)
	Claim(ctx context.Context) (*model.JobSummary, error)
	Transition(ctx context.Context, id string, to model.JobStatus, opts model.TransitionOptions) error
	SaveDetail(ctx context.Context, id string, detail model.JobDetail) error
	LoadDetail(ctx context.Context, id string) (*model.JobDetail, error)
	Finish(ctx context.Context, id string, to model.JobStatus, opts model.TransitionOptions, build DetailBuilder) (model.JobDetail, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

func newID() string {
	return uuid.New().String()
}

// requireTerminal keeps job_details limited to COMPLETED and FAILED jobs.
func requireTerminal(sum model.JobSummary) error {
	if !sum.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s, details are only stored for finished jobs", model.ErrInvalidTransition, sum.ID, sum.Status)
	}
	return nil
}

func encodeDetail(detail model.JobDetail) ([]byte, error) {
	if detail.Solutions == nil {
		detail.Solutions = []model.SolutionResult{}
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("encode job detail: %w", err)
	}
	return b, nil
}

func decodeDetail(id string, raw []byte) (*model.JobDetail, error) {
	var detail model.JobDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("decode job detail %s: %w", id, err)
	}
	if detail.Solutions == nil {
		detail.Solutions = []model.SolutionResult{}
	}
	return &detail, nil
}
