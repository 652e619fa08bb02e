package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/phasesearch/internal/model"
)

// Postgres is the client-server job store. Claim relies on
// FOR UPDATE SKIP LOCKED, so it stays correct with more than one poller.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  seq BIGSERIAL NOT NULL,
  id TEXT PRIMARY KEY,
  requester TEXT NOT NULL,
  pattern_filename TEXT NOT NULL,
  database_source TEXT NOT NULL,
  status TEXT NOT NULL,
  num_phases INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  error_message TEXT,
  input_json JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_created ON jobs (status, created_at, seq);
CREATE TABLE IF NOT EXISTS job_details (
  job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
  detail_json JSONB NOT NULL
);
`

func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "phasesearch"
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Postgres{pool: pool, now: applyOptions(opts).now}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const pgSummaryColumns = `id, requester, pattern_filename, database_source, status, num_phases, created_at, started_at, finished_at, error_message`

type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanPgSummary(row pgx.Row) (model.JobSummary, error) {
	var (
		sum    model.JobSummary
		status string
	)
	if err := row.Scan(&sum.ID, &sum.User, &sum.PatternFilename, &sum.Database, &status, &sum.NumPhases,
		&sum.CreatedAt, &sum.StartedAt, &sum.FinishedAt, &sum.ErrorMessage); err != nil {
		return model.JobSummary{}, err
	}
	sum.Status = model.JobStatus(status)
	sum.CreatedAt = sum.CreatedAt.UTC()
	sum.StartedAt = utcPtr(sum.StartedAt)
	sum.FinishedAt = utcPtr(sum.FinishedAt)
	return sum, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func getPgSummary(ctx context.Context, q pgQueryer, id string) (model.JobSummary, error) {
	sum, err := scanPgSummary(q.QueryRow(ctx, `SELECT `+pgSummaryColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JobSummary{}, model.ErrNotFound
	}
	return sum, err
}

func (p *Postgres) Create(ctx context.Context, in model.JobInput) (string, error) {
	inputJSON, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode job input: %w", err)
	}
	id := newID()
	_, err = p.pool.Exec(ctx,
		`INSERT INTO jobs (id, requester, pattern_filename, database_source, status, created_at, input_json)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, in.User, in.PatternFilename, string(in.Database.Source), string(model.JobPending), p.now().UTC(), string(inputJSON),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) GetSummary(ctx context.Context, id string) (model.JobSummary, error) {
	return getPgSummary(ctx, p.pool, id)
}

func (p *Postgres) GetInput(ctx context.Context, id string) (model.JobInput, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT input_json FROM jobs WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JobInput{}, model.ErrNotFound
	}
	if err != nil {
		return model.JobInput{}, err
	}
	var in model.JobInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.JobInput{}, fmt.Errorf("decode job input %s: %w", id, err)
	}
	return in, nil
}

func (p *Postgres) ListSummaries(ctx context.Context, f model.ListFilter) ([]model.JobSummary, int, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.User != "" {
		args = append(args, f.User)
		clauses = append(clauses, fmt.Sprintf("strpos(lower(requester), lower($%d)) > 0", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + pgSummaryColumns + ` FROM jobs` + where + ` ORDER BY created_at ASC, seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []model.JobSummary{}
	for rows.Next() {
		sum, err := scanPgSummary(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sum)
	}
	return out, total, rows.Err()
}

func (p *Postgres) NextPending(ctx context.Context) (*model.JobSummary, error) {
	sum, err := scanPgSummary(p.pool.QueryRow(ctx,
		`SELECT `+pgSummaryColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC, seq ASC LIMIT 1`,
		string(model.JobPending),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (p *Postgres) Claim(ctx context.Context) (*model.JobSummary, error) {
	sum, err := scanPgSummary(p.pool.QueryRow(ctx, `
UPDATE jobs SET
  status = $1,
  started_at = COALESCE(started_at, $2)
WHERE id = (
  SELECT id FROM jobs
  WHERE status = $3
  ORDER BY created_at ASC, seq ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING `+pgSummaryColumns,
		string(model.JobRunning), p.now().UTC(), string(model.JobPending),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (p *Postgres) Transition(ctx context.Context, id string, to model.JobStatus, opts model.TransitionOptions) error {
	return p.transition(ctx, p.pool, id, to, opts)
}

func (p *Postgres) transition(ctx context.Context, q pgQueryer, id string, to model.JobStatus, opts model.TransitionOptions) error {
	sources := model.Sources(to)
	if len(sources) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", model.ErrInvalidTransition, to)
	}
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}
	tag, err := q.Exec(ctx, `
UPDATE jobs SET
  status = $1,
  error_message = COALESCE($2::text, error_message),
  num_phases = COALESCE($3::integer, num_phases),
  started_at = CASE WHEN $4::boolean THEN COALESCE(started_at, $5) ELSE started_at END,
  finished_at = CASE WHEN $6::boolean THEN COALESCE(finished_at, $5) ELSE finished_at END
WHERE id = $7 AND status = ANY($8)`,
		string(to), opts.ErrorMessage, opts.NumPhases, opts.MarkStarted, p.now().UTC(), opts.MarkFinished, id, from,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := getPgSummary(ctx, q, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s, cannot become %s", model.ErrInvalidTransition, id, cur.Status, to)
}

func savePgDetail(ctx context.Context, q pgQueryer, id string, detail model.JobDetail) error {
	b, err := encodeDetail(detail)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO job_details (job_id, detail_json) VALUES ($1, $2)
         ON CONFLICT (job_id) DO UPDATE SET detail_json = EXCLUDED.detail_json`,
		id, string(b),
	)
	return err
}

func (p *Postgres) SaveDetail(ctx context.Context, id string, detail model.JobDetail) error {
	sum, err := getPgSummary(ctx, p.pool, id)
	if err != nil {
		return err
	}
	if err := requireTerminal(sum); err != nil {
		return err
	}
	return savePgDetail(ctx, p.pool, id, detail)
}

func (p *Postgres) LoadDetail(ctx context.Context, id string) (*model.JobDetail, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT detail_json FROM job_details WHERE job_id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDetail(id, raw)
}

func (p *Postgres) Finish(ctx context.Context, id string, to model.JobStatus, opts model.TransitionOptions, build DetailBuilder) (model.JobDetail, error) {
	if !to.Terminal() {
		return model.JobDetail{}, fmt.Errorf("%w: %s is not terminal", model.ErrInvalidTransition, to)
	}
	var detail model.JobDetail
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := p.transition(ctx, tx, id, to, opts); err != nil {
			return err
		}
		sum, err := getPgSummary(ctx, tx, id)
		if err != nil {
			return err
		}
		detail = build(sum)
		return savePgDetail(ctx, tx, id, detail)
	})
	if err != nil {
		return model.JobDetail{}, err
	}
	return detail, nil
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.JobStatus]int, len(model.Statuses))
	for _, st := range model.Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[model.JobStatus(status)] = count
	}
	return out, rows.Err()
}
