package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/phasesearch/internal/model"
)

// SQLite is the default job store. The API process and the worker process
// each open the same file; WAL mode with synchronous=FULL makes every
// committed write durable before the call returns.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string, opts ...Option) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir store dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  requester TEXT NOT NULL,
  pattern_filename TEXT NOT NULL,
  database_source TEXT NOT NULL,
  status TEXT NOT NULL,
  num_phases INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  finished_at INTEGER,
  error_message TEXT,
  input_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_created ON jobs (status, created_at);
CREATE TABLE IF NOT EXISTS job_details (
  job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
  detail_json TEXT NOT NULL
);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db, now: applyOptions(opts).now}, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range []string{"busy_timeout(5000)", "journal_mode(WAL)", "synchronous(FULL)", "foreign_keys(1)"} {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

func (s *SQLite) Close() error { return s.db.Close() }

const sqliteSummaryColumns = `id, requester, pattern_filename, database_source, status, num_phases, created_at, started_at, finished_at, error_message`

func (s *SQLite) Create(ctx context.Context, in model.JobInput) (string, error) {
	inputJSON, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode job input: %w", err)
	}
	id := newID()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, requester, pattern_filename, database_source, status, created_at, input_json)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		in.User,
		in.PatternFilename,
		string(in.Database.Source),
		string(model.JobPending),
		s.now().UnixMilli(),
		string(inputJSON),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSummary(row rowScanner) (model.JobSummary, error) {
	var (
		sum                   model.JobSummary
		status                string
		createdMs             int64
		startedMs, finishedMs sql.NullInt64
		errorMsg              sql.NullString
	)
	if err := row.Scan(&sum.ID, &sum.User, &sum.PatternFilename, &sum.Database, &status, &sum.NumPhases,
		&createdMs, &startedMs, &finishedMs, &errorMsg); err != nil {
		return model.JobSummary{}, err
	}
	sum.Status = model.JobStatus(status)
	sum.CreatedAt = time.UnixMilli(createdMs).UTC()
	sum.StartedAt = nullMillis(startedMs)
	sum.FinishedAt = nullMillis(finishedMs)
	if errorMsg.Valid {
		sum.ErrorMessage = &errorMsg.String
	}
	return sum, nil
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteSummary(ctx context.Context, q sqlQueryer, id string) (model.JobSummary, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteSummaryColumns+` FROM jobs WHERE id = ?`, id)
	sum, err := scanSQLiteSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobSummary{}, model.ErrNotFound
	}
	return sum, err
}

func (s *SQLite) GetSummary(ctx context.Context, id string) (model.JobSummary, error) {
	return getSQLiteSummary(ctx, s.db, id)
}

func (s *SQLite) GetInput(ctx context.Context, id string) (model.JobInput, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT input_json FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobInput{}, model.ErrNotFound
	}
	if err != nil {
		return model.JobInput{}, err
	}
	var in model.JobInput
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return model.JobInput{}, fmt.Errorf("decode job input %s: %w", id, err)
	}
	return in, nil
}

func (s *SQLite) ListSummaries(ctx context.Context, f model.ListFilter) ([]model.JobSummary, int, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.User != "" {
		clauses = append(clauses, "instr(lower(requester), lower(?)) > 0")
		args = append(args, f.User)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + sqliteSummaryColumns + ` FROM jobs` + where + ` ORDER BY created_at ASC, rowid ASC`
	// SQLite only accepts OFFSET after a LIMIT; -1 means unbounded.
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []model.JobSummary{}
	for rows.Next() {
		sum, err := scanSQLiteSummary(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sum)
	}
	return out, total, rows.Err()
}

func (s *SQLite) NextPending(ctx context.Context) (*model.JobSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSummaryColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		string(model.JobPending),
	)
	sum, err := scanSQLiteSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// Claim selects the oldest pending job and marks it running in a single
// statement, so two pollers can never start the same job.
func (s *SQLite) Claim(ctx context.Context) (*model.JobSummary, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs SET
  status = ?,
  started_at = COALESCE(started_at, ?)
WHERE id = (
  SELECT id FROM jobs
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
) AND status = ?
RETURNING `+sqliteSummaryColumns,
		string(model.JobRunning),
		s.now().UnixMilli(),
		string(model.JobPending),
		string(model.JobPending),
	)
	sum, err := scanSQLiteSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *SQLite) Transition(ctx context.Context, id string, to model.JobStatus, opts model.TransitionOptions) error {
	return s.transition(ctx, s.db, id, to, opts)
}

func (s *SQLite) transition(ctx context.Context, q sqlQueryer, id string, to model.JobStatus, opts model.TransitionOptions) error {
	from := model.Sources(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", model.ErrInvalidTransition, to)
	}
	now := s.now().UnixMilli()
	args := []any{
		string(to),
		nullableString(opts.ErrorMessage),
		nullableInt(opts.NumPhases),
		opts.MarkStarted, now,
		opts.MarkFinished, now,
		id,
	}
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	res, err := q.ExecContext(ctx, `
UPDATE jobs SET
  status = ?,
  error_message = COALESCE(?, error_message),
  num_phases = COALESCE(?, num_phases),
  started_at = CASE WHEN ? THEN COALESCE(started_at, ?) ELSE started_at END,
  finished_at = CASE WHEN ? THEN COALESCE(finished_at, ?) ELSE finished_at END
WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := getSQLiteSummary(ctx, q, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s, cannot become %s", model.ErrInvalidTransition, id, cur.Status, to)
}

// SaveDetail upserts the detail of a job that already reached a terminal
// status.
func (s *SQLite) SaveDetail(ctx context.Context, id string, detail model.JobDetail) error {
	sum, err := getSQLiteSummary(ctx, s.db, id)
	if err != nil {
		return err
	}
	if err := requireTerminal(sum); err != nil {
		return err
	}
	return saveSQLiteDetail(ctx, s.db, id, detail)
}

func saveSQLiteDetail(ctx context.Context, q sqlQueryer, id string, detail model.JobDetail) error {
	b, err := encodeDetail(detail)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO job_details (job_id, detail_json) VALUES (?, ?)
         ON CONFLICT(job_id) DO UPDATE SET detail_json = excluded.detail_json`,
		id, string(b),
	)
	return err
}

func (s *SQLite) LoadDetail(ctx context.Context, id string) (*model.JobDetail, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT detail_json FROM job_details WHERE job_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDetail(id, []byte(raw))
}

// Finish performs a terminal transition and writes the detail built from the
// updated summary in one transaction.
func (s *SQLite) Finish(ctx context.Context, id string, to model.JobStatus, opts model.TransitionOptions, build DetailBuilder) (model.JobDetail, error) {
	if !to.Terminal() {
		return model.JobDetail{}, fmt.Errorf("%w: %s is not terminal", model.ErrInvalidTransition, to)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.JobDetail{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.transition(ctx, tx, id, to, opts); err != nil {
		return model.JobDetail{}, err
	}
	sum, err := getSQLiteSummary(ctx, tx, id)
	if err != nil {
		return model.JobDetail{}, err
	}
	detail := build(sum)
	if err := saveSQLiteDetail(ctx, tx, id, detail); err != nil {
		return model.JobDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.JobDetail{}, err
	}
	return detail, nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
