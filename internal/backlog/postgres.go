package backlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

//go:embed schema/postgres.sql
var postgresSchema string

const pgJobColumns = `id, user_id, video_url, video_filename, prompt_text, model, segment_length,
	status, worker_id, claimed_at, started_at, completed_at, failed_at,
	result_json_url, result_report_url, processing_time, frames_analyzed,
	error, error_category, error_trace, created_at, updated_at`

// ConnectPostgres opens a pooled connection through the pgx stdlib driver.
func ConnectPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore is the shared backlog for multi-worker deployments. The
// claim goes through the claim_next_job function, which skips rows locked
// by concurrent claimers.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the jobs table and the claim function if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

type pgJobRow struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	VideoURL        string          `db:"video_url"`
	VideoFilename   string          `db:"video_filename"`
	PromptText      string          `db:"prompt_text"`
	Model           string          `db:"model"`
	SegmentLength   int             `db:"segment_length"`
	Status          string          `db:"status"`
	WorkerID        sql.NullString  `db:"worker_id"`
	ClaimedAt       sql.NullTime    `db:"claimed_at"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	FailedAt        sql.NullTime    `db:"failed_at"`
	ResultJSONURL   sql.NullString  `db:"result_json_url"`
	ResultReportURL sql.NullString  `db:"result_report_url"`
	ProcessingTime  sql.NullFloat64 `db:"processing_time"`
	FramesAnalyzed  int             `db:"frames_analyzed"`
	Error           sql.NullString  `db:"error"`
	ErrorCategory   sql.NullString  `db:"error_category"`
	ErrorTrace      sql.NullString  `db:"error_trace"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r pgJobRow) job() *Job {
	return &Job{
		ID:              r.ID,
		UserID:          r.UserID,
		VideoURL:        r.VideoURL,
		VideoFilename:   r.VideoFilename,
		PromptText:      r.PromptText,
		Model:           r.Model,
		SegmentLength:   r.SegmentLength,
		Status:          Status(r.Status),
		WorkerID:        r.WorkerID.String,
		ClaimedAt:       timePtr(r.ClaimedAt),
		StartedAt:       timePtr(r.StartedAt),
		CompletedAt:     timePtr(r.CompletedAt),
		FailedAt:        timePtr(r.FailedAt),
		ResultJSONURL:   r.ResultJSONURL.String,
		ResultReportURL: r.ResultReportURL.String,
		ProcessingTime:  r.ProcessingTime.Float64,
		FramesAnalyzed:  r.FramesAnalyzed,
		Error:           r.Error.String,
		ErrorCategory:   r.ErrorCategory.String,
		ErrorTrace:      r.ErrorTrace.String,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	const q = `
		INSERT INTO jobs (id, user_id, video_url, video_filename, prompt_text, model, segment_length,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, q,
		j.ID, j.UserID, j.VideoURL, j.VideoFilename, j.PromptText, j.Model, j.SegmentLength,
		string(j.Status), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("job create: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	const q = `SELECT ` + pgJobColumns + ` FROM claim_next_job($1)`

	var row pgJobRow
	if err := s.db.GetContext(ctx, &row, q, workerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("job claim: %w", err)
	}
	return row.job(), nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id, workerID string, upd StatusUpdate) error {
	if err := upd.Validate(); err != nil {
		return err
	}

	const q = `
		UPDATE jobs SET
			status = $1,
			started_at = COALESCE($2, started_at),
			completed_at = COALESCE($3, completed_at),
			failed_at = COALESCE($4, failed_at),
			result_json_url = COALESCE($5, result_json_url),
			result_report_url = COALESCE($6, result_report_url),
			processing_time = COALESCE($7, processing_time),
			frames_analyzed = COALESCE($8, frames_analyzed),
			error = COALESCE($9, error),
			error_category = COALESCE($10, error_category),
			error_trace = COALESCE($11, error_trace),
			updated_at = NOW()
		WHERE id = $12 AND worker_id = $13 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, q,
		string(upd.Status),
		pgNullTime(upd.StartedAt), pgNullTime(upd.CompletedAt), pgNullTime(upd.FailedAt),
		nullString(upd.ResultJSONURL), nullString(upd.ResultReportURL),
		nullSeconds(upd.ProcessingTime), nullFrames(upd),
		nullString(upd.Error), nullString(upd.ErrorCategory), nullString(upd.ErrorTrace),
		id, workerID,
	)
	if err != nil {
		return fmt.Errorf("job update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job update status: %w", err)
	}
	if n == 0 {
		return explainRejectedUpdate(ctx, s.Get, id, workerID, upd.Status)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	const q = `SELECT ` + pgJobColumns + ` FROM jobs WHERE id = $1`

	var row pgJobRow
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("job get: %w", err)
	}
	return row.job(), nil
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	var rows []pgJobRow
	var err error
	if opts.Status != "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+pgJobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
			string(opts.Status), opts.limit())
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+pgJobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`,
			opts.limit())
	}
	if err != nil {
		return nil, fmt.Errorf("job list: %w", err)
	}

	jobs := make([]*Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.job()
	}
	return jobs, nil
}

func (s *PostgresStore) FailInterrupted(ctx context.Context, workerID string) (int, error) {
	const q = `
		UPDATE jobs
		SET status = 'failed', error = $1, error_category = 'unknown_error', failed_at = NOW(), updated_at = NOW()
		WHERE status = 'processing' AND worker_id = $2
	`
	res, err := s.db.ExecContext(ctx, q, interruptedReason, workerID)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func pgNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
