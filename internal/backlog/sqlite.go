package backlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const sqliteJobColumns = `id, user_id, video_url, video_filename, prompt_text, model, segment_length,
	status, worker_id, claimed_at, started_at, completed_at, failed_at,
	result_json_url, result_report_url, processing_time, frames_analyzed,
	error, error_category, error_trace, created_at, updated_at`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps the backlog in the local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, video_url, video_filename, prompt_text, model, segment_length,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.UserID, j.VideoURL, j.VideoFilename, j.PromptText, j.Model, j.SegmentLength,
		j.Status, formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("job create: %w", err)
	}
	return nil
}

// ClaimNext claims in one statement: the subquery picks the oldest pending
// row and the outer status guard makes a lost race update nothing.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	now := formatTime(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing', worker_id = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = 'pending'
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+sqliteJobColumns,
		workerID, now, now)

	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job claim: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, workerID string, upd StatusUpdate) error {
	if err := upd.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			failed_at = COALESCE(?, failed_at),
			result_json_url = COALESCE(?, result_json_url),
			result_report_url = COALESCE(?, result_report_url),
			processing_time = COALESCE(?, processing_time),
			frames_analyzed = COALESCE(?, frames_analyzed),
			error = COALESCE(?, error),
			error_category = COALESCE(?, error_category),
			error_trace = COALESCE(?, error_trace),
			updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'
	`,
		upd.Status,
		nullTime(upd.StartedAt), nullTime(upd.CompletedAt), nullTime(upd.FailedAt),
		nullString(upd.ResultJSONURL), nullString(upd.ResultReportURL),
		nullSeconds(upd.ProcessingTime), nullFrames(upd),
		nullString(upd.Error), nullString(upd.ErrorCategory), nullString(upd.ErrorTrace),
		formatTime(s.now()),
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

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job get: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	q := `SELECT ` + sqliteJobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, opts.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("job list: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job list scan: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) FailInterrupted(ctx context.Context, workerID string) (int, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error = ?, error_category = 'unknown_error', failed_at = ?, updated_at = ?
		WHERE status = 'processing' AND worker_id = ?
	`, interruptedReason, now, now, workerID)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	var (
		j                                           Job
		workerID, resultJSON, resultReport          sql.NullString
		errMsg, errCategory, errTrace               sql.NullString
		claimedAt, startedAt, completedAt, failedAt sql.NullString
		createdAt, updatedAt                        string
		processingTime                              sql.NullFloat64
	)
	err := row.Scan(
		&j.ID, &j.UserID, &j.VideoURL, &j.VideoFilename, &j.PromptText, &j.Model, &j.SegmentLength,
		&j.Status, &workerID, &claimedAt, &startedAt, &completedAt, &failedAt,
		&resultJSON, &resultReport, &processingTime, &j.FramesAnalyzed,
		&errMsg, &errCategory, &errTrace, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.WorkerID = workerID.String
	j.ResultJSONURL = resultJSON.String
	j.ResultReportURL = resultReport.String
	j.ProcessingTime = processingTime.Float64
	j.Error = errMsg.String
	j.ErrorCategory = errCategory.String
	j.ErrorTrace = errTrace.String
	j.ClaimedAt = parseNullTime(claimedAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	j.FailedAt = parseNullTime(failedAt)
	j.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	j.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullSeconds(d time.Duration) sql.NullFloat64 {
	if d <= 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: d.Seconds(), Valid: true}
}

func nullFrames(u StatusUpdate) sql.NullInt64 {
	if u.Status != StatusCompleted {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(u.FramesAnalyzed), Valid: true}
}
