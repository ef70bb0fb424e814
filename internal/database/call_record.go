package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
)

// ErrRecordNotFound is returned when an update targets an unknown token.
var ErrRecordNotFound = errors.New("database: call record not found")

const callRecordColumns = `id, token, call_connection_id, caller_id, answered_for,
	 state, ai_started, started_at, ended_at, end_reason`

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts a new call record.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (token, call_connection_id, caller_id, answered_for,
		 state, ai_started, started_at, ended_at, end_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.CallConnectionID, rec.CallerID, rec.AnsweredFor,
		rec.State, rec.AIStarted, rec.StartedAt, rec.EndedAt, rec.EndReason,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByToken returns the record for a callback token, or nil if none exists.
func (r *callRecordRepo) GetByToken(ctx context.Context, token string) (*models.CallRecord, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE token = ?`, token,
	))
}

// UpdateState writes the mutable lifecycle fields of rec, keyed by token.
func (r *callRecordRepo) UpdateState(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET call_connection_id = ?, answered_for = ?,
		 state = ?, ai_started = ?
		 WHERE token = ?`,
		rec.CallConnectionID, rec.AnsweredFor, rec.State, rec.AIStarted, rec.Token,
	)
	if err != nil {
		return fmt.Errorf("updating call record: %w", err)
	}
	return requireRow(result, rec.Token)
}

// Finish marks the record ended. Finishing an already ended record keeps the
// first end time and reason.
func (r *callRecordRepo) Finish(ctx context.Context, token, state, reason string, endedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET state = ?,
		 end_reason = CASE WHEN ended_at IS NULL THEN ? ELSE end_reason END,
		 ended_at = COALESCE(ended_at, ?)
		 WHERE token = ?`,
		state, reason, endedAt.UTC(), token,
	)
	if err != nil {
		return fmt.Errorf("finishing call record: %w", err)
	}
	return requireRow(result, token)
}

// List returns records matching the filter, newest first, along with the
// total count.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.State != "" {
		where += " AND state = ?"
		args = append(args, filter.State)
	}
	if filter.Search != "" {
		where += " AND (caller_id LIKE ? OR answered_for LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if filter.StartDate != "" {
		where += " AND started_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND started_at <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_records WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []models.CallRecord
	for rows.Next() {
		var c models.CallRecord
		if err := rows.Scan(&c.ID, &c.Token, &c.CallConnectionID, &c.CallerID,
			&c.AnsweredFor, &c.State, &c.AIStarted, &c.StartedAt, &c.EndedAt,
			&c.EndReason); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return records, total, nil
}

// CountByState returns the number of records in each state.
func (r *callRecordRepo) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM call_records GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting call records by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning state count: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state counts: %w", err)
	}
	return counts, nil
}

func (r *callRecordRepo) scanOne(row *sql.Row) (*models.CallRecord, error) {
	var c models.CallRecord
	err := row.Scan(&c.ID, &c.Token, &c.CallConnectionID, &c.CallerID,
		&c.AnsweredFor, &c.State, &c.AIStarted, &c.StartedAt, &c.EndedAt,
		&c.EndReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &c, nil
}

func requireRow(result sql.Result, token string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, token)
	}
	return nil
}
