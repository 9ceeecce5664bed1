package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/repository"
)

const callColumns = `id, payload, status, attempts, last_error, external_call_id, created_at, started_at, ended_at`

// CallRepository implements repository.CallStore using PostgreSQL.
type CallRepository struct {
	db *sqlx.DB
}

var _ repository.CallStore = (*CallRepository)(nil)

// NewCallRepository constructs the repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create inserts a new PENDING call.
func (r *CallRepository) Create(ctx context.Context, payload domain.CallPayload) (*domain.Call, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("call repo: marshal payload: %w", err)
	}

	row := r.db.QueryRowxContext(ctx, `INSERT INTO calls (id, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, 0, $4)
		RETURNING `+callColumns,
		uuid.New(), raw, string(domain.CallStatusPending), time.Now().UTC(),
	)
	return scanCall(row, "create")
}

// GetByID fetches a call by id.
func (r *CallRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	return getByID(ctx, r.db, id)
}

// GetByExternalID fetches a call by the provider-assigned id.
func (r *CallRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Call, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+callColumns+` FROM calls WHERE external_call_id = $1`, externalID)
	return scanCall(row, "get by external id")
}

// UpdateStatus sets the status and maintains started_at/ended_at.
func (r *CallRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus, lastError *string) (*domain.Call, error) {
	return updateStatus(ctx, r.db, id, status, lastError)
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (r *CallRepository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	return incrementAttempts(ctx, r.db, id)
}

// UpdateExternalCallID stores the provider call id.
func (r *CallRepository) UpdateExternalCallID(ctx context.Context, id uuid.UUID, externalID string) error {
	return updateExternalCallID(ctx, r.db, id, externalID)
}

// MarkInProgress stores the provider id and moves the call to IN_PROGRESS in one transaction.
func (r *CallRepository) MarkInProgress(ctx context.Context, id uuid.UUID, externalID string) (*domain.Call, error) {
	var call *domain.Call
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := updateExternalCallID(ctx, tx, id, externalID); err != nil {
			return err
		}
		updated, err := updateStatus(ctx, tx, id, domain.CallStatusInProgress, nil)
		if err != nil {
			return err
		}
		call = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

// RecordFailedAttempt increments attempts and applies the retry policy under a row lock.
func (r *CallRepository) RecordFailedAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, reason string) (*domain.Call, error) {
	var call *domain.Call
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var previous int
		if err := tx.QueryRowxContext(ctx, `SELECT attempts FROM calls WHERE id = $1 FOR UPDATE`, id).Scan(&previous); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("call repo: lock attempts: %w", err)
		}

		if _, err := incrementAttempts(ctx, tx, id); err != nil {
			return err
		}

		next := domain.CallStatusFailed
		if previous+1 < maxAttempts {
			next = domain.CallStatusPending
		}
		updated, err := updateStatus(ctx, tx, id, next, &reason)
		if err != nil {
			return err
		}
		call = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

// Complete applies a terminal status to an IN_PROGRESS call.
func (r *CallRepository) Complete(ctx context.Context, id uuid.UUID, status domain.CallStatus, completedAt time.Time) (*domain.Call, bool, error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("call repo: complete with non-terminal status %s", status)
	}

	row := r.db.QueryRowxContext(ctx, `UPDATE calls
		SET status = $2, ended_at = COALESCE(ended_at, $3)
		WHERE id = $1 AND status = $4
		RETURNING `+callColumns,
		id, string(status), completedAt.UTC(), string(domain.CallStatusInProgress),
	)
	call, err := scanCall(row, "complete")
	if err == nil {
		return call, true, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	current, err := getByID(ctx, r.db, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ResolveExpired overwrites EXPIRED with a terminal status reported after the
// slot was reaped. The ended_at reported by the provider wins.
func (r *CallRepository) ResolveExpired(ctx context.Context, id uuid.UUID, status domain.CallStatus, completedAt time.Time) (*domain.Call, bool, error) {
	if !status.IsTerminal() || status == domain.CallStatusExpired {
		return nil, false, fmt.Errorf("call repo: resolve expired with status %s", status)
	}

	row := r.db.QueryRowxContext(ctx, `UPDATE calls
		SET status = $2, ended_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+callColumns,
		id, string(status), completedAt.UTC(), string(domain.CallStatusExpired),
	)
	call, err := scanCall(row, "resolve expired")
	if err == nil {
		return call, true, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	current, err := getByID(ctx, r.db, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ListByStatus lists calls with the given status, newest first.
func (r *CallRepository) ListByStatus(ctx context.Context, status domain.CallStatus, limit, offset int) ([]domain.Call, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+callColumns+` FROM calls
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("call repo: list by status: %w", err)
	}
	return collectCalls(rows)
}

// CountByStatus returns the number of calls per status.
func (r *CallRepository) CountByStatus(ctx context.Context) (map[domain.CallStatus]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("call repo: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.CallStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("call repo: scan count: %w", err)
		}
		counts[domain.CallStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}
	return counts, nil
}

// ListStalePending returns the oldest PENDING calls created before the cutoff.
func (r *CallRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Call, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+callColumns+` FROM calls
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`, string(domain.CallStatusPending), createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("call repo: list stale pending: %w", err)
	}
	return collectCalls(rows)
}

func getByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.Call, error) {
	row := q.QueryRowxContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
	return scanCall(row, "get")
}

func updateStatus(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID, status domain.CallStatus, lastError *string) (*domain.Call, error) {
	row := q.QueryRowxContext(ctx, `UPDATE calls
		SET status = $2,
		    last_error = $3,
		    started_at = CASE WHEN $2 = 'IN_PROGRESS' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    ended_at = CASE WHEN $4 THEN COALESCE(ended_at, NOW()) ELSE NULL END
		WHERE id = $1
		RETURNING `+callColumns,
		id, string(status), lastError, status.IsTerminal(),
	)
	return scanCall(row, "update status")
}

func incrementAttempts(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (int, error) {
	var attempts int
	if err := q.QueryRowxContext(ctx, `UPDATE calls SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("call repo: increment attempts: %w", err)
	}
	return attempts, nil
}

func updateExternalCallID(ctx context.Context, e sqlx.ExecerContext, id uuid.UUID, externalID string) error {
	res, err := e.ExecContext(ctx, `UPDATE calls SET external_call_id = $1 WHERE id = $2`, externalID, id)
	if err != nil {
		return fmt.Errorf("call repo: update external id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type callRecord struct {
	ID             uuid.UUID      `db:"id"`
	Payload        []byte         `db:"payload"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	LastError      sql.NullString `db:"last_error"`
	ExternalCallID sql.NullString `db:"external_call_id"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	EndedAt        sql.NullTime   `db:"ended_at"`
}

func (r callRecord) toDomain() (*domain.Call, error) {
	call := &domain.Call{
		ID:        r.ID,
		Status:    domain.CallStatus(r.Status),
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal(r.Payload, &call.Payload); err != nil {
		return nil, fmt.Errorf("call repo: unmarshal payload: %w", err)
	}
	if r.LastError.Valid {
		v := r.LastError.String
		call.LastError = &v
	}
	if r.ExternalCallID.Valid {
		v := r.ExternalCallID.String
		call.ExternalCallID = &v
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		call.StartedAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		call.EndedAt = &t
	}
	return call, nil
}

func scanCall(row *sqlx.Row, op string) (*domain.Call, error) {
	var rec callRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: %s: %w", op, err)
	}
	return rec.toDomain()
}

func collectCalls(rows *sqlx.Rows) ([]domain.Call, error) {
	defer rows.Close()

	var results []domain.Call
	for rows.Next() {
		var rec callRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call repo: scan: %w", err)
		}
		call, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, *call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}
	return results, nil
}
