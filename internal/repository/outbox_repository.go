package repository

import (
    "context"
    "database/sql"
    "sort"
    "time"

    appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
    "github.com/unclebandit/campaign-dispatch/internal/model"
)

// claimLockKey serializes claims across relay instances.
const claimLockKey = 7_340_112

type OutboxRepository struct {
    DB *sql.DB
}

const outboxColumns = `o.id, o.seq, o.topic, o.event_type, o.aggregate_id, o.payload, o.status, o.attempts,
    COALESCE(o.last_error, ''), o.next_attempt_at, o.locked_until, o.claim_token, o.created_at, o.updated_at, o.sent_at`

func scanOutboxEntry(row rowScanner) (*model.OutboxEntry, error) {
    var e model.OutboxEntry
    var payload []byte
    err := row.Scan(&e.ID, &e.Seq, &e.Topic, &e.EventType, &e.AggregateID, &payload, &e.Status, &e.Attempts,
        &e.LastError, &e.NextAttemptAt, &e.LockedUntil, &e.ClaimToken, &e.CreatedAt, &e.UpdatedAt, &e.SentAt)
    if err != nil {
        return nil, err
    }
    e.Payload = payload
    return &e, nil
}

// Claim leases up to limit due rows in seq order. A row is skipped while an
// earlier undelivered row of the same aggregate is leased or waiting for its retry.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, now time.Time, lease time.Duration, token string) ([]*model.OutboxEntry, error) {
    var claimed []*model.OutboxEntry
    err := WithTx(ctx, r.DB, func(db DBTX) error {
        if _, err := db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
            return err
        }
        query := `
            WITH due AS (
                SELECT o.id
                FROM outbox_entries o
                WHERE o.status IN ('PENDING', 'FAILED')
                  AND o.next_attempt_at <= $1
                  AND (o.locked_until IS NULL OR o.locked_until <= $1)
                  AND NOT EXISTS (
                      SELECT 1 FROM outbox_entries p
                      WHERE p.aggregate_id = o.aggregate_id
                        AND p.seq < o.seq
                        AND p.status IN ('PENDING', 'FAILED')
                        AND (p.next_attempt_at > $1 OR p.locked_until > $1)
                  )
                ORDER BY o.seq
                LIMIT $2
                FOR UPDATE SKIP LOCKED
            )
            UPDATE outbox_entries o
            SET locked_until = $3, claim_token = $4, updated_at = $1
            FROM due
            WHERE o.id = due.id
            RETURNING ` + outboxColumns
        rows, err := db.QueryContext(ctx, query, now, limit, now.Add(lease), token)
        if err != nil {
            return err
        }
        defer rows.Close()
        for rows.Next() {
            e, err := scanOutboxEntry(rows)
            if err != nil {
                return err
            }
            claimed = append(claimed, e)
        }
        return rows.Err()
    })
    if err != nil {
        return nil, err
    }
    sort.Slice(claimed, func(i, j int) bool { return claimed[i].Seq < claimed[j].Seq })
    return claimed, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id, token string, at time.Time) error {
    return r.execClaimed(ctx, `
        UPDATE outbox_entries
        SET status = 'SENT', sent_at = $3, updated_at = $3, locked_until = NULL, claim_token = NULL
        WHERE id = $1 AND claim_token = $2`, id, token, at)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id, token string, attempts int, lastError string, nextAttemptAt time.Time) error {
    return r.execClaimed(ctx, `
        UPDATE outbox_entries
        SET status = 'FAILED', attempts = $3, last_error = $4, next_attempt_at = $5, updated_at = NOW(),
            locked_until = NULL, claim_token = NULL
        WHERE id = $1 AND claim_token = $2`, id, token, attempts, lastError, nextAttemptAt)
}

func (r *OutboxRepository) MarkDead(ctx context.Context, id, token string, attempts int, lastError string, at time.Time) error {
    return r.execClaimed(ctx, `
        UPDATE outbox_entries
        SET status = 'DEAD', attempts = $3, last_error = $4, updated_at = $5, locked_until = NULL, claim_token = NULL
        WHERE id = $1 AND claim_token = $2`, id, token, attempts, lastError, at)
}

// Release gives a claimed row back without counting an attempt.
func (r *OutboxRepository) Release(ctx context.Context, id, token string) error {
    return r.execClaimed(ctx, `
        UPDATE outbox_entries
        SET locked_until = NULL, claim_token = NULL, updated_at = NOW()
        WHERE id = $1 AND claim_token = $2`, id, token)
}

func (r *OutboxRepository) execClaimed(ctx context.Context, query string, args ...interface{}) error {
    res, err := r.DB.ExecContext(ctx, query, args...)
    if err != nil {
        return err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        return ErrLeaseLost
    }
    return nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEntry, error) {
    rows, err := r.DB.QueryContext(ctx,
        `SELECT `+outboxColumns+` FROM outbox_entries o WHERE o.status = $1 ORDER BY o.seq LIMIT $2`, status, limit)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    entries := []*model.OutboxEntry{}
    for rows.Next() {
        e, err := scanOutboxEntry(rows)
        if err != nil {
            return nil, err
        }
        entries = append(entries, e)
    }
    return entries, rows.Err()
}

// Requeue puts a DEAD row back to PENDING with a fresh attempt budget.
func (r *OutboxRepository) Requeue(ctx context.Context, id string, now time.Time) (*model.OutboxEntry, error) {
    query := `
        UPDATE outbox_entries o
        SET status = 'PENDING', attempts = 0, last_error = '', next_attempt_at = $2, updated_at = $2,
            locked_until = NULL, claim_token = NULL
        WHERE o.id = $1 AND o.status = 'DEAD'
        RETURNING ` + outboxColumns
    e, err := scanOutboxEntry(r.DB.QueryRowContext(ctx, query, id, now))
    if err == nil {
        return e, nil
    }
    if err != sql.ErrNoRows {
        return nil, err
    }

    var status model.OutboxStatus
    err = r.DB.QueryRowContext(ctx, `SELECT status FROM outbox_entries WHERE id = $1`, id).Scan(&status)
    if err == sql.ErrNoRows {
        return nil, appErrors.NewOutboxEntryNotFound(id)
    }
    if err != nil {
        return nil, err
    }
    return nil, appErrors.NewConflict("outbox entry %s is %s, only DEAD entries can be requeued", id, status)
}

var _ OutboxRepositoryInterface = (*OutboxRepository)(nil)
