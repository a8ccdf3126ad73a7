package repository

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "time"

    "github.com/lib/pq"

    "github.com/unclebandit/campaign-dispatch/internal/model"
)

// ErrLeaseLost is returned when an outbox row is no longer held by the caller's claim token.
var ErrLeaseLost = errors.New("outbox lease lost")

// CampaignTx is the unit of work for campaign mutations. Everything written
// through it commits or rolls back together.
type CampaignTx interface {
    InsertCampaign(ctx context.Context, c *model.Campaign) error
    // TransitionCampaignStatus sets status to `to` only if the current status is
    // one of `from`. It fails with NotFound if the campaign is gone and Conflict
    // if the status did not allow the move.
    TransitionCampaignStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (*model.Campaign, error)
    InsertOutboxEntry(ctx context.Context, e *model.OutboxEntry) error
}

type CampaignRepositoryInterface interface {
    GetByID(ctx context.Context, id string) (*model.Campaign, error)
    ListCampaigns(ctx context.Context, filter model.CampaignFilter, offset, limit int) ([]*model.Campaign, int, error)
    ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
    Transact(ctx context.Context, fn func(tx CampaignTx) error) error
}

type TemplateRepositoryInterface interface {
    GetTemplate(ctx context.Context, id string) (*model.Template, error)
}

// CustomerRepositoryInterface is the recipient directory.
type CustomerRepositoryInterface interface {
    FindRecipients(ctx context.Context, q model.RecipientQuery) ([]model.Recipient, error)
}

// OutboxRepositoryInterface is what the relay and the operator endpoints need.
// Every Mark/Release call is conditioned on the claim token.
type OutboxRepositoryInterface interface {
    Claim(ctx context.Context, limit int, now time.Time, lease time.Duration, token string) ([]*model.OutboxEntry, error)
    MarkSent(ctx context.Context, id, token string, at time.Time) error
    MarkFailed(ctx context.Context, id, token string, attempts int, lastError string, nextAttemptAt time.Time) error
    MarkDead(ctx context.Context, id, token string, attempts int, lastError string, at time.Time) error
    Release(ctx context.Context, id, token string) error
    ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEntry, error)
    Requeue(ctx context.Context, id string, now time.Time) (*model.OutboxEntry, error)
}

// DBTX abstracts *sql.DB and *sql.Tx.
type DBTX interface {
    ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
    QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
    QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// WithTx runs fn inside a transaction when db is *sql.DB, or directly when it
// already is a *sql.Tx.
func WithTx(ctx context.Context, db DBTX, fn func(DBTX) error) error {
    if db == nil {
        return errors.New("database not initialized")
    }
    if tx, ok := db.(*sql.Tx); ok {
        return fn(tx)
    }
    sqlDB, ok := db.(*sql.DB)
    if !ok {
        return errors.New("unsupported db type")
    }
    tx, err := sqlDB.BeginTx(ctx, nil)
    if err != nil {
        return err
    }
    if err := fn(tx); err != nil {
        if rbErr := tx.Rollback(); rbErr != nil {
            return fmt.Errorf("tx error: %v (rollback error: %w)", err, rbErr)
        }
        return err
    }
    return tx.Commit()
}

func pqCode(err error) pq.ErrorCode {
    var pqErr *pq.Error
    if errors.As(err, &pqErr) {
        return pqErr.Code
    }
    return ""
}

func isForeignKeyViolation(err error) bool { return pqCode(err) == "23503" }

func isUniqueViolation(err error) bool { return pqCode(err) == "23505" }
