package repository

import (
    "context"
    "database/sql"
    "encoding/json"
    "fmt"
    "time"

    "github.com/lib/pq"

    appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
    "github.com/unclebandit/campaign-dispatch/internal/model"
)

type CampaignRepository struct {
    DB *sql.DB
}

const campaignColumns = `
    c.id, c.name, c.type, c.content, c.template_id, c.status, c.scheduled_at,
    c.target_audience, c.created_at, c.updated_at,
    t.id, t.name, t.type, t.body`

type rowScanner interface {
    Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
    var c model.Campaign
    var audience []byte
    var tplID, tplName, tplType, tplBody sql.NullString
    err := row.Scan(
        &c.ID, &c.Name, &c.Type, &c.Content, &c.TemplateID, &c.Status, &c.ScheduledAt,
        &audience, &c.CreatedAt, &c.UpdatedAt,
        &tplID, &tplName, &tplType, &tplBody,
    )
    if err != nil {
        return nil, err
    }
    if len(audience) > 0 && string(audience) != "null" {
        c.TargetAudience = &model.AudienceCriteria{}
        if err := json.Unmarshal(audience, c.TargetAudience); err != nil {
            return nil, fmt.Errorf("decode target_audience of %s: %w", c.ID, err)
        }
    }
    if tplID.Valid {
        c.Template = &model.Template{
            ID:   tplID.String,
            Name: tplName.String,
            Type: model.CampaignType(tplType.String),
            Body: tplBody.String,
        }
    }
    return &c, nil
}

// ====================== Reads ======================

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
    query := `SELECT ` + campaignColumns + `
        FROM campaigns c LEFT JOIN templates t ON t.id = c.template_id
        WHERE c.id = $1`
    c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
    if err != nil {
        if err == sql.ErrNoRows {
            return nil, appErrors.NewCampaignNotFound(id)
        }
        return nil, err
    }
    return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, filter model.CampaignFilter, offset, limit int) ([]*model.Campaign, int, error) {
    where := ` WHERE 1=1`
    args := []interface{}{}
    argPos := 1

    if filter.Type != "" {
        where += fmt.Sprintf(" AND c.type=$%d", argPos)
        args = append(args, filter.Type)
        argPos++
    }
    if filter.Status != "" {
        where += fmt.Sprintf(" AND c.status=$%d", argPos)
        args = append(args, filter.Status)
        argPos++
    }

    var total int
    if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns c`+where, args...).Scan(&total); err != nil {
        return nil, 0, err
    }

    query := `SELECT ` + campaignColumns + `
        FROM campaigns c LEFT JOIN templates t ON t.id = c.template_id` + where +
        fmt.Sprintf(" ORDER BY c.created_at DESC, c.id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
    args = append(args, limit, offset)

    campaigns, err := r.queryCampaigns(ctx, query, args...)
    if err != nil {
        return nil, 0, err
    }
    return campaigns, total, nil
}

// ListDueScheduled returns SCHEDULED campaigns whose send time has passed, oldest first.
func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
    query := `SELECT ` + campaignColumns + `
        FROM campaigns c LEFT JOIN templates t ON t.id = c.template_id
        WHERE c.status = $1 AND c.scheduled_at <= $2
        ORDER BY c.scheduled_at, c.id
        LIMIT $3`
    return r.queryCampaigns(ctx, query, model.StatusScheduled, now, limit)
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...interface{}) ([]*model.Campaign, error) {
    rows, err := r.DB.QueryContext(ctx, query, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    campaigns := []*model.Campaign{}
    for rows.Next() {
        c, err := scanCampaign(rows)
        if err != nil {
            return nil, err
        }
        campaigns = append(campaigns, c)
    }
    return campaigns, rows.Err()
}

// ====================== Unit of work ======================

// Transact runs fn in one database transaction.
func (r *CampaignRepository) Transact(ctx context.Context, fn func(tx CampaignTx) error) error {
    return WithTx(ctx, r.DB, func(db DBTX) error {
        return fn(&campaignTx{db: db})
    })
}

type campaignTx struct {
    db DBTX
}

func (t *campaignTx) InsertCampaign(ctx context.Context, c *model.Campaign) error {
    var audience interface{}
    if c.TargetAudience != nil {
        raw, err := json.Marshal(c.TargetAudience)
        if err != nil {
            return err
        }
        audience = string(raw)
    }
    query := `
        INSERT INTO campaigns (id, name, type, content, template_id, status, scheduled_at, target_audience, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
    _, err := t.db.ExecContext(ctx, query,
        c.ID, c.Name, c.Type, c.Content, c.TemplateID, c.Status, c.ScheduledAt, audience, c.CreatedAt, c.UpdatedAt)
    if err != nil {
        if isForeignKeyViolation(err) && c.TemplateID != nil {
            return appErrors.NewTemplateNotFound(*c.TemplateID)
        }
        if isUniqueViolation(err) {
            return appErrors.NewConflict("campaign %s already exists", c.ID)
        }
        return err
    }
    return nil
}

func (t *campaignTx) TransitionCampaignStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (*model.Campaign, error) {
    allowed := make([]string, len(from))
    for i, s := range from {
        allowed[i] = string(s)
    }
    query := `
        WITH c AS (
            UPDATE campaigns SET status = $2, updated_at = $3
            WHERE id = $1 AND status = ANY($4)
            RETURNING *
        )
        SELECT ` + campaignColumns + `
        FROM c LEFT JOIN templates t ON t.id = c.template_id`
    c, err := scanCampaign(t.db.QueryRowContext(ctx, query, id, to, at, pq.Array(allowed)))
    if err == nil {
        return c, nil
    }
    if err != sql.ErrNoRows {
        return nil, err
    }

    var current model.CampaignStatus
    err = t.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&current)
    if err == sql.ErrNoRows {
        return nil, appErrors.NewCampaignNotFound(id)
    }
    if err != nil {
        return nil, err
    }
    return nil, appErrors.NewConflict("campaign %s is %s and cannot move to %s", id, current, to)
}

func (t *campaignTx) InsertOutboxEntry(ctx context.Context, e *model.OutboxEntry) error {
    query := `
        INSERT INTO outbox_entries (id, topic, event_type, aggregate_id, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING seq
    `
    return t.db.QueryRowContext(ctx, query,
        e.ID, e.Topic, e.EventType, e.AggregateID, string(e.Payload), e.Status, e.Attempts, e.LastError,
        e.NextAttemptAt, e.CreatedAt, e.UpdatedAt,
    ).Scan(&e.Seq)
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
