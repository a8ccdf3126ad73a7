package repository

import (
    "context"
    "database/sql"

    appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
    "github.com/unclebandit/campaign-dispatch/internal/model"
)

// TemplateRepository is a read-only view of message templates.
type TemplateRepository struct {
    DB *sql.DB
}

func (r *TemplateRepository) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
    var t model.Template
    err := r.DB.QueryRowContext(ctx, `SELECT id, name, type, body FROM templates WHERE id = $1`, id).
        Scan(&t.ID, &t.Name, &t.Type, &t.Body)
    if err != nil {
        if err == sql.ErrNoRows {
            return nil, appErrors.NewTemplateNotFound(id)
        }
        return nil, err
    }
    return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
