package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// CustomerRepository is the recipient directory backed by the customers and orders tables.
type CustomerRepository struct {
	DB *sql.DB
}

// FindRecipients returns opted-in customers matching every populated field of q.
func (r *CustomerRepository) FindRecipients(ctx context.Context, q model.RecipientQuery) ([]model.Recipient, error) {
	query := `
        SELECT c.id, c.name, COALESCE(c.phone, ''), COALESCE(c.email, '')
        FROM customers c
        WHERE c.marketing_consent = TRUE`
	args := []interface{}{}
	argPos := 1

	if len(q.Tags) > 0 {
		query += fmt.Sprintf(" AND c.tags && $%d", argPos)
		args = append(args, pq.Array(q.Tags))
		argPos++
	}
	if q.LoyaltyPointsMin > 0 {
		query += fmt.Sprintf(" AND c.loyalty_points >= $%d", argPos)
		args = append(args, q.LoyaltyPointsMin)
		argPos++
	}
	if q.OrderedSince != nil {
		query += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM orders o WHERE o.customer_id = c.id AND o.created_at >= $%d)", argPos)
		args = append(args, *q.OrderedSince)
	}
	query += " ORDER BY c.id"

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		var rc model.Recipient
		if err := rows.Scan(&rc.ID, &rc.Name, &rc.Phone, &rc.Email); err != nil {
			return nil, err
		}
		recipients = append(recipients, rc)
	}
	return recipients, rows.Err()
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
