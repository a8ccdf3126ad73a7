package model

import "time"

// Customer is the directory row the audience filters run against.
type Customer struct {
    ID               string   `db:"id" json:"id"`
    Name             string   `db:"name" json:"name"`
    Phone            string   `db:"phone" json:"phone"`
    Email            string   `db:"email" json:"email"`
    Tags             []string `db:"tags" json:"tags"`
    LoyaltyPoints    int      `db:"loyalty_points" json:"loyaltyPoints"`
    MarketingConsent bool     `db:"marketing_consent" json:"marketingConsent"`
}

// Recipient is the minimal projection handed to dispatch.
type Recipient struct {
    ID    string `json:"id"`
    Name  string `json:"name"`
    Phone string `json:"phone,omitempty"`
    Email string `json:"email,omitempty"`
}

func (c Customer) Recipient() Recipient {
    return Recipient{ID: c.ID, Name: c.Name, Phone: c.Phone, Email: c.Email}
}

// AudienceCriteria selects recipients; every supplied filter must hold.
type AudienceCriteria struct {
    Tags             []string `json:"tags,omitempty"`
    LoyaltyPointsMin *int     `json:"loyaltyPointsMin,omitempty"`
    LastOrderDaysAgo *int     `json:"lastOrderDaysAgo,omitempty"`
}

// RecipientQuery is a normalized AudienceCriteria ready for the directory.
// Zero values mean "no filter".
type RecipientQuery struct {
    Tags             []string
    LoyaltyPointsMin int
    OrderedSince     *time.Time
}
