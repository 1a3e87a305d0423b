package models

import "time"

type OtpChallenge struct {
	ChallengeID   string     `json:"challenge_id"`
	Ticket        TicketRef  `json:"ticket"`
	RecipientName string     `json:"recipient_name"`
	Phone         string     `json:"phone"`
	Code          string     `json:"-"`
	Attempts      int        `json:"attempts"`
	Consumed      bool       `json:"consumed"`
	Superseded    bool       `json:"superseded"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// Expired reports whether now is past the validity window. A challenge is
// still usable at the exact expiry instant.
func (c OtpChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
