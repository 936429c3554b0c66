package domain

import (
	"time"
)

// SentTimeLayout is the textual layout of the sent_time column.
const SentTimeLayout = "2006-01-02 15:04:05"

// SentEmailRecord is one row of the append-only sent-email log.
type SentEmailRecord struct {
	MerchantID string    `json:"merchant_id"`
	Email      string    `json:"email"`
	SentAt     time.Time `json:"sent_at"`
}

// SentTime formats SentAt in UTC using SentTimeLayout.
func (r SentEmailRecord) SentTime() string {
	return r.SentAt.UTC().Format(SentTimeLayout)
}

// EmailTemplate is a named email-generation prompt.
type EmailTemplate struct {
	Name string `json:"name"`
	Body string `json:"body"`
}
