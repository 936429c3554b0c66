// Package domain contains core domain types for the Pulse iD outreach service.
package domain

import (
	"time"
)

// EntryKind tags which variant an InteractionEntry holds.
type EntryKind string

const (
	// EntryKindQuery marks a completed natural-language query.
	EntryKindQuery EntryKind = "query"
	// EntryKindEmail marks one generated, sendable email.
	EntryKindEmail EntryKind = "email"
)

// InteractionEntry is one unit of session history. Exactly one of Query or
// Email is set, matching Kind.
type InteractionEntry struct {
	Kind      EntryKind   `json:"kind"`
	Query     *QueryEntry `json:"query,omitempty"`
	Email     *EmailEntry `json:"email,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// QueryEntry records a query, the SQL agent's answer and the extraction
// agent's structured rendition of it.
type QueryEntry struct {
	Query      string  `json:"query"`
	RawOutput  string  `json:"raw_output"`
	Extraction *string `json:"extraction,omitempty"`
}

// HasExtraction reports whether the extraction agent produced any text.
func (q *QueryEntry) HasExtraction() bool {
	return q != nil && q.Extraction != nil && *q.Extraction != ""
}

// EmailEntry is a generated email body (HTML) that can be sent.
type EmailEntry struct {
	Body          string `json:"body"`
	SequenceIndex int    `json:"sequence_index"`
}
