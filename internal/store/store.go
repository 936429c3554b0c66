// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/pulseid/internal/domain"
)

// Repository defines the interface for the append-only sent-email log.
type Repository interface {
	// RecordSentEmail appends one row to the sent-email log, creating the
	// table first if it does not exist yet.
	RecordSentEmail(ctx context.Context, rec domain.SentEmailRecord) error

	// ListSentEmails returns the most recent records, newest first.
	// A limit <= 0 returns every record.
	ListSentEmails(ctx context.Context, limit int) ([]domain.SentEmailRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
