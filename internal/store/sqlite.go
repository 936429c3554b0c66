package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/pulseid/internal/domain"
	_ "modernc.org/sqlite"
)

const sentEmailsSchema = `
	CREATE TABLE IF NOT EXISTS sent_emails (
		merchantID TEXT,
		email TEXT,
		sent_time TEXT
	)`

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu          sync.Mutex // serialises writers to avoid SQLITE_BUSY storms
	tableExists bool
}

// NewSQLite creates a new SQLite-backed repository. The sent_emails table is
// created lazily by the first RecordSentEmail call.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// RecordSentEmail appends a sent-email row with a single INSERT.
// SQLITE_BUSY is retried with exponential backoff.
func (s *SQLiteStore) RecordSentEmail(ctx context.Context, rec domain.SentEmailRecord) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.recordOnce(ctx, rec)
		if err == nil {
			return nil
		}

		if isConflict(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
			slog.Debug("RecordSentEmail hit SQLITE_BUSY, retrying",
				"email", rec.Email,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("record sent email: %w", ctx.Err())
			case <-time.After(delay):
			}
			continue
		}

		return fmt.Errorf("record sent email after %d attempts: %w", i+1, err)
	}
	return nil
}

func (s *SQLiteStore) recordOnce(ctx context.Context, rec domain.SentEmailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tableExists {
		if _, err := s.db.ExecContext(ctx, sentEmailsSchema); err != nil {
			return fmt.Errorf("create sent_emails table: %w", err)
		}
		s.tableExists = true
	}

	query := `INSERT INTO sent_emails (merchantID, email, sent_time) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, rec.MerchantID, rec.Email, rec.SentTime()); err != nil {
		return fmt.Errorf("insert sent email: %w", err)
	}
	return nil
}

// ListSentEmails returns logged sends, newest first. A missing table means
// nothing has been sent yet.
func (s *SQLiteStore) ListSentEmails(ctx context.Context, limit int) ([]domain.SentEmailRecord, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sent_emails'`).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("check sent_emails table: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	query := `SELECT merchantID, email, sent_time FROM sent_emails ORDER BY rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sent emails: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close sent emails rows", "error", closeErr)
		}
	}()

	var records []domain.SentEmailRecord
	for rows.Next() {
		var merchantID, email, sentTime sql.NullString
		if err := rows.Scan(&merchantID, &email, &sentTime); err != nil {
			return nil, fmt.Errorf("scan sent email row: %w", err)
		}

		rec := domain.SentEmailRecord{MerchantID: merchantID.String, Email: email.String}
		if ts, err := time.ParseInLocation(domain.SentTimeLayout, sentTime.String, time.UTC); err == nil {
			rec.SentAt = ts
		} else {
			slog.Warn("unparseable sent_time", "value", sentTime.String, "error", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sent emails: %w", err)
	}
	return records, nil
}

// isConflict reports SQLite lock contention, which is worth retrying.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
