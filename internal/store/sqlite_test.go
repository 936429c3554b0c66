package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/pulseid/internal/domain"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "sent.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSentEmailsTableCreatedLazily(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	records, err := s.ListSentEmails(ctx, 0)
	if err != nil {
		t.Fatalf("ListSentEmails on fresh db failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'sent_emails'`).Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if n != 0 {
		t.Fatal("sent_emails table should not exist before the first send")
	}
}

func TestRecordAndListSentEmails(t *testing.T) {
	t.Parallel()

	s, path := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 11, 5, 9, 30, 15, 0, time.UTC)

	for i, name := range []string{"Acme", "Beta", "Gamma"} {
		rec := domain.SentEmailRecord{
			MerchantID: name,
			Email:      fmt.Sprintf("%d@example.com", i),
			SentAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.RecordSentEmail(ctx, rec); err != nil {
			t.Fatalf("RecordSentEmail(%s) failed: %v", name, err)
		}
	}

	all, err := s.ListSentEmails(ctx, 0)
	if err != nil {
		t.Fatalf("ListSentEmails failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].MerchantID != "Gamma" || all[2].MerchantID != "Acme" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if !all[2].SentAt.Equal(base) {
		t.Fatalf("SentAt round trip = %v, want %v", all[2].SentAt, base)
	}

	limited, err := s.ListSentEmails(ctx, 2)
	if err != nil {
		t.Fatalf("ListSentEmails(limit) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 records, got %d", len(limited))
	}

	// The column text uses the documented layout.
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer func() { _ = raw.Close() }()
	var sentTime string
	if err := raw.QueryRow(`SELECT sent_time FROM sent_emails WHERE merchantID = 'Acme'`).Scan(&sentTime); err != nil {
		t.Fatalf("read sent_time: %v", err)
	}
	if sentTime != "2024-11-05 09:30:15" {
		t.Fatalf("sent_time = %q", sentTime)
	}
}

func TestRecordSentEmailConcurrentAppends(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errs <- s.RecordSentEmail(ctx, domain.SentEmailRecord{
					MerchantID: fmt.Sprintf("m-%d-%d", w, i),
					Email:      fmt.Sprintf("m%d.%d@example.com", w, i),
					SentAt:     time.Now(),
				})
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent RecordSentEmail failed: %v", err)
		}
	}

	records, err := s.ListSentEmails(ctx, 0)
	if err != nil {
		t.Fatalf("ListSentEmails failed: %v", err)
	}
	if len(records) != writers*perWriter {
		t.Fatalf("expected %d records, got %d", writers*perWriter, len(records))
	}
}

func TestIsConflict(t *testing.T) {
	t.Parallel()

	if isConflict(nil) {
		t.Fatal("nil is not a conflict")
	}
	if !isConflict(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("expected busy error to be a conflict")
	}
	if isConflict(errors.New("no such table")) {
		t.Fatal("unexpected conflict")
	}
}
