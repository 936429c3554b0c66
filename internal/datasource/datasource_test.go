package datasource

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func seedMerchants(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "merchant_data.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	defer func() { _ = db.Close() }()

	stmts := []string{
		`CREATE TABLE merchants (name TEXT, email TEXT, city TEXT)`,
		`INSERT INTO merchants VALUES ('Acme', 'acme@x.com', 'Sydney')`,
		`INSERT INTO merchants VALUES ('Beta', 'b@y.org', NULL)`,
		`INSERT INTO merchants VALUES ('Gamma', 'g@z.net', 'Perth')`,
		`INSERT INTO merchants VALUES ('Delta', 'd@w.io', 'Hobart')`,
		`CREATE TABLE offers (merchant TEXT, discount INTEGER)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	return path
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "nope.db"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenDirectory(t *testing.T) {
	t.Parallel()

	if _, err := Open(t.TempDir()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a directory, got %v", err)
	}
}

func TestTablesSamplesThreeRows(t *testing.T) {
	t.Parallel()

	src, err := Open(seedMerchants(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = src.Close() }()

	tables, err := src.Tables(context.Background())
	if err != nil {
		t.Fatalf("Tables failed: %v", err)
	}
	if len(tables) != 2 || tables[0].Name != "merchants" || tables[1].Name != "offers" {
		t.Fatalf("unexpected tables %+v", tables)
	}

	m := tables[0]
	if len(m.Sample) != SampleRows {
		t.Fatalf("expected %d sample rows, got %d", SampleRows, len(m.Sample))
	}
	if strings.Join(m.Columns, ",") != "name,email,city" {
		t.Fatalf("columns = %v", m.Columns)
	}
	if m.Sample[1][2] != "None" {
		t.Fatalf("NULL rendered as %q", m.Sample[1][2])
	}
	if !strings.HasPrefix(m.Schema, "CREATE TABLE merchants") {
		t.Fatalf("schema = %q", m.Schema)
	}
	if len(tables[1].Sample) != 0 {
		t.Fatalf("empty table has samples: %v", tables[1].Sample)
	}
}

func TestFormatTables(t *testing.T) {
	t.Parallel()

	src, err := Open(seedMerchants(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = src.Close() }()

	tables, err := src.Tables(context.Background())
	if err != nil {
		t.Fatalf("Tables failed: %v", err)
	}
	info := FormatTables(tables)
	for _, want := range []string{
		"/*\n3 rows from merchants table:\nname\temail\tcity\nAcme\tacme@x.com\tSydney",
		"3 rows from offers table:\nmerchant\tdiscount\n*/",
	} {
		if !strings.Contains(info, want) {
			t.Errorf("table info missing %q:\n%s", want, info)
		}
	}
	if strings.Contains(info, "Delta") {
		t.Error("table info should be limited to three rows")
	}
}

func TestSourceIsReadOnly(t *testing.T) {
	t.Parallel()

	src, err := Open(seedMerchants(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := src.db.Exec(`DELETE FROM merchants`); err == nil {
		t.Fatal("expected write to read-only source to fail")
	}
}
