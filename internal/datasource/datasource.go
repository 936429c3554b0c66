// Package datasource inspects the merchant SQLite database the SQL agent
// is pointed at. The file is opened read-only and never modified.
package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// SampleRows is the number of rows shown per table.
const SampleRows = 3

// ErrNotFound is returned when the data source file does not exist.
var ErrNotFound = errors.New("data source not found")

// Table describes one table of the data source.
type Table struct {
	Name    string     `json:"name"`
	Schema  string     `json:"schema"`
	Columns []string   `json:"columns"`
	Sample  [][]string `json:"sample"`
}

// Source is a read-only handle on a merchant database.
type Source struct {
	db *sql.DB
}

// Open opens path read-only. A missing file is reported as ErrNotFound
// rather than silently creating an empty database.
func Open(path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat data source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open data source: %w", err)
	}
	db.SetMaxOpenConns(2)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping data source: %w", err)
	}

	return &Source{db: db}, nil
}

// Close closes the database handle.
func (s *Source) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close data source: %w", err)
	}
	return nil
}

// Tables lists user tables with their CREATE statement and up to
// SampleRows sample rows each, ordered by table name.
func (s *Source) Tables(ctx context.Context) ([]Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	var tables []Table
	for rows.Next() {
		var t Table
		var schema sql.NullString
		if err := rows.Scan(&t.Name, &schema); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		t.Schema = strings.TrimSpace(schema.String)
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	_ = rows.Close()

	for i := range tables {
		if err := s.sample(ctx, &tables[i]); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

func (s *Source) sample(ctx context.Context, t *Table) error {
	query := fmt.Sprintf(`SELECT * FROM %s LIMIT %d`, quoteIdent(t.Name), SampleRows)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("sample %s: %w", t.Name, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("columns of %s: %w", t.Name, err)
	}
	t.Columns = cols

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan sample of %s: %w", t.Name, err)
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = cellText(v)
		}
		t.Sample = append(t.Sample, row)
	}
	return rows.Err()
}

// FormatTables renders every table as its CREATE statement followed by a
// comment block of sample rows, tab separated.
func FormatTables(tables []Table) string {
	var b strings.Builder
	for i, t := range tables {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(t.Schema)
		fmt.Fprintf(&b, "\n\n/*\n%d rows from %s table:\n", SampleRows, t.Name)
		b.WriteString(strings.Join(t.Columns, "\t"))
		for _, row := range t.Sample {
			b.WriteString("\n")
			b.WriteString(strings.Join(row, "\t"))
		}
		b.WriteString("\n*/")
	}
	return b.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
