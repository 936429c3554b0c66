package session

import (
	"sync"
	"time"

	"github.com/ashureev/pulseid/internal/domain"
)

// Log is a session's append-only interaction history. Entries are never
// removed or reordered. It is safe for concurrent use.
//
// Indexes are absolute: the first entry has index base, so a log that
// replaces an earlier one never hands out an index the earlier one used.
type Log struct {
	mu      sync.RWMutex
	base    int
	entries []domain.InteractionEntry
	now     func() time.Time
}

// NewLog returns an empty log whose first index is 0.
func NewLog() *Log {
	return NewLogFrom(0)
}

// NewLogFrom returns an empty log whose first index is base.
func NewLogFrom(base int) *Log {
	return &Log{base: base, now: time.Now}
}

// Base returns the index of the first entry. It never changes.
func (l *Log) Base() int {
	return l.base
}

// Next returns the index the next appended entry will get.
func (l *Log) Next() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + len(l.entries)
}

// AppendQuery records a completed query and returns its index.
// A nil or empty extraction is stored as absent.
func (l *Log) AppendQuery(query, rawOutput string, extraction *string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if extraction != nil && *extraction == "" {
		extraction = nil
	}
	index := l.base + len(l.entries)
	l.entries = append(l.entries, domain.InteractionEntry{
		Kind:      domain.EntryKindQuery,
		Query:     &domain.QueryEntry{Query: query, RawOutput: rawOutput, Extraction: extraction},
		CreatedAt: l.now().UTC(),
	})
	return index
}

// AppendEmail records a generated email. Its sequence index is the entry's
// index, so indexes increase strictly across resets.
func (l *Log) AppendEmail(htmlBody string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.base + len(l.entries)
	l.entries = append(l.entries, domain.InteractionEntry{
		Kind:      domain.EntryKindEmail,
		Email:     &domain.EmailEntry{Body: htmlBody, SequenceIndex: index},
		CreatedAt: l.now().UTC(),
	})
	return index
}

// Entries returns a deep copy of the log in insertion order. The entry at
// position i has index Base()+i.
func (l *Log) Entries() []domain.InteractionEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.InteractionEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Entry returns a copy of the entry with the given index.
func (l *Log) Entry(index int) (domain.InteractionEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos := index - l.base
	if pos < 0 || pos >= len(l.entries) {
		return domain.InteractionEntry{}, false
	}
	return cloneEntry(l.entries[pos]), true
}

func cloneEntry(e domain.InteractionEntry) domain.InteractionEntry {
	if e.Query != nil {
		q := *e.Query
		if q.Extraction != nil {
			x := *q.Extraction
			q.Extraction = &x
		}
		e.Query = &q
	}
	if e.Email != nil {
		m := *e.Email
		e.Email = &m
	}
	return e
}

// Len returns the number of entries held, not counting any before Base.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Email returns the email entry with the given sequence index.
func (l *Log) Email(index int) (domain.EmailEntry, bool) {
	e, ok := l.Entry(index)
	if !ok || e.Kind != domain.EntryKindEmail || e.Email == nil {
		return domain.EmailEntry{}, false
	}
	return *e.Email, true
}

// HasSendableEmails reports whether any email entry exists.
func (l *Log) HasSendableEmails() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.entries {
		if e.Kind == domain.EntryKindEmail {
			return true
		}
	}
	return false
}

// LatestExtraction returns the extraction of the most recent query. An
// older extraction is not used when the latest query produced none.
func (l *Log) LatestExtraction() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Kind != domain.EntryKindQuery {
			continue
		}
		if !e.Query.HasExtraction() {
			return "", false
		}
		return *e.Query.Extraction, true
	}
	return "", false
}
