// Package emailtext post-processes drafting-agent output into deliverable
// email messages.
//
// Model output is free-form text, so every function here is a best-effort
// pass with a fixed fallback rather than a parser. Bodies are not HTML
// escaped: whatever markup the drafting agent emits is passed through.
package emailtext

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// Delimiter separates individual emails in one drafting response.
	Delimiter = "---"

	// DefaultSubject is used when an email carries no Subject line.
	DefaultSubject = "Exciting Partnership Opportunity with Pulse iD"
)

// ErrExtraction reports that a generated email has no usable merchant or
// recipient address.
var ErrExtraction = errors.New("extraction error")

var (
	subjectPattern    = regexp.MustCompile(`(?i)(?:<html><body>)?\s*Subject:\s*(.*?)(?:<br>|</body></html>|$)`)
	salutationPattern = regexp.MustCompile(`Dear (.*?),`)
	addressPattern    = regexp.MustCompile(`[a-zA-Z0-9_%+-][a-zA-Z0-9._%+-]*@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
)

// SplitEmails splits raw on Delimiter and returns the trimmed, non-empty
// chunks in order.
func SplitEmails(raw string) []string {
	parts := strings.Split(raw, Delimiter)
	emails := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		emails = append(emails, part)
	}
	return emails
}

// ToHTML wraps chunk in a minimal HTML document, turning newlines into <br>.
func ToHTML(chunk string) string {
	body := strings.ReplaceAll(chunk, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "<br>")
	return "<html><body>" + body + "</body></html>"
}

// ExtractSubject finds the first Subject line in body. It returns the trimmed
// subject and body with the whole matched span removed, or DefaultSubject and
// body unchanged when there is none.
func ExtractSubject(body string) (subject, cleaned string) {
	loc := subjectPattern.FindStringSubmatchIndex(body)
	if loc == nil {
		return DefaultSubject, body
	}
	subject = strings.TrimSpace(body[loc[2]:loc[3]])
	cleaned = body[:loc[0]] + body[loc[1]:]
	return subject, cleaned
}

// Recipient identifies who a generated email is addressed to.
type Recipient struct {
	MerchantID string `json:"merchant_id"`
	Address    string `json:"address"`
}

// ExtractRecipient takes the merchant from the first "Dear <merchant>,"
// salutation and the address from the first email-like token in body.
func ExtractRecipient(body string) (Recipient, error) {
	m := salutationPattern.FindStringSubmatch(body)
	if m == nil {
		return Recipient{}, fmt.Errorf("%w: no \"Dear <merchant>,\" salutation found", ErrExtraction)
	}
	merchant := strings.TrimSpace(m[1])
	if merchant == "" {
		return Recipient{}, fmt.Errorf("%w: empty merchant in salutation", ErrExtraction)
	}

	addr := addressPattern.FindString(body)
	if addr == "" {
		return Recipient{}, fmt.Errorf("%w: no recipient email address found", ErrExtraction)
	}

	return Recipient{MerchantID: merchant, Address: addr}, nil
}
