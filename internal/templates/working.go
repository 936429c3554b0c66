package templates

import (
	"sync"

	"github.com/ashureev/pulseid/internal/domain"
)

// WorkingCopy is a session's editable template. Edits never reach disk.
type WorkingCopy struct {
	mu   sync.RWMutex
	tmpl domain.EmailTemplate
}

// NewWorkingCopy starts a working copy from tmpl.
func NewWorkingCopy(tmpl domain.EmailTemplate) *WorkingCopy {
	return &WorkingCopy{tmpl: tmpl}
}

// Current returns the working template text.
func (w *WorkingCopy) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tmpl.Body
}

// Template returns the working template with the name it was loaded under.
func (w *WorkingCopy) Template() domain.EmailTemplate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tmpl
}

// Set replaces the working text, keeping the template name.
func (w *WorkingCopy) Set(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tmpl.Body = text
}

// Select overwrites the working copy with the named template from store.
func (w *WorkingCopy) Select(store *Store, name string) error {
	body, err := store.Load(name)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tmpl = domain.EmailTemplate{Name: name, Body: body}
	return nil
}
