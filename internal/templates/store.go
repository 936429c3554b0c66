// Package templates loads named email-generation prompts from disk and keeps
// per-session working copies of them.
package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Ext is the extension assumed for template names given without one.
const Ext = ".txt"

// ErrNotFound is returned when a named template has no file.
var ErrNotFound = errors.New("template not found")

// Store reads named templates from a single directory. Template files are
// read-only from the service's point of view.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	names []string
}

// NewStore creates a store rooted at dir and indexes the templates in it.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("template directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template directory %s is not a directory", dir)
	}

	s := &Store{dir: dir, logger: logger}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load returns the text of the named template.
func (s *Store) Load(name string) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	return string(data), nil
}

// Names returns the indexed template names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Refresh rescans the template directory.
func (s *Store) Refresh() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Ext))
	}
	sort.Strings(names)

	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
	return nil
}

// Watch keeps the name index current until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("failed to close template watcher", "error", closeErr)
		}
	}()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch template directory: %w", err)
	}
	s.logger.Info("Watching template directory", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Refresh(); err != nil {
				s.logger.Warn("failed to refresh templates", "error", err)
				continue
			}
			s.logger.Debug("Template index refreshed", "event", ev.Op.String(), "file", ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("template watcher error", "error", err)
		}
	}
}

func (s *Store) path(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid template name %q", ErrNotFound, name)
	}
	if filepath.Ext(name) == "" {
		name += Ext
	}
	return filepath.Join(s.dir, name), nil
}
