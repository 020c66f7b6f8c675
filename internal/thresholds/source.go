package thresholds

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Source hands out the current catalog for a file on disk. The file is
// re-read on the first call to Current after it changes, so a run always
// sees one consistent table.
type Source struct {
	path  string
	log   logger.Logger
	mu    sync.Mutex
	cur   *Catalog
	stale atomic.Bool
}

// NewSource returns a Source for path. Nothing is read until Current.
func NewSource(path string, log logger.Logger) *Source {
	s := &Source{path: path, log: log}
	s.stale.Store(true)
	return s
}

// Static wraps an already loaded catalog.
func Static(c *Catalog) *Source {
	return &Source{cur: c, log: logger.Nop()}
}

// Path returns the watched file path.
func (s *Source) Path() string {
	return s.path
}

// Current returns the catalog, reloading it when the file changed. A file
// that cannot be read yields an empty catalog so every threshold check fails.
func (s *Source) Current() *Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" || (!s.stale.Load() && s.cur != nil) {
		if s.cur == nil {
			s.cur = Empty()
		}
		return s.cur
	}

	c, err := LoadFile(s.path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("Failed to read diagnostics thresholds")
		c = Empty()
	} else {
		s.log.Debug().Str("path", s.path).Strs("models", c.Models()).Msg("Diagnostics thresholds loaded")
	}

	s.cur = c
	s.stale.Store(false)

	return c
}

// Invalidate forces the next Current call to re-read the file.
func (s *Source) Invalidate() {
	s.stale.Store(true)
}

// Watch marks the catalog stale whenever the file is written, created or
// renamed. It blocks until ctx is done.
func (s *Source) Watch(ctx context.Context) error {
	errFactory := errors.New()

	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.log.Debug().Str("path", s.path).Str("op", event.Op.String()).Msg("Diagnostics thresholds changed")
				s.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("Thresholds watcher error")
		}
	}
}
