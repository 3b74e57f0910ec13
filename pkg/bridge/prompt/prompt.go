// Package prompt loads the agent's system instructions from disk and keeps
// them fresh when the file changes.
package prompt

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultInstructions is used when no instructions file is configured or the
// configured file cannot be read.
const DefaultInstructions = "You are a helpful phone assistant. Keep your answers short and conversational."

// Loader serves the current instructions text. When constructed with a file
// path it reads the file once and then watches it for changes.
type Loader struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	text string
}

// NewStatic returns a Loader that always serves the given text. Empty text
// falls back to DefaultInstructions.
func NewStatic(text string) *Loader {
	if strings.TrimSpace(text) == "" {
		text = DefaultInstructions
	}
	return &Loader{text: text}
}

// NewFromFile reads the instructions file and returns a Loader serving its
// contents. A missing or unreadable file is not an error; the loader serves
// DefaultInstructions until the file appears.
func NewFromFile(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger, text: DefaultInstructions}
	l.reload()
	return l
}

// Instructions returns the current instructions text.
func (l *Loader) Instructions() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.text
}

func (l *Loader) reload() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Warn("prompt: read instructions failed, using default", "path", l.path, "error", err)
		l.mu.Lock()
		l.text = DefaultInstructions
		l.mu.Unlock()
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		text = DefaultInstructions
	}
	l.mu.Lock()
	l.text = text
	l.mu.Unlock()
	l.logger.Info("prompt: instructions loaded", "path", l.path, "bytes", len(data))
}

// Watch reloads the instructions whenever the file changes, until ctx is
// canceled. Watching the parent directory survives editors that replace the
// file by rename.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				l.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("prompt: watcher error", "error", err)
		}
	}
}
