package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/calyptra/hubble/pkg/observability"
)

// Whitelist restricts logins to a known set of usernames. An empty
// whitelist admits everyone. The set can be static or loaded from a
// file and hot-reloaded on change.
type Whitelist struct {
	mu    sync.RWMutex
	names map[string]bool

	path    string
	watcher *fsnotify.Watcher
	logger  *observability.Logger
}

// NewWhitelist creates a static whitelist from the given names
func NewWhitelist(names []string) *Whitelist {
	w := &Whitelist{names: make(map[string]bool, len(names))}
	for _, name := range names {
		w.names[strings.ToLower(name)] = true
	}
	return w
}

// NewWhitelistFromFile loads a whitelist file (one username per line,
// '#' comments) and watches it for changes. Close releases the watcher.
func NewWhitelistFromFile(path string, logger *observability.Logger) (*Whitelist, error) {
	w := &Whitelist{path: path, logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create whitelist watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch whitelist file: %w", err)
	}
	w.watcher = watcher

	// The watch loop exits when Close shuts the watcher channels
	go w.watch()
	return w, nil
}

// Empty reports whether the whitelist admits everyone
func (w *Whitelist) Empty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.names) == 0
}

// Allows reports whether the normalized username may log in
func (w *Whitelist) Allows(username string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.names) == 0 {
		return true
	}
	return w.names[username]
}

// Add admits a username at runtime, e.g. when an admin creates the
// user through the API.
func (w *Whitelist) Add(username string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.names) == 0 {
		// Open whitelist stays open
		return
	}
	w.names[strings.ToLower(username)] = true
}

// Close stops the file watcher, if any
func (w *Whitelist) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *Whitelist) reload() error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open whitelist file: %w", err)
	}
	defer f.Close()

	names := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names[strings.ToLower(line)] = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read whitelist file: %w", err)
	}

	w.mu.Lock()
	w.names = names
	w.mu.Unlock()
	return nil
}

func (w *Whitelist) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.WithError(err).Error("failed to reload whitelist, keeping previous set")
				continue
			}
			w.logger.WithField("path", w.path).Info("whitelist reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("whitelist watcher error")
		}
	}
}
