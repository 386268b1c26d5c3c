// Package keyfile loads the downstream API key from a config file of
// key=value lines and hot-reloads it when the file changes, so keys can
// rotate without a restart.
package keyfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const keyName = "api_key"

// Source watches one config file and exposes the current api_key value.
type Source struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	key string

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Open reads the file and begins watching it for changes. The watch is
// registered on the parent directory so editors that replace the file
// by rename are still observed.
func Open(path string, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &Source{path: path, log: log, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	s.watcher = watcher

	go s.watch()
	return s, nil
}

// Key returns the current api_key value, or empty when the file had
// none.
func (s *Source) Key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// Close stops the watcher.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *Source) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Warn("key file reload failed",
					slog.String("path", s.path),
					slog.String("err", err.Error()))
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		case <-s.done:
			return
		}
	}
}

// reload re-reads the file and swaps in the parsed key.
func (s *Source) reload() error {
	key, err := parseFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	return nil
}

func parseFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == keyName {
			return strings.TrimSpace(value), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	return "", nil
}
