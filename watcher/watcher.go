// Package watcher is the default fsnotify-backed implementation of the
// connection package's ListenerFactory capability: it turns the glob
// patterns clangd registers via client/registerCapability into
// directory watches and reports matching paths back to the caller.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/firi/clangdlink/connection"
	"github.com/firi/clangdlink/logger"
)

var skippedDirs = map[string]bool{
	"build":               true,
	"cmake-build-debug":   true,
	"cmake-build-release": true,
	"out":                 true,
	"bin":                 true,
	"obj":                 true,
	".git":                true,
}

const debounceWindow = 500 * time.Millisecond

// Factory is the default ListenerFactory: every call to Watch starts an
// independent fsnotify-backed Listener rooted at projectDir.
type Factory struct {
	Logger logger.Logger
}

// New returns a Factory, logging to log (falling back to the package
// default if nil).
func New(log logger.Logger) *Factory {
	return &Factory{Logger: logger.OrDefault(log)}
}

// Watch starts watching projectDir (recursively, skipping common build
// directories) and reports paths matching any of globs through the
// returned Listener's Events channel.
func (f *Factory) Watch(ctx context.Context, projectDir string, globs []string) (connection.Listener, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	l := &Listener{
		watcher: fw,
		globs:   globs,
		events:  make(chan []string, 16),
		stop:    make(chan struct{}),
		log:     f.Logger,
	}

	if err := l.addDirectoryRecursive(projectDir); err != nil {
		fw.Close()
		return nil, err
	}

	go l.run(ctx)
	return l, nil
}

// Listener is a single running watch started by Factory.Watch. It
// satisfies the connection package's Listener capability (Stop() error)
// and additionally exposes Events for callers that want matched paths.
type Listener struct {
	watcher *fsnotify.Watcher
	globs   []string

	events chan []string

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	pending       map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	log      logger.Logger
}

// Events reports batches of changed paths that matched one of the
// requested globs, debounced by debounceWindow.
func (l *Listener) Events() <-chan []string { return l.events }

func (l *Listener) addDirectoryRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if base := filepath.Base(path); strings.HasPrefix(base, ".") || skippedDirs[base] {
			return filepath.SkipDir
		}
		if err := l.watcher.Add(path); err != nil {
			l.log.Info("watcher: failed to watch %s: %v", path, err)
		}
		return nil
	})
}

// matchesGlob checks path against every registered glob using doublestar
// rather than filepath.Match: clangd registers patterns like
// "**/*.cpp", and filepath.Match has no real "**" support (a "*"
// immediately before "/" only ever matches a single path segment),
// so it silently misbehaves on exactly the shapes clangd sends. Each
// pattern is also tried against the bare basename, so an unrooted
// pattern such as "*.cpp" still matches regardless of directory depth.
func (l *Listener) matchesGlob(path string) bool {
	if len(l.globs) == 0 {
		return true
	}
	normalizedPath := filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, g := range l.globs {
		pattern := filepath.ToSlash(g)
		if ok, _ := doublestar.Match(pattern, normalizedPath); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (l *Listener) run(ctx context.Context) {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					l.addDirectoryRecursive(event.Name)
				}
			}
			if l.matchesGlob(event.Name) && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.debounce(event.Name)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Error("watcher: %v", err)

		case <-ctx.Done():
			l.Stop()
			return

		case <-l.stop:
			return
		}
	}
}

func (l *Listener) debounce(path string) {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()

	if l.pending == nil {
		l.pending = make(map[string]struct{})
	}
	l.pending[path] = struct{}{}

	if l.debounceTimer != nil {
		l.debounceTimer.Stop()
	}
	l.debounceTimer = time.AfterFunc(debounceWindow, l.flush)
}

func (l *Listener) flush() {
	l.debounceMu.Lock()
	paths := make([]string, 0, len(l.pending))
	for p := range l.pending {
		paths = append(paths, p)
	}
	l.pending = make(map[string]struct{})
	l.debounceMu.Unlock()

	if len(paths) == 0 {
		return
	}
	select {
	case l.events <- paths:
	case <-l.stop:
	}
}

// Stop stops the watch and releases its fsnotify handle. Safe to call
// more than once.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		l.debounceMu.Lock()
		if l.debounceTimer != nil {
			l.debounceTimer.Stop()
		}
		l.debounceMu.Unlock()
		err = l.watcher.Close()
	})
	return err
}
