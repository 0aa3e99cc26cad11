// Package workspace tracks the directory agent processes run in and keeps a
// debounced file count of it up to date with fsnotify.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	debounceInterval = 500 * time.Millisecond

	// DefaultTreeDepth bounds BuildFileTree for API responses.
	DefaultTreeDepth = 3
)

// ErrNotDirectory is returned when a workspace path is not an existing directory.
var ErrNotDirectory = errors.New("workspace: not a directory")

// Info describes the current workspace.
type Info struct {
	Path           string   `json:"workspace"`
	Root           string   `json:"root"`
	Subdirectories []string `json:"subdirectories"`
	FileCount      int      `json:"file_count"`
}

// Provider owns the current workspace directory and its watcher.
type Provider struct {
	root   string
	logger *zap.Logger

	mu        sync.RWMutex
	current   string
	fileCount int
	watch     *dirWatcher
}

type dirWatcher struct {
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
}

// New resolves path (the process working directory when empty), validates
// it and starts watching it. path also becomes the root that relative paths
// passed to Set are resolved against.
func New(path string, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("workspace: getwd: %w", err)
		}
		path = wd
	}

	dir, err := resolveDir(path)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		root:   dir,
		logger: logger.With(zap.String("component", "workspace")),
	}
	p.switchTo(dir)
	return p, nil
}

// Current returns the directory new agent processes run in.
func (p *Provider) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Root returns the initial workspace directory.
func (p *Provider) Root() string { return p.root }

// Set switches the workspace. Relative paths are resolved against Root.
// Running turns keep their original directory.
func (p *Provider) Set(path string) (Info, error) {
	if path == "" {
		return Info{}, ErrNotDirectory
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.root, path)
	}
	dir, err := resolveDir(path)
	if err != nil {
		return Info{}, err
	}

	p.switchTo(dir)
	p.logger.Info("workspace changed", zap.String("path", dir))
	return p.Info(), nil
}

// Info returns the current directory, its file count and the visible
// subdirectories of Root.
func (p *Provider) Info() Info {
	p.mu.RLock()
	info := Info{Path: p.current, Root: p.root, FileCount: p.fileCount}
	p.mu.RUnlock()

	info.Subdirectories = []string{}
	if entries, err := os.ReadDir(p.root); err == nil {
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				info.Subdirectories = append(info.Subdirectories, e.Name())
			}
		}
	}
	sort.Strings(info.Subdirectories)
	return info
}

// Tree returns the file tree of the current workspace up to depth levels.
func (p *Provider) Tree(depth int) []FileNode {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	return BuildFileTree(p.Current(), depth)
}

// Close stops the watcher.
func (p *Provider) Close() {
	p.mu.Lock()
	w := p.watch
	p.watch = nil
	p.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

func (p *Provider) switchTo(dir string) {
	count := CountFiles(dir)

	w, err := p.startWatcher(dir)
	if err != nil {
		p.logger.Warn("file watcher unavailable", zap.String("path", dir), zap.Error(err))
	}

	p.mu.Lock()
	old := p.watch
	p.current = dir
	p.fileCount = count
	p.watch = w
	p.mu.Unlock()

	if old != nil {
		old.stop()
	}
}

func (p *Provider) startWatcher(dir string) (*dirWatcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watchTree(fsW, dir); err != nil {
		fsW.Close()
		return nil, err
	}

	w := &dirWatcher{
		dir:       dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.watchLoop(w)
	return w, nil
}

func (w *dirWatcher) stop() {
	close(w.cancel)
	w.fsWatcher.Close()
	<-w.done
}

// watchLoop processes fsnotify events with debouncing.
func (p *Provider) watchLoop(w *dirWatcher) {
	defer close(w.done)
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !ignored(filepath.Base(event.Name)) {
						watchTree(w.fsWatcher, event.Name)
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				p.recount(w)
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("watcher error", zap.String("path", w.dir), zap.Error(err))
		}
	}
}

func (p *Provider) recount(w *dirWatcher) {
	count := CountFiles(w.dir)

	p.mu.Lock()
	defer p.mu.Unlock()
	// A recount for a directory we already switched away from is stale.
	if p.watch != w {
		return
	}
	if count != p.fileCount {
		p.fileCount = count
		p.logger.Debug("file count changed", zap.String("path", w.dir), zap.Int("files", count))
	}
}

func resolveDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("workspace: %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace: %s: %w", path, ErrNotDirectory)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace: %s: %w", path, ErrNotDirectory)
	}
	return abs, nil
}
