package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"quantbox/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is an immutable view of the loaded strategies.
type Snapshot struct {
	Version    int64
	LoadedAt   time.Time
	Strategies map[string]*Spec
}

// ChangeListener fires after the registry reloads.
type ChangeListener func(Snapshot)

// Registry loads every strategy document from a directory and hot-reloads
// on file changes. A document that fails validation is skipped with a log
// line; the previously loaded version of that strategy is dropped, never
// served stale.
type Registry struct {
	dir     string
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
	done      chan struct{}
}

// NewRegistry loads the directory and starts watching it.
func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("strategy registry requires a directory")
	}
	r := &Registry{dir: dir, done: make(chan struct{})}
	if err := r.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("strategy watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Snapshot returns the current strategy set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Strategy returns the named strategy.
func (r *Registry) Strategy(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.snapshot.Strategies[strings.TrimSpace(name)]
	return spec, ok
}

// OnChange registers a listener invoked after every successful reload.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) watchLoop() {
	// Editors fire bursts of write events; coalesce them with a short timer.
	var pending *time.Timer
	for {
		select {
		case <-r.done:
			return
		case evt, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isStrategyFile(evt.Name) {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, func() {
				if err := r.reload(); err != nil {
					logger.Errorf("strategy reload failed: %v", err)
					return
				}
				r.notifyListeners()
			})
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("strategy watcher error: %v", err)
		}
	}
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read strategy dir: %w", err)
	}
	strategies := make(map[string]*Spec)
	for _, entry := range entries {
		if entry.IsDir() || !isStrategyFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("skip strategy %s: %v", entry.Name(), err)
			continue
		}
		spec, err := ParseSpec(raw)
		if err != nil {
			logger.Warnf("skip strategy %s: %v", entry.Name(), err)
			continue
		}
		if spec.Name == "" {
			spec.Name = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if _, dup := strategies[spec.Name]; dup {
			logger.Warnf("duplicate strategy name %q in %s, keeping first", spec.Name, entry.Name())
			continue
		}
		strategies[spec.Name] = spec
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:    r.snapshot.Version + 1,
		LoadedAt:   time.Now(),
		Strategies: strategies,
	}
	r.mu.Unlock()
	logger.Infof("Strategy registry loaded %d strategies from %s", len(strategies), filepath.Base(r.dir))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("strategy listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:    src.Version,
		LoadedAt:   src.LoadedAt,
		Strategies: make(map[string]*Spec, len(src.Strategies)),
	}
	for name, spec := range src.Strategies {
		dst.Strategies[name] = spec
	}
	return dst
}

// Names returns the loaded strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.snapshot.Strategies))
	for name := range r.snapshot.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isStrategyFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
