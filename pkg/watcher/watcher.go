// Package watcher implements the Watcher Registry (spec.md §4.D): glob
// expansion into a snapshot of matching files, an fsnotify watch on the
// parent directory of each of those paths with a write-stability debounce,
// event normalization, and fan-out to per-watcher subscribers. The watch
// is not recursive: directories created after Watch returns are not added.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/agent8hq/agent8ctr/pkg/types"
)

// StabilityThreshold is how long a path must go quiet before its event is
// delivered (spec.md §4.D).
const StabilityThreshold = 300 * time.Millisecond

// PollInterval is how often pending debounced events are flushed.
const PollInterval = 100 * time.Millisecond

// EventSink receives file-change events fanned out by the registry.
type EventSink interface {
	Publish(connIDs []string, evt types.Event)
}

// Options mirrors spec.md's watch/watch-paths request shapes.
type Options struct {
	Patterns []string // `watch{patterns}`
	Include  []string // `watch-paths{include}`
	Exclude  []string // `watch-paths{exclude}`
}

// Record is the File Watcher Record from spec.md §3.
type Record struct {
	ID       string
	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	subs     map[string]bool
	pending  map[string]pendingEvent
	stopCh   chan struct{}
	done     chan struct{} // closed by run() after fsw is closed
	stopping bool
}

type pendingEvent struct {
	eventType types.FileEventType
	deadline  time.Time
}

// Registry owns every live watcher Record.
type Registry struct {
	workspace string
	sink      EventSink

	mu       sync.RWMutex
	watchers map[string]*Record
}

// New returns a Registry rooted at workspace.
func New(workspace string, sink EventSink) *Registry {
	return &Registry{
		workspace: workspace,
		sink:      sink,
		watchers:  make(map[string]*Record),
	}
}

// Watch expands opts' glob patterns relative to the workspace into a
// snapshot of matching files, attaches a non-recursive fsnotify watch to
// each of their parent directories (or to the workspace root when nothing
// matches), and returns the new watcher's id. The initial
// enumeration is ignored; only events delivered after attach are reported.
func (r *Registry) Watch(opts Options) (string, error) {
	matches, err := expand(r.workspace, opts)
	if err != nil {
		return "", fmt.Errorf("watch: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("watch: %w", err)
	}

	dirs := dirSet(matches)
	if len(dirs) == 0 {
		dirs = []string{r.workspace}
	}
	for _, d := range dirs {
		if err := fsw.Add(d); err != nil {
			fsw.Close()
			return "", fmt.Errorf("watch: %w", err)
		}
	}

	id := uuid.NewString()
	rec := &Record{
		ID:      id,
		fsw:     fsw,
		subs:    make(map[string]bool),
		pending: make(map[string]pendingEvent),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.watchers[id] = rec
	r.mu.Unlock()

	go r.run(rec)

	return id, nil
}

// expand resolves glob patterns (from either request shape) into a sorted,
// deduplicated list of matching files relative to workspace.
func expand(workspace string, opts Options) ([]string, error) {
	patterns := opts.Patterns
	if len(patterns) == 0 && len(opts.Include) > 0 {
		patterns = opts.Include
	}
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}

	seen := map[string]bool{}
	var out []string

	root := os.DirFS(workspace)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			excludedByPattern := false
			for _, ex := range opts.Exclude {
				if ok, _ := doublestar.Match(ex, m); ok {
					excludedByPattern = true
					break
				}
			}
			if excludedByPattern {
				continue
			}
			seen[m] = true
			out = append(out, filepath.Join(workspace, m))
		}
	}
	return out, nil
}

func dirSet(files []string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, f := range files {
		d := filepath.Dir(f)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// run drains fsnotify events into the pending debounce map and, on a
// ticker, flushes any entry that has gone quiet for StabilityThreshold.
func (r *Registry) run(rec *Record) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	defer close(rec.done)
	defer rec.fsw.Close()

	for {
		select {
		case ev, ok := <-rec.fsw.Events:
			if !ok {
				return
			}
			kind, ok := normalize(ev.Op)
			if !ok {
				continue
			}
			rec.mu.Lock()
			rec.pending[ev.Name] = pendingEvent{eventType: kind, deadline: time.Now().Add(StabilityThreshold)}
			rec.mu.Unlock()

		case <-ticker.C:
			r.flush(rec)

		case <-rec.fsw.Errors:
			// Errors are dropped unlogged; the watcher keeps running.

		case <-rec.stopCh:
			return
		}
	}
}

func (r *Registry) flush(rec *Record) {
	now := time.Now()

	rec.mu.Lock()
	var ready []struct {
		name string
		kind types.FileEventType
	}
	for name, pe := range rec.pending {
		if now.After(pe.deadline) || now.Equal(pe.deadline) {
			ready = append(ready, struct {
				name string
				kind types.FileEventType
			}{name, pe.eventType})
			delete(rec.pending, name)
		}
	}
	subs := make([]string, 0, len(rec.subs))
	for id := range rec.subs {
		subs = append(subs, id)
	}
	rec.mu.Unlock()

	if len(subs) == 0 || r.sink == nil {
		return
	}
	for _, e := range ready {
		r.sink.Publish(subs, types.Event{
			Event: types.EventKindFileChange,
			Data: types.FileChangeEventData{
				WatcherID: rec.ID,
				EventType: e.kind,
				Filename:  filepath.Base(e.name),
			},
		})
	}
}

// normalize maps raw fsnotify ops onto spec.md §4.D's two event kinds.
func normalize(op fsnotify.Op) (types.FileEventType, bool) {
	switch {
	case op&fsnotify.Remove != 0 || op&fsnotify.Rename != 0:
		return types.FileEventRename, true
	case op&fsnotify.Write != 0 || op&fsnotify.Create != 0:
		return types.FileEventChange, true
	default:
		return "", false
	}
}

// Subscribe adds connID to watcherID's subscriber set.
func (r *Registry) Subscribe(watcherID, connID string) bool {
	rec := r.get(watcherID)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	rec.subs[connID] = true
	rec.mu.Unlock()
	return true
}

// Unsubscribe removes connID from watcherID's subscriber set, closing the
// watcher when its subscriber set becomes empty (spec.md §4.D teardown).
func (r *Registry) Unsubscribe(watcherID, connID string) {
	rec := r.get(watcherID)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	delete(rec.subs, connID)
	empty := len(rec.subs) == 0
	rec.mu.Unlock()

	if empty {
		r.Stop(watcherID)
	}
}

// UnsubscribeAll removes connID from every watcher's subscriber set,
// closing any watcher left with no subscribers.
func (r *Registry) UnsubscribeAll(connID string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.watchers))
	for id := range r.watchers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unsubscribe(id, connID)
	}
}

// Stop tears down watcherID: it signals run() via stopCh and blocks until
// run's deferred fsw.Close() has actually completed before removing the
// registry entry, satisfying the invariant in spec.md §8 that the
// underlying filesystem handle is closed before the registry forgets w.
// Safe to call more than once for the same watcherID.
func (r *Registry) Stop(watcherID string) {
	r.mu.RLock()
	rec, ok := r.watchers[watcherID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	alreadyStopping := rec.stopping
	rec.stopping = true
	rec.mu.Unlock()

	if !alreadyStopping {
		close(rec.stopCh)
	}
	<-rec.done

	r.mu.Lock()
	delete(r.watchers, watcherID)
	r.mu.Unlock()
}

func (r *Registry) get(watcherID string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watchers[watcherID]
}

// Count returns the number of live watchers, for metrics collection.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}

// Shutdown closes every live watcher. Used on server stop.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.watchers))
	for id := range r.watchers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Stop(id)
	}
}

