package cascade

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry loads cascade spec files from a directory and resolves them by
// cascade_id, keeping its in-memory set current as files are added, edited,
// or removed on disk.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
	paths map[string]string // cascade_id -> source path, for re-resolution by path

	watcher *fsnotify.Watcher
}

// NewRegistry loads every *.yaml/*.yml/*.json file under dir as a cascade
// spec, keyed by its cascade_id. Files that fail to parse are logged and
// skipped rather than aborting the whole load.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		specs: make(map[string]*Spec),
		paths: make(map[string]string),
	}
	if dir == "" {
		return r, nil
	}
	if err := r.loadDir(dir); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("cascade: read dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSpecFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		r.loadFile(path)
	}
	return nil
}

func (r *Registry) loadFile(path string) {
	spec, err := Load(path)
	if err != nil {
		log.Printf("cascade registry: skipping %s: %v", path, err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.CascadeID] = spec
	r.paths[spec.CascadeID] = path
}

func (r *Registry) removeByPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.paths {
		if p == path {
			delete(r.specs, id)
			delete(r.paths, id)
		}
	}
}

func isSpecFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}

// Watch starts an fsnotify watch on dir, reloading a spec file whenever it
// is written or removing its entry whenever it is deleted. Watch is
// optional: a Registry works fully without it, just without picking up
// edits made after NewRegistry returned.
func (r *Registry) Watch(dir string) error {
	if dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cascade: new watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("cascade: watch %s: %w", dir, err)
	}
	r.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !isSpecFile(event.Name) {
					continue
				}
				switch {
				case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					r.removeByPath(event.Name)
				case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
					r.loadFile(event.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("cascade registry: watch error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the filesystem watch, if one was started.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

// Resolve returns the cascade Spec for cascadeIDOrPath: first by
// cascade_id lookup, falling back to loading it directly as a file path,
// so POST /session/start and rvbbit_cascade calls can name either one.
func (r *Registry) Resolve(cascadeIDOrPath string) (*Spec, error) {
	r.mu.RLock()
	spec, ok := r.specs[cascadeIDOrPath]
	r.mu.RUnlock()
	if ok {
		return spec, nil
	}
	return Load(cascadeIDOrPath)
}

// List returns every registered spec in map iteration order; the order is
// not sorted and may differ between calls.
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}
