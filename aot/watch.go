package aot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SourceWatcher drops cache entries for source files that change on disk.
// Entries for the new content are keyed by a new hash anyway; invalidating
// the old hash only reclaims space that can never be hit again.
type SourceWatcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	hashes map[string][HashSize]byte // absolute path -> hash of last seen content
	dirs   map[string]bool

	// OnChange, if set, is called after a file's entries were invalidated.
	OnChange func(path string, old, new [HashSize]byte, removed int)
}

// NewSourceWatcher creates a watcher bound to cache.
func NewSourceWatcher(cache *Cache) (*SourceWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("aot: create watcher: %w", err)
	}
	return &SourceWatcher{
		cache:   cache,
		watcher: fw,
		hashes:  make(map[string][HashSize]byte),
		dirs:    make(map[string]bool),
	}, nil
}

// Watch starts tracking path and returns its current hash. The parent
// directory is watched so editors that save by rename are still seen.
func (w *SourceWatcher) Watch(path string) ([HashSize]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return [HashSize]byte{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return [HashSize]byte{}, fmt.Errorf("aot: watch %s: %w", path, err)
	}
	hash := HashSource(string(data))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.hashes[abs] = hash
	dir := filepath.Dir(abs)
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			delete(w.hashes, abs)
			return [HashSize]byte{}, fmt.Errorf("aot: watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	return hash, nil
}

// Refresh rereads path and, if its content changed, invalidates the cache
// entries of the previous content. It reports how many entries went.
func (w *SourceWatcher) Refresh(path string) (int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	old, tracked := w.hashes[abs]
	w.mu.Unlock()
	if !tracked {
		return 0, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		// Mid-save or deleted; the next event will retry.
		return 0, nil
	}
	hash := HashSource(string(data))
	if hash == old {
		return 0, nil
	}

	w.mu.Lock()
	w.hashes[abs] = hash
	w.mu.Unlock()

	removed, err := w.cache.Invalidate(old)
	if err != nil {
		return removed, err
	}
	log.Debugf("%s changed, dropped %d stale entries", abs, removed)
	if w.OnChange != nil {
		w.OnChange(abs, old, hash, removed)
	}
	return removed, nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *SourceWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if _, err := w.Refresh(ev.Name); err != nil {
				log.Warningf("refresh %s: %v", ev.Name, err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warningf("watch error: %v", err)
		}
	}
}

// Close stops watching.
func (w *SourceWatcher) Close() error {
	return w.watcher.Close()
}
