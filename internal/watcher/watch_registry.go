package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type callbackEntry struct {
	id       uint64
	callback func(Event)
	isDir    bool
}

type watchHandle struct {
	watcher *Watcher
	path    string
	id      uint64
	once    sync.Once
}

func (handle *watchHandle) Close() error {
	if handle == nil || handle.watcher == nil {
		return nil
	}
	var err error
	handle.once.Do(func() {
		err = handle.watcher.removeCallback(handle.path, handle.id)
	})
	return err
}

// Watch registers a callback for filesystem events on a file or directory.
func (watcher *Watcher) Watch(path string, callback func(Event)) (Handle, error) {
	if watcher == nil {
		return nil, errors.New("watcher is nil")
	}
	if path == "" {
		return nil, errors.New("path is required")
	}
	if callback == nil {
		return nil, errors.New("callback is required")
	}
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil, errors.New("watcher is closed")
	}
	needsAdd := watcher.callbacks[path] == nil
	if needsAdd && watcher.activeWatches >= watcher.maxWatches {
		watcher.mutex.Unlock()
		return nil, ErrMaxWatchesExceeded
	}
	watcher.nextID++
	entry := callbackEntry{callback: callback, id: watcher.nextID, isDir: info.IsDir()}
	watcher.callbacks[path] = append(watcher.callbacks[path], entry)
	if needsAdd {
		watcher.activeWatches++
	}
	activeCount := watcher.activeWatches
	source := watcher.watcher
	watcher.mutex.Unlock()

	if needsAdd {
		if err := source.Add(path); err != nil {
			_ = watcher.removeCallback(path, entry.id)
			watcher.logWarn("watch add failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			return nil, err
		}
		watcher.logDebug("watch added", path, activeCount)
		if watcher.recursive && entry.isDir {
			watcher.addSubdirs(path)
		}
	}

	return &watchHandle{watcher: watcher, path: path, id: entry.id}, nil
}

// addSubdirs watches every directory below dir on behalf of the registered
// root that contains it.
func (watcher *Watcher) addSubdirs(dir string) {
	watcher.mutex.Lock()
	root := watcher.rootForDirLocked(dir)
	source := watcher.watcher
	watcher.mutex.Unlock()
	if root == "" {
		return
	}

	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.IsDir() || path == root {
			return nil
		}
		watcher.mutex.Lock()
		if watcher.closed || watcher.activeWatches >= watcher.maxWatches {
			watcher.mutex.Unlock()
			return filepath.SkipAll
		}
		if _, exists := watcher.subdirs[path]; exists {
			watcher.mutex.Unlock()
			return nil
		}
		watcher.subdirs[path] = root
		watcher.activeWatches++
		watcher.mutex.Unlock()

		if addErr := source.Add(path); addErr != nil {
			watcher.mutex.Lock()
			delete(watcher.subdirs, path)
			watcher.activeWatches--
			watcher.mutex.Unlock()
			watcher.logWarn("watch add failed", map[string]string{
				"path":  path,
				"error": addErr.Error(),
			})
		}
		return nil
	})
}

func (watcher *Watcher) removeCallback(path string, id uint64) error {
	removed := []string{}
	watcher.mutex.Lock()
	callbacks := watcher.callbacks[path]
	for index, candidate := range callbacks {
		if candidate.id == id {
			callbacks = append(callbacks[:index], callbacks[index+1:]...)
			break
		}
	}
	if len(callbacks) == 0 {
		if _, ok := watcher.callbacks[path]; ok {
			delete(watcher.callbacks, path)
			removed = append(removed, path)
			watcher.activeWatches--
		}
		for subdir, root := range watcher.subdirs {
			if root == path {
				delete(watcher.subdirs, subdir)
				removed = append(removed, subdir)
				watcher.activeWatches--
			}
		}
	} else {
		watcher.callbacks[path] = callbacks
	}
	activeCount := watcher.activeWatches
	closed := watcher.closed
	source := watcher.watcher
	watcher.mutex.Unlock()

	if closed {
		return nil
	}
	var errs []error
	for _, target := range removed {
		if err := source.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(removed) > 0 {
		watcher.logDebug("watch removed", path, activeCount)
	}
	return errors.Join(errs...)
}

func (watcher *Watcher) rootsForPathLocked(path string) []string {
	var roots []string
	for root, entries := range watcher.callbacks {
		if root == path || (hasDirWatch(entries) && isWithinPath(root, path)) {
			roots = append(roots, root)
		}
	}
	return roots
}

func (watcher *Watcher) rootForDirLocked(dir string) string {
	if root, ok := watcher.subdirs[dir]; ok {
		return root
	}
	for root, entries := range watcher.callbacks {
		if hasDirWatch(entries) && isWithinPath(root, dir) {
			return root
		}
	}
	return ""
}

func hasDirWatch(entries []callbackEntry) bool {
	for _, entry := range entries {
		if entry.isDir {
			return true
		}
	}
	return false
}

func isWithinPath(parent, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
