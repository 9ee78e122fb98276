package watcher

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const maxRebuildDelay = 5 * time.Second

// handleError recovers from fsnotify failures. A queue overflow means
// events were dropped, so every root gets a synthetic change and readers
// rescan. Any other error rebuilds the inotify instance.
func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	atomic.AddUint64(&watcher.errorCount, 1)
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		watcher.logWarn("watcher queue overflowed; rescanning roots", nil)
		watcher.rescanAll()
		return
	}
	watcher.logWarn("watcher error", map[string]string{"error": err.Error()})
	watcher.scheduleRebuild(err)
}

func (watcher *Watcher) rescanAll() {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	now := time.Now().UTC()
	for root := range watcher.callbacks {
		event := Event{Root: root, Path: root, Op: fsnotify.Write, Timestamp: now}
		if watcher.debouncer.schedule(root, event, watcher.flush) {
			atomic.AddUint64(&watcher.eventsCoalesced, 1)
		}
	}
}

func rebuildDelay(attempt int) time.Duration {
	delay := restartBaseDelay << attempt
	if delay <= 0 || delay > maxRebuildDelay {
		return maxRebuildDelay
	}
	return delay
}

func (watcher *Watcher) scheduleRebuild(cause error) {
	watcher.mutex.Lock()
	closed := watcher.closed
	watcher.mutex.Unlock()
	if closed {
		return
	}

	watcher.restartMutex.Lock()
	defer watcher.restartMutex.Unlock()
	if watcher.restartTimer != nil {
		return
	}
	if watcher.restartAttempts >= maxRestartAttempts {
		go watcher.notifyError(cause)
		return
	}
	delay := rebuildDelay(watcher.restartAttempts)
	watcher.restartAttempts++
	watcher.logger.Debug("watcher rebuild scheduled", map[string]string{
		"attempt": strconv.Itoa(watcher.restartAttempts),
		"delay":   delay.String(),
	})
	watcher.restartTimer = time.AfterFunc(delay, func() {
		err := watcher.rebuild()

		watcher.restartMutex.Lock()
		watcher.restartTimer = nil
		if err == nil {
			watcher.restartAttempts = 0
		}
		watcher.restartMutex.Unlock()

		if err != nil {
			watcher.logWarn("watcher rebuild failed", map[string]string{"error": err.Error()})
			watcher.scheduleRebuild(err)
		}
	})
}

func (watcher *Watcher) notifyError(err error) {
	watcher.mutex.Lock()
	handler := watcher.errorHandler
	watcher.mutex.Unlock()
	if handler != nil {
		handler(err)
	}
}

// rebuild swaps in a fresh fsnotify watcher carrying every registered
// root and recursive subdirectory. Missed changes are covered by a rescan.
func (watcher *Watcher) rebuild() error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	paths := make([]string, 0, len(watcher.callbacks)+len(watcher.subdirs))
	for path := range watcher.callbacks {
		paths = append(paths, path)
	}
	for path := range watcher.subdirs {
		paths = append(paths, path)
	}
	watcher.mutex.Unlock()

	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := replacement.Add(path); err != nil {
			watcher.logWarn("watcher re-add failed", map[string]string{"path": path, "error": err.Error()})
		}
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := watcher.watcher
	watcher.watcher = replacement
	watcher.mutex.Unlock()

	watcher.startForwarder(replacement)
	_ = previous.Close()
	watcher.rescanAll()
	return nil
}
