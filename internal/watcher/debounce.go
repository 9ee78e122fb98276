package watcher

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

type debounceEntry struct {
	timer *time.Timer
	event Event
}

// debouncer keeps one pending timer per key; every new event restarts it.
type debouncer struct {
	duration time.Duration
	entries  map[string]debounceEntry
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]debounceEntry),
	}
}

// schedule records event for key and reports whether it replaced a
// pending one.
func (debouncer *debouncer) schedule(key string, event Event, flush func(string)) bool {
	if debouncer == nil || debouncer.entries == nil {
		return false
	}
	entry := debouncer.entries[key]
	coalesced := entry.timer != nil
	entry.event = event
	if entry.timer == nil {
		entry.timer = time.AfterFunc(debouncer.duration, func() {
			flush(key)
		})
	} else {
		entry.timer.Reset(debouncer.duration)
	}
	debouncer.entries[key] = entry
	return coalesced
}

func (debouncer *debouncer) pop(key string) (Event, bool) {
	if debouncer == nil {
		return Event{}, false
	}
	entry, ok := debouncer.entries[key]
	if !ok {
		return Event{}, false
	}
	delete(debouncer.entries, key)
	return entry.event, true
}

func (debouncer *debouncer) stop() {
	if debouncer == nil {
		return
	}
	for _, entry := range debouncer.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	debouncer.entries = nil
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	if watcher.recursive && event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			watcher.addSubdirs(event.Name)
		}
	}

	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	now := time.Now().UTC()
	for _, root := range watcher.rootsForPathLocked(event.Name) {
		entry := Event{
			Root:      root,
			Path:      event.Name,
			Op:        event.Op,
			Timestamp: now,
		}
		if watcher.debouncer.schedule(root, entry, watcher.flush) {
			atomic.AddUint64(&watcher.eventsCoalesced, 1)
		}
	}
}

func (watcher *Watcher) flush(root string) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	event, ok := watcher.debouncer.pop(root)
	if !ok {
		watcher.mutex.Unlock()
		return
	}
	entries := append([]callbackEntry(nil), watcher.callbacks[root]...)
	watcher.mutex.Unlock()

	for _, entry := range entries {
		entry.callback(event)
		atomic.AddUint64(&watcher.eventsDelivered, 1)
	}
}
