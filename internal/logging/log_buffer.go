package logging

import (
	"sync"

	"ptybridge/internal/buffer"
)

type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.List()
}

// Tail returns the newest count entries.
func (b *LogBuffer) Tail(count int) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Tail(count)
}
