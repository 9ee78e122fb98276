package pty

import (
	"sync"

	"ptybridge/internal/buffer"
)

const (
	DefaultBufferBytes     = 1 << 20
	defaultSubscriberQueue = 128
)

// Broadcaster fans out output to multiple subscribers without blocking on
// slow listeners, and retains recent output for late joiners.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uint64]chan []byte
	nextSubID   uint64
	history     *buffer.ByteRing
	lines       *OutputBuffer
	closed      bool
}

func NewBroadcaster(bufferBytes, bufferLines int) *Broadcaster {
	if bufferBytes <= 0 {
		bufferBytes = DefaultBufferBytes
	}
	return &Broadcaster{
		subscribers: make(map[uint64]chan []byte),
		history:     buffer.NewByteRing(bufferBytes),
		lines:       NewOutputBuffer(bufferLines),
	}
}

func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	return b.SubscribeSize(defaultSubscriberQueue)
}

// SubscribeSize subscribes with a queue of size chunks. Chunks that arrive
// while the queue is full are dropped for that subscriber only.
func (b *Broadcaster) SubscribeSize(size int) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(size)
}

// Attach returns the retained output together with a subscription that
// starts exactly where the snapshot ends.
func (b *Broadcaster) Attach(size int) ([]byte, <-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := b.history.Bytes()
	ch, cancel := b.subscribeLocked(size)
	return snapshot, ch, cancel
}

func (b *Broadcaster) subscribeLocked(size int) (<-chan []byte, func()) {
	if size <= 0 {
		size = defaultSubscriberQueue
	}
	ch := make(chan []byte, size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
}

func (b *Broadcaster) Broadcast(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.lines.Append(chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history.Write(chunk)
	for _, ch := range b.subscribers {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Snapshot returns a copy of the retained output, oldest byte first.
func (b *Broadcaster) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Bytes()
}

func (b *Broadcaster) OutputLines() []string {
	return b.lines.Lines()
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
