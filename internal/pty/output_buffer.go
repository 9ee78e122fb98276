package pty

import (
	"strings"
	"sync"

	"ptybridge/internal/buffer"
)

const DefaultBufferLines = 1000

// OutputBuffer keeps the most recent complete lines plus the unterminated
// trailing line.
type OutputBuffer struct {
	mu    sync.Mutex
	lines *buffer.Ring[string]
	carry string
}

func NewOutputBuffer(maxLines int) *OutputBuffer {
	if maxLines <= 0 {
		maxLines = DefaultBufferLines
	}
	return &OutputBuffer{
		lines: buffer.NewRing[string](maxLines),
	}
}

func (b *OutputBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	parts := strings.Split(b.carry+string(data), "\n")
	b.carry = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		b.lines.Add(strings.TrimSuffix(line, "\r"))
	}
}

func (b *OutputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := b.lines.List()
	if b.carry != "" {
		lines = append(lines, b.carry)
	}
	return lines
}
