package buffer

// ByteRing retains the most recent bytes written to it. Once full, the
// oldest bytes are overwritten first.
type ByteRing struct {
	data  []byte
	start int
	size  int
	total int64
}

func NewByteRing(capacity int) *ByteRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &ByteRing{data: make([]byte, capacity)}
}

// Write never fails; it always reports len(p) bytes written.
func (b *ByteRing) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	b.total += int64(n)
	capacity := len(b.data)
	if n >= capacity {
		copy(b.data, p[n-capacity:])
		b.start = 0
		b.size = capacity
		return n, nil
	}

	end := (b.start + b.size) % capacity
	first := copy(b.data[end:], p)
	if first < n {
		copy(b.data, p[first:])
	}

	b.size += n
	if b.size > capacity {
		b.start = (b.start + b.size - capacity) % capacity
		b.size = capacity
	}
	return n, nil
}

// Bytes returns a copy of the retained bytes, oldest first.
func (b *ByteRing) Bytes() []byte {
	out := make([]byte, b.size)
	if b.size == 0 {
		return out
	}
	n := copy(out, b.data[b.start:min(b.start+b.size, len(b.data))])
	if n < b.size {
		copy(out[n:], b.data[:b.size-n])
	}
	return out
}

func (b *ByteRing) Len() int {
	return b.size
}

func (b *ByteRing) Cap() int {
	return len(b.data)
}

// Total counts every byte ever written, including evicted ones.
func (b *ByteRing) Total() int64 {
	return b.total
}
