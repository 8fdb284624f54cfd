package cryptio

import "fmt"

// memSink is an in-memory WriteSource/ReadSource used by tests so they
// don't need a real content file on disk.
type memSink struct {
	data []byte
}

func (m *memSink) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("memSink: offset %d out of range (len %d)", off, len(m.data))
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("memSink: short read at %d", off)
	}
	return n, nil
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *memSink) Truncate(size int64) error {
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *memSink) Sync() error { return nil }

func (m *memSink) Size() (int64, error) { return int64(len(m.data)), nil }
