// Package secret holds key material and passwords in buffers that are
// zeroed on release instead of left for the garbage collector to find.
//
// Go has no equivalent of Rust's secrecy crate in this module's retrieved
// dependency set, so this container is hand-rolled: see DESIGN.md for why
// no third-party zeroizing library was wired instead.
package secret

import "runtime"

// Bytes wraps a byte slice that must be wiped once it is no longer needed.
// The zero value is not usable; construct with New.
type Bytes struct {
	b        []byte
	released bool
}

// New takes ownership of b. Callers must not retain their own reference
// to b after calling New.
func New(b []byte) *Bytes {
	s := &Bytes{b: b}
	runtime.SetFinalizer(s, (*Bytes).Close)
	return s
}

// Expose returns the underlying bytes. The returned slice aliases s's
// storage and becomes invalid after Close.
func (s *Bytes) Expose() []byte {
	if s.released {
		panic("secret: Expose after Close")
	}
	return s.b
}

// Len reports the number of bytes held.
func (s *Bytes) Len() int {
	return len(s.b)
}

// Close zeroes the underlying storage. Safe to call more than once.
func (s *Bytes) Close() {
	if s.released {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.released = true
	runtime.SetFinalizer(s, nil)
}

// Wipe zeroes an arbitrary byte slice in place, for transient buffers
// that are not wrapped in a Bytes.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
