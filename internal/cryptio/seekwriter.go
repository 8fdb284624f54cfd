package cryptio

import (
	"fmt"

	"github.com/vaultfs/vaultfs/internal/aead"
	"github.com/vaultfs/vaultfs/internal/block"
)

// SeekWriter is the random-access encrypting writer (C4) over a
// WriteSource, supporting partial-block rewrite: a write landing
// inside an existing block decodes it, overlays the new bytes, and
// re-encodes the whole block under a fresh random nonce on block
// boundary crossing or explicit Flush. The block index bound into the
// frame's associated data never changes; only the nonce does.
type SeekWriter struct {
	aead aead.AEAD
	sink WriteSource

	onDiskPlainLen int64 // plaintext length actually committed to sink
	logicalLen     int64 // highest plaintext length reached, committed or not
	pos            int64

	curIndex  uint64
	curLoaded bool
	curBlock  []byte
	dirty     bool
}

// NewSeekWriter returns a writer over sink, whose current size
// determines the starting plaintext length.
func NewSeekWriter(sink WriteSource, a aead.AEAD) (*SeekWriter, error) {
	sz, err := sink.Size()
	if err != nil {
		return nil, fmt.Errorf("cryptio: stat sink: %w", err)
	}
	plainLen := plaintextLenFromSourceLen(sz)
	return &SeekWriter{
		aead:           a,
		sink:           sink,
		onDiskPlainLen: plainLen,
		logicalLen:     plainLen,
	}, nil
}

// Len reports the writer's current plaintext length, including bytes
// buffered but not yet committed to the sink.
func (w *SeekWriter) Len() int64 {
	return w.logicalLen
}

// Seek repositions the write cursor. Writes past the prior logical end
// leave a gap that is filled with zero blocks as the writer advances
// over it (spec.md §4.4).
func (w *SeekWriter) Seek(offset int64) error {
	if offset < 0 {
		return ErrInvalidOffset
	}
	w.pos = offset
	return nil
}

// Write overlays p onto the content starting at the current cursor,
// decoding and re-encoding whichever blocks it touches.
func (w *SeekWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		idx := uint64(w.pos) / block.Size
		intra := int(uint64(w.pos) % block.Size)

		if err := w.loadForWrite(idx); err != nil {
			return written, err
		}
		if intra > len(w.curBlock) {
			w.curBlock = append(w.curBlock, make([]byte, intra-len(w.curBlock))...)
		}
		room := block.Size - intra
		n := room
		if n > len(p) {
			n = len(p)
		}
		if intra+n > len(w.curBlock) {
			w.curBlock = append(w.curBlock, make([]byte, intra+n-len(w.curBlock))...)
		}
		copy(w.curBlock[intra:intra+n], p[:n])
		w.dirty = true
		p = p[n:]
		written += n
		w.pos += int64(n)
		if w.pos > w.logicalLen {
			w.logicalLen = w.pos
		}
		if intra+n == block.Size {
			if err := w.commitCurrentBlock(idx); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// loadForWrite makes block idx the current in-memory block, committing
// any previously dirty block and zero-filling any gap blocks between
// the prior end of the content and idx.
func (w *SeekWriter) loadForWrite(idx uint64) error {
	if w.curLoaded && w.curIndex == idx {
		return nil
	}
	if w.curLoaded && w.dirty {
		if err := w.commitCurrentBlock(w.curIndex); err != nil {
			return err
		}
	}

	onDiskBlocks := blockCount(w.onDiskPlainLen)
	if idx < onDiskBlocks {
		plain, err := w.decodeBlock(idx, w.onDiskPlainLen)
		if err != nil {
			return err
		}
		w.curBlock = plain
	} else {
		if onDiskBlocks > 0 && w.onDiskPlainLen%block.Size != 0 {
			if err := w.padLastBlockToFull(onDiskBlocks - 1); err != nil {
				return err
			}
		}
		for gap := onDiskBlocks; gap < idx; gap++ {
			if err := w.writeZeroFrame(gap); err != nil {
				return err
			}
			w.onDiskPlainLen = int64(gap+1) * block.Size
		}
		w.curBlock = w.curBlock[:0]
	}
	w.curIndex = idx
	w.curLoaded = true
	w.dirty = false
	return nil
}

func (w *SeekWriter) decodeBlock(idx uint64, plainLen int64) ([]byte, error) {
	plen := blockPlainLen(plainLen, idx)
	frame := make([]byte, block.FrameLen(plen))
	if len(frame) > 0 {
		if _, err := w.sink.ReadAt(frame, int64(idx)*frameStride); err != nil {
			return nil, fmt.Errorf("cryptio: reading block %d: %w", idx, err)
		}
	}
	return block.Decode(w.aead, idx, frame, nil)
}

// padLastBlockToFull re-encodes the current on-disk last block (which
// is short, holding fewer than block.Size plaintext bytes) out to a
// full block, zero-filling the rest. A gap write past it must not
// leave a short non-last block behind: every block but the true last
// one is exactly block.Size plaintext bytes (spec.md §4.4).
func (w *SeekWriter) padLastBlockToFull(idx uint64) error {
	var plain []byte
	if w.curLoaded && w.curIndex == idx {
		plain = append([]byte(nil), w.curBlock...)
	} else {
		decoded, err := w.decodeBlock(idx, w.onDiskPlainLen)
		if err != nil {
			return err
		}
		plain = decoded
	}
	if len(plain) < int(block.Size) {
		plain = append(plain, make([]byte, int(block.Size)-len(plain))...)
	}
	frame, err := block.Encode(w.aead, idx, plain, nil)
	if err != nil {
		return fmt.Errorf("cryptio: padding block %d: %w", idx, err)
	}
	off := int64(idx) * frameStride
	if _, err := w.sink.WriteAt(frame, off); err != nil {
		return fmt.Errorf("cryptio: writing padded block %d: %w", idx, err)
	}
	w.onDiskPlainLen = int64(idx+1) * block.Size
	return nil
}

func (w *SeekWriter) writeZeroFrame(idx uint64) error {
	frame, err := block.Encode(w.aead, idx, make([]byte, block.Size), nil)
	if err != nil {
		return err
	}
	if _, err := w.sink.WriteAt(frame, int64(idx)*frameStride); err != nil {
		return fmt.Errorf("cryptio: writing gap block %d: %w", idx, err)
	}
	return nil
}

// commitCurrentBlock re-encodes the buffered block under a fresh
// random nonce and writes it back at its fixed byte offset.
func (w *SeekWriter) commitCurrentBlock(idx uint64) error {
	if !w.dirty {
		return nil
	}
	frame, err := block.Encode(w.aead, idx, w.curBlock, nil)
	if err != nil {
		return fmt.Errorf("cryptio: encoding block %d: %w", idx, err)
	}
	off := int64(idx) * frameStride
	if _, err := w.sink.WriteAt(frame, off); err != nil {
		return fmt.Errorf("cryptio: writing block %d: %w", idx, err)
	}
	end := int64(idx)*block.Size + int64(len(w.curBlock))
	if end > w.onDiskPlainLen {
		w.onDiskPlainLen = end
	}
	w.dirty = false
	return nil
}

// Flush commits the currently buffered block if dirty. It is a no-op
// on a clean writer (spec.md §8's idempotence property).
func (w *SeekWriter) Flush() error {
	if w.curLoaded && w.dirty {
		return w.commitCurrentBlock(w.curIndex)
	}
	return nil
}

// Truncate resizes the content to newSize, zero-extending if it grows
// or dropping trailing blocks (rewriting the new last block if it
// becomes partial) if it shrinks. Matches the content-length invariant
// in spec.md §3: ciphertext length = ⌈size/B⌉·28 + size for size > 0,
// else 0.
func (w *SeekWriter) Truncate(newSize int64) error {
	cur := w.Len()
	if newSize == cur {
		return nil
	}
	if newSize > cur {
		if err := w.Seek(cur); err != nil {
			return err
		}
		if err := w.writeZeros(newSize - cur); err != nil {
			return err
		}
		return w.Flush()
	}
	return w.shrink(newSize)
}

func (w *SeekWriter) writeZeros(n int64) error {
	zero := make([]byte, block.Size)
	for n > 0 {
		chunk := int64(len(zero))
		if chunk > n {
			chunk = n
		}
		if _, err := w.Write(zero[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (w *SeekWriter) shrink(newSize int64) error {
	if newSize == 0 {
		if err := w.sink.Truncate(0); err != nil {
			return fmt.Errorf("cryptio: truncate to empty: %w", err)
		}
		w.onDiskPlainLen = 0
		w.logicalLen = 0
		w.curLoaded = false
		w.curBlock = nil
		w.pos = 0
		return nil
	}

	lastIdx := uint64((newSize - 1) / block.Size)
	lastLen := int(newSize - int64(lastIdx)*block.Size)

	if lastLen == block.Size {
		if err := w.sink.Truncate(int64(lastIdx+1) * frameStride); err != nil {
			return fmt.Errorf("cryptio: truncate: %w", err)
		}
	} else {
		var plain []byte
		if w.curLoaded && w.curIndex == lastIdx {
			plain = w.curBlock
		} else {
			decoded, err := w.decodeBlock(lastIdx, w.onDiskPlainLen)
			if err != nil {
				return err
			}
			plain = decoded
		}
		if len(plain) < lastLen {
			plain = append(plain, make([]byte, lastLen-len(plain))...)
		}
		plain = plain[:lastLen]
		frame, err := block.Encode(w.aead, lastIdx, plain, nil)
		if err != nil {
			return fmt.Errorf("cryptio: encoding truncated block %d: %w", lastIdx, err)
		}
		off := int64(lastIdx) * frameStride
		if _, err := w.sink.WriteAt(frame, off); err != nil {
			return fmt.Errorf("cryptio: writing truncated block %d: %w", lastIdx, err)
		}
		if err := w.sink.Truncate(off + int64(len(frame))); err != nil {
			return fmt.Errorf("cryptio: truncate: %w", err)
		}
	}

	w.onDiskPlainLen = newSize
	w.logicalLen = newSize
	w.curLoaded = false
	w.curBlock = nil
	if w.pos > newSize {
		w.pos = newSize
	}
	return nil
}

// Sync fsyncs the backing content file, matching the ordered
// write→fsync→attribute-publish sequence of spec.md §4.8/§4.9.
func (w *SeekWriter) Sync() error {
	return w.sink.Sync()
}
