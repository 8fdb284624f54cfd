package cryptio

import (
	"fmt"
	"io"

	"github.com/vaultfs/vaultfs/internal/aead"
	"github.com/vaultfs/vaultfs/internal/block"
)

// ErrInvalidOffset is returned by Seek for a negative offset.
var ErrInvalidOffset = fmt.Errorf("cryptio: invalid offset")

// frameStride is the on-disk distance between the start of consecutive
// full blocks: every non-final frame is exactly this many bytes.
const frameStride = block.Size + block.Overhead

func blockCount(plainLen int64) uint64 {
	if plainLen <= 0 {
		return 0
	}
	return uint64((plainLen + block.Size - 1) / block.Size)
}

// blockPlainLen returns how many plaintext bytes block index belongs
// to, given the source holds plainLen total plaintext bytes.
func blockPlainLen(plainLen int64, index uint64) int {
	total := blockCount(plainLen)
	if total == 0 {
		return 0
	}
	if index+1 == total {
		last := plainLen - int64(index)*block.Size
		return int(last)
	}
	return block.Size
}

// plaintextLenFromSourceLen implements spec.md §4.4's formula:
// source_len − ⌈source_len/(B+28)⌉·28, with an empty source mapping to
// length 0.
func plaintextLenFromSourceLen(sourceLen int64) int64 {
	if sourceLen <= 0 {
		return 0
	}
	frames := (sourceLen + frameStride - 1) / frameStride
	return sourceLen - frames*block.Overhead
}

// SeekReader is the random-access decrypting reader (C4) over a
// ReadSource. It decodes at most one block at a time, keeping the
// decoded plaintext cached until a seek moves outside it.
type SeekReader struct {
	aead   aead.AEAD
	source ReadSource

	plainLen int64
	pos      int64

	curIndex  uint64
	curLoaded bool
	curBlock  []byte
}

// NewSeekReader computes the plaintext length from source's current
// size and returns a reader positioned at offset 0.
func NewSeekReader(source ReadSource, a aead.AEAD) (*SeekReader, error) {
	sz, err := source.Size()
	if err != nil {
		return nil, fmt.Errorf("cryptio: stat source: %w", err)
	}
	return &SeekReader{
		aead:     a,
		source:   source,
		plainLen: plaintextLenFromSourceLen(sz),
	}, nil
}

// Len returns the total plaintext length of the underlying content.
func (r *SeekReader) Len() int64 {
	return r.plainLen
}

// Seek repositions the read cursor to the given plaintext offset,
// clamping to Len() and rejecting negative offsets.
func (r *SeekReader) Seek(offset int64) error {
	if offset < 0 {
		return ErrInvalidOffset
	}
	if offset > r.plainLen {
		offset = r.plainLen
	}
	r.pos = offset
	return nil
}

// Read copies decoded plaintext into p starting at the current
// position, decoding additional blocks from source as needed.
func (r *SeekReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.pos >= r.plainLen {
			break
		}
		idx := uint64(r.pos) / block.Size
		intra := int(uint64(r.pos) % block.Size)

		if !(r.curLoaded && r.curIndex == idx) {
			if err := r.loadBlock(idx); err != nil {
				return n, err
			}
		}

		avail := len(r.curBlock) - intra
		if avail <= 0 {
			break
		}
		c := copy(p[n:], r.curBlock[intra:])
		n += c
		r.pos += int64(c)
	}
	if n == 0 && r.pos >= r.plainLen {
		return 0, io.EOF
	}
	return n, nil
}

func (r *SeekReader) loadBlock(idx uint64) error {
	plen := blockPlainLen(r.plainLen, idx)
	frameLen := block.FrameLen(plen)
	frame := make([]byte, frameLen)
	if frameLen > 0 {
		if _, err := r.source.ReadAt(frame, int64(idx)*frameStride); err != nil {
			return fmt.Errorf("cryptio: reading block %d: %w", idx, err)
		}
	}
	plain, err := block.Decode(r.aead, idx, frame, nil)
	if err != nil {
		return err
	}
	r.curIndex = idx
	r.curLoaded = true
	r.curBlock = plain
	return nil
}
