package cryptio

import "os"

// ReadSource is what SeekReader needs from its backing content file:
// random-access reads plus a total byte length.
type ReadSource interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() (int64, error)
}

// WriteSource is what SeekWriter needs: random-access reads (to decode
// an existing block before overlaying new bytes) and writes, plus
// Truncate/Sync for the partial-rewrite and flush paths.
type WriteSource interface {
	ReadSource
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
}

// FileSource adapts *os.File to ReadSource/WriteSource.
type FileSource struct {
	*os.File
}

// Size reports the current length of the backing file via Stat, since
// *os.File has no Len method of its own.
func (f FileSource) Size() (int64, error) {
	fi, err := f.File.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
