package vfs

import (
	"encoding/binary"
	"fmt"
	"time"
)

// recordVersion guards the wire layout of both record kinds so a future
// field addition can be detected instead of silently misparsed.
const recordVersion = 1

// encodeAttr serializes a into the canonical length-prefixed body
// spec.md §3/§4.7 requires inodes/<id>'s encrypted content to
// deserialize to, grounded in keystore.wrapRecord's length-prefixed
// convention generalized from one byte slice to a fixed field set.
func encodeAttr(a Attr) []byte {
	target := []byte(a.Target)
	buf := make([]byte, 0, 128+len(target))
	buf = append(buf, recordVersion)
	buf = appendUint64(buf, a.Ino)
	buf = append(buf, byte(a.Kind))
	buf = appendUint32(buf, a.Mode)
	buf = appendUint32(buf, a.UID)
	buf = appendUint32(buf, a.GID)
	buf = appendUint64(buf, a.Size)
	buf = appendTime(buf, a.Atime)
	buf = appendTime(buf, a.Mtime)
	buf = appendTime(buf, a.Ctime)
	buf = appendTime(buf, a.Crtime)
	buf = appendUint32(buf, a.Nlink)
	buf = appendUint32(buf, a.Rdev)
	buf = appendUint32(buf, a.Flags)
	buf = appendBool(buf, a.Deleted)
	buf = appendUint32(buf, uint32(len(target)))
	buf = append(buf, target...)
	return buf
}

func decodeAttr(body []byte) (Attr, error) {
	var a Attr
	r := &byteReader{b: body}
	version, err := r.byte()
	if err != nil {
		return a, fmt.Errorf("vfs: decoding attr record: %w", err)
	}
	if version != recordVersion {
		return a, fmt.Errorf("vfs: unsupported attr record version %d", version)
	}
	a.Ino, err = r.uint64()
	if err != nil {
		return a, err
	}
	k, err := r.byte()
	if err != nil {
		return a, err
	}
	a.Kind = Kind(k)
	if a.Mode, err = r.uint32(); err != nil {
		return a, err
	}
	if a.UID, err = r.uint32(); err != nil {
		return a, err
	}
	if a.GID, err = r.uint32(); err != nil {
		return a, err
	}
	if a.Size, err = r.uint64(); err != nil {
		return a, err
	}
	if a.Atime, err = r.time(); err != nil {
		return a, err
	}
	if a.Mtime, err = r.time(); err != nil {
		return a, err
	}
	if a.Ctime, err = r.time(); err != nil {
		return a, err
	}
	if a.Crtime, err = r.time(); err != nil {
		return a, err
	}
	if a.Nlink, err = r.uint32(); err != nil {
		return a, err
	}
	if a.Rdev, err = r.uint32(); err != nil {
		return a, err
	}
	if a.Flags, err = r.uint32(); err != nil {
		return a, err
	}
	deleted, err := r.byte()
	if err != nil {
		return a, err
	}
	a.Deleted = deleted != 0
	target, err := r.lenPrefixed()
	if err != nil {
		return a, err
	}
	a.Target = string(target)
	return a, nil
}

// dirEntryBody is what a directory-entry file's encrypted content
// deserializes to: spec.md §4.7's "encrypted {target-inode, kind}",
// extended with the plaintext name since hashed tokens aren't
// reversible and readdir must recover it.
type dirEntryBody struct {
	Ino  uint64
	Kind Kind
	Name string
}

func encodeDirEntry(e dirEntryBody) []byte {
	name := []byte(e.Name)
	buf := make([]byte, 0, 16+len(name))
	buf = append(buf, recordVersion)
	buf = appendUint64(buf, e.Ino)
	buf = append(buf, byte(e.Kind))
	buf = appendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	return buf
}

func decodeDirEntry(body []byte) (dirEntryBody, error) {
	var e dirEntryBody
	r := &byteReader{b: body}
	version, err := r.byte()
	if err != nil {
		return e, fmt.Errorf("vfs: decoding dir entry: %w", err)
	}
	if version != recordVersion {
		return e, fmt.Errorf("vfs: unsupported dir entry version %d", version)
	}
	if e.Ino, err = r.uint64(); err != nil {
		return e, err
	}
	k, err := r.byte()
	if err != nil {
		return e, err
	}
	e.Kind = Kind(k)
	name, err := r.lenPrefixed()
	if err != nil {
		return e, err
	}
	e.Name = string(name)
	return e, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendTime(buf []byte, t time.Time) []byte {
	return appendUint64(buf, uint64(t.UnixNano()))
}

// byteReader is a minimal bounds-checked cursor over a record body;
// unlike bytes.Reader it reports a descriptive error instead of
// panicking on a truncated record, since a truncated record here means
// a corrupted or foreign-version file rather than a programmer error.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) byte() (byte, error) {
	if r.pos+1 > len(r.b) {
		return 0, fmt.Errorf("vfs: record truncated reading byte at offset %d", r.pos)
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) uint32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, fmt.Errorf("vfs: record truncated reading uint32 at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) uint64() (uint64, error) {
	if r.pos+8 > len(r.b) {
		return 0, fmt.Errorf("vfs: record truncated reading uint64 at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) time() (time.Time, error) {
	v, err := r.uint64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(v)).UTC(), nil
}

func (r *byteReader) lenPrefixed() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.b) {
		return nil, fmt.Errorf("vfs: record truncated reading %d-byte field at offset %d", n, r.pos)
	}
	v := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return append([]byte(nil), v...), nil
}
