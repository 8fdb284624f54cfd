package vfs

import (
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
)

func TestAttrRecordRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Nanosecond)
	want := Attr{
		Ino: 42, Kind: RegularFile, Mode: 0o644, UID: 1000, GID: 1000,
		Size: 12345, Atime: now, Mtime: now, Ctime: now, Crtime: now,
		Nlink: 1, Rdev: 0, Flags: 0, Target: "", Deleted: false,
	}
	got, err := decodeAttr(encodeAttr(want))
	if err != nil {
		t.Fatalf("decodeAttr: %v", err)
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("attr record round trip diff (-want +got):\n%s", diff)
	}
}

func TestAttrRecordRoundTripSymlink(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Nanosecond)
	want := Attr{
		Ino: 7, Kind: Symlink, Mode: 0o777, Target: "/some/target",
		Atime: now, Mtime: now, Ctime: now, Crtime: now, Nlink: 1,
	}
	got, err := decodeAttr(encodeAttr(want))
	if err != nil {
		t.Fatalf("decodeAttr: %v", err)
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("attr record round trip diff (-want +got):\n%s", diff)
	}
}

func TestDirEntryRecordRoundTrip(t *testing.T) {
	want := dirEntryBody{Ino: 9, Kind: Directory, Name: "a name with spaces"}
	got, err := decodeDirEntry(encodeDirEntry(want))
	if err != nil {
		t.Fatalf("decodeDirEntry: %v", err)
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("dir entry record round trip diff (-want +got):\n%s", diff)
	}
}

func TestDecodeAttrRejectsTruncatedRecord(t *testing.T) {
	full := encodeAttr(Attr{Ino: 1, Kind: RegularFile})
	if _, err := decodeAttr(full[:len(full)-4]); err == nil {
		t.Fatal("decodeAttr accepted a truncated record")
	}
}
