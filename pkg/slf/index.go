package slf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/beam-cloud/ja2/pkg/common"
)

const (
	HeaderSize = 532
	EntrySize  = 280

	nameFieldSize = 256

	// DirectoryConflictSuffix is appended to a file whose name is also
	// needed for a directory.
	DirectoryConflictSuffix = "_DIRECTORY_CONFLICT"
)

// Header describes the library stored at the start of an archive.
type Header struct {
	LibraryName            string
	LibraryPath            string
	NumberOfEntries        int32
	Used                   int32
	Sort                   uint16
	Version                uint16
	ContainsSubdirectories int32
}

type rawHeader struct {
	LibraryName            [nameFieldSize]byte
	LibraryPath            [nameFieldSize]byte
	NumberOfEntries        int32
	Used                   int32
	Sort                   uint16
	Version                uint16
	ContainsSubdirectories int32
	_                      [4]byte
}

func (h *Header) MarshalBinary() ([]byte, error) {
	raw := rawHeader{
		NumberOfEntries:        h.NumberOfEntries,
		Used:                   h.Used,
		Sort:                   h.Sort,
		Version:                h.Version,
		ContainsSubdirectories: h.ContainsSubdirectories,
	}
	if err := common.PutFixedString(raw.LibraryName[:], h.LibraryName); err != nil {
		return nil, err
	}
	if err := common.PutFixedString(raw.LibraryPath[:], h.LibraryPath); err != nil {
		return nil, err
	}
	return encodeRaw(&raw), nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	var raw rawHeader
	if err := decodeRaw(b, HeaderSize, &raw); err != nil {
		return err
	}

	*h = Header{
		LibraryName:            common.DecodeFixedString(raw.LibraryName[:]),
		LibraryPath:            common.DecodeFixedString(raw.LibraryPath[:]),
		NumberOfEntries:        raw.NumberOfEntries,
		Used:                   raw.Used,
		Sort:                   raw.Sort,
		Version:                raw.Version,
		ContainsSubdirectories: raw.ContainsSubdirectories,
	}
	return nil
}

// Entry is one file record of the trailing index. Name is an absolute
// slash separated path.
type Entry struct {
	Name    string
	Offset  uint32
	Length  uint32
	State   uint8
	ModTime time.Time
}

type rawEntry struct {
	Name      [nameFieldSize]byte
	Offset    uint32
	Length    uint32
	State     uint8
	_         [3]byte
	Time      int64
	Reserved2 uint16
	_         [2]byte
}

func (e *Entry) MarshalBinary() ([]byte, error) {
	raw := rawEntry{
		Offset: e.Offset,
		Length: e.Length,
		State:  e.State,
		Time:   common.TimeToFiletime(e.ModTime),
	}
	if err := common.PutFixedString(raw.Name[:], ArchiveName(e.Name)); err != nil {
		return nil, err
	}
	return encodeRaw(&raw), nil
}

func (e *Entry) UnmarshalBinary(b []byte) error {
	var raw rawEntry
	if err := decodeRaw(b, EntrySize, &raw); err != nil {
		return err
	}

	*e = Entry{
		Name:    FromArchiveName(common.DecodeFixedString(raw.Name[:])),
		Offset:  raw.Offset,
		Length:  raw.Length,
		State:   raw.State,
		ModTime: common.FiletimeToTime(raw.Time),
	}
	return nil
}

// ArchiveName converts "/foo/bar" to the on-disk form "foo\bar".
func ArchiveName(name string) string {
	return strings.ReplaceAll(strings.Trim(name, "/"), "/", "\\")
}

// FromArchiveName converts "foo\bar" to "/foo/bar".
func FromArchiveName(name string) string {
	return "/" + strings.ReplaceAll(name, "\\", "/")
}

func decodeRaw(b []byte, size int, v any) error {
	if len(b) != size {
		return fmt.Errorf("%w: record needs %d bytes, got %d", common.ErrFormat, size, len(b))
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

func encodeRaw(v any) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}
