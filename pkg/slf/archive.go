package slf

import (
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/beam-cloud/ja2/pkg/common"
	"github.com/beam-cloud/ja2/pkg/storage"
	"github.com/rs/zerolog/log"
)

// Source is the random access byte store an archive is read from.
type Source interface {
	io.ReaderAt
	Size() int64
}

// Archive is a read-only view of an SLF library.
type Archive struct {
	src     Source
	header  Header
	entries []Entry
	root    *node
}

// OpenFile opens the archive stored at a local path.
func OpenFile(archivePath string) (*Archive, error) {
	src, err := storage.NewLocalStorage(storage.LocalStorageOpts{ArchivePath: archivePath})
	if err != nil {
		return nil, err
	}

	a, err := Open(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	return a, nil
}

// Open reads the header and index of an archive. The source is kept for
// content reads and closed by Close when it implements io.Closer.
func Open(src Source) (*Archive, error) {
	size := src.Size()
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: archive of %d bytes is smaller than its header", common.ErrFormat, size)
	}

	buf := make([]byte, HeaderSize)
	if _, err := src.ReadAt(buf, 0); err != nil {
		return nil, err
	}

	var header Header
	if err := header.UnmarshalBinary(buf); err != nil {
		return nil, err
	}

	n := int64(header.NumberOfEntries)
	if n < 0 || HeaderSize+n*EntrySize > size {
		return nil, fmt.Errorf("%w: %d index entries do not fit in %d bytes", common.ErrFormat, n, size)
	}

	indexStart := size - n*EntrySize
	index := make([]byte, n*EntrySize)
	if n > 0 {
		if _, err := src.ReadAt(index, indexStart); err != nil {
			return nil, err
		}
	}

	entries := make([]Entry, n)
	for i := range entries {
		if err := entries[i].UnmarshalBinary(index[i*EntrySize : (i+1)*EntrySize]); err != nil {
			return nil, err
		}

		end := int64(entries[i].Offset) + int64(entries[i].Length)
		if end > indexStart {
			return nil, fmt.Errorf("%w: entry %q spans past the data area", common.ErrFormat, entries[i].Name)
		}
	}

	log.Debug().
		Str("library", header.LibraryName).
		Str("path", header.LibraryPath).
		Int64("entries", n).
		Msg("opened archive")

	return &Archive{
		src:     src,
		header:  header,
		entries: entries,
		root:    buildTree(entries),
	}, nil
}

func (a *Archive) Header() Header {
	return a.header
}

// Entries returns a copy of the index in on-disk order.
func (a *Archive) Entries() []Entry {
	entries := make([]Entry, len(a.entries))
	copy(entries, a.entries)
	return entries
}

func (a *Archive) Exists(name string) bool {
	return a.root.lookup(name) != nil
}

func (a *Archive) IsDir(name string) bool {
	n := a.root.lookup(name)
	return n != nil && n.isDir()
}

func (a *Archive) IsFile(name string) bool {
	n := a.root.lookup(name)
	return n != nil && !n.isDir()
}

func (a *Archive) ListDir(name string) ([]string, error) {
	n := a.root.lookup(name)
	if n == nil {
		return nil, pathError("listdir", name, common.ErrNotFound)
	}
	if !n.isDir() {
		return nil, pathError("listdir", name, common.ErrInvalidType)
	}
	return n.sortedNames(), nil
}

// Open returns a reader over the bytes of a file.
func (a *Archive) Open(name string) (*io.SectionReader, error) {
	e, err := a.fileEntry("open", name)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(a.src, int64(e.Offset), int64(e.Length)), nil
}

func (a *Archive) ReadFile(name string) ([]byte, error) {
	return ReadFile(a, name)
}

func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	n := a.root.lookup(name)
	if n == nil {
		return nil, pathError("stat", name, common.ErrNotFound)
	}
	if n.isDir() {
		return newFileInfo(name, 0, time.Time{}, true), nil
	}

	e := a.entries[n.entry]
	return newFileInfo(name, int64(e.Length), e.ModTime, false), nil
}

// Walk calls fn for every file, breadth first.
func (a *Archive) Walk(fn WalkFunc) error {
	return walkFiles(a, fn)
}

func (a *Archive) Create(name string) (io.WriteCloser, error) {
	return nil, unsupported("create", name)
}

func (a *Archive) Remove(name string) error {
	return unsupported("remove", name)
}

func (a *Archive) RemoveDir(name string, recursive bool) error {
	return unsupported("removedir", name)
}

func (a *Archive) MakeDir(name string) error {
	return unsupported("makedir", name)
}

func (a *Archive) Rename(oldName, newName string) error {
	return unsupported("rename", oldName)
}

func (a *Archive) SetModTime(name string, _ time.Time) error {
	return unsupported("setmodtime", name)
}

func (a *Archive) Close() error {
	if c, ok := a.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *Archive) fileEntry(op, name string) (Entry, error) {
	n := a.root.lookup(name)
	if n == nil {
		return Entry{}, pathError(op, name, common.ErrNotFound)
	}
	if n.isDir() {
		return Entry{}, pathError(op, name, common.ErrInvalidType)
	}
	return a.entries[n.entry], nil
}

func unsupported(op, name string) error {
	return pathError(op, cleanPath(name), fmt.Errorf("%w: archive is read-only, %s is not available", common.ErrUnsupportedOperation, op))
}

var _ View = (*Archive)(nil)
