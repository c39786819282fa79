package slf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/beam-cloud/ja2/pkg/common"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"
)

type memNode struct {
	Path    string
	Dir     bool
	Data    []byte
	ModTime time.Time
}

// BufferedArchive layers an in-memory tree over an optional base archive.
// Reads consult the base first and then memory. Every write lands in
// memory, and paths removed from the base are hidden rather than deleted
// so the base is never modified. Save serializes the merged view.
type BufferedArchive struct {
	base   *Archive
	header Header
	memory *btree.BTreeG[*memNode]
	hidden map[string]struct{}
}

func NewBufferedArchive(base *Archive) *BufferedArchive {
	header := Header{
		LibraryName:            "Custom",
		LibraryPath:            "Custom.slf",
		Sort:                   1,
		Version:                1,
		ContainsSubdirectories: 1,
	}
	if base != nil {
		header = base.Header()
	}

	memory := btree.NewBTreeGOptions(func(a, b *memNode) bool {
		return a.Path < b.Path
	}, btree.Options{NoLocks: true})
	memory.Set(&memNode{Path: "/", Dir: true})

	return &BufferedArchive{
		base:   base,
		header: header,
		memory: memory,
		hidden: make(map[string]struct{}),
	}
}

// Header returns the library header. Entry counts are only filled in by Save.
func (b *BufferedArchive) Header() Header {
	return b.header
}

// SetLibrary changes the library name and path written by Save.
func (b *BufferedArchive) SetLibrary(name, libraryPath string) {
	b.header.LibraryName = name
	b.header.LibraryPath = libraryPath
}

func (b *BufferedArchive) Exists(name string) bool {
	name = cleanPath(name)
	return b.memNode(name) != nil || b.baseVisible(name)
}

func (b *BufferedArchive) IsDir(name string) bool {
	name = cleanPath(name)
	if n := b.memNode(name); n != nil {
		return n.Dir
	}
	return b.baseVisible(name) && b.base.IsDir(name)
}

func (b *BufferedArchive) IsFile(name string) bool {
	return b.Exists(name) && !b.IsDir(name)
}

func (b *BufferedArchive) ListDir(name string) ([]string, error) {
	name = cleanPath(name)
	if !b.Exists(name) {
		return nil, pathError("listdir", name, common.ErrNotFound)
	}
	if !b.IsDir(name) {
		return nil, pathError("listdir", name, common.ErrInvalidType)
	}

	seen := make(map[string]struct{})
	var names []string
	if b.baseVisible(name) {
		baseNames, err := b.base.ListDir(name)
		if err != nil {
			return nil, err
		}
		for _, child := range baseNames {
			if b.isHidden(path.Join(name, child)) {
				continue
			}
			seen[child] = struct{}{}
			names = append(names, child)
		}
	}

	b.memChildren(name, func(n *memNode) {
		child := path.Base(n.Path)
		if _, ok := seen[child]; !ok {
			seen[child] = struct{}{}
			names = append(names, child)
		}
	})

	sort.Strings(names)
	return names, nil
}

func (b *BufferedArchive) Open(name string) (*io.SectionReader, error) {
	name = cleanPath(name)
	if n := b.memNode(name); n != nil {
		if n.Dir {
			return nil, pathError("open", name, common.ErrInvalidType)
		}
		return io.NewSectionReader(bytes.NewReader(n.Data), 0, int64(len(n.Data))), nil
	}
	if b.baseVisible(name) {
		return b.base.Open(name)
	}
	return nil, pathError("open", name, common.ErrNotFound)
}

func (b *BufferedArchive) ReadFile(name string) ([]byte, error) {
	return ReadFile(b, name)
}

func (b *BufferedArchive) Stat(name string) (fs.FileInfo, error) {
	name = cleanPath(name)
	if n := b.memNode(name); n != nil {
		return newFileInfo(name, int64(len(n.Data)), n.ModTime, n.Dir), nil
	}
	if b.baseVisible(name) {
		return b.base.Stat(name)
	}
	return nil, pathError("stat", name, common.ErrNotFound)
}

// Walk calls fn for every visible file, breadth first.
func (b *BufferedArchive) Walk(fn WalkFunc) error {
	return walkFiles(b, fn)
}

// WriteFile stores data under name in memory, creating missing parent
// directories. A base file of the same name is hidden.
func (b *BufferedArchive) WriteFile(name string, data []byte) error {
	return b.writeFile("writefile", name, data, time.Now())
}

// Create returns a writer whose content is stored under name on Close.
func (b *BufferedArchive) Create(name string) (io.WriteCloser, error) {
	name = cleanPath(name)
	if err := b.checkWritable("create", name); err != nil {
		return nil, err
	}
	return &memWriter{archive: b, name: name}, nil
}

func (b *BufferedArchive) MakeDir(name string) error {
	name = cleanPath(name)
	if b.Exists(name) {
		return pathError("makedir", name, fs.ErrExist)
	}

	parent := path.Dir(name)
	if !b.Exists(parent) {
		return pathError("makedir", name, common.ErrNotFound)
	}
	if !b.IsDir(parent) {
		return pathError("makedir", name, common.ErrInvalidType)
	}

	b.memory.Set(&memNode{Path: name, Dir: true, ModTime: time.Now()})
	return nil
}

// MakeDirAll creates name and any missing parents. Existing directories
// are left alone.
func (b *BufferedArchive) MakeDirAll(name string) error {
	name = cleanPath(name)
	if name == "/" {
		return nil
	}

	if err := b.MakeDirAll(path.Dir(name)); err != nil {
		return err
	}

	if b.Exists(name) {
		if !b.IsDir(name) {
			return pathError("makedir", name, common.ErrInvalidType)
		}
		if b.memNode(name) != nil {
			return nil
		}
	}

	// Directories that only exist in the base get a memory twin so memory
	// files below them have a parent.
	b.memory.Set(&memNode{Path: name, Dir: true, ModTime: time.Now()})
	return nil
}

func (b *BufferedArchive) Remove(name string) error {
	name = cleanPath(name)
	if !b.Exists(name) {
		return pathError("remove", name, common.ErrNotFound)
	}
	if b.IsDir(name) {
		return pathError("remove", name, common.ErrInvalidType)
	}

	b.memory.Delete(&memNode{Path: name})
	b.hide(name)
	return nil
}

func (b *BufferedArchive) RemoveDir(name string, recursive bool) error {
	name = cleanPath(name)
	if name == "/" {
		return pathError("removedir", name, fmt.Errorf("%w: cannot remove the root directory", common.ErrUnsupportedOperation))
	}
	if !b.Exists(name) {
		return pathError("removedir", name, common.ErrNotFound)
	}
	if !b.IsDir(name) {
		return pathError("removedir", name, common.ErrInvalidType)
	}

	if !recursive {
		children, err := b.ListDir(name)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return pathError("removedir", name, common.ErrDirectoryNotEmpty)
		}
	}

	b.deleteMemRange(name + "/")
	b.memory.Delete(&memNode{Path: name})
	b.hide(name)
	return nil
}

// Rename moves a file. Directories cannot be renamed.
func (b *BufferedArchive) Rename(oldName, newName string) error {
	oldName, newName = cleanPath(oldName), cleanPath(newName)
	if b.IsDir(oldName) {
		return pathError("rename", oldName, fmt.Errorf("%w: directories cannot be renamed", common.ErrUnsupportedOperation))
	}

	info, err := b.Stat(oldName)
	if err != nil {
		return err
	}
	data, err := b.ReadFile(oldName)
	if err != nil {
		return err
	}
	if err := b.writeFile("rename", newName, data, info.ModTime()); err != nil {
		return err
	}
	return b.Remove(oldName)
}

// SetModTime changes the modification time of a file or directory. Base
// paths are copied into memory first.
func (b *BufferedArchive) SetModTime(name string, t time.Time) error {
	name = cleanPath(name)
	if n := b.memNode(name); n != nil {
		n.ModTime = t
		return nil
	}
	if !b.baseVisible(name) {
		return pathError("setmodtime", name, common.ErrNotFound)
	}

	if b.base.IsDir(name) {
		return b.MakeDirAll(name)
	}

	data, err := b.base.ReadFile(name)
	if err != nil {
		return err
	}
	return b.writeFile("setmodtime", name, data, t)
}

// Save writes the merged view as a new archive.
func (b *BufferedArchive) Save(w io.Writer) error {
	type saved struct {
		name string
		size int64
		mod  time.Time
	}

	var files []saved
	err := b.Walk(func(name string, info fs.FileInfo) error {
		files = append(files, saved{name: name, size: info.Size(), mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return err
	}

	header := b.header
	header.NumberOfEntries = int32(len(files))
	header.Used = int32(len(files))

	buf, err := header.MarshalBinary()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(buf); err != nil {
		return err
	}

	entries := make([]Entry, 0, len(files))
	offset := int64(HeaderSize)
	for _, f := range files {
		if offset+f.size > math.MaxUint32 {
			return fmt.Errorf("%w: archive grows past 4 GiB at %s", common.ErrFormat, f.name)
		}

		r, err := b.Open(f.name)
		if err != nil {
			return err
		}
		if _, err := io.Copy(bw, r); err != nil {
			return err
		}

		entries = append(entries, Entry{
			Name:    f.name,
			Offset:  uint32(offset),
			Length:  uint32(f.size),
			ModTime: f.mod,
		})
		offset += f.size
	}

	for _, e := range entries {
		buf, err := e.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}

	log.Debug().Str("library", header.LibraryName).Int("files", len(files)).Msg("saved archive")
	return bw.Flush()
}

// SaveFile saves to a temporary file beside target and renames it into
// place while holding a lock next to the target.
func (b *BufferedArchive) SaveFile(target string) error {
	lock := flock.New(target + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("unable to lock %s: %w", target, err)
	}
	defer func() {
		lock.Unlock()
		os.Remove(lock.Path())
	}()

	tmpPath := filepath.Join(filepath.Dir(target), fmt.Sprintf(".%s.%s.tmp", filepath.Base(target), uuid.New().String()))
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err := b.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, target)
}

// AddDirectory copies every regular file below root into the archive,
// keeping the host modification times.
func (b *BufferedArchive) AddDirectory(root string) error {
	root = filepath.Clean(root)
	return godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(hostPath string, de *godirwalk.Dirent) error {
			rel, err := filepath.Rel(root, hostPath)
			if err != nil {
				return err
			}
			name := cleanPath(filepath.ToSlash(rel))

			if de.IsDir() {
				return b.MakeDirAll(name)
			}
			if !de.IsRegular() {
				log.Debug().Str("path", hostPath).Msg("skipping non-regular file")
				return nil
			}

			info, err := os.Stat(hostPath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(hostPath)
			if err != nil {
				return err
			}
			return b.writeFile("adddirectory", name, data, info.ModTime())
		},
	})
}

func (b *BufferedArchive) writeFile(op, name string, data []byte, modTime time.Time) error {
	name = cleanPath(name)
	if err := b.checkWritable(op, name); err != nil {
		return err
	}
	if err := b.MakeDirAll(path.Dir(name)); err != nil {
		return err
	}

	if b.baseVisible(name) {
		b.hide(name)
	}
	b.memory.Set(&memNode{Path: name, Data: data, ModTime: modTime})
	return nil
}

func (b *BufferedArchive) checkWritable(op, name string) error {
	if name == "/" || b.IsDir(name) {
		return pathError(op, name, common.ErrInvalidType)
	}
	for dir := path.Dir(name); dir != "/"; dir = path.Dir(dir) {
		if b.Exists(dir) && !b.IsDir(dir) {
			return pathError(op, name, common.ErrInvalidType)
		}
	}
	return nil
}

func (b *BufferedArchive) memNode(name string) *memNode {
	n, ok := b.memory.Get(&memNode{Path: name})
	if !ok {
		return nil
	}
	return n
}

// memChildren calls fn for the direct memory children of dir.
func (b *BufferedArchive) memChildren(dir string, fn func(*memNode)) {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	b.memory.Ascend(&memNode{Path: prefix}, func(n *memNode) bool {
		if !strings.HasPrefix(n.Path, prefix) {
			return false
		}
		rest := n.Path[len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			fn(n)
		}
		return true
	})
}

func (b *BufferedArchive) deleteMemRange(prefix string) {
	var doomed []*memNode
	b.memory.Ascend(&memNode{Path: prefix}, func(n *memNode) bool {
		if strings.HasPrefix(n.Path, prefix) {
			doomed = append(doomed, n)
			return true
		}
		return false
	})
	for _, n := range doomed {
		b.memory.Delete(n)
	}
}

func (b *BufferedArchive) baseVisible(name string) bool {
	return b.base != nil && b.base.Exists(name) && !b.isHidden(name)
}

func (b *BufferedArchive) hide(name string) {
	if b.base != nil && b.base.Exists(name) {
		b.hidden[name] = struct{}{}
	}
}

// isHidden reports whether name or one of its parents was removed from the base.
func (b *BufferedArchive) isHidden(name string) bool {
	for p := name; ; p = path.Dir(p) {
		if _, ok := b.hidden[p]; ok {
			return true
		}
		if p == "/" {
			return false
		}
	}
}

type memWriter struct {
	archive *BufferedArchive
	name    string
	buf     bytes.Buffer
	closed  bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, pathError("write", w.name, fs.ErrClosed)
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.closed {
		return pathError("close", w.name, fs.ErrClosed)
	}
	w.closed = true
	return w.archive.writeFile("create", w.name, w.buf.Bytes(), time.Now())
}

var _ View = (*BufferedArchive)(nil)
