package slf

import (
	"io"
	"io/fs"
	"path"
	"time"
)

// View is the read side shared by Archive and BufferedArchive.
type View interface {
	Exists(name string) bool
	IsDir(name string) bool
	IsFile(name string) bool
	ListDir(name string) ([]string, error)
	Open(name string) (*io.SectionReader, error)
	Stat(name string) (fs.FileInfo, error)
}

type fileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func newFileInfo(name string, size int64, modTime time.Time, dir bool) *fileInfo {
	base := path.Base(cleanPath(name))
	return &fileInfo{name: base, size: size, modTime: modTime, dir: dir}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.dir }
func (fi *fileInfo) Sys() any           { return nil }

func (fi *fileInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0755
	}
	return 0644
}

// WalkFunc is called for every file of a view.
type WalkFunc func(name string, info fs.FileInfo) error

// walkFiles visits the files of v breadth first. Within a directory the
// files come in name order before any subdirectory is entered.
func walkFiles(v View, fn WalkFunc) error {
	queue := []string{"/"}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		names, err := v.ListDir(dir)
		if err != nil {
			return err
		}

		var subdirs []string
		for _, name := range names {
			full := path.Join(dir, name)
			if v.IsDir(full) {
				subdirs = append(subdirs, full)
				continue
			}

			info, err := v.Stat(full)
			if err != nil {
				return err
			}
			if err := fn(full, info); err != nil {
				return err
			}
		}
		queue = append(queue, subdirs...)
	}
	return nil
}

// ReadFile returns the whole content of a file in v.
func ReadFile(v View, name string) ([]byte, error) {
	r, err := v.Open(name)
	if err != nil {
		return nil, err
	}

	data := make([]byte, r.Size())
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func pathError(op, name string, err error) error {
	return &fs.PathError{Op: op, Path: name, Err: err}
}
