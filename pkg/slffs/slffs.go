package slffs

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/beam-cloud/ja2/pkg/slf"
	"github.com/cespare/xxhash/v2"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

const rootIno = 1

type FileSystemOpts struct {
	// Uid and Gid own every node of the mount.
	Uid uint32
	Gid uint32
}

// FileSystem exposes an archive view as a read-only FUSE tree.
type FileSystem struct {
	view        slf.View
	root        *FSNode
	owner       fuse.Owner
	lookupCache map[string]*lookupCacheEntry
	cacheMutex  sync.RWMutex
}

type lookupCacheEntry struct {
	inode *fs.Inode
	attr  fuse.Attr
}

func NewFileSystem(view slf.View, opts FileSystemOpts) (*FileSystem, error) {
	sfs := &FileSystem{
		view:        view,
		owner:       fuse.Owner{Uid: opts.Uid, Gid: opts.Gid},
		lookupCache: make(map[string]*lookupCacheEntry),
	}

	attr, err := sfs.attr("/")
	if err != nil {
		return nil, fmt.Errorf("archive root unavailable: %w", err)
	}

	sfs.root = &FSNode{filesystem: sfs, path: "/", attr: attr}
	return sfs, nil
}

func (sfs *FileSystem) Root() (fs.InodeEmbedder, error) {
	if sfs.root == nil {
		return nil, fmt.Errorf("root not initialized")
	}
	return sfs.root, nil
}

// attr builds the FUSE attributes of a path from the archive view.
func (sfs *FileSystem) attr(name string) (fuse.Attr, error) {
	info, err := sfs.view.Stat(name)
	if err != nil {
		return fuse.Attr{}, err
	}

	attr := fuse.Attr{
		Ino:   inodeFor(name),
		Owner: sfs.owner,
	}

	if info.IsDir() {
		attr.Mode = unix.S_IFDIR | 0555
		attr.Nlink = 2
	} else {
		attr.Mode = unix.S_IFREG | 0444
		attr.Nlink = 1
		attr.Size = uint64(info.Size())
		attr.Blocks = (attr.Size + 511) / 512
	}

	if mtime := info.ModTime(); !mtime.IsZero() {
		setTimes(&attr, mtime)
	}
	return attr, nil
}

func setTimes(attr *fuse.Attr, t time.Time) {
	sec := uint64(t.Unix())
	nsec := uint32(t.Nanosecond())
	attr.Atime, attr.Atimensec = sec, nsec
	attr.Mtime, attr.Mtimensec = sec, nsec
	attr.Ctime, attr.Ctimensec = sec, nsec
}

// inodeFor derives a stable inode number from a path.
func inodeFor(name string) uint64 {
	name = path.Clean("/" + name)
	if name == "/" {
		return rootIno
	}

	ino := xxhash.Sum64String(name)
	if ino <= rootIno {
		ino += 2
	}
	return ino
}
