package slffs

import (
	"context"
	"errors"
	"io"
	"path"
	"syscall"

	"github.com/beam-cloud/ja2/pkg/common"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

type FSNode struct {
	fs.Inode
	filesystem *FileSystem
	path       string
	attr       fuse.Attr
}

func (n *FSNode) OnAdd(ctx context.Context) {
	log.Debug().Str("path", n.path).Msg("OnAdd called")
}

func (n *FSNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.path).Msg("Getattr called")

	out.Attr = n.attr
	return fs.OK
}

func (n *FSNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Lookup called")

	childPath := path.Join(n.path, name)

	n.filesystem.cacheMutex.RLock()
	entry, found := n.filesystem.lookupCache[childPath]
	n.filesystem.cacheMutex.RUnlock()
	if found {
		log.Debug().Str("path", childPath).Msg("Lookup cache hit")
		out.Attr = entry.attr
		return entry.inode, fs.OK
	}

	attr, err := n.filesystem.attr(childPath)
	if err != nil {
		return nil, toErrno(err)
	}
	out.Attr = attr

	child := &FSNode{filesystem: n.filesystem, path: childPath, attr: attr}
	childInode := n.NewInode(ctx, child, fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})

	n.filesystem.cacheMutex.Lock()
	n.filesystem.lookupCache[childPath] = &lookupCacheEntry{inode: childInode, attr: attr}
	n.filesystem.cacheMutex.Unlock()

	return childInode, fs.OK
}

func (n *FSNode) Opendir(ctx context.Context) syscall.Errno {
	log.Debug().Str("path", n.path).Msg("Opendir called")
	return fs.OK
}

func (n *FSNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	log.Debug().Str("path", n.path).Uint32("flags", flags).Msg("Open called")

	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *FSNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	log.Debug().Str("path", n.path).Int64("offset", off).Msg("Read called")

	fileSize := int64(n.attr.Size)
	if off >= fileSize || fileSize == 0 {
		return fuse.ReadResultData(dest[:0]), fs.OK
	}

	readLen := int64(len(dest))
	if maxReadable := fileSize - off; readLen > maxReadable {
		readLen = maxReadable
	}

	r, err := n.filesystem.view.Open(n.path)
	if err != nil {
		return nil, toErrno(err)
	}

	nRead, err := r.ReadAt(dest[:readLen], off)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Error().Err(err).Str("path", n.path).Int64("offset", off).Msg("read failed")
		return nil, syscall.EIO
	}

	return fuse.ReadResultData(dest[:nRead]), fs.OK
}

func (n *FSNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	log.Debug().Str("path", n.path).Msg("Readdir called")

	names, err := n.filesystem.view.ListDir(n.path)
	if err != nil {
		return nil, toErrno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		childPath := path.Join(n.path, name)
		mode := uint32(syscall.S_IFREG)
		if n.filesystem.view.IsDir(childPath) {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode, Ino: inodeFor(childPath)})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (n *FSNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Uint32("flags", flags).Uint32("mode", mode).Msg("Create called")
	return nil, nil, 0, syscall.EROFS
}

func (n *FSNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.path).Str("name", name).Uint32("mode", mode).Msg("Mkdir called")
	return nil, syscall.EROFS
}

func (n *FSNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Rmdir called")
	return syscall.EROFS
}

func (n *FSNode) Unlink(ctx context.Context, name string) syscall.Errno {
	log.Debug().Str("path", n.path).Str("name", name).Msg("Unlink called")
	return syscall.EROFS
}

func (n *FSNode) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	log.Debug().Str("path", n.path).Str("old_name", oldName).Str("new_name", newName).Uint32("flags", flags).Msg("Rename called")
	return syscall.EROFS
}

func (n *FSNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.path).Msg("Setattr called")
	return syscall.EROFS
}

func toErrno(err error) syscall.Errno {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, common.ErrInvalidType):
		return syscall.EISDIR
	default:
		return syscall.EIO
	}
}

var (
	_ fs.NodeGetattrer = (*FSNode)(nil)
	_ fs.NodeLookuper  = (*FSNode)(nil)
	_ fs.NodeReaddirer = (*FSNode)(nil)
	_ fs.NodeOpener    = (*FSNode)(nil)
	_ fs.NodeReader    = (*FSNode)(nil)
	_ fs.NodeCreater   = (*FSNode)(nil)
	_ fs.NodeMkdirer   = (*FSNode)(nil)
	_ fs.NodeRmdirer   = (*FSNode)(nil)
	_ fs.NodeUnlinker  = (*FSNode)(nil)
	_ fs.NodeRenamer   = (*FSNode)(nil)
	_ fs.NodeSetattrer = (*FSNode)(nil)
	_ fs.NodeOnAdder   = (*FSNode)(nil)
)
