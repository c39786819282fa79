package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
)

type LocalStorage struct {
	archivePath string
	fileHandle  *os.File
	size        int64
}

type LocalStorageOpts struct {
	ArchivePath string
}

func NewLocalStorage(opts LocalStorageOpts) (*LocalStorage, error) {
	fileHandle, err := os.Open(opts.ArchivePath)
	if err != nil {
		return nil, err
	}

	fi, err := fileHandle.Stat()
	if err != nil {
		fileHandle.Close()
		return nil, err
	}

	return &LocalStorage{
		archivePath: opts.ArchivePath,
		fileHandle:  fileHandle,
		size:        fi.Size(),
	}, nil
}

func (s *LocalStorage) ReadAt(dest []byte, off int64) (int, error) {
	n, err := s.fileHandle.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("unable to read data from file: %w", err)
	}
	return n, err
}

func (s *LocalStorage) Size() int64 {
	return s.size
}

func (s *LocalStorage) CachedLocally() bool {
	return true
}

func (s *LocalStorage) Cleanup() error {
	return s.fileHandle.Close()
}

func (s *LocalStorage) Close() error {
	return s.Cleanup()
}
