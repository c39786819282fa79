package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ArchiveStorage gives random access to the bytes of one archive.
type ArchiveStorage interface {
	io.ReaderAt
	Size() int64
	CachedLocally() bool
	Cleanup() error
}

type StorageOpts struct {
	// ArchivePath is a local path or an s3://bucket/key URL.
	ArchivePath string
	S3          S3StorageOpts
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(url string) (bucket string, key string, ok bool) {
	rest, found := strings.CutPrefix(url, "s3://")
	if !found {
		return "", "", false
	}

	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func NewStorage(ctx context.Context, opts StorageOpts) (ArchiveStorage, error) {
	if opts.ArchivePath == "" {
		return nil, errors.New("archive path not provided")
	}

	if strings.HasPrefix(opts.ArchivePath, "s3://") {
		bucket, key, ok := ParseS3URL(opts.ArchivePath)
		if !ok {
			return nil, fmt.Errorf("invalid s3 url <%s>", opts.ArchivePath)
		}

		s3Opts := opts.S3
		s3Opts.Bucket = bucket
		s3Opts.Key = key
		return NewS3Storage(ctx, s3Opts)
	}

	return NewLocalStorage(LocalStorageOpts{ArchivePath: opts.ArchivePath})
}
