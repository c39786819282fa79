package ja2

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beam-cloud/ja2/pkg/slf"
	"github.com/beam-cloud/ja2/pkg/slffs"
	"github.com/beam-cloud/ja2/pkg/storage"
	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the logging verbosity of the library.
// Valid levels: "debug", "info", "warn", "error", "disabled"
// Use "debug" to see tree building, archive saves and FUSE calls.
func SetLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "disabled", "none", "off":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		return fmt.Errorf("invalid log level %q: must be one of: debug, info, warn, error, disabled", level)
	}
	return nil
}

type ExtractOptions struct {
	// InputFile is a local path or an s3://bucket/key URL.
	InputFile  string
	OutputPath string
	S3         storage.S3StorageOpts
}

type PackOptions struct {
	InputPath string
	// OutputFile is a local path or an s3://bucket/key URL.
	OutputFile  string
	LibraryName string
	LibraryPath string
	S3          storage.S3StorageOpts
	// ProgressChan receives upload progress in percent for s3 outputs.
	ProgressChan chan<- int
}

type MountOptions struct {
	ArchivePath string
	MountPoint  string
	S3          storage.S3StorageOpts
	Uid         uint32
	Gid         uint32
}

type StoreS3Options struct {
	ArchivePath  string
	Bucket       string
	Key          string
	S3           storage.S3StorageOpts
	ProgressChan chan<- int
}

// OpenArchive opens an archive from a local path or an s3://bucket/key URL.
func OpenArchive(ctx context.Context, archivePath string, s3Opts storage.S3StorageOpts) (*slf.Archive, error) {
	src, err := storage.NewStorage(ctx, storage.StorageOpts{ArchivePath: archivePath, S3: s3Opts})
	if err != nil {
		return nil, fmt.Errorf("could not load storage: %w", err)
	}

	archive, err := slf.Open(src)
	if err != nil {
		src.Cleanup()
		return nil, fmt.Errorf("invalid archive %s: %w", archivePath, err)
	}
	return archive, nil
}

// ExtractArchive writes every file of an archive below OutputPath.
func ExtractArchive(ctx context.Context, options ExtractOptions) error {
	log.Info().Msgf("extracting archive: %s", options.InputFile)

	archive, err := OpenArchive(ctx, options.InputFile, options.S3)
	if err != nil {
		return err
	}
	defer archive.Close()

	count := 0
	err = archive.Walk(func(name string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		target := filepath.Join(options.OutputPath, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		data, err := archive.ReadFile(name)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return err
		}

		if mod := info.ModTime(); !mod.IsZero() {
			if err := os.Chtimes(target, mod, mod); err != nil {
				return err
			}
		}

		log.Debug().Str("file", name).Int64("size", info.Size()).Msg("extracted")
		count++
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("files", count).Msg("archive extracted successfully")
	return nil
}

// PackDirectory builds an archive from the files below InputPath.
func PackDirectory(ctx context.Context, options PackOptions) error {
	log.Info().Msgf("packing %s to %s", options.InputPath, options.OutputFile)

	b := slf.NewBufferedArchive(nil)
	if options.LibraryName != "" || options.LibraryPath != "" {
		header := b.Header()
		name, libraryPath := header.LibraryName, header.LibraryPath
		if options.LibraryName != "" {
			name = options.LibraryName
		}
		if options.LibraryPath != "" {
			libraryPath = options.LibraryPath
		}
		b.SetLibrary(name, libraryPath)
	}

	if err := b.AddDirectory(options.InputPath); err != nil {
		return err
	}

	bucket, key, isS3 := storage.ParseS3URL(options.OutputFile)
	if !isS3 {
		if err := b.SaveFile(options.OutputFile); err != nil {
			return err
		}
		log.Info().Msg("archive packed successfully")
		return nil
	}

	// Save locally first, the upload needs a sized file.
	tempFile, err := os.CreateTemp("", "temp-ja2-*.slf")
	if err != nil {
		return err
	}
	tempFile.Close()
	defer os.Remove(tempFile.Name())

	if err := b.SaveFile(tempFile.Name()); err != nil {
		return err
	}

	s3Opts := options.S3
	s3Opts.Bucket = bucket
	s3Opts.Key = key
	if err := storage.UploadS3(ctx, s3Opts, tempFile.Name(), options.ProgressChan); err != nil {
		return err
	}

	log.Info().Msg("archive packed and uploaded successfully")
	return nil
}

// StoreS3 uploads a local archive to a bucket.
func StoreS3(ctx context.Context, options StoreS3Options) error {
	log.Info().Msg("uploading archive")

	// If no key is provided, use the base name of the input archive as key
	if options.Key == "" {
		options.Key = filepath.Base(options.ArchivePath)
	}

	archive, err := slf.OpenFile(options.ArchivePath)
	if err != nil {
		return fmt.Errorf("refusing to upload invalid archive: %w", err)
	}
	archive.Close()

	s3Opts := options.S3
	s3Opts.Bucket = options.Bucket
	s3Opts.Key = options.Key
	if err := storage.UploadS3(ctx, s3Opts, options.ArchivePath, options.ProgressChan); err != nil {
		return err
	}

	log.Info().Msg("done uploading archive")
	return nil
}

// MountArchive prepares a read-only FUSE mount of an archive. The returned
// function starts serving; the channel reports mount failures and is
// closed once the server exits.
func MountArchive(ctx context.Context, options MountOptions) (func() error, <-chan error, *fuse.Server, error) {
	log.Info().Msgf("mounting archive %s to %s", options.ArchivePath, options.MountPoint)

	if _, err := os.Stat(options.MountPoint); os.IsNotExist(err) {
		err = os.MkdirAll(options.MountPoint, 0755)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create mount point directory: %v", err)
		}
	}

	mounted, err := mountinfo.Mounted(options.MountPoint)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not inspect mount point: %w", err)
	}
	if mounted {
		return nil, nil, nil, fmt.Errorf("%s is already a mount point", options.MountPoint)
	}

	archive, err := OpenArchive(ctx, options.ArchivePath, options.S3)
	if err != nil {
		return nil, nil, nil, err
	}

	sfs, err := slffs.NewFileSystem(archive, slffs.FileSystemOpts{Uid: options.Uid, Gid: options.Gid})
	if err != nil {
		archive.Close()
		return nil, nil, nil, fmt.Errorf("could not create filesystem: %v", err)
	}

	root, _ := sfs.Root()
	attrTimeout := time.Second * 60
	entryTimeout := time.Second * 60
	fsOptions := &gofs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(gofs.NewNodeFS(root, fsOptions), options.MountPoint, &fuse.MountOptions{
		FsName:        filepath.Base(options.ArchivePath),
		Name:          "slf",
		MaxBackground: 512,
		DisableXAttrs: true,
		Options:       []string{"ro"},
		MaxReadAhead:  1024 * 128,
	})
	if err != nil {
		archive.Close()
		return nil, nil, nil, fmt.Errorf("could not create server: %v", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			archive.Close()

			close(serverError)
		}()

		return nil
	}

	return startServer, serverError, server, nil
}
