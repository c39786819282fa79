package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/beam-cloud/ja2/pkg/ja2"
	"github.com/beam-cloud/ja2/pkg/metrics"
	"github.com/beam-cloud/ja2/pkg/sti"
	"github.com/beam-cloud/ja2/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := cli.NewApp()
	app.Name = "ja2ctl"
	app.Usage = "Jagged Alliance 2 SLF archive and STI sprite utility"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"JA2_LOG_LEVEL"},
			Value:   "info",
			Usage:   "debug, info, warn, error or disabled",
		},
		&cli.BoolFlag{
			Name:  "stats",
			Usage: "log S3 transfer and cache metrics on exit",
		},
		&cli.StringFlag{
			Name:    "s3-endpoint",
			EnvVars: []string{"JA2_S3_ENDPOINT"},
			Usage:   "custom S3 endpoint for s3:// paths",
		},
		&cli.StringFlag{
			Name:    "s3-region",
			EnvVars: []string{"AWS_REGION"},
			Value:   "us-east-1",
			Usage:   "region of the bucket",
		},
		&cli.BoolFlag{
			Name:  "s3-path-style",
			Usage: "address buckets by path instead of virtual host",
		},
		&cli.StringFlag{
			Name:    "access-key",
			EnvVars: []string{"AWS_ACCESS_KEY_ID"},
			Usage:   "S3 access key",
		},
		&cli.StringFlag{
			Name:    "secret-key",
			EnvVars: []string{"AWS_SECRET_ACCESS_KEY"},
			Usage:   "S3 secret key",
		},
	}

	app.Before = func(c *cli.Context) error {
		level := c.String("log-level")
		if c.Bool("verbose") {
			level = "debug"
		}
		return ja2.SetLogLevel(level)
	}

	app.After = func(c *cli.Context) error {
		if c.Bool("stats") {
			metrics.LogMetricsSummary()
		}
		return nil
	}

	app.Commands = []*cli.Command{
		{
			Name:      "unpack",
			Usage:     "Extract every file of an SLF archive",
			ArgsUsage: "ARCHIVE",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "target directory (default: archive name without extension)"},
			},
			Action: unpackCommand,
		},
		{
			Name:      "pack",
			Usage:     "Build an SLF archive from a directory",
			ArgsUsage: "DIRECTORY",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "archive path or s3://bucket/key (default: DIRECTORY.slf)"},
				&cli.StringFlag{Name: "library-name", Usage: "library name stored in the header"},
				&cli.StringFlag{Name: "library-path", Usage: "library path stored in the header"},
			},
			Action: packCommand,
		},
		{
			Name:      "sti2png",
			Usage:     "Convert STI files to PNG",
			ArgsUsage: "FILE...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file, only with a single input"},
				&cli.BoolFlag{Name: "normalize", Aliases: []string{"n"}, Usage: "give all frames of an animation the same canvas"},
				&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Value: runtime.NumCPU(), Usage: "files converted in parallel"},
			},
			Action: sti2pngCommand,
		},
		{
			Name:      "png2sti",
			Usage:     "Build an indexed ETRLE STI from images",
			ArgsUsage: "FILE...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default: first FILE with .STI extension)"},
				&cli.BoolFlag{Name: "pad-palette", Usage: "always write 256 palette entries"},
			},
			Action: png2stiCommand,
		},
		{
			Name:      "mount",
			Usage:     "Mount an SLF archive read-only",
			ArgsUsage: "ARCHIVE MOUNTPOINT",
			Action:    mountCommand,
		},
		{
			Name:      "store",
			Usage:     "Upload an SLF archive to S3",
			ArgsUsage: "ARCHIVE",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "bucket", Required: true, Usage: "target bucket"},
				&cli.StringFlag{Name: "key", Usage: "object key (default: archive file name)"},
			},
			Action: storeCommand,
		},
		{
			Name:      "info",
			Usage:     "Describe an SLF archive or STI file",
			ArgsUsage: "FILE",
			Action:    infoCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func s3Options(c *cli.Context) storage.S3StorageOpts {
	return storage.S3StorageOpts{
		Region:         c.String("s3-region"),
		Endpoint:       c.String("s3-endpoint"),
		ForcePathStyle: c.Bool("s3-path-style"),
		Credentials: storage.S3StorageCredentials{
			AccessKey: c.String("access-key"),
			SecretKey: c.String("secret-key"),
		},
	}
}

func requireArgs(c *cli.Context, n int) {
	if c.NArg() < n {
		cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
	}
}

func withoutExt(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p))
}

func unpackCommand(c *cli.Context) error {
	requireArgs(c, 1)

	input := c.Args().First()
	output := c.String("output")
	if output == "" {
		output = withoutExt(filepath.Base(input))
	}

	return ja2.ExtractArchive(context.Background(), ja2.ExtractOptions{
		InputFile:  input,
		OutputPath: output,
		S3:         s3Options(c),
	})
}

func packCommand(c *cli.Context) error {
	requireArgs(c, 1)

	input := filepath.Clean(c.Args().First())
	output := c.String("output")
	if output == "" {
		output = input + ".slf"
	}

	var progress chan int
	if _, _, ok := storage.ParseS3URL(output); ok {
		progress = make(chan int)
		go logProgress(progress)
		defer close(progress)
	}

	return ja2.PackDirectory(context.Background(), ja2.PackOptions{
		InputPath:    input,
		OutputFile:   output,
		LibraryName:  c.String("library-name"),
		LibraryPath:  c.String("library-path"),
		S3:           s3Options(c),
		ProgressChan: progress,
	})
}

func sti2pngCommand(c *cli.Context) error {
	requireArgs(c, 1)

	inputs := c.Args().Slice()
	output := c.String("output")
	if output != "" && len(inputs) > 1 {
		return cli.Exit("--output needs exactly one input file", 1)
	}

	g := new(errgroup.Group)
	g.SetLimit(max(1, c.Int("jobs")))
	for _, input := range inputs {
		input := input
		g.Go(func() error {
			written, err := ja2.ConvertSTIToPNG(ja2.STIToPNGOptions{
				InputFile:  input,
				OutputFile: output,
				Normalize:  c.Bool("normalize"),
			})
			if err != nil {
				return fmt.Errorf("%s: %w", input, err)
			}
			log.Info().Str("input", input).Int("images", len(written)).Msg("converted")
			return nil
		})
	}
	return g.Wait()
}

func png2stiCommand(c *cli.Context) error {
	requireArgs(c, 1)

	output, err := ja2.ConvertPNGToSTI(ja2.PNGToSTIOptions{
		InputFiles: c.Args().Slice(),
		OutputFile: c.String("output"),
		PadPalette: c.Bool("pad-palette"),
	})
	if err != nil {
		return err
	}

	log.Info().Str("output", output).Msg("written")
	return nil
}

func mountCommand(c *cli.Context) error {
	requireArgs(c, 2)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startServer, serverError, server, err := ja2.MountArchive(ctx, ja2.MountOptions{
		ArchivePath: c.Args().Get(0),
		MountPoint:  c.Args().Get(1),
		S3:          s3Options(c),
		Uid:         uint32(os.Getuid()),
		Gid:         uint32(os.Getgid()),
	})
	if err != nil {
		return err
	}

	if err := startServer(); err != nil {
		return err
	}

	select {
	case err, ok := <-serverError:
		if ok && err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info().Msg("unmounting")
		if err := server.Unmount(); err != nil {
			return err
		}
		<-serverError
		return nil
	}
}

func storeCommand(c *cli.Context) error {
	requireArgs(c, 1)

	progress := make(chan int)
	go logProgress(progress)
	defer close(progress)

	return ja2.StoreS3(context.Background(), ja2.StoreS3Options{
		ArchivePath:  c.Args().First(),
		Bucket:       c.String("bucket"),
		Key:          c.String("key"),
		S3:           s3Options(c),
		ProgressChan: progress,
	})
}

func logProgress(progress <-chan int) {
	last := -1
	for p := range progress {
		if p/10 != last/10 {
			log.Info().Int("percent", p).Msg("uploading")
			last = p
		}
	}
}

func infoCommand(c *cli.Context) error {
	requireArgs(c, 1)

	input := c.Args().First()
	if strings.EqualFold(filepath.Ext(input), ".sti") {
		return stiInfo(input)
	}
	return slfInfo(input, s3Options(c))
}

func slfInfo(input string, s3Opts storage.S3StorageOpts) error {
	archive, err := ja2.OpenArchive(context.Background(), input, s3Opts)
	if err != nil {
		return err
	}
	defer archive.Close()

	h := archive.Header()
	fmt.Printf("Library:  %s\n", h.LibraryName)
	fmt.Printf("Path:     %s\n", h.LibraryPath)
	fmt.Printf("Entries:  %d (used %d)\n", h.NumberOfEntries, h.Used)
	fmt.Printf("Sort:     %d\n", h.Sort)
	fmt.Printf("Version:  %d\n", h.Version)
	fmt.Printf("Subdirs:  %d\n", h.ContainsSubdirectories)

	for _, e := range archive.Entries() {
		fmt.Printf("%10d  %s  %s\n", e.Length, e.ModTime.Format(time.RFC3339), strings.TrimPrefix(e.Name, "/"))
	}
	return nil
}

func stiInfo(input string) error {
	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, err := sti.DecodeConfig(f)
	if err != nil {
		return err
	}

	fmt.Printf("Data type:  %s %dbit\n", cfg.Mode, cfg.ColorDepth)
	fmt.Printf("Size:       %dx%d\n", cfg.Width, cfg.Height)
	fmt.Printf("ETRLE:      %t\n", cfg.ETRLE)
	fmt.Printf("Animated:   %t\n", cfg.HasAuxData)
	if cfg.Mode == sti.ModeIndexed {
		fmt.Printf("Colors:     %d\n", cfg.NumberOfColors)
		fmt.Printf("Sub-images: %d\n", len(cfg.SubImages))
		for i, sub := range cfg.SubImages {
			fmt.Printf("  %d: %dx%d at +%d+%d\n", i+1, sub.Width, sub.Height, sub.OffsetX, sub.OffsetY)
		}
	}
	return nil
}
