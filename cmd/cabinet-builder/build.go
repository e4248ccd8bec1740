package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/kolide/cabkit/pkg/cabinet"
	"github.com/kolide/cabkit/pkg/contexts/ctxlog"
	"github.com/kolide/cabkit/pkg/layout"
	"github.com/kolide/cabkit/pkg/messages"
	"github.com/kolide/kit/logutil"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

type buildOptions struct {
	debug                      bool
	layout                     string
	manifest                   string
	threads                    int
	largeFileSplitSize         int64
	uncompressedMediaThreshold int64
	patchDir                   string
}

func runBuild(args []string) error {
	opts, err := parseBuildOptions(args)
	if err != nil {
		return err
	}
	return build(context.Background(), logutil.NewCLILogger(opts.debug), opts)
}

// parseBuildOptions reads the build flags from args, then from
// CABINET_BUILDER_ prefixed environment variables and an optional
// config file.
func parseBuildOptions(args []string) (buildOptions, error) {
	flagset := flag.NewFlagSet("build", flag.ContinueOnError)
	var (
		flDebug = flagset.Bool(
			"debug",
			false,
			"enable debug logging",
		)
		flLayout = flagset.String(
			"layout",
			"",
			"path to the YAML layout describing the cabinets to build",
		)
		flManifest = flagset.String(
			"manifest",
			"",
			"where to write a manifest of the produced cabinets. Skipped when empty",
		)
		flThreads = flagset.Int(
			"threads",
			runtime.NumCPU(),
			"number of cabinets to build at once",
		)
		flLargeFileSplitSize = flagset.String(
			"large_file_split_size",
			"0",
			"maximum cabinet size for a cabinet holding one large file, eg: 650MiB. 0 disables splitting",
		)
		flUncompressedMediaThreshold = flagset.String(
			"uncompressed_media_threshold",
			"200MiB",
			"size at which a file on its own in a cabinet counts as large",
		)
		flPatchDir = flagset.String(
			"patch_dir",
			"",
			"directory for files rebuilt from patches. A temporary directory is used when empty",
		)
		_ = flagset.String(
			"config",
			"",
			"config file to parse options from (optional)",
		)
	)

	flagset.Usage = usageFor(flagset, "cabinet-builder build [flags]")

	ffOpts := []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("CABINET_BUILDER"),
	}
	if err := ff.Parse(flagset, args, ffOpts...); err != nil {
		return buildOptions{}, errors.Wrap(err, "parsing flags")
	}

	if *flLayout == "" {
		return buildOptions{}, errors.New("layout is required")
	}

	splitSize, err := humanize.ParseBytes(*flLargeFileSplitSize)
	if err != nil {
		return buildOptions{}, errors.Wrap(err, "parsing large_file_split_size")
	}
	mediaThreshold, err := humanize.ParseBytes(*flUncompressedMediaThreshold)
	if err != nil {
		return buildOptions{}, errors.Wrap(err, "parsing uncompressed_media_threshold")
	}

	return buildOptions{
		debug:                      *flDebug,
		layout:                     *flLayout,
		manifest:                   *flManifest,
		threads:                    *flThreads,
		largeFileSplitSize:         int64(splitSize),
		uncompressedMediaThreshold: int64(mediaThreshold),
		patchDir:                   *flPatchDir,
	}, nil
}

// build creates every cabinet in the layout. The manifest, when asked
// for, is written even if some cabinets failed; the returned error then
// names the most recent error message id.
func build(ctx context.Context, logger log.Logger, opts buildOptions) error {
	buildID := uuid.NewString()
	logger = log.With(logger, "build_id", buildID)
	ctx = ctxlog.NewContext(ctx, logger)

	l, err := layout.Load(opts.layout)
	if err != nil {
		return err
	}

	removed, err := l.RemoveOutputs()
	if err != nil {
		return errors.Wrap(err, "removing previous build outputs")
	}
	for _, path := range removed {
		level.Debug(logger).Log("msg", "removed previous build output", "path", path)
	}

	patchDir := opts.patchDir
	if patchDir == "" {
		patchDir, err = os.MkdirTemp("", "cabinet-builder-patches")
		if err != nil {
			return errors.Wrap(err, "creating patch dir")
		}
		defer os.RemoveAll(patchDir)
	}

	var splits layout.Splits
	builder, err := cabinet.New(
		opts.threads,
		splits.Record,
		cabinet.WithMessageHandler(messages.NewLogHandler(logger)),
		cabinet.WithLargeFileSplitSize(opts.largeFileSplitSize),
		cabinet.WithUncompressedMediaThreshold(opts.uncompressedMediaThreshold),
	)
	if err != nil {
		return errors.Wrap(err, "creating cabinet builder")
	}

	for _, item := range l.WorkItems(cabinet.NewPatchResolver(patchDir)) {
		builder.Enqueue(item)
	}

	started := time.Now()
	code, err := builder.CreateQueuedCabinets(ctx)
	if err != nil {
		return err
	}

	level.Info(logger).Log(
		"msg", "cabinet build finished",
		"cabinets", len(l.Cabinets),
		"duration", time.Since(started).String(),
		"result", code,
	)

	if opts.manifest != "" {
		if err := writeManifest(logger, buildID, l, &splits, opts.manifest); err != nil {
			return err
		}
	}

	if code != 0 {
		return errors.Errorf("cabinet build failed, last error message %d", code)
	}
	return nil
}

func writeManifest(logger log.Logger, buildID string, l *layout.Layout, splits *layout.Splits, path string) error {
	m, err := layout.BuildManifest(l, splits)
	if err != nil {
		return errors.Wrap(err, "building manifest")
	}
	m.BuildID = buildID
	if err := m.Write(path); err != nil {
		return err
	}

	level.Debug(logger).Log(
		"msg", "wrote manifest",
		"path", path,
		"cabinets", len(m.Cabinets),
	)
	return nil
}
