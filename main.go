package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hbomb79/hevcify/internal"
	"github.com/hbomb79/hevcify/internal/library"
	"github.com/hbomb79/hevcify/internal/transcode"
	"github.com/hbomb79/hevcify/pkg/logger"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitExhausted = 100
	exitCancelled = 130
)

var log = logger.Get("Main")

// stringList is a flag.Value which may be given more than once.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ", ") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// optionalInt records whether the flag was given at all, so that only
// flags present on the command line override the loaded config.
type optionalInt struct {
	set   bool
	value int
}

func (o *optionalInt) String() string { return fmt.Sprint(o.value) }

func (o *optionalInt) Set(v string) error {
	var n int
	if _, err := fmt.Sscan(v, &n); err != nil {
		return fmt.Errorf("invalid integer %q", v)
	}
	o.set, o.value = true, n
	return nil
}

type flags struct {
	paths, blacklist, focus stringList
	clear                   string
	list, listBlacklist     bool
	listErrors, clearErrors bool
	scan, watch             bool
	count                   int
	saved, status           bool

	minHeight, maxHeight, height optionalInt
	minBitRate, maxBitRate       optionalInt
	enforceProfile, force        bool
	lowProfile, hwaccel, vbr     bool
	keepCodecs, noSpaceCheck     bool
	preset                       string
	crf, bitRate, vbrMin, vbrMax optionalInt

	configPath, catalogPath, logPath string
	verbose, veryVerbose, quiet      bool
	noColor                          bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, *flag.FlagSet, error) {
	f := &flags{}
	set := flag.NewFlagSet("hevcify", flag.ContinueOnError)
	set.SetOutput(stderr)
	set.Usage = func() {
		fmt.Fprintln(stderr, "Usage: hevcify [flags]")
		fmt.Fprintln(stderr, "Catalogs media under tracked directories, and converts it to HEVC in place.")
		set.PrintDefaults()
	}

	set.Var(&f.paths, "path", "add a tracked directory (repeatable)")
	set.Var(&f.blacklist, "blacklist", "add a blacklisted directory (repeatable)")
	set.BoolVar(&f.list, "list", false, "list tracked directories")
	set.BoolVar(&f.listBlacklist, "list-blacklist", false, "list blacklisted directories")
	set.BoolVar(&f.scan, "scan", false, "scan tracked directories for new media")
	set.BoolVar(&f.watch, "watch", false, "watch tracked directories, scanning new media as it arrives")
	set.BoolVar(&f.listErrors, "list-errors", false, "list failed files and their errors")
	set.BoolVar(&f.clearErrors, "clear-errors", false, "forget every failed file")
	set.StringVar(&f.clear, "clear", "", "forget a bucket of files: incomplete, skipped, complete, failed or all")
	set.IntVar(&f.count, "n", 0, "number of incomplete files to transcode")
	set.Var(&f.focus, "focus", "scan and transcode a specific directory now (repeatable)")
	set.BoolVar(&f.saved, "saved", false, "print the total space saved")
	set.BoolVar(&f.status, "status", false, "print a summary of the catalog")

	set.Var(&f.minHeight, "min-height", "skip files shorter than this many lines")
	set.Var(&f.maxHeight, "max-height", "skip files taller than this many lines")
	set.Var(&f.minBitRate, "min-bitrate", "skip files below this bit rate (kbps)")
	set.Var(&f.maxBitRate, "max-bitrate", "skip files above this bit rate (kbps)")
	set.Var(&f.height, "height", "target output height; taller files are re-encoded")
	set.BoolVar(&f.enforceProfile, "enforce-profile", false, "require the target profile for a file to count as encoded")
	set.BoolVar(&f.force, "force", false, "re-encode files even if already encoded")

	set.BoolVar(&f.lowProfile, "low-profile", false, "encode 8-bit Main profile output")
	set.BoolVar(&f.hwaccel, "hwaccel", false, "encode using the hardware encoder")
	set.StringVar(&f.preset, "preset", "", "encoder preset")
	set.Var(&f.crf, "crf", "constant rate factor (constant quality with --hwaccel)")
	set.BoolVar(&f.vbr, "vbr", false, "encode with a variable bit rate")
	set.Var(&f.bitRate, "bitrate", "target bit rate in kbps (with --vbr)")
	set.Var(&f.vbrMin, "min-bitrate-vbr", "minimum bit rate in kbps (with --vbr)")
	set.Var(&f.vbrMax, "max-bitrate-vbr", "maximum bit rate in kbps (with --vbr)")
	set.BoolVar(&f.keepCodecs, "keep-codecs", false, "stream copy every audio and subtitle stream")
	set.BoolVar(&f.noSpaceCheck, "no-space-check", false, "skip the free space check before transcoding")

	set.StringVar(&f.configPath, "config", os.Getenv("HEVCIFY_CONFIG"), "YAML configuration file")
	set.StringVar(&f.catalogPath, "catalog", "", "catalog file (default "+internal.DefaultCatalogPath+")")
	set.StringVar(&f.logPath, "log", "", "append logs to this file")
	set.BoolVar(&f.verbose, "v", false, "verbose output")
	set.BoolVar(&f.veryVerbose, "vv", false, "very verbose output, including ffmpeg")
	set.BoolVar(&f.quiet, "q", false, "only print errors")
	set.BoolVar(&f.noColor, "no-color", false, "disable colored output")

	if err := set.Parse(args); err != nil {
		return nil, set, err
	}
	if set.NArg() > 0 {
		return nil, set, fmt.Errorf("unexpected argument %q", set.Arg(0))
	}
	if f.count < 0 {
		return nil, set, errors.New("-n must not be negative")
	}

	return f, set, nil
}

// apply overrides the loaded config with any flags given on the command line.
func (f *flags) apply(config *internal.HevcifyConfig) {
	if f.catalogPath != "" {
		config.CatalogPath = f.catalogPath
	}
	if f.logPath != "" {
		config.LogFilePath = f.logPath
	}

	override(&config.Policy.MinHeight, f.minHeight)
	override(&config.Policy.MaxHeight, f.maxHeight)
	override(&config.Policy.TargetHeight, f.height)
	if f.minBitRate.set {
		config.Policy.MinBitRate = int64(f.minBitRate.value)
	}
	if f.maxBitRate.set {
		config.Policy.MaxBitRate = int64(f.maxBitRate.value)
	}
	config.Policy.EnforceProfile = config.Policy.EnforceProfile || f.enforceProfile
	config.Policy.Force = config.Policy.Force || f.force

	e := &config.Encoder
	e.LowProfile = e.LowProfile || f.lowProfile
	e.HardwareAccelerated = e.HardwareAccelerated || f.hwaccel
	e.VariableBitRate = e.VariableBitRate || f.vbr
	e.KeepCodecs = e.KeepCodecs || f.keepCodecs
	e.SkipSpaceCheck = e.SkipSpaceCheck || f.noSpaceCheck
	if f.preset != "" {
		e.Preset = f.preset
	}
	override(&e.CRF, f.crf)
	override(&e.BitRate, f.bitRate)
	override(&e.MinBitRate, f.vbrMin)
	override(&e.MaxBitRate, f.vbrMax)
}

func (f *flags) command() (internal.Command, error) {
	cmd := internal.Command{
		AddPaths:      f.paths,
		AddBlacklist:  f.blacklist,
		ClearErrors:   f.clearErrors,
		ListPaths:     f.list,
		ListBlacklist: f.listBlacklist,
		ListErrors:    f.listErrors,
		ShowSaved:     f.saved,
		ShowStatus:    f.status,
		Scan:          f.scan,
		Watch:         f.watch,
		Count:         f.count,
		Focus:         f.focus,
	}

	if f.clear != "" {
		buckets, err := library.ParseBuckets(f.clear)
		if err != nil {
			return cmd, err
		}
		cmd.Clear = buckets
	}

	return cmd, nil
}

func (f *flags) configureLogging() {
	switch {
	case f.quiet:
		logger.SetMinLoggingLevel(logger.ERROR.Level())
	case f.veryVerbose:
		logger.SetMinLoggingLevel(logger.VERBOSE.Level())
	case f.verbose:
		logger.SetMinLoggingLevel(logger.DEBUG.Level())
	default:
		logger.SetMinLoggingLevel(logger.INFO.Level())
	}

	logger.SetColorEnabled(!f.noColor)
}

func override(dst *int, src optionalInt) {
	if src.set {
		*dst = src.value
	}
}

func run(ctx context.Context, args []string) int {
	f, set, err := parseFlags(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		set.Usage()
		return exitUsage
	}
	f.configureLogging()

	cmd, err := f.command()
	if err != nil {
		log.Emit(logger.ERROR, "%v\n", err)
		return exitUsage
	}
	if cmd.IsEmpty() {
		set.Usage()
		return exitUsage
	}

	config, err := internal.LoadConfig(f.configPath)
	if err != nil {
		log.Emit(logger.ERROR, "%v\n", err)
		return exitFailure
	}
	f.apply(config)
	if err := config.Validate(); err != nil {
		log.Emit(logger.ERROR, "%v\n", err)
		return exitUsage
	}

	if config.LogFilePath != "" {
		if err := logger.SetOutputFile(config.LogFilePath); err != nil {
			log.Emit(logger.ERROR, "%v\n", err)
			return exitFailure
		}
		defer logger.Close()
	}

	app, err := internal.New(config, f.veryVerbose, os.Stdout)
	if err != nil {
		log.Emit(logger.ERROR, "%v\n", err)
		return exitFailure
	}
	defer app.Close()

	return exitCode(app.Execute(ctx, cmd))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, transcode.ErrCancelled), errors.Is(err, context.Canceled):
		log.Emit(logger.STOP, "Cancelled\n")
		return exitCancelled
	case errors.Is(err, library.ErrExhaustedLibrary):
		log.Emit(logger.WARNING, "%v\n", err)
		return exitExhausted
	case errors.Is(err, library.ErrInvalidDirectory), errors.Is(err, library.ErrUnknownBucket):
		log.Emit(logger.ERROR, "%v\n", err)
		return exitUsage
	case errors.Is(err, internal.ErrFilesFailed):
		return exitFailure
	}

	log.Emit(logger.ERROR, "%v\n", err)
	return exitFailure
}

// main is the entry point to the program. An interrupt cancels the
// context, which rolls back any transcode in progress before exiting.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()

	os.Exit(code)
}
